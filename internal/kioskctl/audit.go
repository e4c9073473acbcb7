package kioskctl

import (
	"strconv"
	"time"
)

type AuditEntryJSON struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	Target     string    `json:"target"`
	Args       string    `json:"args,omitempty"`
	Result     string    `json:"result"`
	Error      string    `json:"error,omitempty"`
	DurationMs int       `json:"durationMs"`
	IPAddress  string    `json:"ipAddress,omitempty"`
}

func ListAudit(client *HTTPClient, action string, limit int) ([]AuditEntryJSON, error) {
	query := map[string]string{}
	if action != "" {
		query["action"] = action
	}
	if limit > 0 {
		query["limit"] = strconv.Itoa(limit)
	}

	body, err := client.Get("/api/v1/audit", query)
	if err != nil {
		return nil, err
	}

	var entries []AuditEntryJSON
	if err := ParseResponse(body, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}
