package kioskctl

import (
	"fmt"
)

type StatusJSON struct {
	Status struct {
		Phase    string `json:"phase"`
		Note     string `json:"note,omitempty"`
		Operator string `json:"operator,omitempty"`
		At       int64  `json:"at"`
		Result   string `json:"result,omitempty"`
	} `json:"status"`
	Timer struct {
		TotalMs     int64  `json:"totalMs"`
		RemainingMs int64  `json:"remainingMs"`
		StartedAt   *int64 `json:"startedAt"`
		Phase       string `json:"phase"`
	} `json:"timer"`
}

type StatusRequest struct {
	Note            string   `json:"note,omitempty"`
	Operator        string   `json:"operator,omitempty"`
	DurationSeconds *float64 `json:"durationSeconds,omitempty"`
}

var statusCommands = map[string]bool{"start": true, "pause": true, "restart": true, "win": true}

func GetStatus(client *HTTPClient) (*StatusJSON, error) {
	body, err := client.Get("/api/v1/status", nil)
	if err != nil {
		return nil, err
	}

	var status StatusJSON
	if err := ParseResponse(body, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// SendStatusCommand runs start, pause, restart or win and returns the
// resulting snapshot.
func SendStatusCommand(client *HTTPClient, command string, req StatusRequest) (*StatusJSON, error) {
	if !statusCommands[command] {
		return nil, fmt.Errorf("unknown status command %q (want start, pause, restart or win)", command)
	}

	body, err := client.Post("/api/v1/status/"+command, req)
	if err != nil {
		return nil, err
	}

	var status StatusJSON
	if err := ParseResponse(body, &status); err != nil {
		return nil, err
	}
	return &status, nil
}
