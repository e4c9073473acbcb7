package kioskctl

import (
	"encoding/json"
	"fmt"
	"time"
)

type DirectRequest struct {
	Target           string          `json:"target"`
	Command          string          `json:"command"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	TargetInstanceID string          `json:"targetInstanceId,omitempty"`
	Source           string          `json:"source,omitempty"`
}

type RecipientJSON struct {
	DeviceType string `json:"deviceType"`
	InstanceID string `json:"instanceId"`
	Transport  string `json:"transport"`
}

type DirectResultJSON struct {
	Event      string          `json:"event"`
	Transport  string          `json:"transport"`
	Recipients []RecipientJSON `json:"recipients"`
	At         time.Time       `json:"at"`
}

func Direct(client *HTTPClient, req DirectRequest) (*DirectResultJSON, error) {
	if req.Target == "" || req.Command == "" {
		return nil, fmt.Errorf("target and command are required")
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}

	body, err := client.Post("/api/v1/direct", req)
	if err != nil {
		return nil, err
	}

	var result DirectResultJSON
	if err := ParseResponse(body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
