package kioskctl

import (
	"time"
)

type ResetRequest struct {
	Reason   string                 `json:"reason,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

type ResetJSON struct {
	Reason string `json:"reason,omitempty"`
	Source string `json:"source,omitempty"`
	At     int64  `json:"at,omitempty"`
}

func Reset(client *HTTPClient, req ResetRequest) (*ResetJSON, error) {
	body, err := client.Post("/api/v1/reset", req)
	if err != nil {
		return nil, err
	}

	var result ResetJSON
	if err := ParseResponse(body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

type AdminDeviceJSON struct {
	DeviceType    string     `json:"deviceType"`
	InstanceID    string     `json:"instanceId"`
	Status        string     `json:"status"`
	LatencyMs     *int64     `json:"latencyMs,omitempty"`
	IP            string     `json:"ip,omitempty"`
	LastSeenAt    *time.Time `json:"lastSeenAt,omitempty"`
	LastCommand   string     `json:"lastCommand,omitempty"`
	LastCommandAt *time.Time `json:"lastCommandAt,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
}

type AdminEventJSON struct {
	ID          string    `json:"id"`
	At          time.Time `json:"at"`
	Type        string    `json:"type"`
	Channel     string    `json:"channel"`
	Source      string    `json:"source,omitempty"`
	Target      string    `json:"target,omitempty"`
	Description string    `json:"description"`
}

type AdminStateJSON struct {
	Devices   []AdminDeviceJSON `json:"devices"`
	Events    []AdminEventJSON  `json:"events"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

func GetAdmin(client *HTTPClient) (*AdminStateJSON, error) {
	body, err := client.Get("/api/v1/admin", nil)
	if err != nil {
		return nil, err
	}

	var state AdminStateJSON
	if err := ParseResponse(body, &state); err != nil {
		return nil, err
	}
	return &state, nil
}
