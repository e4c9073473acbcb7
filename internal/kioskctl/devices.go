package kioskctl

import "time"

type DeviceJSON struct {
	DeviceType     string                 `json:"deviceType"`
	InstanceID     string                 `json:"instanceId"`
	Status         string                 `json:"status"`
	Transport      string                 `json:"transport,omitempty"`
	ConnectedAt    *time.Time             `json:"connectedAt,omitempty"`
	LastSeenAt     *time.Time             `json:"lastSeenAt,omitempty"`
	DisconnectedAt *time.Time             `json:"disconnectedAt,omitempty"`
	LatencyMs      *int64                 `json:"latencyMs,omitempty"`
	IP             string                 `json:"ip,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// ListDevices returns the registry, optionally filtered to one device type.
func ListDevices(client *HTTPClient, deviceType string) ([]DeviceJSON, error) {
	var query map[string]string
	if deviceType != "" {
		query = map[string]string{"type": deviceType}
	}
	body, err := client.Get("/api/v1/devices", query)
	if err != nil {
		return nil, err
	}

	var devices []DeviceJSON
	if err := ParseResponse(body, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}
