package kioskctl

import (
	"encoding/json"
	"fmt"
	"strings"
)

type StoragePatch struct {
	Patch       map[string]json.RawMessage `json:"patch"`
	Persist     bool                       `json:"persist,omitempty"`
	PersistKeys []string                   `json:"persistKeys,omitempty"`
}

func GetStorage(client *HTTPClient, keys []string) (map[string]json.RawMessage, error) {
	var query map[string]string
	if len(keys) > 0 {
		query = map[string]string{"keys": strings.Join(keys, ",")}
	}
	body, err := client.Get("/api/v1/storage", query)
	if err != nil {
		return nil, err
	}

	state := make(map[string]json.RawMessage)
	if err := ParseResponse(body, &state); err != nil {
		return nil, err
	}
	return state, nil
}

// SetStorage merges patch and returns the keys whose value changed.
func SetStorage(client *HTTPClient, patch StoragePatch) ([]string, error) {
	if len(patch.Patch) == 0 {
		return nil, fmt.Errorf("patch is empty")
	}
	body, err := client.Post("/api/v1/storage", patch)
	if err != nil {
		return nil, err
	}

	var result struct {
		ChangedKeys []string `json:"changedKeys"`
	}
	if err := ParseResponse(body, &result); err != nil {
		return nil, err
	}
	return result.ChangedKeys, nil
}

// ParseAssignments turns key=value arguments into a patch. Values that
// parse as JSON are kept as JSON; anything else is stored as a string.
func ParseAssignments(args []string) (map[string]json.RawMessage, error) {
	patch := make(map[string]json.RawMessage, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid assignment %q (want key=value)", arg)
		}
		if json.Valid([]byte(value)) {
			patch[key] = json.RawMessage(value)
			continue
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		patch[key] = raw
	}
	return patch, nil
}
