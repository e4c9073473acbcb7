package kioskctl

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func respond(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
}

func TestHTTPClientSendsOperator(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Operator"); got != "front-desk" {
			t.Errorf("expected X-Operator front-desk, got %q", got)
		}
		respond(w, http.StatusOK, []string{})
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "front-desk")
	if _, err := client.Get("/api/v1/devices", nil); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
}

func TestHTTPClientErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"conflict", http.StatusConflict, `{"error":"cannot pause from idle","code":"INVALID_TRANSITION"}`, "rejected: cannot pause from idle"},
		{"unknown command", http.StatusUnprocessableEntity, `{"error":"unknown command","code":"UNKNOWN_COMMAND"}`, "command refused (UNKNOWN_COMMAND): unknown command"},
		{"bad gateway", http.StatusBadGateway, `{"error":"hardware unreachable","code":"DELIVERY_FAILED"}`, "delivery failed: hardware unreachable"},
		{"plain 404", http.StatusNotFound, `404 page not found`, "resource not found"},
		{"plain 500", http.StatusInternalServerError, ``, "server error (status 500)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer server.Close()

			_, err := NewHTTPClient(server.URL, "").Get("/x", nil)
			if err == nil {
				t.Fatal("expected error")
			}
			if err.Error() != tt.wantErr {
				t.Fatalf("expected %q, got %q", tt.wantErr, err.Error())
			}
		})
	}
}

func TestHTTPClientConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := NewHTTPClient(url, "").Get("/api/v1/status", nil)
	if err == nil || !strings.Contains(err.Error(), "failed to connect to hub") {
		t.Fatalf("expected connection error, got %v", err)
	}
}

func TestListDevicesFilter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/devices" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("type"); got != "timer" {
			t.Errorf("expected type=timer, got %q", got)
		}
		respond(w, http.StatusOK, []DeviceJSON{
			{DeviceType: "timer", InstanceID: "t1", Status: "online"},
		})
	}))
	defer server.Close()

	devices, err := ListDevices(NewHTTPClient(server.URL, ""), "timer")
	if err != nil {
		t.Fatalf("ListDevices failed: %v", err)
	}
	if len(devices) != 1 || devices[0].InstanceID != "t1" {
		t.Fatalf("unexpected devices: %+v", devices)
	}
}

func TestSendStatusCommand(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/status/start" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req StatusRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.DurationSeconds == nil || *req.DurationSeconds != 900 {
			t.Errorf("expected durationSeconds 900, got %v", req.DurationSeconds)
		}
		respond(w, http.StatusOK, map[string]interface{}{
			"status": map[string]interface{}{"phase": "running", "at": 1},
			"timer":  map[string]interface{}{"totalMs": 900000, "remainingMs": 900000, "phase": "running"},
		})
	}))
	defer server.Close()

	d := 900.0
	status, err := SendStatusCommand(NewHTTPClient(server.URL, ""), "start", StatusRequest{DurationSeconds: &d})
	if err != nil {
		t.Fatalf("SendStatusCommand failed: %v", err)
	}
	if status.Status.Phase != "running" || status.Timer.TotalMs != 900000 {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestSendStatusCommandRejectsUnknown(t *testing.T) {
	if _, err := SendStatusCommand(NewHTTPClient("http://unused", ""), "explode", StatusRequest{}); err == nil {
		t.Fatal("expected error for unknown status command")
	}
}

func TestDirect(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req DirectRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Target != "photobooth" || req.Command != "show" || req.TargetInstanceID != "l2" {
			t.Errorf("unexpected request: %+v", req)
		}
		respond(w, http.StatusAccepted, DirectResultJSON{
			Event:      "photobooth:show",
			Transport:  "socket",
			Recipients: []RecipientJSON{{DeviceType: "photobooth", InstanceID: "l2", Transport: "socket"}},
		})
	}))
	defer server.Close()

	result, err := Direct(NewHTTPClient(server.URL, ""), DirectRequest{
		Target:           "photobooth",
		Command:          "show",
		Payload:          json.RawMessage(`{"slide":1}`),
		TargetInstanceID: "l2",
	})
	if err != nil {
		t.Fatalf("Direct failed: %v", err)
	}
	if len(result.Recipients) != 1 || result.Event != "photobooth:show" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestDirectValidatesLocally(t *testing.T) {
	client := NewHTTPClient("http://unused", "")
	if _, err := Direct(client, DirectRequest{Target: "photobooth"}); err == nil {
		t.Fatal("expected error for missing command")
	}
	if _, err := Direct(client, DirectRequest{Target: "photobooth", Command: "show", Payload: json.RawMessage(`{`)}); err == nil {
		t.Fatal("expected error for invalid payload")
	}
}

func TestStorageGetAndSet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			if got := r.URL.Query().Get("keys"); got != "score,lives" {
				t.Errorf("expected keys=score,lives, got %q", got)
			}
			respond(w, http.StatusOK, map[string]interface{}{"score": 10})
		case http.MethodPost:
			var req StoragePatch
			json.NewDecoder(r.Body).Decode(&req)
			if !req.Persist || string(req.Patch["score"]) != "11" {
				t.Errorf("unexpected patch: %+v", req)
			}
			respond(w, http.StatusOK, map[string]interface{}{"changedKeys": []string{"score"}})
		}
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "")
	state, err := GetStorage(client, []string{"score", "lives"})
	if err != nil {
		t.Fatalf("GetStorage failed: %v", err)
	}
	if string(state["score"]) != "10" {
		t.Fatalf("unexpected state: %v", state)
	}

	changed, err := SetStorage(client, StoragePatch{Patch: map[string]json.RawMessage{"score": json.RawMessage("11")}, Persist: true})
	if err != nil {
		t.Fatalf("SetStorage failed: %v", err)
	}
	if len(changed) != 1 || changed[0] != "score" {
		t.Fatalf("unexpected changed keys: %v", changed)
	}
}

func TestParseAssignments(t *testing.T) {
	patch, err := ParseAssignments([]string{"score=12", "name=alice", `flags={"a":true}`, "note="})
	if err != nil {
		t.Fatalf("ParseAssignments failed: %v", err)
	}
	want := map[string]string{
		"score": "12",
		"name":  `"alice"`,
		"flags": `{"a":true}`,
		"note":  `""`,
	}
	for k, v := range want {
		if string(patch[k]) != v {
			t.Errorf("%s: expected %s, got %s", k, v, patch[k])
		}
	}

	if _, err := ParseAssignments([]string{"novalue"}); err == nil {
		t.Fatal("expected error for missing '='")
	}
}

func TestListAudit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("action") != "reset" || q.Get("limit") != "5" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		respond(w, http.StatusOK, []AuditEntryJSON{{ID: "a1", Actor: "gm", Action: "reset", Result: "success"}})
	}))
	defer server.Close()

	entries, err := ListAudit(NewHTTPClient(server.URL, ""), "reset", 5)
	if err != nil {
		t.Fatalf("ListAudit failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Actor != "gm" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestResetAndAdmin(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/reset":
			respond(w, http.StatusAccepted, ResetJSON{Reason: "next group", Source: "gm", At: 42})
		case "/api/v1/admin":
			respond(w, http.StatusOK, AdminStateJSON{Devices: []AdminDeviceJSON{{DeviceType: "timer", InstanceID: "t1", Status: "online", LastError: ""}}})
		}
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "gm")
	reset, err := Reset(client, ResetRequest{Reason: "next group"})
	if err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if reset.At != 42 {
		t.Fatalf("unexpected reset: %+v", reset)
	}

	state, err := GetAdmin(client)
	if err != nil {
		t.Fatalf("GetAdmin failed: %v", err)
	}
	if len(state.Devices) != 1 {
		t.Fatalf("unexpected admin state: %+v", state)
	}
}
