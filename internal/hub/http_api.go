package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/kioskhub/kioskhub/internal/shared"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const maxRequestBody = 1 << 20

type HTTPAPI struct {
	coord         *Coordinator
	hub           *Hub
	audit         *AuditLogger
	healthChecker *HealthChecker
	logger        *zap.Logger
}

func NewHTTPAPI(coord *Coordinator, logger *zap.Logger) *HTTPAPI {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPAPI{coord: coord, logger: logger}
}

func (a *HTTPAPI) SetHub(hub *Hub) {
	a.hub = hub
}

func (a *HTTPAPI) SetAuditLogger(al *AuditLogger) {
	a.audit = al
}

func (a *HTTPAPI) SetHealthChecker(hc *HealthChecker) {
	a.healthChecker = hc
}

func (a *HTTPAPI) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.handleLiveness)
	mux.HandleFunc("GET /readyz", a.handleReadiness)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/v1/devices", a.handleListDevices)
	mux.HandleFunc("GET /api/v1/storage", a.handleGetStorage)
	mux.HandleFunc("POST /api/v1/storage", a.handlePatchStorage)
	mux.HandleFunc("POST /api/v1/direct", a.handleDirect)
	mux.HandleFunc("GET /api/v1/status", a.handleGetStatus)
	mux.HandleFunc("POST /api/v1/status/{command}", a.handleStatusCommand)
	mux.HandleFunc("POST /api/v1/reset", a.handleReset)
	mux.HandleFunc("GET /api/v1/admin", a.handleAdmin)
	mux.HandleFunc("GET /api/v1/audit", a.handleAudit)
	mux.HandleFunc("POST /api/v1/hardware/heartbeat", a.handleHardwareHeartbeat)
	mux.HandleFunc("POST /api/v1/hardware/event", a.handleHardwareEvent)
	if a.hub != nil {
		mux.HandleFunc("GET /ws", a.hub.ServeWS)
	}

	return a.withCorrelationID(mux)
}

type apiResponse struct {
	Data interface{} `json:"data"`
	Meta *apiMeta    `json:"meta,omitempty"`
}

type apiMeta struct {
	Total int `json:"total"`
	Limit int `json:"limit,omitempty"`
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (a *HTTPAPI) withCorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(shared.WithCorrelationID(r.Context(), id)))
	})
}

func (a *HTTPAPI) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if a.healthChecker == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
		return
	}
	writeJSON(w, http.StatusOK, a.healthChecker.CheckLiveness(r.Context()))
}

func (a *HTTPAPI) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if a.healthChecker == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}

	result := a.healthChecker.CheckReadiness(r.Context())
	statusCode := http.StatusOK
	if result.Status != HealthHealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, result)
}

func (a *HTTPAPI) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices := a.coord.Registry.List()
	if typ := r.URL.Query().Get("type"); typ != "" {
		filtered := devices[:0]
		for _, d := range devices {
			if d.DeviceType == typ {
				filtered = append(filtered, d)
			}
		}
		devices = filtered
	}
	writeJSON(w, http.StatusOK, apiResponse{Data: devices, Meta: &apiMeta{Total: len(devices)}})
}

func (a *HTTPAPI) handleGetStorage(w http.ResponseWriter, r *http.Request) {
	var keys []string
	if raw := r.URL.Query().Get("keys"); raw != "" {
		for _, k := range strings.Split(raw, ",") {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
	}
	state := a.coord.Storage.Snapshot(keys)
	writeJSON(w, http.StatusOK, apiResponse{Data: state, Meta: &apiMeta{Total: len(state)}})
}

func (a *HTTPAPI) handlePatchStorage(w http.ResponseWriter, r *http.Request) {
	var req shared.StorageModifyPayload
	if !a.decode(w, r, &req) {
		return
	}
	if len(req.Patch) == 0 {
		writeError(w, http.StatusBadRequest, "patch is required", "INVALID_REQUEST")
		return
	}

	changed, err := a.coord.PatchStorage(req.Patch, PatchOptions{Persist: req.Persist, PersistKeys: req.PersistKeys})
	if err != nil {
		a.fail(w, r, "storage patch failed", err)
		return
	}
	if changed == nil {
		changed = []string{}
	}
	writeJSON(w, http.StatusOK, apiResponse{Data: map[string]interface{}{"changedKeys": changed}})
}

func (a *HTTPAPI) handleDirect(w http.ResponseWriter, r *http.Request) {
	var req shared.DirectExecutePayload
	if !a.decode(w, r, &req) {
		return
	}

	env := EnvelopeFromPayload(req)
	if env.Source == "" {
		env.Source = "http"
	}
	exec, err := a.coord.Direct(env, a.origin(r))
	if err != nil {
		a.fail(w, r, "direct command failed", err)
		return
	}
	shared.LogWithContext(r.Context(), a.logger, "direct command accepted",
		zap.String("target", env.Target),
		zap.String("command", env.Command),
		zap.Int("recipients", len(exec.Recipients)),
	)
	writeJSON(w, http.StatusAccepted, apiResponse{Data: exec, Meta: &apiMeta{Total: len(exec.Recipients)}})
}

func (a *HTTPAPI) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, apiResponse{Data: a.coord.Status.Snapshot()})
}

func (a *HTTPAPI) handleStatusCommand(w http.ResponseWriter, r *http.Request) {
	var req shared.StatusCommandPayload
	if r.ContentLength != 0 && !a.decode(w, r, &req) {
		return
	}

	snap, err := a.coord.StatusCommand(r.PathValue("command"), statusCommandFromPayload(req), a.origin(r))
	if err != nil {
		a.fail(w, r, "status command failed", err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Data: snap})
}

func (a *HTTPAPI) handleReset(w http.ResponseWriter, r *http.Request) {
	var req shared.ResetPayload
	if r.ContentLength != 0 && !a.decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusAccepted, apiResponse{Data: a.coord.Reset(req, a.origin(r))})
}

func (a *HTTPAPI) handleAdmin(w http.ResponseWriter, r *http.Request) {
	if a.coord.Admin == nil {
		writeError(w, http.StatusServiceUnavailable, "admin aggregation disabled", "UNAVAILABLE")
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Data: a.coord.Admin.Snapshot()})
}

func (a *HTTPAPI) handleAudit(w http.ResponseWriter, r *http.Request) {
	if a.audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit log disabled", "UNAVAILABLE")
		return
	}

	limit := parseIntParam(r.URL.Query().Get("limit"), 50)
	var (
		entries []AuditEntry
		err     error
	)
	if action := r.URL.Query().Get("action"); action != "" {
		entries, err = a.audit.QueryByAction(action, limit)
	} else {
		entries, err = a.audit.Recent(limit)
	}
	if err != nil {
		a.fail(w, r, "audit query failed", err)
		return
	}
	if entries == nil {
		entries = []AuditEntry{}
	}
	writeJSON(w, http.StatusOK, apiResponse{Data: entries, Meta: &apiMeta{Total: len(entries), Limit: limit}})
}

func (a *HTTPAPI) handleHardwareHeartbeat(w http.ResponseWriter, r *http.Request) {
	var hb HardwareHeartbeat
	if !a.decode(w, r, &hb) {
		return
	}
	hb.IP = shared.ClientIP(r)

	device, err := a.coord.HardwareHeartbeat(hb)
	if err != nil {
		a.fail(w, r, "hardware heartbeat rejected", err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Data: device})
}

func (a *HTTPAPI) handleHardwareEvent(w http.ResponseWriter, r *http.Request) {
	var ev HardwareEvent
	if !a.decode(w, r, &ev) {
		return
	}
	if ev.Event == "" {
		writeError(w, http.StatusBadRequest, "event is required", "INVALID_REQUEST")
		return
	}

	recorded, err := a.coord.HardwareEvent(ev)
	if err != nil {
		a.fail(w, r, "hardware event rejected", err)
		return
	}
	writeJSON(w, http.StatusAccepted, apiResponse{Data: recorded})
}

func (a *HTTPAPI) origin(r *http.Request) Origin {
	actor := r.Header.Get("X-Operator")
	if actor == "" {
		actor = "http"
	}
	return Origin{Actor: actor, IP: shared.ClientIP(r)}
}

func (a *HTTPAPI) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), "INVALID_REQUEST")
		return false
	}
	return true
}

func (a *HTTPAPI) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status, code := classifyError(err)
	if status >= http.StatusInternalServerError {
		shared.LogErrorWithContext(r.Context(), a.logger, msg, err)
	}
	writeError(w, status, err.Error(), code)
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, ErrMissingTarget), errors.Is(err, ErrMissingCommand),
		errors.Is(err, ErrMissingDeviceID), errors.Is(err, ErrMissingDeviceType),
		errors.Is(err, shared.ErrInvalidPayload):
		return http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, ErrUnknownStatusCommand):
		return http.StatusNotFound, "UNKNOWN_STATUS_COMMAND"
	case errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict, "INVALID_TRANSITION"
	case errors.Is(err, ErrUnknownCommand):
		return http.StatusUnprocessableEntity, "UNKNOWN_COMMAND"
	case errors.Is(err, ErrCommandNotAllowed):
		return http.StatusUnprocessableEntity, "COMMAND_NOT_ALLOWED"
	case errors.Is(err, ErrHardwareDeviceUnknown):
		return http.StatusUnprocessableEntity, "HARDWARE_UNKNOWN"
	case errors.Is(err, ErrDeliveryIncomplete):
		return http.StatusBadGateway, "DELIVERY_FAILED"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, code string) {
	writeJSON(w, status, apiError{Error: message, Code: code})
}

func parseIntParam(s string, defaultVal int) int {
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	return v
}
