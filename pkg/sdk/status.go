package sdk

import (
	"encoding/json"

	"github.com/kioskhub/kioskhub/internal/shared"
)

// Status mirrors the "status" storage key.
type Status struct {
	Phase    string `json:"phase"`
	Note     string `json:"note,omitempty"`
	Operator string `json:"operator,omitempty"`
	At       int64  `json:"at"`
	Result   string `json:"result,omitempty"`
}

// Timer mirrors the "timer" storage key.
type Timer struct {
	TotalMs     int64  `json:"totalMs"`
	RemainingMs int64  `json:"remainingMs"`
	StartedAt   *int64 `json:"startedAt"`
	Phase       string `json:"phase"`
}

type StatusSnapshot struct {
	Status Status
	Timer  Timer
}

type StatusHandler func(StatusSnapshot)

// StatusOptions are the optional fields of a lifecycle command.
type StatusOptions struct {
	Note     string
	Operator string
	// DurationSeconds overrides the configured session length. Zero keeps it.
	DurationSeconds float64
}

// StatusAPI drives the session lifecycle: start, pause, restart, win.
type StatusAPI struct {
	c *Client
}

func (c *Client) Status() *StatusAPI { return &StatusAPI{c: c} }

func (s *StatusAPI) Start(opts StatusOptions) error {
	return s.command(shared.MessageTypeStatusStart, opts)
}

func (s *StatusAPI) Pause(opts StatusOptions) error {
	return s.command(shared.MessageTypeStatusPause, opts)
}

func (s *StatusAPI) Restart(opts StatusOptions) error {
	return s.command(shared.MessageTypeStatusRestart, opts)
}

func (s *StatusAPI) Win(opts StatusOptions) error {
	return s.command(shared.MessageTypeStatusWin, opts)
}

func (s *StatusAPI) command(msgType shared.MessageType, opts StatusOptions) error {
	p := shared.StatusCommandPayload{
		At:       s.c.now().UnixMilli(),
		Note:     opts.Note,
		Operator: opts.Operator,
	}
	if opts.DurationSeconds > 0 {
		d := opts.DurationSeconds
		p.DurationSeconds = &d
	}
	return s.c.send(msgType, "", p)
}

// OnChange calls h whenever the status or timer keys change, and once
// with the current values after each (re)subscribe.
func (s *StatusAPI) OnChange(h StatusHandler) (unsubscribe func(), err error) {
	return s.c.Storage().Subscribe(func(u StorageUpdate) {
		snap, ok := decodeStatus(u.State)
		if !ok {
			return
		}
		h(snap)
	}, "status", "timer")
}

func decodeStatus(state map[string]json.RawMessage) (StatusSnapshot, bool) {
	var snap StatusSnapshot
	raw, ok := state["status"]
	if !ok {
		return snap, false
	}
	if err := json.Unmarshal(raw, &snap.Status); err != nil {
		return snap, false
	}
	if raw, ok := state["timer"]; ok {
		if err := json.Unmarshal(raw, &snap.Timer); err != nil {
			return snap, false
		}
	}
	return snap, true
}
