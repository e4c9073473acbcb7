package hub

import (
	"errors"
	"math"
	"time"

	"go.uber.org/zap"
)

var (
	ErrInvalidTransition = errors.New("status: invalid transition")
	ErrStatusStopped     = errors.New("status machine stopped")
)

type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseRunning Phase = "running"
	PhasePaused  Phase = "paused"
	PhaseWon     Phase = "won"
)

const (
	ResultManual  = "manual"
	ResultTimeout = "timeout"
)

const (
	StorageKeyStatus = "status"
	StorageKeyTimer  = "timer"
)

const (
	defaultTimerDuration = time.Hour
	statusTickInterval   = time.Second

	// Longer durations are treated as invalid so the millisecond count
	// cannot overflow.
	maxDurationSeconds = 7 * 24 * 60 * 60
)

// StatusCommand carries the optional fields accepted by every transition.
type StatusCommand struct {
	At              time.Time
	Note            string
	Operator        string
	DurationSeconds *float64
}

type StatusInfo struct {
	Phase    Phase  `json:"phase"`
	Note     string `json:"note,omitempty"`
	Operator string `json:"operator,omitempty"`
	At       int64  `json:"at"`
	Result   string `json:"result,omitempty"`
}

type TimerInfo struct {
	TotalMs     int64  `json:"totalMs"`
	RemainingMs int64  `json:"remainingMs"`
	StartedAt   *int64 `json:"startedAt"`
	Phase       Phase  `json:"phase"`
}

// StatusSnapshot is what every transition writes into storage.
type StatusSnapshot struct {
	Status StatusInfo `json:"status"`
	Timer  TimerInfo  `json:"timer"`
}

type StatusChangedEvent struct {
	Command  string
	Snapshot StatusSnapshot
}

// StatusStore is the part of the storage service the state machine
// writes through.
type StatusStore interface {
	PatchValues(values map[string]interface{}, opts PatchOptions) ([]string, error)
}

type StatusOption func(*StatusMachine)

func WithDefaultDuration(d time.Duration) StatusOption {
	return func(s *StatusMachine) {
		if d > 0 {
			s.durationMs = d.Milliseconds()
		}
	}
}

func WithStatusClock(now func() time.Time) StatusOption {
	return func(s *StatusMachine) { s.now = now }
}

// WithManualTicks disables the wall-clock ticker; ticks are driven by Tick.
func WithManualTicks() StatusOption {
	return func(s *StatusMachine) { s.manualTicks = true }
}

// StatusMachine is the single authoritative countdown. Elapsed time is
// always measured on the hub clock.
type StatusMachine struct {
	actor  *actor
	store  StatusStore
	bus    *Bus
	logger *zap.Logger
	now    func() time.Time

	manualTicks bool

	phase       Phase
	durationMs  int64
	remainingMs int64
	baseMs      int64
	startedAt   *time.Time
	info        StatusInfo

	ticking    bool
	tickerGen  uint64
	tickerStop chan struct{}
}

func NewStatusMachine(store StatusStore, bus *Bus, logger *zap.Logger, opts ...StatusOption) *StatusMachine {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &StatusMachine{
		store:      store,
		bus:        bus,
		logger:     logger,
		now:        time.Now,
		phase:      PhaseIdle,
		durationMs: defaultTimerDuration.Milliseconds(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.remainingMs = s.durationMs
	s.actor = newActor()
	return s
}

// Publish writes the current snapshot without a transition.
func (s *StatusMachine) Publish() StatusSnapshot {
	var snap StatusSnapshot
	s.actor.call(func() {
		s.info.At = s.now().UnixMilli()
		snap = s.commit("init")
	})
	return snap
}

// Start begins a countdown. A paused timer started without a duration
// resumes from its frozen remaining time.
func (s *StatusMachine) Start(cmd StatusCommand) (StatusSnapshot, error) {
	return s.transition("start", func() error {
		now := s.now()
		if s.phase == PhasePaused && !validDuration(cmd.DurationSeconds) {
			s.baseMs = s.remainingMs
		} else {
			s.applyDuration(cmd.DurationSeconds)
			s.remainingMs = s.durationMs
			s.baseMs = s.durationMs
		}
		s.startedAt = &now
		s.setPhase(PhaseRunning, cmd, "")
		s.startTicker()
		return nil
	})
}

func (s *StatusMachine) Pause(cmd StatusCommand) (StatusSnapshot, error) {
	return s.transition("pause", func() error {
		if s.phase != PhaseRunning {
			return ErrInvalidTransition
		}
		s.remainingMs = s.computeRemaining()
		s.stopTicker()
		s.setPhase(PhasePaused, cmd, "")
		return nil
	})
}

// Restart always begins again from the full duration.
func (s *StatusMachine) Restart(cmd StatusCommand) (StatusSnapshot, error) {
	return s.transition("restart", func() error {
		s.stopTicker()
		now := s.now()
		s.applyDuration(cmd.DurationSeconds)
		s.remainingMs = s.durationMs
		s.baseMs = s.durationMs
		s.startedAt = &now
		s.setPhase(PhaseRunning, cmd, "")
		s.startTicker()
		return nil
	})
}

func (s *StatusMachine) Win(cmd StatusCommand) (StatusSnapshot, error) {
	return s.transition("win", func() error {
		if s.phase == PhaseRunning {
			s.remainingMs = s.computeRemaining()
		}
		s.stopTicker()
		s.setPhase(PhaseWon, cmd, ResultManual)
		return nil
	})
}

// Tick recomputes the remaining time as the ticker would.
func (s *StatusMachine) Tick() StatusSnapshot {
	var snap StatusSnapshot
	s.actor.call(func() { snap = s.tick(s.tickerGen) })
	return snap
}

// Snapshot returns the current state without writing it.
func (s *StatusMachine) Snapshot() StatusSnapshot {
	var snap StatusSnapshot
	s.actor.call(func() {
		if s.phase == PhaseRunning {
			s.remainingMs = s.computeRemaining()
		}
		snap = s.snapshot()
	})
	return snap
}

// Ticking reports whether the countdown ticker is armed.
func (s *StatusMachine) Ticking() bool {
	var ticking bool
	s.actor.call(func() { ticking = s.ticking })
	return ticking
}

func (s *StatusMachine) Close() {
	s.actor.call(s.stopTicker)
	s.actor.stop()
}

func (s *StatusMachine) transition(name string, fn func() error) (StatusSnapshot, error) {
	var (
		snap StatusSnapshot
		err  error
	)
	ok := s.actor.call(func() {
		if err = fn(); err != nil {
			s.logger.Warn("rejected status command",
				zap.String("command", name),
				zap.String("phase", string(s.phase)),
				zap.Error(err),
			)
			snap = s.snapshot()
			return
		}
		snap = s.commit(name)
	})
	if !ok {
		return StatusSnapshot{}, ErrStatusStopped
	}
	return snap, err
}

func (s *StatusMachine) tick(gen uint64) StatusSnapshot {
	if s.phase != PhaseRunning || gen != s.tickerGen {
		return s.snapshot()
	}
	s.remainingMs = s.computeRemaining()
	if s.remainingMs > 0 {
		return s.commit("tick")
	}

	s.remainingMs = 0
	s.stopTicker()
	s.info = StatusInfo{
		Phase:  PhaseWon,
		At:     s.now().UnixMilli(),
		Result: ResultTimeout,
	}
	s.phase = PhaseWon
	s.logger.Info("countdown reached zero")
	return s.commit("timeout")
}

func (s *StatusMachine) commit(command string) StatusSnapshot {
	snap := s.snapshot()
	if s.store != nil {
		if _, err := s.store.PatchValues(map[string]interface{}{
			StorageKeyStatus: snap.Status,
			StorageKeyTimer:  snap.Timer,
		}, PatchOptions{}); err != nil {
			s.logger.Warn("failed to write status snapshot", zap.Error(err))
		}
	}
	if command != "tick" {
		GetMetrics().RecordStatusTransition(string(s.phase))
		s.logger.Info("status changed",
			zap.String("command", command),
			zap.String("phase", string(s.phase)),
			zap.Int64("remaining_ms", s.remainingMs),
			zap.Int64("total_ms", s.durationMs),
		)
	}
	s.bus.Publish(EventStatusChanged, StatusChangedEvent{Command: command, Snapshot: snap})
	return snap
}

func (s *StatusMachine) snapshot() StatusSnapshot {
	var startedAt *int64
	if s.startedAt != nil {
		ms := s.startedAt.UnixMilli()
		startedAt = &ms
	}
	info := s.info
	info.Phase = s.phase
	return StatusSnapshot{
		Status: info,
		Timer: TimerInfo{
			TotalMs:     s.durationMs,
			RemainingMs: s.remainingMs,
			StartedAt:   startedAt,
			Phase:       s.phase,
		},
	}
}

func (s *StatusMachine) setPhase(phase Phase, cmd StatusCommand, result string) {
	at := cmd.At
	if at.IsZero() {
		at = s.now()
	}
	s.phase = phase
	s.info = StatusInfo{
		Phase:    phase,
		Note:     cmd.Note,
		Operator: cmd.Operator,
		At:       at.UnixMilli(),
		Result:   result,
	}
}

func (s *StatusMachine) applyDuration(seconds *float64) {
	if validDuration(seconds) {
		s.durationMs = int64(*seconds * 1000)
	}
}

func (s *StatusMachine) computeRemaining() int64 {
	if s.startedAt == nil {
		return s.remainingMs
	}
	elapsed := s.now().Sub(*s.startedAt).Milliseconds()
	if elapsed < 0 {
		elapsed = 0
	}
	remaining := s.baseMs - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (s *StatusMachine) startTicker() {
	s.stopTicker()
	s.tickerGen++
	s.ticking = true
	if s.manualTicks {
		return
	}

	gen := s.tickerGen
	stop := make(chan struct{})
	s.tickerStop = stop
	go func() {
		ticker := time.NewTicker(statusTickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.actor.post(func() { s.tick(gen) })
			case <-stop:
				return
			}
		}
	}()
}

func (s *StatusMachine) stopTicker() {
	s.ticking = false
	if s.tickerStop != nil {
		close(s.tickerStop)
		s.tickerStop = nil
	}
}

func validDuration(seconds *float64) bool {
	return seconds != nil && *seconds > 0 && *seconds <= maxDurationSeconds && !math.IsNaN(*seconds)
}
