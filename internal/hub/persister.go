package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultPersistDebounce = 50 * time.Millisecond

// PersistedState is the on-disk form of the durable subset of storage.
type PersistedState struct {
	Keys  []string                   `json:"keys"`
	State map[string]json.RawMessage `json:"state"`
}

// Persister coalesces bursts of durable changes into one write. Each
// MarkDirty cancels the pending timer and schedules a new one.
type Persister struct {
	path    string
	delay   time.Duration
	logger  *zap.Logger
	collect func() (PersistedState, bool)

	mu    sync.Mutex
	timer *time.Timer
	dirty bool

	writeMu sync.Mutex
}

func NewPersister(path string, delay time.Duration, logger *zap.Logger) *Persister {
	if logger == nil {
		logger = zap.NewNop()
	}
	if delay <= 0 {
		delay = defaultPersistDebounce
	}
	return &Persister{path: path, delay: delay, logger: logger}
}

func (p *Persister) Path() string { return p.path }

// Load reads the persistence file. A missing file yields an empty state.
func (p *Persister) Load() (PersistedState, error) {
	data, err := os.ReadFile(p.path)
	if errors.Is(err, fs.ErrNotExist) {
		return PersistedState{State: map[string]json.RawMessage{}}, nil
	}
	if err != nil {
		return PersistedState{}, fmt.Errorf("read %s: %w", p.path, err)
	}

	var file PersistedState
	if err := json.Unmarshal(data, &file); err != nil {
		return PersistedState{}, fmt.Errorf("parse %s: %w", p.path, err)
	}
	if file.State == nil {
		file.State = map[string]json.RawMessage{}
	}
	return file, nil
}

func (p *Persister) MarkDirty() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.dirty = true
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(p.delay, p.onTimer)
}

func (p *Persister) onTimer() {
	if err := p.Flush(); err != nil {
		p.logger.Warn("storage persistence failed", zap.String("path", p.path), zap.Error(err))
	}
}

// Flush writes immediately if anything is pending.
func (p *Persister) Flush() error {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	dirty := p.dirty
	p.dirty = false
	p.mu.Unlock()

	if !dirty || p.collect == nil {
		return nil
	}
	file, ok := p.collect()
	if !ok {
		return nil
	}
	if err := p.write(file); err != nil {
		GetMetrics().RecordPersistenceError()
		return err
	}
	return nil
}

func (p *Persister) write(file PersistedState) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encode storage file: %w", err)
	}
	if dir := filepath.Dir(p.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return fmt.Errorf("replace %s: %w", p.path, err)
	}
	p.logger.Debug("storage persisted", zap.String("path", p.path), zap.Int("keys", len(file.Keys)))
	return nil
}
