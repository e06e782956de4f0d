package health

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Component names reported by kegleveld.
const (
	ComponentHTTP          = "http"
	ComponentSettingsStore = "settings-store"
	ComponentFlowMonitor   = "flow-monitor"
	ComponentPersister     = "persister"
	ComponentGPIO          = "gpio"
	ComponentSimulator     = "simulator"
)

type Level int

const (
	LevelOK Level = iota
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelOK:
		return "ok"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(l))
	}
}

type Status struct {
	Level     Level          `json:"level"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Tracker maintains a thread-safe collection of component health statuses.
type Tracker struct {
	mu       sync.RWMutex
	statuses map[string]Status
}

func NewTracker() *Tracker {
	return &Tracker{statuses: make(map[string]Status)}
}

func (t *Tracker) Set(name string, status Status) {
	if t == nil {
		return
	}
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}
	t.mu.Lock()
	t.statuses[name] = status
	t.mu.Unlock()
}

func (t *Tracker) Setf(name string, level Level, format string, args ...any) {
	t.Set(name, Status{Level: level, Message: fmt.Sprintf(format, args...)})
}

// SetWithDetails records a status carrying structured context, e.g. the failing op.
func (t *Tracker) SetWithDetails(name string, level Level, msg string, details map[string]any) {
	t.Set(name, Status{Level: level, Message: msg, Details: details})
}

func (t *Tracker) Status(name string) (Status, bool) {
	if t == nil {
		return Status{}, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.statuses[name]
	return s, ok
}

func (t *Tracker) Snapshot() map[string]Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Status, len(t.statuses))
	for k, v := range t.statuses {
		out[k] = v
	}
	return out
}

// Names returns the tracked component names in lexical order.
func (t *Tracker) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.statuses))
	for k := range t.statuses {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (t *Tracker) Overall() Level {
	t.mu.RLock()
	defer t.mu.RUnlock()
	worst := LevelOK
	for _, st := range t.statuses {
		if st.Level > worst {
			worst = st.Level
		}
	}
	return worst
}

// Ready reports whether every required component exists and is not in error.
// Warnings do not block readiness: a flow monitor that failed one save keeps
// counting and should keep serving.
func (t *Tracker) Ready(required ...string) (bool, map[string]Status) {
	snapshot := t.Snapshot()
	ok := true
	for _, name := range required {
		st, exists := snapshot[name]
		if !exists || st.Level >= LevelError {
			ok = false
		}
	}
	return ok, snapshot
}
