package observability

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rl1809/site-ledger/internal/platform/logger"
)

// Hooks receives ledger-level signals: operation outcomes, optimistic
// conflicts, retries and invariant violations.
type Hooks interface {
	ObserveOperation(name, status string, dur time.Duration)
	IncConflict(name string)
	IncRetry(name string)
	InvariantViolation(name, kind, detail string)
}

type NoopHooks struct{}

func (NoopHooks) ObserveOperation(string, string, time.Duration) {}
func (NoopHooks) IncConflict(string)                             {}
func (NoopHooks) IncRetry(string)                                {}
func (NoopHooks) InvariantViolation(string, string, string)      {}

// LogHooks logs every signal and keeps process-wide counters that the
// operator surface reports.
type LogHooks struct {
	log *logger.Logger

	operations atomic.Int64
	failures   atomic.Int64
	conflicts  atomic.Int64
	retries    atomic.Int64
	violations atomic.Int64
}

func NewLogHooks(log *logger.Logger) *LogHooks {
	if log == nil {
		log = logger.Nop()
	}
	return &LogHooks{log: log.With("component", "hooks")}
}

func (h *LogHooks) ObserveOperation(name, status string, dur time.Duration) {
	h.operations.Add(1)
	if status != StatusSuccess {
		h.failures.Add(1)
	}
	h.log.Debug("operation", "op", strings.TrimSpace(name), "status", status, "duration_ms", dur.Milliseconds())
}

func (h *LogHooks) IncConflict(name string) {
	h.conflicts.Add(1)
	h.log.Info("optimistic conflict", "op", name)
}

func (h *LogHooks) IncRetry(name string) {
	h.retries.Add(1)
}

func (h *LogHooks) InvariantViolation(name, kind, detail string) {
	h.violations.Add(1)
	h.log.Warn("invariant rejected operation", "op", name, "kind", kind, "detail", detail)
}

type Counters struct {
	Operations int64 `json:"operations"`
	Failures   int64 `json:"failures"`
	Conflicts  int64 `json:"conflicts"`
	Retries    int64 `json:"retries"`
	Violations int64 `json:"violations"`
}

func (h *LogHooks) Snapshot() Counters {
	return Counters{
		Operations: h.operations.Load(),
		Failures:   h.failures.Load(),
		Conflicts:  h.conflicts.Load(),
		Retries:    h.retries.Load(),
		Violations: h.violations.Load(),
	}
}

const StatusSuccess = "success"

// Recorder captures hook signals in tests.
type Recorder struct {
	mu sync.Mutex

	Operations []OperationEvent
	Conflicts  []string
	Retries    []string
	Violations []string
}

type OperationEvent struct {
	Name     string
	Status   string
	Duration time.Duration
}

var (
	_ Hooks = NoopHooks{}
	_ Hooks = (*LogHooks)(nil)
	_ Hooks = (*Recorder)(nil)
)

func (r *Recorder) ObserveOperation(name, status string, dur time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Operations = append(r.Operations, OperationEvent{Name: name, Status: status, Duration: dur})
}

func (r *Recorder) IncConflict(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Conflicts = append(r.Conflicts, name)
}

func (r *Recorder) IncRetry(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Retries = append(r.Retries, name)
}

func (r *Recorder) InvariantViolation(name, kind, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Violations = append(r.Violations, name+":"+kind)
}

func (r *Recorder) Counts() (conflicts, retries, violations int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Conflicts), len(r.Retries), len(r.Violations)
}
