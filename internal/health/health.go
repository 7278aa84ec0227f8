// Package health implements HealthManager, the 3-strike
// dereference/re-reference state machine and bounded-concurrency recovery
// permits described in SPEC_FULL.md §4.4.
package health

import (
	"sync"
	"time"
)

// StatusKind is the variant tag of a TrackHealthRecord's status.
type StatusKind string

const (
	Healthy      StatusKind = "healthy"
	Recovered    StatusKind = "recovered"
	Degraded     StatusKind = "degraded"
	Dereferenced StatusKind = "dereferenced"
)

// Status carries the Degraded{n} payload; N is only meaningful when
// Kind == Degraded.
type Status struct {
	Kind StatusKind
	N    int
}

func (s Status) String() string {
	if s.Kind == Degraded {
		return "degraded"
	}
	return string(s.Kind)
}

// Record is a single track's health state.
type Record struct {
	ContentHash    string
	OriginNode     string
	FailedAttempts int
	LastAttempt    *time.Time
	Status         Status
}

// Config mirrors SPEC_FULL.md §4.4's HealthManager configuration.
type Config struct {
	MaxConcurrentRecoveries int
	MonitorInterval         time.Duration
	MaxRetryAttempts        int
	BatchSize               int
}

// DefaultConfig matches the defaults named in spec.md §4.4.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentRecoveries: 32,
		MonitorInterval:         10 * time.Minute,
		MaxRetryAttempts:        3,
		BatchSize:               500,
	}
}

// Manager owns the content_hash -> Record map and the recovery semaphore.
// No operation holds the map lock across a suspension point.
type Manager struct {
	cfg Config

	mu      sync.RWMutex
	records map[string]*Record

	permits chan struct{}
	now     func() time.Time
}

// NewManager creates a Manager with the given configuration.
func NewManager(cfg Config) *Manager {
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = 3
	}
	if cfg.MaxConcurrentRecoveries <= 0 {
		cfg.MaxConcurrentRecoveries = 32
	}
	return &Manager{
		cfg:     cfg,
		records: make(map[string]*Record),
		permits: make(chan struct{}, cfg.MaxConcurrentRecoveries),
		now:     time.Now,
	}
}

func (m *Manager) getOrCreate(hash, originNode string) *Record {
	r, ok := m.records[hash]
	if !ok {
		r = &Record{ContentHash: hash, OriginNode: originNode, Status: Status{Kind: Healthy}}
		m.records[hash] = r
	}
	return r
}

// MarkHealthy sets the record's status to Healthy and resets
// failed_attempts, creating the record if absent.
func (m *Manager) MarkHealthy(hash, originNode string) Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.getOrCreate(hash, originNode)
	r.FailedAttempts = 0
	r.Status = Status{Kind: Healthy}
	return *r
}

// RecordFailure increments failed_attempts. At MaxRetryAttempts the status
// becomes Dereferenced; below that it becomes Degraded{n}. Once
// Dereferenced, further failures are no-ops on the counter (status stays
// Dereferenced, failed_attempts does not increase past MaxRetryAttempts).
func (m *Manager) RecordFailure(hash, originNode string) Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.getOrCreate(hash, originNode)
	now := m.now()
	r.LastAttempt = &now

	if r.Status.Kind == Dereferenced {
		return *r
	}

	r.FailedAttempts++
	if r.FailedAttempts >= m.cfg.MaxRetryAttempts {
		r.Status = Status{Kind: Dereferenced}
	} else {
		r.Status = Status{Kind: Degraded, N: r.FailedAttempts}
	}
	return *r
}

// RecordSuccess resets failed_attempts to 0 and sets status to Recovered.
// The record must already exist.
func (m *Manager) RecordSuccess(hash string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[hash]
	if !ok {
		return Record{}, false
	}
	r.FailedAttempts = 0
	r.Status = Status{Kind: Recovered}
	return *r, true
}

// ReReference transitions a Dereferenced record to Healthy with
// failed_attempts reset to 0. On any other status, or if the record does
// not exist, this is a no-op.
func (m *Manager) ReReference(hash, originNode string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[hash]
	if !ok || r.Status.Kind != Dereferenced {
		if ok {
			return *r, false
		}
		return Record{}, false
	}
	r.FailedAttempts = 0
	r.Status = Status{Kind: Healthy}
	return *r, true
}

// Remove deletes the record for hash, if present.
func (m *Manager) Remove(hash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, hash)
}

// Get returns a copy of the record for hash.
func (m *Manager) Get(hash string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[hash]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// Permit is an owned recovery slot, returned to the semaphore by Release.
type Permit struct {
	release func()
	once    sync.Once
}

// Release returns the permit's slot to the semaphore. Safe to call more
// than once; only the first call has effect.
func (p *Permit) Release() {
	p.once.Do(p.release)
}

// TryAcquireRecoveryPermit attempts to take one of MaxConcurrentRecoveries
// slots without blocking. Returns ok=false if none are available.
func (m *Manager) TryAcquireRecoveryPermit() (*Permit, bool) {
	select {
	case m.permits <- struct{}{}:
		return &Permit{release: func() { <-m.permits }}, true
	default:
		return nil, false
	}
}

// AcquireRecoveryPermit blocks until a slot is available.
func (m *Manager) AcquireRecoveryPermit() *Permit {
	m.permits <- struct{}{}
	return &Permit{release: func() { <-m.permits }}
}
