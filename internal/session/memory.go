package session

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/energizer-project/gatekeeper/internal/dependencies/clock"
)

type memoryEntry struct {
	record    Record
	expiresAt time.Time
}

// MemoryCoordinator is an in-process Coordinator for single-instance
// deployments. One mutex serializes every transition, so concurrent
// attempts never observe each other mid-flight.
type MemoryCoordinator struct {
	mu       sync.Mutex
	sessions map[int]*memoryEntry
	clock    clock.Clock
	cfg      Config
	leases   uint64
}

var _ Coordinator = (*MemoryCoordinator)(nil)

// NewMemoryCoordinator creates an empty in-process coordinator.
func NewMemoryCoordinator(cfg Config, clk clock.Clock) *MemoryCoordinator {
	return &MemoryCoordinator{
		sessions: make(map[int]*memoryEntry),
		clock:    clk,
		cfg:      cfg,
	}
}

// live returns the unexpired entry for the account. Caller holds mu.
func (m *MemoryCoordinator) live(accountID int) *memoryEntry {
	e, ok := m.sessions[accountID]
	if !ok {
		return nil
	}
	if !m.clock.Now().Before(e.expiresAt) {
		delete(m.sessions, accountID)
		return nil
	}
	return e
}

func (m *MemoryCoordinator) RegisterPendingLogin(_ context.Context, accountID int, hwid Hwid) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.live(accountID) != nil {
		return "", ErrAlreadyActive
	}
	m.leases++
	lease := m.cfg.InstanceID + ":" + strconv.FormatUint(m.leases, 10)
	now := m.clock.Now()
	m.sessions[accountID] = &memoryEntry{
		record: Record{
			AccountID: accountID,
			Hwid:      hwid.String(),
			State:     StatePendingLogin,
			Instance:  m.cfg.InstanceID,
			UpdatedAt: now,
			Lease:     lease,
		},
		expiresAt: now.Add(m.cfg.PendingTTL),
	}
	return lease, nil
}

func (m *MemoryCoordinator) AttemptGameSession(_ context.Context, req AttemptRequest) (AttemptResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.live(req.AccountID)
	if e == nil {
		return AttemptCoordinatorError, ErrNoSession
	}
	if e.record.State == StateActive {
		return AttemptRemoteLoggedIn, nil
	}
	if e.record.Hwid != req.Hwid.String() {
		return AttemptRemoteNoMatch, nil
	}

	now := m.clock.Now()
	e.record.State = StateActive
	e.record.Instance = m.cfg.InstanceID
	e.record.World = req.World
	e.record.Channel = req.Channel
	e.record.UpdatedAt = now
	e.expiresAt = now.Add(m.cfg.ActiveTTL)
	return AttemptSuccess, nil
}

func (m *MemoryCoordinator) UnregisterLoginState(_ context.Context, accountID int, lease string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e := m.live(accountID); e != nil && e.record.State == StatePendingLogin && e.record.Lease == lease {
		delete(m.sessions, accountID)
	}
	return nil
}

func (m *MemoryCoordinator) CloseSession(_ context.Context, accountID int, forced bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.live(accountID) == nil {
		if forced {
			return nil
		}
		return ErrNoSession
	}
	delete(m.sessions, accountID)
	return nil
}

func (m *MemoryCoordinator) Refresh(_ context.Context, accountID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.live(accountID)
	if e == nil || e.record.State != StateActive {
		return ErrNoSession
	}
	now := m.clock.Now()
	e.record.UpdatedAt = now
	e.expiresAt = now.Add(m.cfg.ActiveTTL)
	return nil
}

func (m *MemoryCoordinator) Lookup(_ context.Context, accountID int) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.live(accountID)
	if e == nil {
		return Record{}, ErrNoSession
	}
	return e.record, nil
}

// Len returns the number of live records.
func (m *MemoryCoordinator) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id := range m.sessions {
		if m.live(id) != nil {
			n++
		}
	}
	return n
}
