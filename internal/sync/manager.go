package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrUnknownMailbox is returned for a mailbox that was never registered.
var ErrUnknownMailbox = errors.New("unknown mailbox")

// Manager manages the sync runners of all configured mailboxes
type Manager struct {
	log          logrus.FieldLogger
	mailboxes    map[string]*Runner
	runners      map[string]*runHandle
	runnersMutex sync.RWMutex
}

// runHandle is one StartSync invocation; a restarted mailbox gets a new one
type runHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates sync manager
func NewManager(log logrus.FieldLogger) *Manager {
	return &Manager{
		log:       log,
		mailboxes: make(map[string]*Runner),
		runners:   make(map[string]*runHandle),
	}
}

// Register makes a mailbox runner known to the manager
func (m *Manager) Register(r *Runner) {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()
	m.mailboxes[r.MailboxID] = r
}

// StartSync starts the background poll loop of a mailbox
func (m *Manager) StartSync(ctx context.Context, mailboxID string) error {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()

	runner, ok := m.mailboxes[mailboxID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMailbox, mailboxID)
	}
	if _, exists := m.runners[mailboxID]; exists {
		return fmt.Errorf("sync already running for %s", mailboxID)
	}

	runnerCtx, cancel := context.WithCancel(ctx)
	h := &runHandle{cancel: cancel, done: make(chan struct{})}
	m.runners[mailboxID] = h

	go func() {
		defer close(h.done)
		if err := runner.Run(runnerCtx); err != nil {
			m.log.WithField("mailbox", mailboxID).WithError(err).Error("sync error")
		}

		// a stop followed by a new start already replaced this handle
		m.runnersMutex.Lock()
		if m.runners[mailboxID] == h {
			delete(m.runners, mailboxID)
		}
		m.runnersMutex.Unlock()
	}()

	return nil
}

// StopSync stops the poll loop of a mailbox
func (m *Manager) StopSync(mailboxID string) error {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()

	h, exists := m.runners[mailboxID]
	if !exists {
		return fmt.Errorf("no sync running for %s", mailboxID)
	}

	h.cancel()
	delete(m.runners, mailboxID)
	return nil
}

// IsRunning checks if the poll loop of a mailbox is running
func (m *Manager) IsRunning(mailboxID string) bool {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()

	_, exists := m.runners[mailboxID]
	return exists
}

// StopAll stops all running syncs
func (m *Manager) StopAll() {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()

	for key, h := range m.runners {
		m.log.WithField("mailbox", key).Info("stopping sync")
		h.cancel()
	}

	m.runners = make(map[string]*runHandle)
}

// GetRunningSyncs returns the mailboxes whose poll loop is running, sorted
func (m *Manager) GetRunningSyncs() []string {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()

	syncs := make([]string, 0, len(m.runners))
	for key := range m.runners {
		syncs = append(syncs, key)
	}
	sort.Strings(syncs)
	return syncs
}

// Backfill runs a full archival of a mailbox in the caller's goroutine.
func (m *Manager) Backfill(ctx context.Context, mailboxID string) (BackfillResult, error) {
	m.runnersMutex.RLock()
	runner, ok := m.mailboxes[mailboxID]
	m.runnersMutex.RUnlock()
	if !ok {
		return BackfillResult{}, fmt.Errorf("%w: %s", ErrUnknownMailbox, mailboxID)
	}
	return runner.RunBackfill(ctx)
}
