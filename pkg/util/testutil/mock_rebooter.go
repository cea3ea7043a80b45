package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/otelfleet/otaagent/pkg/statemachine"
)

// MockRebooter records reboot requests instead of restarting the host.
type MockRebooter struct {
	mu sync.Mutex

	// FailNextReboot causes the next Reboot call to return FailRebootError.
	FailNextReboot  bool
	FailRebootError error

	count int
	// Rebooted is closed on the first successful reboot.
	Rebooted chan struct{}
}

var _ statemachine.Rebooter = (*MockRebooter)(nil)

func NewMockRebooter() *MockRebooter {
	return &MockRebooter{
		FailRebootError: errors.New("mock reboot failure"),
		Rebooted:        make(chan struct{}),
	}
}

func (m *MockRebooter) Reboot(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailNextReboot {
		m.FailNextReboot = false
		return m.FailRebootError
	}
	m.count++
	if m.count == 1 {
		close(m.Rebooted)
	}
	return nil
}

func (m *MockRebooter) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}
