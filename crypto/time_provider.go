package crypto

import (
	"sync"
	"time"
)

// TimeProvider abstracts time operations for deterministic testing.
// Implementations must be safe for concurrent use.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the duration since the given time.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }

var (
	defaultTimeMu       sync.RWMutex
	defaultTimeProvider TimeProvider = DefaultTimeProvider{}
)

// SetDefaultTimeProvider sets the package-level time provider for testing.
// Pass nil to reset to the default implementation.
func SetDefaultTimeProvider(tp TimeProvider) {
	if tp == nil {
		tp = DefaultTimeProvider{}
	}
	defaultTimeMu.Lock()
	defaultTimeProvider = tp
	defaultTimeMu.Unlock()
}

// GetDefaultTimeProvider returns the current package-level time provider.
func GetDefaultTimeProvider() TimeProvider {
	defaultTimeMu.RLock()
	defer defaultTimeMu.RUnlock()
	return defaultTimeProvider
}

// MockTimeProvider is a controllable clock shared by tests across packages.
type MockTimeProvider struct {
	mu      sync.Mutex
	current time.Time
}

// NewMockTimeProvider creates a MockTimeProvider initialized to t.
func NewMockTimeProvider(t time.Time) *MockTimeProvider {
	return &MockTimeProvider{current: t}
}

// Now returns the mocked current time.
func (m *MockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Since returns the mocked duration since t.
func (m *MockTimeProvider) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

// Advance moves the clock forward by d.
func (m *MockTimeProvider) Advance(d time.Duration) {
	m.mu.Lock()
	m.current = m.current.Add(d)
	m.mu.Unlock()
}

// Set moves the clock to t.
func (m *MockTimeProvider) Set(t time.Time) {
	m.mu.Lock()
	m.current = t
	m.mu.Unlock()
}
