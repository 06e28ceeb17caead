package device

import (
	"fmt"
	"sort"
	"sync"
)

// Logger defines the logging interface used by the Store.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Listener receives the device State after every reconciled update.
//
// Listeners run on the goroutine that delivered the inbound message and
// must not block.
type Listener func(*State)

// Registration describes a device known before any cloud report arrives.
type Registration struct {
	ID        string
	DeviceKey string
	UIID      int
	IPAddress string
}

// Store owns the Device States of one account.
//
// There is at most one State per device id. States are never removed
// while the Store lives, so pointers handed out stay valid.
//
// All public methods are thread-safe.
type Store struct {
	mu        sync.RWMutex
	states    map[string]*State
	listeners map[string]Listener
	logger    Logger
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		states:    make(map[string]*State),
		listeners: make(map[string]Listener),
		logger:    noopLogger{},
	}
}

// SetLogger sets the logger for the store.
func (s *Store) SetLogger(logger Logger) {
	s.logger = logger
}

// Get returns the State for id, if it exists.
func (s *Store) Get(id string) (*State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[id]
	return st, ok
}

// GetOrCreate returns the State for id, creating it when absent.
// created reports whether a new State was made.
func (s *Store) GetOrCreate(id string) (st *State, created bool) {
	if st, ok := s.Get(id); ok {
		return st, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Re-check under the write lock.
	if st, ok := s.states[id]; ok {
		return st, false
	}
	st = NewState(id, "")
	s.states[id] = st
	s.logger.Debug("device state created", "device_id", id)
	return st, true
}

// Register creates or updates a State from static registration data.
func (s *Store) Register(reg Registration) (*State, error) {
	if reg.ID == "" {
		return nil, fmt.Errorf("%w: empty device id", ErrInvalidDevice)
	}
	st, _ := s.GetOrCreate(reg.ID)
	if reg.DeviceKey != "" {
		st.SetDeviceKey(reg.DeviceKey)
	}
	if reg.UIID != 0 {
		st.SetUIID(reg.UIID)
	}
	if reg.IPAddress != "" && st.IPAddress() == "" {
		st.SetIPAddress(reg.IPAddress)
	}
	return st, nil
}

// Restore creates or fills a State from a persisted snapshot.
// Values already present in memory take precedence.
func (s *Store) Restore(snap Snapshot) (*State, error) {
	if snap.ID == "" {
		return nil, fmt.Errorf("%w: empty device id", ErrInvalidDevice)
	}
	st, _ := s.GetOrCreate(snap.ID)
	st.restore(snap)
	return st, nil
}

// List returns all States ordered by device id.
func (s *Store) List() []*State {
	s.mu.RLock()
	out := make([]*State, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Len returns the number of known devices.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}

// SetListener registers the update callback for a device, replacing any
// previous one.
func (s *Store) SetListener(id string, fn Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn == nil {
		delete(s.listeners, id)
		return
	}
	s.listeners[id] = fn
}

// RemoveListener unregisters the callback for a device.
func (s *Store) RemoveListener(id string) {
	s.SetListener(id, nil)
}

// Listener returns the registered callback for a device, if any.
func (s *Store) Listener(id string) (Listener, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn, ok := s.listeners[id]
	return fn, ok
}
