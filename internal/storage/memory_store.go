package storage

import "sync"

// MemoryExitStore keeps the exit command in memory. It is used when no file
// path is configured and by tests, which can inject write failures.
type MemoryExitStore struct {
	mu         sync.Mutex
	command    string
	writeError error
	writes     int
	clears     int
}

// NewMemoryExitStore creates an empty store.
func NewMemoryExitStore() *MemoryExitStore {
	return &MemoryExitStore{}
}

func (m *MemoryExitStore) Write(command string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if m.writeError != nil {
		return m.writeError
	}
	m.command = command
	return nil
}

func (m *MemoryExitStore) Read() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.command == "" {
		return "", ErrNoExitCommand
	}
	return m.command, nil
}

func (m *MemoryExitStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clears++
	m.command = ""
	return nil
}

// SetWriteError makes subsequent writes fail with err.
func (m *MemoryExitStore) SetWriteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeError = err
}

// Writes returns how many times Write was called.
func (m *MemoryExitStore) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Clears returns how many times Clear was called.
func (m *MemoryExitStore) Clears() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clears
}
