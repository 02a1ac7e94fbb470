package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileExitStore keeps the exit command as a single line of text.
type FileExitStore struct {
	mu       sync.RWMutex
	filepath string
}

// NewFileExitStore creates a store at path, creating its directory.
func NewFileExitStore(path string) (*FileExitStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage: empty exit command path")
	}
	if err := ensureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}
	return &FileExitStore{filepath: path}, nil
}

func (s *FileExitStore) Write(command string) error {
	command = strings.TrimSpace(command)
	if command == "" || strings.ContainsAny(command, "\r\n") {
		return fmt.Errorf("storage: exit command must be a single non-empty line, got %q", command)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Write to temp file first
	tmpFile := s.filepath + ".tmp"
	if err := os.WriteFile(tmpFile, []byte(command+"\n"), 0o600); err != nil {
		return fmt.Errorf("writing exit command: %w", err)
	}

	// Atomic rename
	if err := os.Rename(tmpFile, s.filepath); err != nil {
		_ = os.Remove(tmpFile)
		return fmt.Errorf("replacing exit command: %w", err)
	}
	return nil
}

func (s *FileExitStore) Read() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.filepath)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNoExitCommand
	}
	if err != nil {
		return "", fmt.Errorf("reading exit command: %w", err)
	}
	command := strings.TrimSpace(string(data))
	if command == "" {
		return "", ErrNoExitCommand
	}
	return command, nil
}

func (s *FileExitStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.filepath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clearing exit command: %w", err)
	}
	return nil
}

func ensureDir(path string) error {
	if path == "" || path == "." {
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("creating directory %q: %w", path, err)
	}
	return nil
}
