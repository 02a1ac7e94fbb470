package storage

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileExitStore_WriteReadClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "exit_command.txt")
	s, err := NewFileExitStore(path)
	require.NoError(t, err)

	_, err = s.Read()
	assert.ErrorIs(t, err, ErrNoExitCommand)

	require.NoError(t, s.Write("EXIT NIFTY 21500PE 25JAN24"))
	got, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, "EXIT NIFTY 21500PE 25JAN24", got)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file is renamed away")

	require.NoError(t, s.Write("  EXIT BANKNIFTY 48000CE 31JAN24  "))
	got, err = s.Read()
	require.NoError(t, err)
	assert.Equal(t, "EXIT BANKNIFTY 48000CE 31JAN24", got, "last write wins, trimmed")

	require.NoError(t, s.Clear())
	_, err = s.Read()
	assert.ErrorIs(t, err, ErrNoExitCommand)
	require.NoError(t, s.Clear(), "clearing twice is fine")
}

func TestFileExitStore_RejectsMultiline(t *testing.T) {
	s, err := NewFileExitStore(filepath.Join(t.TempDir(), "cmd"))
	require.NoError(t, err)
	assert.Error(t, s.Write("EXIT A\nEXIT B"))
	assert.Error(t, s.Write("   "))

	_, err = NewFileExitStore("")
	assert.Error(t, err)
}

func TestFileExitStore_EmptyFileIsNoCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cmd")
	require.NoError(t, os.WriteFile(path, []byte("\n"), 0o600))
	s, err := NewFileExitStore(path)
	require.NoError(t, err)
	_, err = s.Read()
	assert.ErrorIs(t, err, ErrNoExitCommand)
}

func TestFileExitStore_Concurrent(t *testing.T) {
	s, err := NewFileExitStore(filepath.Join(t.TempDir(), "cmd"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Write("EXIT NIFTY 21500PE 25JAN24"))
		}()
		go func() {
			defer wg.Done()
			if _, err := s.Read(); err != nil {
				assert.ErrorIs(t, err, ErrNoExitCommand)
			}
		}()
	}
	wg.Wait()
}

func TestMemoryExitStore(t *testing.T) {
	m := NewMemoryExitStore()
	_, err := m.Read()
	assert.ErrorIs(t, err, ErrNoExitCommand)

	require.NoError(t, m.Write("EXIT X"))
	got, err := m.Read()
	require.NoError(t, err)
	assert.Equal(t, "EXIT X", got)

	boom := errors.New("disk full")
	m.SetWriteError(boom)
	assert.ErrorIs(t, m.Write("EXIT Y"), boom)
	got, _ = m.Read()
	assert.Equal(t, "EXIT X", got)

	require.NoError(t, m.Clear())
	assert.Equal(t, 2, m.Writes())
	assert.Equal(t, 1, m.Clears())
}
