package storage

// ExitCommandStore persists the command that closes the position opened by
// the last successful entry.
//
// Implementations must be safe for concurrent use; the auto-exit monitor reads
// while the command layer writes.
type ExitCommandStore interface {
	// Write replaces any stored command.
	Write(command string) error
	// Read returns ErrNoExitCommand when nothing is stored.
	Read() (string, error)
	// Clear is a no-op when nothing is stored.
	Clear() error
}

// NewExitCommandStore creates the file-backed store.
func NewExitCommandStore(path string) (ExitCommandStore, error) {
	return NewFileExitStore(path)
}

// Ensure implementations satisfy ExitCommandStore
var (
	_ ExitCommandStore = (*FileExitStore)(nil)
	_ ExitCommandStore = (*MemoryExitStore)(nil)
)
