package storage

import "errors"

// ErrNoExitCommand is returned when no exit command is pending.
var ErrNoExitCommand = errors.New("no exit command stored")
