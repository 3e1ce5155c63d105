package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrChatRunning means another process holds the chat lock.
var ErrChatRunning = errors.New("config: a chat is already running for this data directory")

// ChatLock marks a data directory as in use by a running chat. The lock is
// an advisory file lock, so it is released when the holder dies.
type ChatLock struct {
	f *flock.Flock
}

// AcquireChatLock takes the lock at path or fails with ErrChatRunning.
func AcquireChatLock(path string) (*ChatLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("config: lock dir: %w", err)
	}
	f := flock.New(path)
	ok, err := f.TryLock()
	if err != nil {
		return nil, fmt.Errorf("config: lock %s: %w", path, err)
	}
	if !ok {
		return nil, ErrChatRunning
	}
	return &ChatLock{f: f}, nil
}

// Release drops the lock.
func (l *ChatLock) Release() error {
	return l.f.Unlock()
}
