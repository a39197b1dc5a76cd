package fs

import (
	"errors"
	"fmt"
	"sync"
	"syscall"
)

// ErrWouldBlock is returned by the Try* lock functions when the lock is held
// by another process.
var ErrWouldBlock = errors.New("lock would block")

// LockMode selects between shared (reader) and exclusive (writer) locks.
type LockMode int

const (
	// LockShared is a read lock. Multiple processes can hold shared locks
	// simultaneously, but a shared lock blocks exclusive locks.
	LockShared LockMode = syscall.LOCK_SH

	// LockExclusive is a write lock. It blocks all other locks.
	LockExclusive LockMode = syscall.LOCK_EX
)

// FileLock represents a held advisory lock on an open file.
// Call [FileLock.Unlock] to release it.
//
// The lock is taken with flock(2) directly on the file's descriptor, not on
// a sidecar lock file. flock locks an inode: every process that opens the
// same file and asks for a lock coordinates on the same underlying lock.
// Closing the descriptor releases the lock implicitly, but callers should
// Unlock explicitly on every exit path so the lock does not outlive the
// operation when the file handle is kept open.
type FileLock struct {
	mu   sync.Mutex
	file File
	held bool
}

// LockFile acquires an advisory lock on an already-open file, blocking until
// the lock is available.
//
// This call blocks in the kernel with no timeout. Operations on whisper
// files are short; a writer holding the lock either completes or fails
// promptly, so blocking acquisition is acceptable for CLI and library use.
func LockFile(file File, mode LockMode) (*FileLock, error) {
	if file == nil {
		panic("file is nil")
	}

	err := flockRetryEINTR(int(file.Fd()), int(mode))
	if err != nil {
		return nil, fmt.Errorf("flock: %w", err)
	}

	return &FileLock{file: file, held: true}, nil
}

// TryLockFile attempts to acquire an advisory lock without blocking.
//
// Returns [ErrWouldBlock] if the lock is held by another process.
func TryLockFile(file File, mode LockMode) (*FileLock, error) {
	if file == nil {
		panic("file is nil")
	}

	err := flockRetryEINTR(int(file.Fd()), int(mode)|syscall.LOCK_NB)
	if err != nil {
		if isWouldBlock(err) {
			return nil, ErrWouldBlock
		}

		return nil, fmt.Errorf("flock: %w", err)
	}

	return &FileLock{file: file, held: true}, nil
}

// Unlock releases the lock. The underlying file stays open.
//
// Unlock is idempotent - calling it multiple times is safe and subsequent
// calls return nil.
func (l *FileLock) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return nil
	}

	l.held = false

	err := flockRetryEINTR(int(l.file.Fd()), syscall.LOCK_UN)
	if err != nil {
		return fmt.Errorf("unlocking: %w", err)
	}

	return nil
}

// flockRetryEINTR calls flock(2), retrying when interrupted by a signal.
func flockRetryEINTR(fd int, how int) error {
	for {
		err := syscall.Flock(fd, how)
		if err != syscall.EINTR {
			return err
		}
	}
}

func isWouldBlock(err error) bool {
	return errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN)
}
