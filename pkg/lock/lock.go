package lock

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

var (
	// ErrNotResponding is returned by Cancel when no response is in flight.
	ErrNotResponding = errors.New("no response in progress")
	// ErrNoCancel is returned by Cancel when the holder has not registered a
	// cancel function yet.
	ErrNoCancel = errors.New("response cannot be cancelled yet")
)

// ResponseLock is the process-wide "a response is streaming" flag. While it is
// held, conversation switching, creation and deletion are rejected.
type ResponseLock struct {
	mu             sync.Mutex
	held           bool
	conversationID string
	cancel         context.CancelFunc
}

func New() *ResponseLock {
	return &ResponseLock{}
}

// TryAcquire takes the lock for conversationID. It returns false when the lock
// is already held.
func (l *ResponseLock) TryAcquire(conversationID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return false
	}
	l.held = true
	l.conversationID = conversationID
	l.cancel = nil
	return true
}

// Release clears the flag and the stored cancel function. Releasing a lock
// that is not held is a no-op.
func (l *ResponseLock) Release() {
	l.mu.Lock()
	l.held = false
	l.conversationID = ""
	l.cancel = nil
	l.mu.Unlock()
}

func (l *ResponseLock) IsHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// HeldFor reports whether the lock is held on behalf of conversationID.
func (l *ResponseLock) HeldFor(conversationID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held && l.conversationID == conversationID
}

func (l *ResponseLock) ConversationID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conversationID
}

// SetCancel stores the function that aborts the current stream. It is
// ignored when the lock is not held.
func (l *ResponseLock) SetCancel(cancel context.CancelFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		l.cancel = cancel
	}
}

// Cancel invokes the stored cancel function. The lock itself is released by
// the holder once the stream has wound down.
func (l *ResponseLock) Cancel() error {
	l.mu.Lock()
	held := l.held
	cancel := l.cancel
	l.mu.Unlock()

	if !held {
		return ErrNotResponding
	}
	if cancel == nil {
		return ErrNoCancel
	}
	cancel()
	return nil
}
