package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/go-go-golems/chatsync/pkg/config"
	"github.com/pkg/errors"
)

// Keys of the persisted local layout.
const (
	KeyConversations        = "conversations"
	KeyActiveConversationID = "activeConversationId"
	KeyPendingSyncs         = "pendingConversationSyncs"
	KeyTheme                = "theme"
	KeyDefaultCategory      = "defaultCategory"

	snapshotKeyPrefix = "conversation_"
)

// SnapshotKey is the key of the per-conversation snapshot read by the outbox drain.
func SnapshotKey(conversationID string) string {
	return snapshotKeyPrefix + conversationID
}

var ErrClosed = errors.New("store closed")

// Reader provides read access to the durable key-value layout.
type Reader interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Writer provides mutations. Every successful Set or Delete is durable when it
// returns.
type Writer interface {
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Store is the durable key-value persistence used by the sync engine.
type Store interface {
	Reader
	Writer
}

// GetJSON decodes the value stored under key into v. It reports false when the
// key is absent.
func GetJSON(ctx context.Context, s Reader, key string, v interface{}) (bool, error) {
	b, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return true, errors.Wrapf(err, "could not decode %s", key)
	}
	return true, nil
}

func SetJSON(ctx context.Context, s Writer, key string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "could not encode %s", key)
	}
	return s.Set(ctx, key, b)
}

// Open builds the store backend selected in the settings.
func Open(s config.StoreSettings) (Store, error) {
	switch s.Driver {
	case config.StoreDriverMemory:
		return NewInMemoryStore(), nil
	case config.StoreDriverYAML:
		if err := ensureDir(s.Path); err != nil {
			return nil, err
		}
		return NewYAMLFileStore(s.Path)
	case config.StoreDriverSQLite:
		if err := ensureDir(s.Path); err != nil {
			return nil, err
		}
		dsn, err := SQLiteDSNForFile(s.Path)
		if err != nil {
			return nil, err
		}
		return NewSQLiteStore(dsn)
	default:
		return nil, errors.Errorf("unknown store driver %q", s.Driver)
	}
}

func ensureDir(path string) error {
	if path == "" {
		return errors.New("store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "could not create store directory")
	}
	return nil
}
