package batch

import (
	"encoding/json"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
)

// ErrNoOperation signals that the user has no stored operation. It is a
// normal outcome for Process, not a failure.
var ErrNoOperation = errors.New("no stored operation")

// OperationStore persists one operation per user at a well-known key. A new
// operation overwrites any prior incomplete one; the UI prevents starting a
// second bulk action while one is visibly in progress, so that data loss is
// accepted behavior.
type OperationStore interface {
	Save(op Operation) error
	Load(userID string) (Operation, error)
	Clear(userID string) error
	Close() error
}

// BadgerStore keeps operations in a local badger database, the service's
// equivalent of the browser's durable local storage: it survives restarts
// without depending on the remote store.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) the database at dir.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open operation store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// NewInMemoryStore opens a non-persistent store for tests and dev mode.
func NewInMemoryStore() (*BadgerStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory operation store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func opKey(userID string) []byte {
	return []byte("jobop:" + userID)
}

// Save writes the operation at the user's fixed key, replacing any prior
// value.
func (s *BadgerStore) Save(op Operation) error {
	payload, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode operation: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(opKey(op.UserID), payload)
	})
	if err != nil {
		return fmt.Errorf("save operation: %w", err)
	}
	return nil
}

// Load reads the user's operation or returns ErrNoOperation. A value that no
// longer decodes is a structural failure, reported as an error distinct from
// absence.
func (s *BadgerStore) Load(userID string) (Operation, error) {
	var payload []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(opKey(userID))
		if err != nil {
			return err
		}
		payload, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return Operation{}, ErrNoOperation
		}
		return Operation{}, fmt.Errorf("load operation: %w", err)
	}
	var op Operation
	if err := json.Unmarshal(payload, &op); err != nil {
		return Operation{}, fmt.Errorf("decode operation: %w", err)
	}
	return op, nil
}

// Clear deletes the user's operation. Deleting a missing key succeeds.
func (s *BadgerStore) Clear(userID string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(opKey(userID))
	})
	if err != nil {
		return fmt.Errorf("clear operation: %w", err)
	}
	return nil
}

// Close releases the database.
func (s *BadgerStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close operation store: %w", err)
	}
	return nil
}

// CorruptForTest overwrites the stored value with bytes that will not
// decode. Only tests use it to exercise the structural-failure path.
func (s *BadgerStore) CorruptForTest(userID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(opKey(userID), []byte("{not json"))
	})
}
