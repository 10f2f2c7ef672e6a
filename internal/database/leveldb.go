package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"

	"matchboard/internal/logx"
	"matchboard/pkg/interfaces"
)

// Key prefixes partition the single keyspace into the two maps.
var (
	forwardPrefix = []byte("F:") // participant -> sessionID
	reversePrefix = []byte("R:") // sessionID -> JSON []participant
)

// LevelDBStore is the embedded key-value DirectoryStore.
// ARCHITECTURAL DISCOVERY: The mutex serializes read-modify-write cycles and a
// leveldb.Batch makes each cycle's writes land atomically
type LevelDBStore struct {
	db     *leveldb.DB
	sync   bool
	mu     sync.Mutex
	closed bool
	logger zerolog.Logger
}

// OpenLevelDBStore opens (or creates) a store at path.
func OpenLevelDBStore(path string, syncWrites bool) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb at %s: %w", path, err)
	}
	store := NewLevelDBStore(db, syncWrites)
	store.logger.Info().Str("path", path).Msg("directory database ready")
	return store, nil
}

// NewLevelDBStore wraps an already opened database.
func NewLevelDBStore(db *leveldb.DB, syncWrites bool) *LevelDBStore {
	return &LevelDBStore{
		db:     db,
		sync:   syncWrites,
		logger: logx.Component("leveldb"),
	}
}

func forwardKey(participant string) []byte {
	return append(append([]byte{}, forwardPrefix...), participant...)
}

func reverseKey(sessionID string) []byte {
	return append(append([]byte{}, reversePrefix...), sessionID...)
}

// CreateSession repoints every participant and appends them to the reverse set.
func (s *LevelDBStore) CreateSession(ctx context.Context, sessionID string, participants []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return interfaces.ErrStoreClosed
	}

	members, err := s.readMembers(sessionID)
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	for _, participant := range participants {
		batch.Put(forwardKey(participant), []byte(sessionID))
		if !contains(members, participant) {
			members = append(members, participant)
		}
	}

	encoded, err := json.Marshal(members)
	if err != nil {
		return fmt.Errorf("failed to encode members: %w", err)
	}
	batch.Put(reverseKey(sessionID), encoded)

	if err := s.db.Write(batch, &opt.WriteOptions{Sync: s.sync}); err != nil {
		return fmt.Errorf("failed to write session %s: %w", sessionID, err)
	}
	return nil
}

// DeleteSession removes the reverse set and the forward entries that still
// point at sessionID.
func (s *LevelDBStore) DeleteSession(ctx context.Context, sessionID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, interfaces.ErrStoreClosed
	}

	members, err := s.readMembers(sessionID)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	batch := new(leveldb.Batch)
	for _, participant := range members {
		current, err := s.db.Get(forwardKey(participant), nil)
		switch {
		case errors.Is(err, leveldb.ErrNotFound):
			continue
		case err != nil:
			return nil, fmt.Errorf("failed to read forward entry for %s: %w", participant, err)
		}
		if string(current) == sessionID {
			batch.Delete(forwardKey(participant))
		}
	}
	batch.Delete(reverseKey(sessionID))

	if err := s.db.Write(batch, &opt.WriteOptions{Sync: s.sync}); err != nil {
		return nil, fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}
	return members, nil
}

// LookupSession reads the forward map.
func (s *LevelDBStore) LookupSession(ctx context.Context, participant string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	value, err := s.db.Get(forwardKey(participant), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return "", interfaces.ErrSessionNotFound
		}
		return "", s.translate(err)
	}
	return string(value), nil
}

// Members reads the reverse map.
func (s *LevelDBStore) Members(ctx context.Context, sessionID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	members, err := s.readMembers(sessionID)
	if err != nil {
		return nil, s.translate(err)
	}
	return members, nil
}

func (s *LevelDBStore) readMembers(sessionID string) ([]string, error) {
	value, err := s.db.Get(reverseKey(sessionID), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read members of %s: %w", sessionID, err)
	}

	var members []string
	if err := json.Unmarshal(value, &members); err != nil {
		return nil, fmt.Errorf("corrupt member list for %s: %w", sessionID, err)
	}
	return members, nil
}

// HealthCheck confirms the database is open and readable.
func (s *LevelDBStore) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.db.GetProperty("leveldb.num-files-at-level0"); err != nil {
		return fmt.Errorf("leveldb health check failed: %w", s.translate(err))
	}
	return nil
}

// Close closes the underlying database.
func (s *LevelDBStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *LevelDBStore) translate(err error) error {
	if errors.Is(err, leveldb.ErrClosed) {
		return interfaces.ErrStoreClosed
	}
	return err
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
