package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"matchboard/internal/broker"
	"matchboard/internal/database"
	"matchboard/internal/session"
	"matchboard/pkg/interfaces"
	"matchboard/pkg/types"
)

func newDirectory(t *testing.T) *session.Directory {
	t.Helper()
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	require.NoError(t, err)
	store := database.NewLevelDBStore(db, false)
	t.Cleanup(func() { _ = store.Close() })

	policy := session.RetryPolicy{Attempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	return session.NewDirectory(store, policy, nil)
}

func emptied(t *testing.T, sid string) *types.Envelope {
	t.Helper()
	env, err := types.NewEnvelope(&types.RoomEmptied{SessionID: sid})
	require.NoError(t, err)
	return env
}

var (
	alice = types.Participant{RequesterID: "alice", CorrelationToken: "tok-a"}
	bob   = types.Participant{RequesterID: "bob", CorrelationToken: "tok-b"}
	carol = types.Participant{RequesterID: "carol", CorrelationToken: "tok-c"}
)

func TestManager_TearsDownSession(t *testing.T) {
	dir := newDirectory(t)
	m := New(broker.NewMemoryBroker(broker.DefaultMemoryConfig(), nil), dir, nil)
	ctx := context.Background()

	sid, err := dir.CreateSession(ctx, alice, bob, "Arrays", types.DifficultyEasy)
	require.NoError(t, err)

	require.NoError(t, m.HandleRoomEmptied(ctx, emptied(t, sid)))

	_, err = dir.LookupSession(ctx, "alice")
	assert.ErrorIs(t, err, interfaces.ErrSessionNotFound)
	members, err := dir.Members(ctx, sid)
	require.NoError(t, err)
	assert.Empty(t, members)

	// a duplicate signal is a no-op
	require.NoError(t, m.HandleRoomEmptied(ctx, emptied(t, sid)))
}

func TestManager_UnknownSessionIsNoop(t *testing.T) {
	dir := newDirectory(t)
	m := New(broker.NewMemoryBroker(broker.DefaultMemoryConfig(), nil), dir, nil)
	sid := types.DeriveSessionID("nobody", "else", "Arrays", types.DifficultyEasy)
	assert.NoError(t, m.HandleRoomEmptied(context.Background(), emptied(t, sid)))
}

func TestManager_StaleTeardownKeepsNewerSession(t *testing.T) {
	dir := newDirectory(t)
	m := New(broker.NewMemoryBroker(broker.DefaultMemoryConfig(), nil), dir, nil)
	ctx := context.Background()

	old, err := dir.CreateSession(ctx, alice, bob, "Arrays", types.DifficultyEasy)
	require.NoError(t, err)
	newer, err := dir.CreateSession(ctx, alice, carol, "Trees", types.DifficultyHard)
	require.NoError(t, err)

	require.NoError(t, m.HandleRoomEmptied(ctx, emptied(t, old)))

	sid, err := dir.LookupSession(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, newer, sid)
	_, err = dir.LookupSession(ctx, "bob")
	assert.ErrorIs(t, err, interfaces.ErrSessionNotFound)
}

type failingDirectory struct {
	interfaces.SessionDirectory
	err error
}

func (d *failingDirectory) DeleteSession(context.Context, string) error { return d.err }

func TestManager_FailedDeleteNacks(t *testing.T) {
	m := New(broker.NewMemoryBroker(broker.DefaultMemoryConfig(), nil), &failingDirectory{err: errors.New("disk full")}, nil)
	sid := types.DeriveSessionID("alice", "bob", "Arrays", types.DifficultyEasy)
	assert.Error(t, m.HandleRoomEmptied(context.Background(), emptied(t, sid)))
}

func TestManager_DropsMalformed(t *testing.T) {
	m := New(broker.NewMemoryBroker(broker.DefaultMemoryConfig(), nil), &failingDirectory{err: errors.New("must not be called")}, nil)

	bad := &types.Envelope{ID: "x", Type: types.MessageTypeRoomEmptied, Payload: []byte(`{"session_id":"not-hex"}`)}
	assert.NoError(t, m.HandleRoomEmptied(context.Background(), bad))

	wrong, err := types.NewEnvelope(&types.CancelRequested{CorrelationToken: "tok"})
	require.NoError(t, err)
	assert.NoError(t, m.HandleRoomEmptied(context.Background(), wrong))
}

func TestManager_RunConsumesFromBroker(t *testing.T) {
	dir := newDirectory(t)
	b := broker.NewMemoryBroker(broker.DefaultMemoryConfig(), nil)
	defer func() { _ = b.Close() }()
	m := New(b, dir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, broker.DeclareAll(ctx, b, Bindings()))
	sid, err := dir.CreateSession(ctx, alice, bob, "Arrays", types.DifficultyEasy)
	require.NoError(t, err)

	go func() { _ = m.Run(ctx) }()
	_, err = broker.PublishMessage(ctx, b, &types.RoomEmptied{SessionID: sid})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := dir.LookupSession(ctx, "bob")
		return errors.Is(err, interfaces.ErrSessionNotFound)
	}, time.Second, 5*time.Millisecond)
}
