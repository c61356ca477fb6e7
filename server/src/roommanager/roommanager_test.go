package roommanager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sevenautumns/niketsu-core/server/src/db"
	"github.com/sevenautumns/niketsu-core/server/src/grants"
	"github.com/sevenautumns/niketsu-core/server/src/room"
)

type fakeBus struct{}

func (fakeBus) Publish(string, []byte) error      { return nil }
func (fakeBus) Set(string, []byte) error           { return nil }
func (fakeBus) Get(string) ([]byte, error)         { return nil, nil }

type fakeExtractor struct{}

func (fakeExtractor) Resolve(ref room.VideoRef) (room.Video, error) {
	return room.Video{Service: ref.Service, Id: ref.Id, Length: 100}, nil
}

type fakeUserStore struct{}

func (fakeUserStore) GetUser(id uint64) (room.User, error) {
	return room.User{Id: id}, nil
}

func newTestManagerWithDB(t *testing.T) (*RoomManager, db.DBManager) {
	t.Helper()

	store, err := db.NewBoltKeyValueStore(t.TempDir()+"/test.db", 2)
	require.NoError(t, err)
	require.NoError(t, store.Open())
	t.Cleanup(func() { store.Close() })

	manager := db.NewDBManager(store)

	factory := func(name string) *room.Room {
		return room.New(room.Config{Name: name, StaleTimeout: 20 * time.Millisecond}, fakeBus{}, fakeExtractor{}, fakeUserStore{})
	}

	return New(factory, manager, 10*time.Millisecond), manager
}

func newTestManager(t *testing.T) *RoomManager {
	t.Helper()
	m, _ := newTestManagerWithDB(t)
	return m
}

func TestGetRoomCreatesOnFirstAccess(t *testing.T) {
	m := newTestManager(t)

	r, err := m.GetRoom("movie-night")
	require.NoError(t, err)
	require.Equal(t, "movie-night", r.Name())
	require.Equal(t, 1, m.Count())
}

func TestGetRoomReturnsSameInstance(t *testing.T) {
	m := newTestManager(t)

	a, err := m.GetRoom("movie-night")
	require.NoError(t, err)
	b, err := m.GetRoom("movie-night")
	require.NoError(t, err)

	require.Same(t, a, b)
}

func TestGetRoomIsConcurrencySafe(t *testing.T) {
	m := newTestManager(t)

	done := make(chan *room.Room, 16)
	for i := 0; i < 16; i++ {
		go func() {
			r, err := m.GetRoom("shared")
			require.NoError(t, err)
			done <- r
		}()
	}

	first := <-done
	for i := 1; i < 16; i++ {
		require.Same(t, first, <-done)
	}
}

func TestEvictStaleDropsEmptyRoomsAfterTimeout(t *testing.T) {
	m := newTestManager(t)

	_, err := m.GetRoom("empty-room")
	require.NoError(t, err)
	require.Equal(t, 1, m.Count())

	time.Sleep(30 * time.Millisecond)
	m.evictStale()

	require.Equal(t, 0, m.Count())
}

func TestGetRoomRecoversQueueFromLocalSnapshotAfterRestart(t *testing.T) {
	path := t.TempDir() + "/test.db"
	store, err := db.NewBoltKeyValueStore(path, 2)
	require.NoError(t, err)
	require.NoError(t, store.Open())
	dbManager := db.NewDBManager(store)

	factory := func(name string) *room.Room {
		return room.New(room.Config{Name: name}, fakeBus{}, fakeExtractor{}, fakeUserStore{})
	}

	before := New(factory, dbManager, time.Second)
	r, err := before.GetRoom("movie-night")
	require.NoError(t, err)
	r.Grants().SetMask(grants.UnregisteredUser, ^uint64(0))
	require.NoError(t, r.ProcessRequest(room.Request{
		Type:     room.AddRequestType,
		ClientID: "alice",
		Add:      &room.AddRequest{Video: &room.VideoRef{Service: "youtube", Id: "abc"}},
	}))
	r.Sync()
	require.NoError(t, store.Close())

	store2, err := db.NewBoltKeyValueStore(path, 2)
	require.NoError(t, err)
	require.NoError(t, store2.Open())
	t.Cleanup(func() { store2.Close() })
	dbManager2 := db.NewDBManager(store2)

	after := New(factory, dbManager2, time.Second)
	recovered, err := after.GetRoom("movie-night")
	require.NoError(t, err)

	snap, err := recovered.Snapshot()
	require.NoError(t, err)
	require.Contains(t, string(snap), "abc")
}

func TestDeclarePersistentRoomSurvivesEviction(t *testing.T) {
	m := newTestManager(t)

	r := room.New(room.Config{Name: "library", Persistent: true, StaleTimeout: time.Millisecond}, fakeBus{}, fakeExtractor{}, fakeUserStore{})
	m.Declare(r)

	time.Sleep(10 * time.Millisecond)
	m.evictStale()

	require.Equal(t, 1, m.Count())
}
