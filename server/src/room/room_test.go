package room

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sevenautumns/niketsu-core/server/src/grants"
)

type fakeBus struct {
	mu        sync.Mutex
	kv        map[string][]byte
	published []fakeMessage
}

type fakeMessage struct {
	channel string
	payload map[string]any
}

func newFakeBus() *fakeBus {
	return &fakeBus{kv: make(map[string][]byte)}
}

func (b *fakeBus) Publish(channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return err
	}
	b.published = append(b.published, fakeMessage{channel: channel, payload: decoded})
	return nil
}

func (b *fakeBus) Set(key string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	cp := make([]byte, len(payload))
	copy(cp, payload)
	b.kv[key] = cp
	return nil
}

func (b *fakeBus) Get(key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.kv[key], nil
}

func (b *fakeBus) lastSyncDelta() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := len(b.published) - 1; i >= 0; i-- {
		if b.published[i].payload["action"] == "sync" {
			return b.published[i].payload
		}
	}
	return nil
}

func (b *fakeBus) events(requestType RequestType) []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []map[string]any
	for _, m := range b.published {
		if m.payload["action"] == "event" && m.payload["request"] == string(requestType) {
			out = append(out, m.payload)
		}
	}
	return out
}

type fakeExtractor struct {
	lengths map[string]float64
}

func newFakeExtractor() *fakeExtractor {
	return &fakeExtractor{lengths: make(map[string]float64)}
}

func (e *fakeExtractor) Resolve(ref VideoRef) (Video, error) {
	v := Video{Service: ref.Service, Id: ref.Id, Length: 100}
	if length, ok := e.lengths[v.Key()]; ok {
		v.Length = length
	}
	return v, nil
}

type fakeUserStore struct{}

func (fakeUserStore) GetUser(id uint64) (User, error) {
	return User{Id: id, Username: "account"}, nil
}

func newTestRoom() (*Room, *fakeBus) {
	bus := newFakeBus()
	r := New(Config{Name: "test-room"}, bus, newFakeExtractor(), fakeUserStore{})
	allowAll(r)
	return r, bus
}

// allowAll grants every role every permission, so tests that exercise
// handler logic are not incidentally gated by the default permission
// policy. Permission enforcement itself is covered separately by
// TestPermissionDeniedLeavesStateUnchanged, which uses New directly.
func allowAll(r *Room) {
	for _, role := range []grants.Role{grants.UnregisteredUser, grants.RegisteredUser, grants.TrustedUser, grants.Moderator, grants.Administrator, grants.Owner} {
		r.grants.SetMask(role, ^uint64(0))
	}
}

func addVideo(t *testing.T, r *Room, clientID, service, id string) {
	t.Helper()
	err := r.ProcessRequest(Request{
		Type:     AddRequestType,
		ClientID: clientID,
		Add:      &AddRequest{Video: &VideoRef{Service: service, Id: id}},
	})
	require.NoError(t, err)
}

func joinRoom(t *testing.T, r *Room, clientID string) {
	t.Helper()
	err := r.ProcessRequest(Request{Type: JoinRequestType, ClientID: clientID, Join: &JoinRequest{Info: UserInfo{Username: clientID}}})
	require.NoError(t, err)
}

// S1 Play/Pause
func TestPlayPauseTracksElapsedPosition(t *testing.T) {
	r, _ := newTestRoom()
	joinRoom(t, r, "c1")
	addVideo(t, r, "c1", "youtube", "A")
	require.NoError(t, r.ProcessRequest(Request{Type: SkipRequestType, ClientID: "c1"}))

	require.NoError(t, r.ProcessRequest(Request{Type: PlaybackRequestType, ClientID: "c1", Playback: &PlaybackRequest{State: true}}))
	time.Sleep(2 * time.Second)
	require.NoError(t, r.ProcessRequest(Request{Type: PlaybackRequestType, ClientID: "c1", Playback: &PlaybackRequest{State: false}}))

	pos := r.playbackPosition
	require.GreaterOrEqual(t, pos, 2.0)
	require.LessOrEqual(t, pos, 2.1)
	require.False(t, r.isPlaying)
}

// S2 Queue dedup
func TestAddDuplicateVideoFails(t *testing.T) {
	r, _ := newTestRoom()
	joinRoom(t, r, "c1")

	addVideo(t, r, "c1", "youtube", "A")
	err := r.ProcessRequest(Request{
		Type:     AddRequestType,
		ClientID: "c1",
		Add:      &AddRequest{Video: &VideoRef{Service: "youtube", Id: "A"}},
	})

	require.Error(t, err)
	require.IsType(t, VideoAlreadyQueued{}, err)
	require.Len(t, r.queue, 1)
}

// S3 Skip+Undo
func TestSkipThenUndoRestoresExactState(t *testing.T) {
	r, _ := newTestRoom()
	joinRoom(t, r, "c1")

	r.currentSource = &Video{Service: "youtube", Id: "A"}
	r.playbackPosition = 30
	r.queue = []Video{{Service: "youtube", Id: "B"}, {Service: "youtube", Id: "C"}}

	require.NoError(t, r.ProcessRequest(Request{Type: SkipRequestType, ClientID: "c1"}))
	require.Equal(t, "B", r.currentSource.Id)
	require.Equal(t, float64(0), r.playbackPosition)
	require.Len(t, r.queue, 1)
	require.Equal(t, "C", r.queue[0].Id)

	prevPos := 30.0
	undoVideo := Video{Service: "youtube", Id: "A"}
	require.NoError(t, r.ProcessRequest(Request{
		Type:     UndoRequestType,
		ClientID: "c1",
		Undo:     &UndoRequest{RequestType: SkipRequestType, Video: &undoVideo, PrevPosition: &prevPos},
	}))

	require.Equal(t, "A", r.currentSource.Id)
	require.Equal(t, 30.0, r.playbackPosition)
	require.Len(t, r.queue, 2)
	require.Equal(t, "B", r.queue[0].Id)
	require.Equal(t, "C", r.queue[1].Id)
}

// S4 Vote ordering
func TestTickReordersQueueByVoteCountDescending(t *testing.T) {
	r, _ := newTestRoom()
	r.queueMode = QueueModeVote
	r.currentSource = &Video{Service: "s", Id: "W", Length: 100}
	r.queue = []Video{{Service: "s", Id: "X"}, {Service: "s", Id: "Y"}, {Service: "s", Id: "Z"}}

	require.NoError(t, r.ProcessRequest(Request{Type: JoinRequestType, ClientID: "c1", Join: &JoinRequest{Info: UserInfo{Username: "c1"}}}))
	require.NoError(t, r.ProcessRequest(Request{Type: JoinRequestType, ClientID: "c2", Join: &JoinRequest{Info: UserInfo{Username: "c2"}}}))

	require.NoError(t, r.ProcessRequest(Request{Type: VoteRequestType, ClientID: "c1", Vote: &VoteRequest{Service: "s", Id: "Z", Add: true}}))
	require.NoError(t, r.ProcessRequest(Request{Type: VoteRequestType, ClientID: "c2", Vote: &VoteRequest{Service: "s", Id: "Z", Add: true}}))
	require.NoError(t, r.ProcessRequest(Request{Type: VoteRequestType, ClientID: "c1", Vote: &VoteRequest{Service: "s", Id: "Y", Add: true}}))

	r.Tick()

	require.Equal(t, []string{"Z", "Y", "X"}, []string{r.queue[0].Id, r.queue[1].Id, r.queue[2].Id})
}

// Invariant 8 / S8-style: Add then Undo(add) restores the pre-add queue.
func TestAddThenUndoRestoresQueue(t *testing.T) {
	r, _ := newTestRoom()
	joinRoom(t, r, "c1")
	addVideo(t, r, "c1", "youtube", "A")

	addVideo(t, r, "c1", "youtube", "B")
	require.Len(t, r.queue, 2)

	addedVideo := Video{Service: "youtube", Id: "B"}
	require.NoError(t, r.ProcessRequest(Request{
		Type:     UndoRequestType,
		ClientID: "c1",
		Undo:     &UndoRequest{RequestType: AddRequestType, Video: &addedVideo},
	}))

	require.Len(t, r.queue, 1)
	require.Equal(t, "A", r.queue[0].Id)
}

// S5 Full sync on join / delta scoping.
func TestSyncDeltaContainsOnlyDirtyFields(t *testing.T) {
	r, bus := newTestRoom()
	joinRoom(t, r, "c1")
	r.Sync()

	require.NoError(t, r.ProcessRequest(Request{Type: SeekRequestType, ClientID: "c1", Seek: &SeekRequest{Value: floatPtr(42)}}))
	r.Sync()

	delta := bus.lastSyncDelta()
	require.NotNil(t, delta)
	require.Equal(t, 42.0, delta["playbackPosition"])
	require.NotContains(t, delta, "queue")
	require.NotContains(t, delta, "description")
}

func TestEveryCompletedRequestPublishesExactlyOneEvent(t *testing.T) {
	r, bus := newTestRoom()
	joinRoom(t, r, "c1")

	require.NoError(t, r.ProcessRequest(Request{Type: PlaybackRequestType, ClientID: "c1", Playback: &PlaybackRequest{State: true}}))

	events := bus.events(PlaybackRequestType)
	require.Len(t, events, 1)
}

func TestPermissionDeniedLeavesStateUnchanged(t *testing.T) {
	r := New(Config{Name: "test-room"}, newFakeBus(), newFakeExtractor(), fakeUserStore{})
	require.NoError(t, r.ProcessRequest(Request{Type: JoinRequestType, ClientID: "unreg", Join: &JoinRequest{Info: UserInfo{}}}))

	before := r.queue
	err := r.ProcessRequest(Request{
		Type:     AddRequestType,
		ClientID: "unreg",
		Add:      &AddRequest{Video: &VideoRef{Service: "youtube", Id: "A"}},
	})

	require.Error(t, err)
	require.IsType(t, grants.PermissionDenied{}, err)
	require.Equal(t, before, r.queue)
}

func TestIsStaleAfterTimeoutWithNoParticipants(t *testing.T) {
	bus := newFakeBus()
	r := New(Config{Name: "stale-room", StaleTimeout: 10 * time.Millisecond}, bus, newFakeExtractor(), fakeUserStore{})

	require.False(t, r.IsStale())
	time.Sleep(20 * time.Millisecond)
	require.True(t, r.IsStale())
}

func TestPersistentRoomNeverStale(t *testing.T) {
	bus := newFakeBus()
	r := New(Config{Name: "persistent-room", Persistent: true, StaleTimeout: time.Millisecond}, bus, newFakeExtractor(), fakeUserStore{})

	time.Sleep(5 * time.Millisecond)
	require.False(t, r.IsStale())
}

func floatPtr(v float64) *float64 { return &v }

// newDefaultGrantsRoom builds a room with the real default permission
// policy (unlike newTestRoom's allowAll), for tests that exercise the
// promote/demote algorithm and EffectiveRole precedence directly.
func newDefaultGrantsRoom() *Room {
	return New(Config{Name: "promote-room"}, newFakeBus(), newFakeExtractor(), fakeUserStore{})
}

func TestPromoteUserUpSucceeds(t *testing.T) {
	r := newDefaultGrantsRoom()
	joinRoom(t, r, "admin")
	joinRoom(t, r, "alice")
	r.userRoles[grants.Administrator]["admin"] = true

	err := r.ProcessRequest(Request{
		Type:     PromoteRequestType,
		ClientID: "admin",
		Promote:  &PromoteRequest{TargetClientID: "alice", Role: "moderator"},
	})

	require.NoError(t, err)
	require.True(t, r.userRoles[grants.Moderator]["alice"])
	require.Equal(t, grants.Moderator, EffectiveRole("alice", r.ownerID, r.userRoles, false))
}

func TestPromoteDownRequiresTargetRolesDemotePermission(t *testing.T) {
	r := newDefaultGrantsRoom()
	joinRoom(t, r, "admin")
	joinRoom(t, r, "alice")
	r.userRoles[grants.Administrator]["admin"] = true
	r.userRoles[grants.Moderator]["alice"] = true

	// Default TrustedUser mask holds no demote-moderator permission, so
	// demoting alice from Moderator down to TrustedUser must fail.
	err := r.ProcessRequest(Request{
		Type:     PromoteRequestType,
		ClientID: "admin",
		Promote:  &PromoteRequest{TargetClientID: "alice", Role: "trusted-user"},
	})
	require.Error(t, err)
	require.IsType(t, ImpossiblePromotion{}, err)
	require.True(t, r.userRoles[grants.Moderator]["alice"], "state must be unchanged after a rejected demotion")

	// Granting TrustedUser its own demote-moderator permission makes the
	// exact same request succeed.
	r.grants.SetMask(grants.TrustedUser, ^uint64(0))
	err = r.ProcessRequest(Request{
		Type:     PromoteRequestType,
		ClientID: "admin",
		Promote:  &PromoteRequest{TargetClientID: "alice", Role: "trusted-user"},
	})
	require.NoError(t, err)
	require.True(t, r.userRoles[grants.TrustedUser]["alice"])
	require.False(t, r.userRoles[grants.Moderator]["alice"])
}

func TestPromoteToUnregisteredUserFailsWithImpossiblePromotion(t *testing.T) {
	r := newDefaultGrantsRoom()
	joinRoom(t, r, "admin")
	joinRoom(t, r, "alice")
	r.userRoles[grants.Administrator]["admin"] = true

	err := r.ProcessRequest(Request{
		Type:     PromoteRequestType,
		ClientID: "admin",
		Promote:  &PromoteRequest{TargetClientID: "alice", Role: "unregistered-user"},
	})

	require.Error(t, err)
	require.IsType(t, ImpossiblePromotion{}, err)
}

func TestPromoteWithoutPermissionIsDenied(t *testing.T) {
	r := newDefaultGrantsRoom()
	joinRoom(t, r, "bystander")
	joinRoom(t, r, "alice")

	err := r.ProcessRequest(Request{
		Type:     PromoteRequestType,
		ClientID: "bystander",
		Promote:  &PromoteRequest{TargetClientID: "alice", Role: "moderator"},
	})

	require.Error(t, err)
	require.IsType(t, grants.PermissionDenied{}, err)
}

func TestEffectiveRoleOwnerTakesPrecedenceOverRoleSets(t *testing.T) {
	roles := map[grants.Role]map[string]bool{
		grants.Administrator: {"alice": true},
	}
	require.Equal(t, grants.Owner, EffectiveRole("alice", "alice", roles, false))
}

func TestEffectiveRoleHighestRoleSetWins(t *testing.T) {
	roles := map[grants.Role]map[string]bool{
		grants.Administrator: {},
		grants.Moderator:     {"alice": true},
		grants.TrustedUser:   {"alice": true},
	}
	require.Equal(t, grants.Moderator, EffectiveRole("alice", "owner-id", roles, false))
}

func TestEffectiveRoleRegisteredWhenLoggedInWithNoRoleSet(t *testing.T) {
	roles := map[grants.Role]map[string]bool{}
	require.Equal(t, grants.RegisteredUser, EffectiveRole("alice", "owner-id", roles, true))
}

func TestEffectiveRoleUnregisteredByDefault(t *testing.T) {
	roles := map[grants.Role]map[string]bool{}
	require.Equal(t, grants.UnregisteredUser, EffectiveRole("alice", "owner-id", roles, false))
}
