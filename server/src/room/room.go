// Package room implements the authoritative, in-memory state machine for
// one shared playback room: queue management, the playback clock,
// vote-based reordering, permission checks, undoable event history,
// dirty-tracking and throttled synchronization, and staleness-based
// self-unload.
package room

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/sevenautumns/niketsu-core/server/src/grants"
	"github.com/sevenautumns/niketsu-core/server/src/logger"
)

type Visibility string

const (
	Public   Visibility = "public"
	Unlisted Visibility = "unlisted"
)

type QueueMode string

const (
	QueueModeManual QueueMode = "manual"
	QueueModeVote   QueueMode = "vote"
)

const (
	defaultStaleTimeout   = 240 * time.Second
	defaultCoalesceWindow = 50 * time.Millisecond
)

// Config seeds a Room's identity and persistence behavior at
// construction. It mirrors the declared-ahead-of-time shape a room takes
// when read from the startup configuration file.
type Config struct {
	Name        string
	Title       string
	Description string
	Visibility  Visibility
	IsTemporary bool
	Persistent  bool
	OwnerID     string

	StaleTimeout   time.Duration
	CoalesceWindow time.Duration
}

// Room is the authoritative per-room state machine. All mutation is
// serialized behind mu: the concurrency model is cooperative
// single-threaded per room (§5), achieved here with a mutex held for the
// duration of each handler rather than a dedicated goroutine/channel,
// matching the mutex-per-resource style the rest of this core uses.
type Room struct {
	mu sync.Mutex

	name        string
	title       string
	description string
	visibility  Visibility
	isTemporary bool
	persistent  bool

	currentSource    *Video
	queue            []Video
	isPlaying        bool
	playbackPosition float64
	playbackStart    *time.Time

	participants []RoomUser

	ownerID   string
	userRoles map[grants.Role]map[string]bool
	grants    *grants.Grants

	dirty         map[string]bool
	syncArmed     bool
	keepAlivePing time.Time
	votes         map[string]map[string]bool
	queueMode     QueueMode

	// latencies holds the most recent round-trip time estimate the
	// gateway has observed for each connected client, in seconds.
	// Read-only diagnostic input: it never changes sync semantics.
	latencies map[string]float64

	bus       Bus
	extractor VideoExtractor
	userStore UserStore
	snapshots SnapshotStore

	staleTimeout   time.Duration
	coalesceWindow time.Duration
}

// SnapshotStore is the optional local persistence seam a room's full
// state is mirrored to on every sync, so a freshly-created Room can
// recover queue/playback state left over from before a restart even
// when no bus snapshot key survived (e.g. this node is the first to
// ever host the room again). Satisfied by db.DBManager; nil-safe, so
// rooms constructed without one (e.g. in tests) simply skip the write.
type SnapshotStore interface {
	PutSnapshot(room string, snapshot []byte) error
}

func New(cfg Config, bus Bus, extractor VideoExtractor, userStore UserStore) *Room {
	staleTimeout := cfg.StaleTimeout
	if staleTimeout == 0 {
		staleTimeout = defaultStaleTimeout
	}
	coalesceWindow := cfg.CoalesceWindow
	if coalesceWindow == 0 {
		coalesceWindow = defaultCoalesceWindow
	}

	return &Room{
		name:        cfg.Name,
		title:       cfg.Title,
		description: cfg.Description,
		visibility:  cfg.Visibility,
		isTemporary: cfg.IsTemporary,
		persistent:  cfg.Persistent,

		queue:     make([]Video, 0),
		queueMode: QueueModeManual,

		ownerID: cfg.OwnerID,
		userRoles: map[grants.Role]map[string]bool{
			grants.Administrator: make(map[string]bool),
			grants.Moderator:     make(map[string]bool),
			grants.TrustedUser:   make(map[string]bool),
		},
		grants: grants.New(),

		dirty:         make(map[string]bool),
		keepAlivePing: time.Now(),
		votes:         make(map[string]map[string]bool),
		latencies:     make(map[string]float64),

		bus:       bus,
		extractor: extractor,
		userStore: userStore,

		staleTimeout:   staleTimeout,
		coalesceWindow: coalesceWindow,
	}
}

func (r *Room) Name() string {
	return r.name
}

func (r *Room) Persistent() bool {
	return r.persistent
}

// Grants exposes the room's permission policy so a caller outside this
// package can inspect or, in tests, override it.
func (r *Room) Grants() *grants.Grants {
	return r.grants
}

// SetSnapshotStore wires a local persistence seam into the room after
// construction (roommanager does this once, right after New/factory),
// so every sync also writes a recovery copy of the full state.
func (r *Room) SetSnapshotStore(store SnapshotStore) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.snapshots = store
}

// snapshotSeed is the subset of snapshotLocked's shape that survives a
// cold start: queue and playback position, not live participants, votes
// or latency samples, which only exist for currently-connected clients.
type snapshotSeed struct {
	Title            string     `json:"title"`
	Description      string     `json:"description"`
	Visibility       Visibility `json:"visibility"`
	QueueMode        QueueMode  `json:"queueMode"`
	CurrentSource    *Video     `json:"currentSource"`
	Queue            []Video    `json:"queue"`
	PlaybackPosition float64    `json:"playbackPosition"`
}

// LoadSnapshot seeds a freshly constructed, not-yet-joined Room from a
// previously persisted snapshot (db.DBManager.GetSnapshot), recovering
// queue and playback position across a restart. Playback always starts
// paused: nobody has joined yet to drive the clock forward. Safe to call
// only before any participant has joined.
func (r *Room) LoadSnapshot(data []byte) error {
	var seed snapshotSeed
	if err := json.Unmarshal(data, &seed); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.title = seed.Title
	r.description = seed.Description
	if seed.Visibility != "" {
		r.visibility = seed.Visibility
	}
	if seed.QueueMode != "" {
		r.queueMode = seed.QueueMode
	}
	r.currentSource = seed.CurrentSource
	r.queue = seed.Queue
	r.isPlaying = false
	r.playbackStart = nil
	r.playbackPosition = seed.PlaybackPosition

	return nil
}

// permissionFor is the permission map from §4.C: request types not
// present here have no generic permission check (Promote has its own
// check inside).
var permissionFor = map[RequestType]grants.Permission{
	PlaybackRequestType: grants.PermissionPlaybackPlayPause,
	SkipRequestType:      grants.PermissionPlaybackSkip,
	SeekRequestType:      grants.PermissionPlaybackSeek,
	AddRequestType:       grants.PermissionQueueAdd,
	RemoveRequestType:    grants.PermissionQueueRemove,
	OrderRequestType:     grants.PermissionQueueOrder,
	VoteRequestType:      grants.PermissionQueueVote,
	ChatRequestType:      grants.PermissionChat,
}

// ProcessRequest resolves the acting user, checks permissions, and
// dispatches to the handler for req.Type. Handlers either fully succeed
// (state mutated and, for the request types listed on Event, an event
// published) or fully fail (no mutation); there is no partial commit.
func (r *Room) ProcessRequest(req Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	user := r.findUserLocked(req.ClientID)

	if permission, ok := permissionFor[req.Type]; ok {
		role := r.effectiveRoleLocked(req.ClientID, user)
		if err := r.grants.Check(role, permission); err != nil {
			return err
		}
	}

	switch req.Type {
	case PlaybackRequestType:
		return r.playbackLocked(req.ClientID, req.Playback)
	case SkipRequestType:
		return r.skipLocked(req.ClientID)
	case SeekRequestType:
		return r.seekLocked(req.ClientID, req.Seek)
	case AddRequestType:
		return r.addToQueueLocked(req.ClientID, req.Add)
	case RemoveRequestType:
		return r.removeFromQueueLocked(req.ClientID, req.Remove)
	case OrderRequestType:
		return r.reorderQueueLocked(req.ClientID, req.Order)
	case VoteRequestType:
		return r.voteLocked(req.ClientID, req.Vote)
	case JoinRequestType:
		return r.joinRoomLocked(req.ClientID, req.Join)
	case LeaveRequestType:
		return r.leaveRoomLocked(req.ClientID)
	case UpdateUserType:
		return r.updateUserLocked(req.ClientID, req.Update)
	case ChatRequestType:
		return r.chatLocked(req.ClientID, user, req.Chat)
	case UndoRequestType:
		return r.undoLocked(req.ClientID, req.Undo)
	case PromoteRequestType:
		return r.promoteUserLocked(req.ClientID, req.Promote)
	default:
		logger.Warnw("Unknown request type submitted to room", "room", r.name, "type", req.Type)
		return nil
	}
}

func (r *Room) findUserLocked(clientID string) *RoomUser {
	for i := range r.participants {
		if r.participants[i].Id == clientID {
			return &r.participants[i]
		}
	}
	return nil
}

func (r *Room) effectiveRoleLocked(clientID string, user *RoomUser) grants.Role {
	loggedIn := user != nil && user.IsLoggedIn()
	return EffectiveRole(clientID, r.ownerID, r.userRoles, loggedIn)
}

// effectivePosition returns playbackPosition plus elapsed wallclock time
// since playbackStart while playing, else playbackPosition as-is.
func (r *Room) effectivePositionLocked() float64 {
	if r.isPlaying && r.playbackStart != nil {
		return r.playbackPosition + time.Since(*r.playbackStart).Seconds()
	}
	return r.playbackPosition
}

// ReportLatency records the gateway's most recent round-trip time
// estimate for clientID, in seconds. Purely diagnostic: it never feeds
// back into the playback clock or sync semantics.
func (r *Room) ReportLatency(clientID string, rttSeconds float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.latencies[clientID] = rttSeconds
}

// EstimatePosition returns the room's effective position plus half of
// clientID's known round-trip time while playing, or the effective
// position unchanged while paused (the teacher's half-RTT correction in
// worker.go). Returns false if no latency sample has been reported yet.
func (r *Room) EstimatePosition(clientID string) (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rtt, ok := r.latencies[clientID]
	if !ok {
		return 0, false
	}

	position := r.effectivePositionLocked()
	if r.isPlaying {
		position += rtt / 2
	}
	return position, true
}

// SlowestEstimatedClientPosition returns the lowest estimated position
// among participants with a latency sample, i.e. the one with the
// smallest half-RTT correction while playing. Returns false if no
// participant has a latency sample yet.
func (r *Room) SlowestEstimatedClientPosition() (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	found := false
	slowest := 0.0
	base := r.effectivePositionLocked()

	for _, user := range r.participants {
		rtt, ok := r.latencies[user.Id]
		if !ok {
			continue
		}

		estimate := base
		if r.isPlaying {
			estimate += rtt / 2
		}

		if !found || estimate < slowest {
			slowest = estimate
			found = true
		}
	}

	return slowest, found
}

func (r *Room) markDirtyLocked(field string) {
	r.dirty[field] = true
	if !r.syncArmed {
		r.syncArmed = true
		time.AfterFunc(r.coalesceWindow, r.runSync)
	}
}

func (r *Room) runSync() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.syncArmed = false
	r.syncLocked()
}

// Sync flushes any pending dirty fields immediately, bypassing the
// coalescing window. Exported for callers (e.g. onBeforeUnload, tests)
// that need a synchronous flush.
func (r *Room) Sync() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.syncLocked()
}

func (r *Room) syncLocked() {
	if len(r.dirty) == 0 {
		return
	}
	r.syncArmed = false

	full := r.snapshotLocked()

	delta := map[string]any{"action": "sync"}
	for field := range r.dirty {
		if v, ok := full[field]; ok {
			delta[field] = v
		}
	}
	delta["grants"] = r.grants.GetMask(grants.Owner)

	if payload, err := json.Marshal(full); err != nil {
		logger.Errorw("Failed to marshal room snapshot", "room", r.name, "error", err)
	} else {
		if err := r.bus.Set(roomSyncKey(r.name), payload); err != nil {
			logger.Warnw("Failed to write room snapshot to bus", "room", r.name, "error", err)
		}
		if r.snapshots != nil {
			if err := r.snapshots.PutSnapshot(r.name, payload); err != nil {
				logger.Warnw("Failed to persist local room snapshot", "room", r.name, "error", err)
			}
		}
	}

	if payload, err := json.Marshal(delta); err != nil {
		logger.Errorw("Failed to marshal sync delta", "room", r.name, "error", err)
	} else if err := r.bus.Publish(roomChannel(r.name), payload); err != nil {
		logger.Warnw("Failed to publish sync delta to bus", "room", r.name, "error", err)
	}

	r.dirty = make(map[string]bool)
}

func (r *Room) snapshotLocked() map[string]any {
	voteCounts := make(map[string]int, len(r.votes))
	for key, clients := range r.votes {
		voteCounts[key] = len(clients)
	}

	grantMasks := make(map[string]uint64, 6)
	for _, role := range []grants.Role{grants.UnregisteredUser, grants.RegisteredUser, grants.TrustedUser, grants.Moderator, grants.Administrator, grants.Owner} {
		grantMasks[role.String()] = r.grants.GetMask(role)
	}

	return map[string]any{
		"name":             r.name,
		"title":            r.title,
		"description":      r.description,
		"visibility":       r.visibility,
		"isTemporary":      r.isTemporary,
		"queueMode":        r.queueMode,
		"currentSource":    r.currentSource,
		"queue":            r.queue,
		"isPlaying":        r.isPlaying,
		"playbackPosition": r.effectivePositionLocked(),
		"users":            r.userViewsLocked(),
		"voteCounts":       voteCounts,
		"grants":           grantMasks,
	}
}

func (r *Room) userViewsLocked() []map[string]any {
	views := make([]map[string]any, 0, len(r.participants))
	for _, u := range r.participants {
		views = append(views, map[string]any{
			"id":           u.Id,
			"username":     u.Username(),
			"isLoggedIn":   u.IsLoggedIn(),
			"playerStatus": u.PlayerStatus,
		})
	}
	return views
}

func (r *Room) publishEvent(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		logger.Errorw("Failed to marshal room event", "room", r.name, "error", err)
		return
	}

	if err := r.bus.Publish(roomChannel(r.name), payload); err != nil {
		logger.Warnw("Failed to publish event to bus", "room", r.name, "error", err)
	}
}

// --- handlers -------------------------------------------------------------

func (r *Room) playbackLocked(clientID string, req *PlaybackRequest) error {
	if req == nil {
		return nil
	}

	if req.State && !r.isPlaying {
		now := time.Now()
		r.isPlaying = true
		r.playbackStart = &now
		r.markDirtyLocked("isPlaying")
	} else if !req.State && r.isPlaying {
		r.playbackPosition = r.effectivePositionLocked()
		r.playbackStart = nil
		r.isPlaying = false
		r.markDirtyLocked("isPlaying")
		r.markDirtyLocked("playbackPosition")
	}

	r.publishEvent(Event{Action: "event", Request: PlaybackRequestType, User: clientID})
	return nil
}

func (r *Room) skipLocked(clientID string) error {
	video := r.currentSource
	prev := r.effectivePositionLocked()

	r.dequeueNextLocked()

	r.publishEvent(Event{Action: "event", Request: SkipRequestType, User: clientID, Video: video, PrevPosition: &prev})
	return nil
}

func (r *Room) seekLocked(clientID string, req *SeekRequest) error {
	if req == nil || req.Value == nil {
		return nil
	}

	prev := r.playbackPosition
	r.playbackPosition = *req.Value
	r.markDirtyLocked("playbackPosition")

	r.publishEvent(Event{Action: "event", Request: SeekRequestType, User: clientID, PrevPosition: &prev})
	return nil
}

func (r *Room) resolveRef(ref VideoRef) (Video, error) {
	if ref.URL != "" {
		return r.extractor.Resolve(ref)
	}
	if ref.Service != "" || ref.Id != "" {
		return r.extractor.Resolve(ref)
	}
	return Video{}, VideoNotFound{Service: ref.Service, Id: ref.Id}
}

func (r *Room) collidesLocked(v Video) bool {
	if r.currentSource != nil && r.currentSource.Equal(v) {
		return true
	}
	for _, q := range r.queue {
		if q.Equal(v) {
			return true
		}
	}
	return false
}

func (r *Room) addToQueueLocked(clientID string, req *AddRequest) error {
	if req == nil {
		return nil
	}

	if len(req.Videos) > 0 {
		survivors := make([]Video, 0, len(req.Videos))
		for _, ref := range req.Videos {
			video, err := r.resolveRef(ref)
			if err != nil {
				continue
			}
			if !r.collidesLocked(video) {
				survivors = append(survivors, video)
			}
		}
		if len(survivors) == 0 {
			return VideoAlreadyQueued{}
		}

		r.queue = append(r.queue, survivors...)
		r.markDirtyLocked("queue")
		r.publishEvent(Event{Action: "event", Request: AddRequestType, User: clientID, Videos: survivors})
		return nil
	}

	var ref VideoRef
	if req.URL != nil {
		ref = *req.URL
	} else if req.Video != nil {
		ref = *req.Video
	} else {
		return nil
	}

	video, err := r.resolveRef(ref)
	if err != nil {
		return err
	}
	if r.collidesLocked(video) {
		return VideoAlreadyQueued{Video: video}
	}

	r.queue = append(r.queue, video)
	r.markDirtyLocked("queue")
	r.publishEvent(Event{Action: "event", Request: AddRequestType, User: clientID, Video: &video})
	return nil
}

func (r *Room) removeFromQueueLocked(clientID string, req *RemoveRequest) error {
	if req == nil {
		return nil
	}

	for i, v := range r.queue {
		if v.Service == req.Service && v.Id == req.Id {
			idx := i
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			r.markDirtyLocked("queue")
			r.publishEvent(Event{Action: "event", Request: RemoveRequestType, User: clientID, Video: &v, QueueIdx: &idx})
			return nil
		}
	}

	return VideoNotFound{Service: req.Service, Id: req.Id}
}

func (r *Room) reorderQueueLocked(clientID string, req *OrderRequest) error {
	if req == nil {
		return nil
	}

	moved := r.queue[req.FromIdx]
	r.queue = append(r.queue[:req.FromIdx], r.queue[req.FromIdx+1:]...)
	tail := append([]Video{moved}, r.queue[req.ToIdx:]...)
	r.queue = append(r.queue[:req.ToIdx], tail...)
	r.markDirtyLocked("queue")

	r.publishEvent(Event{Action: "event", Request: OrderRequestType, User: clientID})
	return nil
}

func (r *Room) voteLocked(clientID string, req *VoteRequest) error {
	if req == nil {
		return nil
	}

	key := req.Service + req.Id
	if req.Add {
		if r.votes[key] == nil {
			r.votes[key] = make(map[string]bool)
		}
		r.votes[key][clientID] = true
	} else if set, ok := r.votes[key]; ok {
		delete(set, clientID)
		if len(set) == 0 {
			delete(r.votes, key)
		}
	}

	r.markDirtyLocked("voteCounts")
	return nil
}

func (r *Room) joinRoomLocked(clientID string, req *JoinRequest) error {
	if req == nil {
		return nil
	}

	user := NewRoomUser(clientID, req.Info)
	if err := user.UpdateInfo(req.Info, r.userStore); err != nil {
		logger.Warnw("Failed to resolve user info on join", "room", r.name, "client", clientID, "error", err)
	}

	r.participants = append(r.participants, user)
	r.markDirtyLocked("users")
	r.keepAlivePing = time.Now()

	r.publishEvent(Event{Action: "event", Request: JoinRequestType, User: clientID})
	return nil
}

func (r *Room) leaveRoomLocked(clientID string) error {
	for i, u := range r.participants {
		if u.Id == clientID {
			r.participants = append(r.participants[:i], r.participants[i+1:]...)
			delete(r.latencies, clientID)
			r.markDirtyLocked("users")
			r.publishEvent(Event{Action: "event", Request: LeaveRequestType, User: clientID})
			return nil
		}
	}

	return ClientNotFoundInRoom{ClientID: clientID, Room: r.name}
}

func (r *Room) updateUserLocked(clientID string, req *UpdateUserRequest) error {
	if req == nil {
		return nil
	}

	user := r.findUserLocked(clientID)
	if user == nil {
		return ClientNotFoundInRoom{ClientID: clientID, Room: r.name}
	}

	if err := user.UpdateInfo(req.Info, r.userStore); err != nil {
		return err
	}

	r.markDirtyLocked("users")
	return nil
}

func (r *Room) chatLocked(clientID string, user *RoomUser, req *ChatRequest) error {
	if req == nil {
		return nil
	}

	username := clientID
	if user != nil {
		username = user.Username()
	}

	payload, err := json.Marshal(map[string]any{"action": "chat", "from": username, "text": req.Text})
	if err != nil {
		logger.Errorw("Failed to marshal chat message", "room", r.name, "error", err)
		return err
	}

	if err := r.bus.Publish(roomChannel(r.name), payload); err != nil {
		logger.Warnw("Failed to publish chat message to bus", "room", r.name, "error", err)
	}

	return nil
}

// undoLocked inverts a prior event. The server is stateless about
// history: the client echoes the original event's payload back via
// UndoRequest (§9 Design Notes).
func (r *Room) undoLocked(clientID string, req *UndoRequest) error {
	if req == nil {
		return nil
	}

	switch req.RequestType {
	case SeekRequestType:
		if req.PrevPosition == nil {
			return nil
		}
		return r.seekLocked(clientID, &SeekRequest{Value: req.PrevPosition})

	case SkipRequestType:
		if req.Video == nil {
			return nil
		}
		if r.currentSource != nil {
			r.queue = append([]Video{*r.currentSource}, r.queue...)
		}
		r.currentSource = req.Video
		if req.PrevPosition != nil {
			r.playbackPosition = *req.PrevPosition
		}
		r.markDirtyLocked("currentSource")
		r.markDirtyLocked("queue")
		r.markDirtyLocked("playbackPosition")
		return nil

	case AddRequestType:
		if req.Video == nil {
			return nil
		}
		if len(r.queue) > 0 {
			return r.removeFromQueueLocked(clientID, &RemoveRequest{Service: req.Video.Service, Id: req.Video.Id})
		}
		r.currentSource = nil
		r.markDirtyLocked("currentSource")
		return nil

	case RemoveRequestType:
		if req.Video == nil || req.QueueIdx == nil {
			return nil
		}
		idx := *req.QueueIdx
		if idx < 0 {
			idx = 0
		}
		if idx > len(r.queue) {
			idx = len(r.queue)
		}
		r.queue = append(r.queue[:idx], append([]Video{*req.Video}, r.queue[idx:]...)...)
		r.markDirtyLocked("queue")
		return nil

	default:
		logger.Infow("Ignoring undo for non-invertible request type", "room", r.name, "type", req.RequestType)
		return nil
	}
}

func (r *Room) promoteUserLocked(clientID string, req *PromoteRequest) error {
	if req == nil {
		return nil
	}

	targetRole, err := parseRole(req.Role)
	if err != nil || targetRole == grants.UnregisteredUser {
		return ImpossiblePromotion{Reason: "cannot promote to unregistered-user"}
	}

	promoterUser := r.findUserLocked(clientID)
	promoterRole := r.effectiveRoleLocked(clientID, promoterUser)

	promotePermission, ok := promotePermissionFor(targetRole)
	if !ok {
		return ImpossiblePromotion{Reason: "no such promotable role"}
	}
	if err := r.grants.Check(promoterRole, promotePermission); err != nil {
		return err
	}

	currentRole := r.effectiveRoleLocked(req.TargetClientID, r.findUserLocked(req.TargetClientID))
	if currentRole > targetRole {
		demotePermission, ok := demotePermissionFor(currentRole)
		if !ok {
			return ImpossiblePromotion{Reason: "no demotion permission defined for current role"}
		}
		if err := r.grants.Check(targetRole, demotePermission); err != nil {
			return ImpossiblePromotion{Reason: "requested role cannot demote current role"}
		}
	}

	for role, set := range r.userRoles {
		if role >= grants.TrustedUser {
			delete(set, req.TargetClientID)
		}
	}
	if targetRole >= grants.TrustedUser {
		r.userRoles[targetRole][req.TargetClientID] = true
	}

	r.markDirtyLocked("users")
	return nil
}

func parseRole(name string) (grants.Role, error) {
	switch name {
	case "unregistered-user":
		return grants.UnregisteredUser, nil
	case "registered-user":
		return grants.RegisteredUser, nil
	case "trusted-user":
		return grants.TrustedUser, nil
	case "moderator":
		return grants.Moderator, nil
	case "administrator":
		return grants.Administrator, nil
	case "owner":
		return grants.Owner, nil
	default:
		return grants.UnregisteredUser, ImpossiblePromotion{Reason: "unknown role " + name}
	}
}

func promotePermissionFor(role grants.Role) (grants.Permission, bool) {
	switch role {
	case grants.Administrator:
		return grants.PermissionPromoteAdmin, true
	case grants.Moderator:
		return grants.PermissionPromoteModerator, true
	case grants.TrustedUser:
		return grants.PermissionPromoteTrustedUser, true
	default:
		return "", false
	}
}

func demotePermissionFor(role grants.Role) (grants.Permission, bool) {
	switch role {
	case grants.Administrator:
		return grants.PermissionDemoteAdmin, true
	case grants.Moderator:
		return grants.PermissionDemoteModerator, true
	case grants.TrustedUser:
		return grants.PermissionDemoteTrustedUser, true
	default:
		return "", false
	}
}

// dequeueNextLocked pops the queue's front into currentSource, or clears
// currentSource if the queue is empty.
func (r *Room) dequeueNextLocked() {
	if len(r.queue) > 0 {
		next := r.queue[0]
		r.queue = r.queue[1:]
		r.currentSource = &next
		r.playbackPosition = 0
		r.markDirtyLocked("currentSource")
		r.markDirtyLocked("queue")
		r.markDirtyLocked("playbackPosition")
		return
	}

	if r.currentSource != nil {
		if r.isPlaying {
			r.isPlaying = false
			r.playbackStart = nil
			r.markDirtyLocked("isPlaying")
		}
		r.playbackPosition = 0
		r.currentSource = nil
		r.markDirtyLocked("currentSource")
		r.markDirtyLocked("playbackPosition")
	}
}

// Tick runs the periodic update: end-of-video auto-advance, keepalive
// refresh, and vote-based queue reordering.
func (r *Room) Tick() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.currentSource == nil || r.effectivePositionLocked() > r.currentSource.Length {
		r.dequeueNextLocked()
	}

	if len(r.participants) > 0 {
		r.keepAlivePing = time.Now()
	}

	if r.queueMode == QueueModeVote {
		r.reorderByVotesLocked()
	}
}

func (r *Room) reorderByVotesLocked() {
	counts := make(map[string]int, len(r.votes))
	for key, clients := range r.votes {
		counts[key] = len(clients)
	}

	before := make([]string, len(r.queue))
	for i, v := range r.queue {
		before[i] = v.Key()
	}

	sort.SliceStable(r.queue, func(i, j int) bool {
		return counts[r.queue[i].Key()] > counts[r.queue[j].Key()]
	})

	changed := false
	for i, v := range r.queue {
		if before[i] != v.Key() {
			changed = true
			break
		}
	}
	if changed {
		r.markDirtyLocked("queue")
	}
}

// IsStale reports whether the room has had no participants for longer
// than staleTimeout. A persistent room (declared in configuration) is
// never stale.
func (r *Room) IsStale() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.persistent {
		return false
	}
	return time.Since(r.keepAlivePing) > r.staleTimeout
}

// OnBeforeUnload publishes an unload event so peer processes can
// disconnect their local clients, then flushes any pending sync.
func (r *Room) OnBeforeUnload() {
	r.mu.Lock()
	payload, err := json.Marshal(map[string]any{"action": "unload"})
	r.mu.Unlock()

	if err != nil {
		logger.Errorw("Failed to marshal unload event", "room", r.name, "error", err)
		return
	}

	if err := r.bus.Publish(roomChannel(r.name), payload); err != nil {
		logger.Warnw("Failed to publish unload event", "room", r.name, "error", err)
	}

	r.Sync()
}

// Snapshot returns the JSON-encoded full state, used by callers that need
// to persist a best-effort local copy (see the db package) or hand a
// cold-start snapshot to the bus without waiting for the next sync.
func (r *Room) Snapshot() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return json.Marshal(r.snapshotLocked())
}
