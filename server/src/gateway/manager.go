package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sevenautumns/niketsu-core/server/src/bus"
	"github.com/sevenautumns/niketsu-core/server/src/logger"
	"github.com/sevenautumns/niketsu-core/server/src/room"
	"github.com/sevenautumns/niketsu-core/server/src/roommanager"
)

const keepaliveInterval = 10 * time.Second

// latencyPingInterval is how often the manager sends an id-tagged,
// app-level ping used purely for RTT measurement, matching the
// teacher's pingTickInterval cadence in worker.go.
const latencyPingInterval = time.Second

// latencyGCInterval is how often never-answered pings older than
// pingPendingTimeout are dropped.
const latencyGCInterval = 60 * time.Second

// Manager is the process-wide registry of client sockets: all open
// connections, local room membership, and the last-known synced state
// per room (used for full-sync on join). All access goes through this
// value, guarded by mu.
type Manager struct {
	mu          sync.Mutex
	connections []*Client
	roomJoins   map[string][]*Client
	roomStates  map[string]map[string]any

	subscribed map[string]bool

	rooms roommanager.Directory
	bus   bus.Bus

	stop chan struct{}
}

func NewManager(rooms roommanager.Directory, b bus.Bus) *Manager {
	m := &Manager{
		roomJoins:  make(map[string][]*Client),
		roomStates: make(map[string]map[string]any),
		subscribed: make(map[string]bool),
		rooms:      rooms,
		bus:        b,
		stop:       make(chan struct{}),
	}

	if err := b.Subscribe(bus.AnnouncementChannel, m.onBusMessage); err != nil {
		logger.Warnw("Failed to subscribe to announcement channel", "error", err)
	}

	return m
}

// Accept wires up a newly-upgraded socket: constructs a Client, registers
// it, and attempts to join the room named by the connection URL.
func (m *Manager) Accept(session Session, socket Socket, roomName string) {
	client := newClient(session, socket, m.rooms, m)

	m.mu.Lock()
	m.connections = append(m.connections, client)
	m.mu.Unlock()

	if err := client.joinRoom(roomName); err != nil {
		if _, ok := err.(room.RoomNotFound); ok {
			client.closeWith(CloseRoomNotFound, "room not found")
		} else {
			logger.Warnw("Failed to join room", "client", client.id, "room", roomName, "error", err)
			client.closeWith(CloseUnknown, "join failed")
		}
		return
	}

	go client.run()
}

func (m *Manager) registerJoin(name string, c *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.roomJoins[name] = append(m.roomJoins[name], c)
}

func (m *Manager) subscribeRoom(name string) {
	m.mu.Lock()
	already := m.subscribed[name]
	m.subscribed[name] = true
	m.mu.Unlock()

	if already {
		return
	}

	if err := m.bus.Subscribe(roomChannel(name), m.onBusMessage); err != nil {
		logger.Warnw("Failed to subscribe to room channel", "room", name, "error", err)
	}
}

func roomChannel(name string) string { return "room:" + name }
func roomSyncKey(name string) string { return "room-sync:" + name }

// sendFullSync sends the cached (or freshly-loaded) snapshot for name to
// c as the first message it receives for that room, satisfying the
// ordering guarantee that a client sees a full sync before any delta.
func (m *Manager) sendFullSync(c *Client, name string) {
	snapshot := m.loadSnapshot(name)

	envelope := map[string]any{"action": "sync"}
	for k, v := range snapshot {
		envelope[k] = v
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		logger.Errorw("Failed to marshal full sync", "room", name, "error", err)
		return
	}

	c.send(payload)
}

func (m *Manager) loadSnapshot(name string) map[string]any {
	m.mu.Lock()
	cached, ok := m.roomStates[name]
	m.mu.Unlock()
	if ok {
		return cached
	}

	raw, err := m.bus.Get(roomSyncKey(name))
	if err != nil || raw == nil {
		return map[string]any{}
	}

	var snapshot map[string]any
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		logger.Warnw("Failed to unmarshal cached room snapshot", "room", name, "error", err)
		return map[string]any{}
	}

	m.mu.Lock()
	m.roomStates[name] = snapshot
	m.mu.Unlock()

	return snapshot
}

// onBusMessage handles every message this process receives from its bus
// subscriptions, whether per-room or the global announcement channel.
func (m *Manager) onBusMessage(channel string, payload []byte) {
	if channel == bus.AnnouncementChannel {
		m.broadcastAll(payload)
		return
	}

	name, ok := roomNameFromChannel(channel)
	if !ok {
		return
	}

	var envelope map[string]any
	if err := json.Unmarshal(payload, &envelope); err != nil {
		logger.Warnw("Failed to decode bus message", "channel", channel, "error", err)
		return
	}

	switch envelope["action"] {
	case "sync":
		m.mergeSnapshot(name, envelope)
		m.broadcastToRoom(name, payload)
	case "unload":
		m.closeRoom(name)
	case "chat", "event":
		m.broadcastToRoom(name, payload)
	case "user":
		m.deliverUserMessage(name, envelope)
	}
}

func (m *Manager) mergeSnapshot(name string, delta map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cached, ok := m.roomStates[name]
	if !ok {
		cached = make(map[string]any)
	}
	for k, v := range delta {
		if k == "action" {
			continue
		}
		cached[k] = v
	}
	m.roomStates[name] = cached
}

func (m *Manager) broadcastToRoom(name string, payload []byte) {
	m.mu.Lock()
	clients := append([]*Client(nil), m.roomJoins[name]...)
	m.mu.Unlock()

	for _, c := range clients {
		c.send(payload)
	}
}

func (m *Manager) broadcastAll(payload []byte) {
	m.mu.Lock()
	clients := append([]*Client(nil), m.connections...)
	m.mu.Unlock()

	for _, c := range clients {
		c.send(payload)
	}
}

func (m *Manager) closeRoom(name string) {
	m.mu.Lock()
	clients := append([]*Client(nil), m.roomJoins[name]...)
	m.mu.Unlock()

	for _, c := range clients {
		c.closeWith(CloseRoomUnloaded, "room unloaded")
	}
}

// deliverUserMessage targets the single client whose id equals the
// envelope's user.id, marking the copy sent to them with isYou=true.
func (m *Manager) deliverUserMessage(name string, envelope map[string]any) {
	userField, ok := envelope["user"].(map[string]any)
	if !ok {
		return
	}
	targetID, _ := userField["id"].(string)
	if targetID == "" {
		return
	}

	m.mu.Lock()
	var target *Client
	for _, c := range m.roomJoins[name] {
		if c.id == targetID {
			target = c
			break
		}
	}
	m.mu.Unlock()
	if target == nil {
		return
	}

	userField["isYou"] = true
	envelope["user"] = userField

	payload, err := json.Marshal(envelope)
	if err != nil {
		logger.Errorw("Failed to marshal targeted user message", "room", name, "error", err)
		return
	}

	target.send(payload)
}

func roomNameFromChannel(channel string) (string, bool) {
	const prefix = "room:"
	if len(channel) <= len(prefix) || channel[:len(prefix)] != prefix {
		return "", false
	}
	return channel[len(prefix):], true
}

// onClientClosed removes client from the process-wide connection list and
// every room it had joined.
func (m *Manager) onClientClosed(client *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.connections = removeClient(m.connections, client)
	if client.room != "" {
		m.roomJoins[client.room] = removeClient(m.roomJoins[client.room], client)
	}
}

func removeClient(clients []*Client, target *Client) []*Client {
	out := clients[:0]
	for _, c := range clients {
		if c != target {
			out = append(out, c)
		}
	}
	return out
}

// OnUserModified swaps in a refreshed session for every connection
// matching session.Id and submits an UpdateUser request reflecting the
// new identity.
func (m *Manager) OnUserModified(session Session) {
	m.mu.Lock()
	matching := make([]*Client, 0)
	for _, c := range m.connections {
		if c.session.Id == session.Id {
			c.session = session
			matching = append(matching, c)
		}
	}
	m.mu.Unlock()

	for _, c := range matching {
		if c.room == "" {
			continue
		}
		r, err := m.rooms.GetRoom(c.room)
		if err != nil {
			continue
		}
		if err := r.ProcessRequest(room.Request{
			Type:     room.UpdateUserType,
			ClientID: c.id,
			Update:   &room.UpdateUserRequest{Info: c.clientInfo()},
		}); err != nil {
			logger.Warnw("Failed to apply refreshed identity", "client", c.id, "error", err)
		}
	}
}

// Keepalive pings every open connection every 10s at the transport
// level, and separately sends an id-tagged application-level ping every
// second to every connection for RTT estimation, until Stop is called.
func (m *Manager) Keepalive() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	latencyTicker := time.NewTicker(latencyPingInterval)
	defer latencyTicker.Stop()

	gcTicker := time.NewTicker(latencyGCInterval)
	defer gcTicker.Stop()

	for {
		select {
		case <-ticker.C:
			m.pingAll()
		case <-latencyTicker.C:
			m.sendLatencyPings()
		case <-gcTicker.C:
			m.garbageCollectLatencies()
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) pingAll() {
	m.mu.Lock()
	clients := append([]*Client(nil), m.connections...)
	m.mu.Unlock()

	for _, c := range clients {
		ctx, cancel := context.WithTimeout(context.Background(), socketIOTimeout)
		err := c.socket.Ping(ctx)
		cancel()
		if err != nil {
			logger.Debugw("Ping failed, closing client", "client", c.id, "error", err)
			c.closeWith(CloseUnknown, "ping failed")
		}
	}
}

// sendLatencyPings sends each connection an application-level ping
// tagged with a fresh id, recorded on the client's latencyTracker so
// the matching pong can be turned into a round-trip time sample.
func (m *Manager) sendLatencyPings() {
	m.mu.Lock()
	clients := append([]*Client(nil), m.connections...)
	m.mu.Unlock()

	for _, c := range clients {
		id := uuid.NewString()
		c.latency.track(id)

		payload, err := json.Marshal(wireMessage{Action: "ping", Id: id})
		if err != nil {
			logger.Warnw("Failed to marshal latency ping", "client", c.id, "error", err)
			continue
		}
		c.send(payload)
	}
}

func (m *Manager) garbageCollectLatencies() {
	m.mu.Lock()
	clients := append([]*Client(nil), m.connections...)
	m.mu.Unlock()

	for _, c := range clients {
		c.latency.garbageCollect()
	}
}

func (m *Manager) Stop() {
	close(m.stop)
}
