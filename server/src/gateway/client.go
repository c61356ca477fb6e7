// Package gateway implements the per-process manager of client sockets:
// session identity, translation between the wire protocol and room
// requests, per-room membership, full-sync on join, and fan-out of room
// deltas received from the message bus.
package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/sevenautumns/niketsu-core/server/src/logger"
	"github.com/sevenautumns/niketsu-core/server/src/room"
	"github.com/sevenautumns/niketsu-core/server/src/roommanager"
)

const socketIOTimeout = 10 * time.Second

// Socket is the narrow read/write/close surface a Client needs,
// satisfied by nhooyr.io/websocket. Kept as an interface, matching the
// WebsocketReaderWriter seam this core has always used, so tests can
// substitute a fake instead of opening a real connection.
type Socket interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, payload []byte) error
	Ping(ctx context.Context) error
	Close(code websocket.StatusCode, reason string) error
}

type wsSocket struct {
	conn *websocket.Conn
}

func NewWsSocket(conn *websocket.Conn) Socket {
	return wsSocket{conn: conn}
}

func (s wsSocket) Read(ctx context.Context) ([]byte, error) {
	_, payload, err := s.conn.Read(ctx)
	return payload, err
}

func (s wsSocket) Write(ctx context.Context, payload []byte) error {
	return s.conn.Write(ctx, websocket.MessageText, payload)
}

func (s wsSocket) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

func (s wsSocket) Close(code websocket.StatusCode, reason string) error {
	return s.conn.Close(code, reason)
}

// Close codes sent to clients, per §6.
const (
	CloseInvalidConnectionURL websocket.StatusCode = 4000 + iota
	CloseRoomNotFound
	CloseRoomUnloaded
	CloseUnknown
)

// Session is the opaque, out-of-band-authenticated identity a Client was
// created with: either a registered user id or an unregistered display
// name. Authentication itself (cookie parsing, account lookup) is out of
// scope for this core.
type Session struct {
	Id       string
	UserId   *uint64
	Username string
}

// Client is one connected socket: session identity, translation from
// wire messages to room requests, and the room it is currently joined
// to, if any.
type Client struct {
	id      string
	session Session
	socket  Socket
	room    string // joined room name, empty if none

	rooms   roommanager.Directory
	manager *Manager
	latency *latencyTracker
}

func newClient(session Session, socket Socket, rooms roommanager.Directory, manager *Manager) *Client {
	return &Client{
		id:      uuid.NewString(),
		session: session,
		socket:  socket,
		rooms:   rooms,
		manager: manager,
		latency: newLatencyTracker(),
	}
}

func (c *Client) ID() string {
	return c.id
}

// clientInfo derives the display identity for this client, in precedence
// order: registered user id, unregistered username from session, a
// freshly generated random pronounceable name.
func (c *Client) clientInfo() room.UserInfo {
	if c.session.UserId != nil {
		return room.UserInfo{UserId: c.session.UserId}
	}
	if c.session.Username != "" {
		return room.UserInfo{Username: c.session.Username}
	}

	name := randomDisplayName()
	logger.Warnw("Client has no identity, generated a random display name", "client", c.id, "name", name)
	return room.UserInfo{Username: name}
}

type wireMessage struct {
	Action string `json:"action"`
	Id     string `json:"id,omitempty"`

	State  *bool    `json:"state,omitempty"`
	Value  *float64 `json:"value,omitempty"`
	FromIdx *int    `json:"fromIdx,omitempty"`
	ToIdx   *int    `json:"toIdx,omitempty"`
	Text    string  `json:"text,omitempty"`
	Info    struct {
		Status *room.PlayerStatus `json:"status,omitempty"`
	} `json:"info,omitempty"`
	TargetClientID string `json:"targetClientId,omitempty"`
	Role           string `json:"role,omitempty"`
}

// onMessage parses one wire frame and routes it to the owning room.
// Malformed messages and unknown actions are logged and ignored; the
// socket is never closed for a bad message (§7).
func (c *Client) onMessage(text []byte) {
	var msg wireMessage
	if err := json.Unmarshal(text, &msg); err != nil {
		logger.Warnw("Malformed client message, ignoring", "client", c.id, "error", err)
		return
	}

	req, ok := c.translate(msg)
	if !ok {
		return
	}

	if c.room == "" {
		logger.Warnw("Client submitted a request while not joined to a room", "client", c.id, "action", msg.Action)
		return
	}

	r, err := c.rooms.GetRoom(c.room)
	if err != nil {
		logger.Warnw("Room vanished for an already-joined client", "client", c.id, "room", c.room, "error", err)
		return
	}

	if err := r.ProcessRequest(req); err != nil {
		logger.Infow("Room request failed", "client", c.id, "room", c.room, "action", msg.Action, "error", err)
	}
}

func (c *Client) translate(msg wireMessage) (room.Request, bool) {
	req := room.Request{ClientID: c.id}

	switch msg.Action {
	case "ping":
		c.onPing()
		return room.Request{}, false
	case "pong":
		c.onPong(msg.Id)
		return room.Request{}, false
	case "play":
		req.Type = room.PlaybackRequestType
		req.Playback = &room.PlaybackRequest{State: true}
	case "pause":
		req.Type = room.PlaybackRequestType
		req.Playback = &room.PlaybackRequest{State: false}
	case "skip":
		req.Type = room.SkipRequestType
	case "seek":
		req.Type = room.SeekRequestType
		req.Seek = &room.SeekRequest{Value: msg.Value}
	case "queue-move":
		req.Type = room.OrderRequestType
		from, to := 0, 0
		if msg.FromIdx != nil {
			from = *msg.FromIdx
		}
		if msg.ToIdx != nil {
			to = *msg.ToIdx
		}
		req.Order = &room.OrderRequest{FromIdx: from, ToIdx: to}
	case "chat":
		req.Type = room.ChatRequestType
		req.Chat = &room.ChatRequest{Text: msg.Text}
	case "status":
		req.Type = room.UpdateUserType
		req.Update = &room.UpdateUserRequest{Info: room.UserInfo{Status: msg.Info.Status}}
	case "set-role":
		req.Type = room.PromoteRequestType
		req.Promote = &room.PromoteRequest{TargetClientID: msg.TargetClientID, Role: msg.Role}
	case "kickme":
		c.closeWith(CloseUnknown, "kickme")
		return room.Request{}, false
	default:
		logger.Warnw("Unrecognized client action, ignoring", "client", c.id, "action", msg.Action)
		return room.Request{}, false
	}

	return req, true
}

// joinRoom resolves name, records membership, sends a full sync, and
// submits a JoinRequest.
func (c *Client) joinRoom(name string) error {
	r, err := c.rooms.GetRoom(name)
	if err != nil {
		return err
	}

	c.room = name
	c.manager.registerJoin(name, c)
	c.manager.sendFullSync(c, name)
	c.manager.subscribeRoom(name)

	return r.ProcessRequest(room.Request{
		Type:     room.JoinRequestType,
		ClientID: c.id,
		Join:     &room.JoinRequest{Info: c.clientInfo()},
	})
}

// onPing replies to an application-level keepalive ping from the
// client; this is distinct from the transport-level ping the
// ClientManager sends every 10s (handled transparently by the websocket
// library on read).
func (c *Client) onPing() {
	c.send([]byte(`{"action":"pong"}`))
}

// onPong matches a server-initiated ping (sent by the ClientManager's
// sendLatencyPings) against this client's latencyTracker and, on a match, folds
// the observed round-trip time into the joined room's diagnostic
// latency estimate. Unmatched or id-less pongs (the echo of a client's
// own keepalive ping has no id) are ignored.
func (c *Client) onPong(id string) {
	if id == "" {
		return
	}

	rtt, ok := c.latency.observe(id)
	if !ok {
		return
	}

	if c.room == "" {
		return
	}

	r, err := c.rooms.GetRoom(c.room)
	if err != nil {
		return
	}
	r.ReportLatency(c.id, rtt)
}

func (c *Client) send(payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), socketIOTimeout)
	defer cancel()

	if err := c.socket.Write(ctx, payload); err != nil {
		logger.Warnw("Failed to write to client socket", "client", c.id, "error", err)
	}
}

func (c *Client) closeWith(code websocket.StatusCode, reason string) {
	if err := c.socket.Close(code, reason); err != nil {
		logger.Debugw("Error closing client socket", "client", c.id, "error", err)
	}
}

// onClose removes this client from the process-wide registry and, if it
// had joined a room, submits a LeaveRequest.
func (c *Client) onClose() {
	c.manager.onClientClosed(c)

	if c.room == "" {
		return
	}

	r, err := c.rooms.GetRoom(c.room)
	if err != nil {
		logger.Debugw("Room gone by the time client disconnected", "client", c.id, "room", c.room)
		return
	}

	if err := r.ProcessRequest(room.Request{Type: room.LeaveRequestType, ClientID: c.id}); err != nil {
		logger.Infow("Leave request failed during client close", "client", c.id, "room", c.room, "error", err)
	}
}

// run drives the read loop for one socket until it closes.
func (c *Client) run() {
	defer c.onClose()

	for {
		ctx, cancel := context.WithTimeout(context.Background(), socketIOTimeout*6)
		payload, err := c.socket.Read(ctx)
		cancel()
		if err != nil {
			return
		}
		c.onMessage(payload)
	}
}
