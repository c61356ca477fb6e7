package room

// RequestType tags the variant carried by a Request.
type RequestType string

const (
	PlaybackRequestType RequestType = "playback"
	SkipRequestType      RequestType = "skip"
	SeekRequestType      RequestType = "seek"
	AddRequestType       RequestType = "add"
	RemoveRequestType    RequestType = "remove"
	OrderRequestType     RequestType = "order"
	VoteRequestType      RequestType = "vote"
	JoinRequestType      RequestType = "join"
	LeaveRequestType     RequestType = "leave"
	UpdateUserType       RequestType = "update-user"
	ChatRequestType      RequestType = "chat"
	UndoRequestType      RequestType = "undo"
	PromoteRequestType   RequestType = "promote"
)

// Request is the tagged variant dispatched by Room.ProcessRequest. ClientID is
// the acting RoomUser's id, resolved by the gateway from the socket that
// submitted the request; it may be empty for a LeaveRequest issued by the
// server itself during disconnect cleanup.
type Request struct {
	Type     RequestType
	ClientID string

	Playback *PlaybackRequest
	Seek     *SeekRequest
	Add      *AddRequest
	Remove   *RemoveRequest
	Order    *OrderRequest
	Vote     *VoteRequest
	Join     *JoinRequest
	Update   *UpdateUserRequest
	Chat     *ChatRequest
	Undo     *UndoRequest
	Promote  *PromoteRequest
}

type PlaybackRequest struct {
	State bool
}

type SeekRequest struct {
	Value *float64
}

type AddRequest struct {
	URL    *VideoRef
	Video  *VideoRef
	Videos []VideoRef
}

type RemoveRequest struct {
	Service string
	Id      string
}

type OrderRequest struct {
	FromIdx int
	ToIdx   int
}

type VoteRequest struct {
	Service string
	Id      string
	Add     bool
}

type JoinRequest struct {
	Info UserInfo
}

type UpdateUserRequest struct {
	Info UserInfo
}

type ChatRequest struct {
	Text string
}

// UndoRequest carries back the payload of a prior Event verbatim; the
// server is stateless about history, see Room.undoLocked.
type UndoRequest struct {
	RequestType RequestType
	Video       *Video
	PrevPosition *float64
	QueueIdx     *int
}

type PromoteRequest struct {
	TargetClientID string
	Role           string
}

// Event is published on the room's bus channel for every completed
// playback, skip, seek, add, remove, order, join and leave request, used
// both for UI notification and as the undo log (clients echo the payload
// back via UndoRequest). Vote, update-user and promote requests publish
// no event; an undo publishes one only when it issues a seek (undoing a
// seek) or a remove (undoing an add while the queue is non-empty).
type Event struct {
	Action  string      `json:"action"`
	Request RequestType `json:"request"`
	User    string      `json:"user"`

	Video        *Video   `json:"video,omitempty"`
	PrevPosition *float64 `json:"prevPosition,omitempty"`
	QueueIdx     *int     `json:"queueIdx,omitempty"`
	Videos       []Video  `json:"videos,omitempty"`
}
