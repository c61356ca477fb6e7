package room

import "fmt"

// RoomNotFound is surfaced to a joining client via a close code; in
// internal paths (e.g. a stale cross-reference) it is merely logged.
type RoomNotFound struct {
	Name string
}

func (e RoomNotFound) Error() string {
	return fmt.Sprintf("room %q not found", e.Name)
}

// ClientNotFoundInRoom is an internal lookup failure recovered as a no-op
// by the caller (e.g. a LeaveRequest racing an already-processed leave).
type ClientNotFoundInRoom struct {
	ClientID string
	Room     string
}

func (e ClientNotFoundInRoom) Error() string {
	return fmt.Sprintf("client %q not found in room %q", e.ClientID, e.Room)
}

// VideoAlreadyQueued aborts an AddRequest whose video collides with
// currentSource or an existing queue entry.
type VideoAlreadyQueued struct {
	Video Video
}

func (e VideoAlreadyQueued) Error() string {
	return fmt.Sprintf("video %s already queued", e.Video)
}

// VideoNotFound aborts a RemoveRequest whose video is absent from the
// queue.
type VideoNotFound struct {
	Service string
	Id      string
}

func (e VideoNotFound) Error() string {
	return fmt.Sprintf("video %s:%s not found in queue", e.Service, e.Id)
}

// ImpossiblePromotion aborts a PromoteRequest that targets
// UnregisteredUser or an unknown role, or a demotion the requested role's
// own permissions do not cover. A promoter lacking the promote permission
// gets grants.PermissionDenied instead.
type ImpossiblePromotion struct {
	Reason string
}

func (e ImpossiblePromotion) Error() string {
	return fmt.Sprintf("impossible promotion: %s", e.Reason)
}

// VoteNotFound surfaces a vote-delete against a video with no votes. The
// original behind this core silently ignores this case; VoteNotFound
// exists so callers that want stricter feedback can type-assert for it,
// but the vote handler (voteLocked) never returns it today (see DESIGN.md Open Questions).
type VoteNotFound struct {
	Service string
	Id      string
}

func (e VoteNotFound) Error() string {
	return fmt.Sprintf("no votes found for %s:%s", e.Service, e.Id)
}
