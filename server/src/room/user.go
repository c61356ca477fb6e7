package room

import "github.com/sevenautumns/niketsu-core/server/src/grants"

// PlayerStatus reflects a participant's local player.
type PlayerStatus string

const (
	PlayerStatusNone      PlayerStatus = "none"
	PlayerStatusReady     PlayerStatus = "ready"
	PlayerStatusBuffering PlayerStatus = "buffering"
	PlayerStatusError     PlayerStatus = "error"
)

// User is a registered account, looked up through UserStore. Account
// storage itself is out of scope for this core.
type User struct {
	Id       uint64 `json:"id"`
	Username string `json:"username"`
}

// UserStore looks up registered accounts by id. External collaborator.
type UserStore interface {
	GetUser(id uint64) (User, error)
}

// UserInfo is what a client supplies on join/update; exactly one of
// UserId or Username is normally meaningful.
type UserInfo struct {
	UserId   *uint64       `json:"userId,omitempty"`
	Username string        `json:"username,omitempty"`
	Status   *PlayerStatus `json:"status,omitempty"`
}

// RoomUser is the per-participant view inside a room.
type RoomUser struct {
	Id                    string       `json:"id"`
	UserId                *uint64      `json:"userId,omitempty"`
	UnregisteredUsername  string       `json:"unregisteredUsername,omitempty"`
	PlayerStatus          PlayerStatus `json:"playerStatus"`
	cachedUser            *User
}

func NewRoomUser(clientId string, info UserInfo) RoomUser {
	u := RoomUser{Id: clientId, PlayerStatus: PlayerStatusNone}
	return u
}

// UpdateInfo applies a partial update from the client, following the
// precedence: a userId always wins over a bare username, since it proves
// an authenticated account.
func (u *RoomUser) UpdateInfo(info UserInfo, users UserStore) error {
	if info.UserId != nil {
		account, err := users.GetUser(*info.UserId)
		if err != nil {
			return err
		}
		u.UserId = info.UserId
		u.cachedUser = &account
		u.UnregisteredUsername = ""
	} else if info.Username != "" {
		u.UnregisteredUsername = info.Username
		u.UserId = nil
		u.cachedUser = nil
	}

	if info.Status != nil {
		u.PlayerStatus = *info.Status
	}

	return nil
}

func (u RoomUser) IsLoggedIn() bool {
	return u.UserId != nil
}

func (u RoomUser) Username() string {
	if u.IsLoggedIn() && u.cachedUser != nil {
		return u.cachedUser.Username
	}
	return u.UnregisteredUsername
}

// EffectiveRole computes a user's role per the owner/role-set/default
// precedence: Owner if they own the room, else the highest role-set they
// belong to among {Administrator, Moderator, TrustedUser}, else
// Registered/UnregisteredUser depending on login state.
func EffectiveRole(clientID string, ownerID string, roles map[grants.Role]map[string]bool, loggedIn bool) grants.Role {
	if ownerID != "" && clientID == ownerID {
		return grants.Owner
	}

	for _, role := range []grants.Role{grants.Administrator, grants.Moderator, grants.TrustedUser} {
		if roles[role] != nil && roles[role][clientID] {
			return role
		}
	}

	if loggedIn {
		return grants.RegisteredUser
	}
	return grants.UnregisteredUser
}
