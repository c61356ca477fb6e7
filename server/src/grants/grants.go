// Package grants implements the role/permission bitmask checked by every
// state-changing room request before it is allowed to mutate room state.
package grants

import "fmt"

// Role is a totally ordered authority level. Higher values outrank lower
// ones; Owner always outranks every role set by PromoteUser.
type Role int

const (
	UnregisteredUser Role = iota
	RegisteredUser
	TrustedUser
	Moderator
	Administrator
	Owner
)

func (r Role) String() string {
	switch r {
	case UnregisteredUser:
		return "unregistered-user"
	case RegisteredUser:
		return "registered-user"
	case TrustedUser:
		return "trusted-user"
	case Moderator:
		return "moderator"
	case Administrator:
		return "administrator"
	case Owner:
		return "owner"
	default:
		return "unknown-role"
	}
}

// Permission is a named capability gated by role, e.g. "playback.skip".
type Permission string

const (
	PermissionPlaybackPlayPause  Permission = "playback.play-pause"
	PermissionPlaybackSkip       Permission = "playback.skip"
	PermissionPlaybackSeek       Permission = "playback.seek"
	PermissionQueueAdd           Permission = "manage-queue.add"
	PermissionQueueRemove        Permission = "manage-queue.remove"
	PermissionQueueOrder         Permission = "manage-queue.order"
	PermissionQueueVote          Permission = "manage-queue.vote"
	PermissionChat               Permission = "chat"
	PermissionPromoteAdmin       Permission = "manage-users.promote-admin"
	PermissionPromoteModerator   Permission = "manage-users.promote-moderator"
	PermissionPromoteTrustedUser Permission = "manage-users.promote-trusted-user"
	PermissionDemoteAdmin        Permission = "manage-users.demote-admin"
	PermissionDemoteModerator    Permission = "manage-users.demote-moderator"
	PermissionDemoteTrustedUser  Permission = "manage-users.demote-trusted-user"
)

// PermissionDenied is returned by check when role lacks permission.
type PermissionDenied struct {
	Role       Role
	Permission Permission
}

func (e PermissionDenied) Error() string {
	return fmt.Sprintf("role %s does not hold permission %q", e.Role, e.Permission)
}

// bitFor assigns every known permission a stable bit position. New
// permissions only ever get appended, never reordered, so that masks
// stored/transmitted between versions stay meaningful.
var bitFor = map[Permission]uint64{
	PermissionPlaybackPlayPause:  1 << 0,
	PermissionPlaybackSkip:       1 << 1,
	PermissionPlaybackSeek:       1 << 2,
	PermissionQueueAdd:           1 << 3,
	PermissionQueueRemove:        1 << 4,
	PermissionQueueOrder:         1 << 5,
	PermissionQueueVote:          1 << 6,
	PermissionChat:               1 << 7,
	PermissionPromoteAdmin:       1 << 8,
	PermissionPromoteModerator:   1 << 9,
	PermissionPromoteTrustedUser: 1 << 10,
	PermissionDemoteAdmin:        1 << 11,
	PermissionDemoteModerator:    1 << 12,
	PermissionDemoteTrustedUser:  1 << 13,
}

// defaultMasks mirrors a reasonable out-of-the-box policy: Owner and
// Administrator can do everything; Moderator manages playback/queue/chat
// and demotes TrustedUsers; TrustedUser can add, vote and chat; RegisteredUser
// can chat only; UnregisteredUser holds nothing.
func defaultMasks() map[Role]uint64 {
	all := uint64(0)
	for _, bit := range bitFor {
		all |= bit
	}

	moderator := bitFor[PermissionPlaybackPlayPause] | bitFor[PermissionPlaybackSkip] |
		bitFor[PermissionPlaybackSeek] | bitFor[PermissionQueueAdd] |
		bitFor[PermissionQueueRemove] | bitFor[PermissionQueueOrder] |
		bitFor[PermissionQueueVote] | bitFor[PermissionChat] |
		bitFor[PermissionDemoteTrustedUser]

	trusted := bitFor[PermissionQueueAdd] | bitFor[PermissionQueueVote] | bitFor[PermissionChat]
	registered := bitFor[PermissionChat]

	return map[Role]uint64{
		Owner:            all,
		Administrator:    all,
		Moderator:        moderator,
		TrustedUser:      trusted,
		RegisteredUser:   registered,
		UnregisteredUser: 0,
	}
}

// Grants stores an integer bitmask per role.
type Grants struct {
	masks map[Role]uint64
}

// New returns a Grants populated with the default policy.
func New() *Grants {
	return &Grants{masks: defaultMasks()}
}

// check tests whether role holds permission, failing with PermissionDenied
// otherwise.
func (g *Grants) Check(role Role, permission Permission) error {
	bit, ok := bitFor[permission]
	if !ok {
		return PermissionDenied{Role: role, Permission: permission}
	}

	if g.masks[role]&bit == 0 {
		return PermissionDenied{Role: role, Permission: permission}
	}

	return nil
}

// SetAllGrants replaces every role's mask with other's.
func (g *Grants) SetAllGrants(other *Grants) {
	masks := make(map[Role]uint64, len(other.masks))
	for role, mask := range other.masks {
		masks[role] = mask
	}
	g.masks = masks
}

// GetMask returns role's current mask, serializable for outgoing sync.
func (g *Grants) GetMask(role Role) uint64 {
	return g.masks[role]
}

// SetMask overwrites a single role's mask directly, replacing the default
// policy for that role.
func (g *Grants) SetMask(role Role, mask uint64) {
	g.masks[role] = mask
}
