package rooms

// Role classifies an actor's relationship to a room.
type Role string

const (
	RoleNone    Role = "none"
	RoleMember  Role = "member"
	RoleCoOwner Role = "co_owner"
	RoleOwner   Role = "owner"
)

// PermissionFor derives the actor's role from the room's owner, the current
// co-owner set, and the membership roster. An actor on none of those lists is
// an outsider and gets RoleNone. The result is re-derived on every call;
// callers must not cache it past a room, co-owner, or membership change.
func PermissionFor(room Room, coOwners []CoOwner, members []Member, actorID string) Role {
	if actorID == "" {
		return RoleNone
	}
	if room.OwnerID == actorID {
		return RoleOwner
	}
	for _, coOwner := range coOwners {
		if coOwner.UserID == actorID {
			return RoleCoOwner
		}
	}
	for _, member := range members {
		if member.UserID == actorID {
			return RoleMember
		}
	}
	return RoleNone
}

// CanSetBias reports whether the role may publish its own bias records.
// Every member shares their stance; only outsiders are excluded.
func (r Role) CanSetBias() bool {
	return r != RoleNone
}

// CanManageTimeFrames reports whether the role may change the configured
// time-frame set.
func (r Role) CanManageTimeFrames() bool {
	return r == RoleOwner || r == RoleCoOwner
}

// CanReset reports whether the role may perform the bulk reset.
func (r Role) CanReset() bool {
	return r == RoleOwner || r == RoleCoOwner
}

// CanManageCoOwners reports whether the role may add or remove co-owners.
func (r Role) CanManageCoOwners() bool {
	return r == RoleOwner || r == RoleCoOwner
}

// CanDeleteRoom reports whether the role may deactivate or delete the room.
// Deletion is the one right a co-owner does not share.
func (r Role) CanDeleteRoom() bool {
	return r == RoleOwner
}
