// Package permissions answers whether a room member may perform an action.
//
// The member's room role grants a set of permissions, the member itself can carry individual grants and denials.
// A denial always wins: a code denied to the member is refused even if the room role grants it. Anything that
// cannot be read resolves to "no".
package permissions

import (
	"context"
	"errors"

	"github.com/hashicorp/go-hclog"
	"github.com/tcriess/lightspeed-rooms/persistence"
	"github.com/tcriess/lightspeed-rooms/types"
)

type Decision int

const (
	Deny Decision = iota
	Allow
)

func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "deny"
}

type DenyReason int

const (
	// ReasonNone is the reason of an Allow decision.
	ReasonNone DenyReason = iota
	ReasonNotMember
	ReasonInactive
	ReasonDenied
	ReasonNoGrant
	ReasonLookupFailed
)

func (r DenyReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonNotMember:
		return "not a member"
	case ReasonInactive:
		return "membership not active"
	case ReasonDenied:
		return "explicit member denial"
	case ReasonNoGrant:
		return "no matching grant"
	case ReasonLookupFailed:
		return "lookup failed"
	default:
		return "unknown"
	}
}

type Resolver struct {
	store  persistence.AuthorizationStore
	logger hclog.Logger
}

func NewResolver(store persistence.AuthorizationStore, logger hclog.Logger) *Resolver {
	return &Resolver{store: store, logger: logger.Named("permissions")}
}

// Within returns a resolver reading through store, f.e. a transaction-bound persister.
func (r *Resolver) Within(store persistence.AuthorizationStore) *Resolver {
	return &Resolver{store: store, logger: r.logger}
}

// Check evaluates code for the user's membership in the room:
//  1. no membership, or a muted/banned one = deny
//  2. member denial of code = deny
//  3. room role grant or member grant of code = allow
//  4. otherwise deny
func (r *Resolver) Check(ctx context.Context, roomId, userId string, code types.PermissionCode) (Decision, DenyReason) {
	member, err := r.store.GetMemberByIdentity(ctx, roomId, userId)
	if errors.Is(err, types.ErrNotFound) {
		return Deny, ReasonNotMember
	}
	if err != nil {
		r.logger.Error("could not read member", "room", roomId, "user", userId, "error", err)
		return Deny, ReasonLookupFailed
	}
	if member.Status != types.MemberActive {
		return Deny, ReasonInactive
	}
	overrides, err := r.store.GetMemberPermissions(ctx, member.Id)
	if err != nil {
		r.logger.Error("could not read member permissions", "member", member.Id, "error", err)
		return Deny, ReasonLookupFailed
	}
	granted := false
	for _, o := range overrides {
		if o.Code != code {
			continue
		}
		if o.Disposition == types.DispositionDeny {
			return Deny, ReasonDenied
		}
		if o.Disposition == types.DispositionGrant {
			granted = true
		}
	}
	if granted {
		return Allow, ReasonNone
	}
	roleCodes, err := r.store.GetRoomRolePermissions(ctx, member.RoomRoleId)
	if err != nil {
		r.logger.Error("could not read room role permissions", "roomRole", member.RoomRoleId, "error", err)
		return Deny, ReasonLookupFailed
	}
	for _, c := range roleCodes {
		if c == code {
			return Allow, ReasonNone
		}
	}
	return Deny, ReasonNoGrant
}

// HasPermission is Check reduced to a bool.
func (r *Resolver) HasPermission(ctx context.Context, roomId, userId string, code types.PermissionCode) bool {
	d, reason := r.Check(ctx, roomId, userId, code)
	if d != Allow {
		r.logger.Debug("permission denied", "room", roomId, "user", userId, "code", code.String(), "reason", reason.String())
	}
	return d == Allow
}

// HasAnyPermission reports whether at least one of the codes is allowed.
func (r *Resolver) HasAnyPermission(ctx context.Context, roomId, userId string, codes ...types.PermissionCode) bool {
	for _, code := range codes {
		if r.HasPermission(ctx, roomId, userId, code) {
			return true
		}
	}
	return false
}

// HasAnyPermissionWithin is HasAnyPermission reading through store.
func (r *Resolver) HasAnyPermissionWithin(ctx context.Context, store persistence.AuthorizationStore, roomId, userId string, codes ...types.PermissionCode) bool {
	return r.Within(store).HasAnyPermission(ctx, roomId, userId, codes...)
}
