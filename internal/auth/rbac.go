package auth

import (
	"fmt"
	"strings"
)

// Actions checked by the policy engine. Named like permission keys so policy
// decisions and audit events share a vocabulary.
const (
	ActionUserCreate      = "user.create"
	ActionRoleChange      = "user.role.change"
	ActionPasswordChange  = "user.password.change"
	ActionUsernameChange  = "user.username.change"
	ActionUserDelete      = "user.delete"
	ActionUserKeyCreate   = "apikey.user.create"
	ActionSystemKeyCreate = "apikey.system.create"
	ActionAPIKeyDelete    = "apikey.delete"
)

// Policy is the RBAC decision function. It owns no state: it is a pure
// function of the actor, the action, and the target identity.
//
// Precedence:
//  1. an empty actor id is unauthenticated, regardless of target;
//  2. self-targeting is allowed for the self-service actions (own password,
//     own username, own user-scoped keys);
//  3. everything else requires ADMIN.
//
// Deletion invariants around the distinguished identities are enforced by
// UserService, not here: those are hard errors, not policy denials.
type Policy struct{}

// Allow returns nil when the actor may perform action on the target,
// ErrForbidden when the role is insufficient, and ErrUnauthenticated when
// there is no actor at all. Callers must keep the two failures
// distinguishable.
func (Policy) Allow(actorRole Role, actorID, action, targetID string) error {
	if strings.TrimSpace(actorID) == "" {
		return ErrUnauthenticated
	}
	switch action {
	case ActionPasswordChange, ActionUsernameChange, ActionUserKeyCreate, ActionAPIKeyDelete:
		if targetID != "" && targetID == actorID {
			return nil
		}
	case ActionUserCreate, ActionRoleChange, ActionUserDelete, ActionSystemKeyCreate:
		// Admin-only regardless of target.
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidInput, action)
	}
	if actorRole == RoleAdmin {
		return nil
	}
	return ErrForbidden
}
