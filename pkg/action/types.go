// Package action validates and dispatches business actions through a
// capability-state resolver and an explicit handler registry. It is the
// boundary where user intent meets the resolved regulatory state.
package action

import (
	"context"
	"fmt"
)

// Result codes returned in ActionResult.Code on failure.
const (
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeValidationError   = "VALIDATION_ERROR"
	CodeNotFound          = "NOT_FOUND"
	CodeCapabilityBlocked = "CAPABILITY_BLOCKED"
	CodePeriodLocked      = "PERIOD_LOCKED"
	CodeEntityImmutable   = "ENTITY_IMMUTABLE"
	CodeRateLimited       = "RATE_LIMITED"
	CodeInternalError     = "INTERNAL_ERROR"
)

// CapabilityState is the resolver's verdict for a capability against a
// concrete target entity.
type CapabilityState string

const (
	StateReady         CapabilityState = "READY"
	StateBlocked       CapabilityState = "BLOCKED"
	StateUnauthorized  CapabilityState = "UNAUTHORIZED"
	StateMissingInputs CapabilityState = "MISSING_INPUTS"
)

// Blocker explains why a capability is BLOCKED and how to clear it.
type Blocker struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	Resolution string `json:"resolution,omitempty"`
}

// CapabilityAction is one action offered by a resolved capability.
type CapabilityAction struct {
	ID             string `json:"id"`
	Enabled        bool   `json:"enabled"`
	DisabledReason string `json:"disabledReason,omitempty"`
}

// Capability is the resolver output: a state plus the actions currently
// offered for the target.
type Capability struct {
	ID       string             `json:"id"`
	State    CapabilityState    `json:"state"`
	Actions  []CapabilityAction `json:"actions,omitempty"`
	Blockers []Blocker          `json:"blockers,omitempty"`
}

// Action finds the named action, or nil when the capability does not
// offer it.
func (c *Capability) Action(id string) *CapabilityAction {
	for i := range c.Actions {
		if c.Actions[i].ID == id {
			return &c.Actions[i]
		}
	}
	return nil
}

// Target identifies the entity an action operates on. Both fields may be
// empty for company-level actions.
type Target struct {
	EntityID   string
	EntityType string
}

// Resolver computes the capability state for a target. Implementations
// consult the published rule and release state.
type Resolver interface {
	Resolve(ctx context.Context, capabilityID string, target Target) (*Capability, error)
}

// Membership is a user's resolved company context.
type Membership struct {
	CompanyID   string
	Permissions []string
}

// Directory resolves a user's default company membership.
type Directory interface {
	DefaultMembership(ctx context.Context, userID string) (*Membership, error)
}

// ActionContext is handed to handlers alongside the parameters.
type ActionContext struct {
	UserID      string
	CompanyID   string
	EntityID    string
	EntityType  string
	Permissions []string
}

// Handler executes one business action. A returned *Error surfaces its
// code to the caller; any other error becomes INTERNAL_ERROR.
type Handler func(ctx context.Context, actx ActionContext, params map[string]any) (any, error)

// Request is one action invocation.
type Request struct {
	CapabilityID string         `json:"capabilityId"`
	ActionID     string         `json:"actionId"`
	EntityID     string         `json:"entityId,omitempty"`
	EntityType   string         `json:"entityType,omitempty"`
	Params       map[string]any `json:"params,omitempty"`
}

// Result is the uniform action outcome.
type Result struct {
	Success bool           `json:"success"`
	Data    any            `json:"data,omitempty"`
	Code    string         `json:"code,omitempty"`
	Error   string         `json:"error,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func failure(code, message string) Result {
	return Result{Success: false, Code: code, Error: message}
}

// Error is a coded action failure a handler can return to control the
// result code.
type Error struct {
	Code    string
	Message string
	Details map[string]any
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// NewError builds a coded handler failure.
func NewError(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}
