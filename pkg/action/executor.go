package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Executor runs the ordered validation gates and dispatches to handlers.
// The first failing gate produces the result; later gates never run.
type Executor struct {
	registry  *Registry
	resolver  Resolver
	directory Directory
	verifier  *SessionVerifier
	logger    *slog.Logger
}

func NewExecutor(registry *Registry, resolver Resolver, directory Directory,
	verifier *SessionVerifier, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry:  registry,
		resolver:  resolver,
		directory: directory,
		verifier:  verifier,
		logger:    logger.With("component", "action"),
	}
}

// ExecuteToken verifies the bearer token and executes the request.
func (e *Executor) ExecuteToken(ctx context.Context, token string, req Request) Result {
	session, err := e.verifier.Verify(token)
	if err != nil {
		return failure(CodeUnauthorized, "Authentication required")
	}
	return e.Execute(ctx, session, req)
}

// Execute runs the gates for a verified session.
func (e *Executor) Execute(ctx context.Context, session *Session, req Request) Result {
	if session == nil || session.UserID == "" {
		return failure(CodeUnauthorized, "Authentication required")
	}

	handler, ok := e.registry.Lookup(req.CapabilityID, req.ActionID)
	if !ok {
		return failure(CodeNotFound,
			fmt.Sprintf("No handler for %s:%s", req.CapabilityID, req.ActionID))
	}

	membership, err := e.directory.DefaultMembership(ctx, session.UserID)
	if err != nil || membership == nil {
		return failure(CodeUnauthorized, "No company context available")
	}

	capability, err := e.resolver.Resolve(ctx, req.CapabilityID,
		Target{EntityID: req.EntityID, EntityType: req.EntityType})
	if err != nil {
		e.logger.Error("capability resolution failed",
			"capability_id", req.CapabilityID, "error", err)
		return failure(CodeInternalError, "Failed to resolve capability state")
	}
	switch capability.State {
	case StateBlocked:
		return blockedResult(capability)
	case StateUnauthorized:
		return failure(CodeUnauthorized, "Not authorized to perform this action")
	case StateMissingInputs:
		return failure(CodeValidationError, "Required inputs are missing")
	}

	act := capability.Action(req.ActionID)
	if act == nil || !act.Enabled {
		reason := "Action is not available"
		if act != nil && act.DisabledReason != "" {
			reason = act.DisabledReason
		}
		return failure(CodeCapabilityBlocked, reason)
	}

	actx := ActionContext{
		UserID:      session.UserID,
		CompanyID:   membership.CompanyID,
		EntityID:    req.EntityID,
		EntityType:  req.EntityType,
		Permissions: membership.Permissions,
	}
	return e.dispatch(ctx, handler, actx, req)
}

func blockedResult(capability *Capability) Result {
	res := failure(CodeCapabilityBlocked, "Capability is blocked")
	if len(capability.Blockers) > 0 {
		b := capability.Blockers[0]
		res.Error = b.Message
		res.Details = map[string]any{
			"blockerType": b.Type,
			"resolution":  b.Resolution,
		}
	}
	return res
}

// dispatch invokes the handler with panic containment so one broken
// handler cannot take down a worker.
func (e *Executor) dispatch(ctx context.Context, handler Handler, actx ActionContext, req Request) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("handler panicked",
				"capability_id", req.CapabilityID, "action_id", req.ActionID, "panic", r)
			msg := "Internal error"
			if err, ok := r.(error); ok {
				msg = err.Error()
			}
			res = failure(CodeInternalError, msg)
		}
	}()

	params := req.Params
	if req.EntityID != "" {
		params = make(map[string]any, len(req.Params)+1)
		for k, v := range req.Params {
			params[k] = v
		}
		params["id"] = req.EntityID
	}

	data, err := handler(ctx, actx, params)
	if err != nil {
		var coded *Error
		if errors.As(err, &coded) {
			return Result{Success: false, Code: coded.Code, Error: coded.Message, Details: coded.Details}
		}
		return failure(CodeInternalError, err.Error())
	}
	return Result{Success: true, Data: data}
}

// BatchRequest applies one action to a sequence of entities.
type BatchRequest struct {
	CapabilityID    string         `json:"capabilityId"`
	ActionID        string         `json:"actionId"`
	EntityIDs       []string       `json:"entityIds"`
	EntityType      string         `json:"entityType,omitempty"`
	Params          map[string]any `json:"params,omitempty"`
	ContinueOnError *bool          `json:"continueOnError,omitempty"`
}

// BatchItem is one entity's outcome inside a batch.
type BatchItem struct {
	EntityID string `json:"entityId"`
	Success  bool   `json:"success"`
	Data     any    `json:"data,omitempty"`
	Error    string `json:"error,omitempty"`
	Code     string `json:"code,omitempty"`
}

// BatchResult aggregates the per-entity outcomes.
type BatchResult struct {
	Total     int         `json:"total"`
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
	Results   []BatchItem `json:"results"`
}

// ExecuteBatch runs the action over each entity strictly in order. The
// session is checked once upfront; an auth failure collapses the batch
// into a single UNAUTHORIZED item. ContinueOnError defaults to true.
func (e *Executor) ExecuteBatch(ctx context.Context, session *Session, batch BatchRequest) BatchResult {
	if session == nil || session.UserID == "" {
		return BatchResult{
			Total: len(batch.EntityIDs), Failed: 1,
			Results: []BatchItem{{Success: false, Code: CodeUnauthorized, Error: "Authentication required"}},
		}
	}

	continueOnError := true
	if batch.ContinueOnError != nil {
		continueOnError = *batch.ContinueOnError
	}

	out := BatchResult{Total: len(batch.EntityIDs)}
	for _, entityID := range batch.EntityIDs {
		res := e.Execute(ctx, session, Request{
			CapabilityID: batch.CapabilityID,
			ActionID:     batch.ActionID,
			EntityID:     entityID,
			EntityType:   batch.EntityType,
			Params:       batch.Params,
		})
		item := BatchItem{
			EntityID: entityID,
			Success:  res.Success,
			Data:     res.Data,
			Error:    res.Error,
			Code:     res.Code,
		}
		out.Results = append(out.Results, item)
		if res.Success {
			out.Succeeded++
		} else {
			out.Failed++
			if !continueOnError {
				break
			}
		}
	}
	return out
}
