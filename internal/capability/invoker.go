package capability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wittgen/lgdl/pkg/game"
	"github.com/wittgen/lgdl/pkg/lgerr"
)

// Status classifies the outcome of an invocation.
type Status string

const (
	// StatusSuccess: the call completed; Payload holds the response.
	StatusSuccess Status = "success"

	// StatusFailed: transport error, service error, or timeout. Routes to
	// the move's "when failed" block.
	StatusFailed Status = "failed"

	// StatusNotAllowed: allowlist policy denial. The call never executed.
	StatusNotAllowed Status = "not_allowed"

	// StatusPending: a non-awaited call was dispatched; PendingToken
	// identifies it.
	StatusPending Status = "pending"
)

// Result is the invoker's answer for one capability action.
type Result struct {
	Status Status

	// Payload is the service response text for StatusSuccess.
	Payload string

	// PendingToken identifies a StatusPending dispatch.
	PendingToken string

	// UserMessage is safe to surface verbatim. It never carries contract or
	// transport diagnostics.
	UserMessage string

	// Err holds the coded failure for logs. Never shown to users.
	Err error
}

// Transport delivers a validated call to a service.
type Transport interface {
	// Call invokes service.function with typed args and returns the response
	// payload. Implementations must honour ctx cancellation.
	Call(ctx context.Context, service, function string, args map[string]any) (string, error)
}

// Invoker validates and dispatches capability actions for one game.
type Invoker struct {
	contract  *Contract
	transport Transport
}

// New creates an Invoker over the given contract and transport.
func New(contract *Contract, transport Transport) *Invoker {
	return &Invoker{contract: contract, transport: transport}
}

// Invoke runs one capability action with args already rendered from the
// turn's template context. The returned Result always has a usable Status;
// Invoke itself errors only on programmer mistakes (nil action).
func (inv *Invoker) Invoke(ctx context.Context, g *game.Game, act *game.CapabilityAction, args map[string]string) (*Result, error) {
	if act == nil {
		return nil, fmt.Errorf("capability: nil action")
	}
	qualified := act.Qualified()

	// Gate 1: the game's compiled allowlist. A denial is a policy violation,
	// not a failure — nothing executes and the user sees only a generic
	// refusal.
	if !g.AllowsCapability(qualified) {
		err := lgerr.New(lgerr.CodeCapabilityDenied,
			"capability %q not in allowlist for game %q", qualified, g.ID)
		slog.Warn("capability denied by allowlist", "game", g.ID, "capability", qualified)
		return &Result{
			Status:      StatusNotAllowed,
			UserMessage: "That action is not allowed.",
			Err:         err,
		}, nil
	}

	// Gate 2: the contract schema.
	svc, fn, err := inv.contract.Function(act.Service, act.Function)
	if err != nil {
		slog.Error("capability missing from contract", "capability", qualified, "err", err)
		return failed(err), nil
	}
	if err := ValidateArgs(act.Service, act.Function, fn, args); err != nil {
		slog.Warn("capability argument validation failed", "capability", qualified, "err", err)
		return failed(err), nil
	}

	wireArgs := typedArgs(fn, args)

	if !act.Await {
		return inv.dispatchAsync(ctx, act, wireArgs), nil
	}

	timeout := inv.contract.Timeout(svc, fn, act.TimeoutSeconds)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := inv.transport.Call(callCtx, act.Service, act.Function, wireArgs)
	if err != nil {
		coded := lgerr.Wrap(lgerr.CodeCapabilityFailed, err, "capability call failed")
		if callCtx.Err() == context.DeadlineExceeded {
			coded = lgerr.New(lgerr.CodeCapabilityTimeout,
				"capability %q exceeded %s", qualified, timeout)
		}
		slog.Error("capability call failed", "capability", qualified, "err", err)
		return failed(coded), nil
	}

	return &Result{Status: StatusSuccess, Payload: payload}, nil
}

// dispatchAsync fires the call in the background and returns a pending token
// immediately. The background call gets its own deadline detached from the
// turn's context, so the turn completing does not cancel the work.
func (inv *Invoker) dispatchAsync(ctx context.Context, act *game.CapabilityAction, wireArgs map[string]any) *Result {
	token := uuid.NewString()
	qualified := act.Qualified()

	go func() {
		bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultTimeout)
		defer cancel()

		start := time.Now()
		if _, err := inv.transport.Call(bg, act.Service, act.Function, wireArgs); err != nil {
			slog.Error("async capability call failed",
				"capability", qualified, "token", token, "err", err)
			return
		}
		slog.Info("async capability call completed",
			"capability", qualified, "token", token, "duration", time.Since(start))
	}()

	return &Result{Status: StatusPending, PendingToken: token}
}

func failed(err error) *Result {
	return &Result{
		Status:      StatusFailed,
		UserMessage: "Something went wrong completing that request.",
		Err:         err,
	}
}
