package sma

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/flowpbx/takeback/internal/database/models"
	"github.com/flowpbx/takeback/internal/logctx"
)

// PairAllocator claims and releases number pairs.
type PairAllocator interface {
	Claim(ctx context.Context, sessionID, caller string) (models.PairKey, error)
	Release(ctx context.Context, key models.PairKey) error
}

// Recorder receives one call per handled invocation.
type Recorder interface {
	EventHandled(eventType, transition string)
}

// Options holds the prompts and bridge parameters the router emits.
type Options struct {
	AnnounceText       string
	HoldText           string
	NoCapacityText     string
	Voice              Voice
	CallTimeoutSeconds int
}

// DefaultOptions returns the stock prompts.
func DefaultOptions() Options {
	return Options{
		AnnounceText:       "We are currently in a SIP media application.  Transferring to Connect",
		HoldText:           "Please hold while we connect you",
		NoCapacityText:     "We are sorry, all of our lines are busy. Please try again later.",
		Voice:              DefaultVoice,
		CallTimeoutSeconds: 30,
	}
}

// Router is the call-session state machine.
type Router struct {
	alloc    PairAllocator
	opts     Options
	logger   *slog.Logger
	recorder Recorder
}

// NewRouter creates a Router.
func NewRouter(alloc PairAllocator, opts Options, logger *slog.Logger) *Router {
	return &Router{
		alloc:  alloc,
		opts:   opts,
		logger: logger.With("subsystem", "sma_router"),
	}
}

// SetRecorder sets the metrics recorder.
func (r *Router) SetRecorder(rec Recorder) {
	r.recorder = rec
}

// Invoke decodes a raw invocation and handles it. A malformed invocation
// is answered with no actions and its attributes echoed unchanged; the
// returned error wraps ErrMalformedEvent.
func (r *Router) Invoke(ctx context.Context, body []byte) (*Response, error) {
	ev, err := ParseEvent(body)
	if err != nil {
		attrs := map[string]string{}
		if ev != nil && ev.CallDetails.TransactionAttributes != nil {
			attrs = ev.CallDetails.TransactionAttributes
		}
		logger := logctx.FromOr(ctx, r.logger)
		if ev != nil {
			logger = logger.With("transaction_id", ev.CallDetails.TransactionID,
				"event_type", string(ev.InvocationEventType))
		}
		logger.Warn("ignoring malformed event", "error", err)
		r.record(ev, "malformed")
		return &Response{SchemaVersion: SchemaVersion, Actions: []Action{}, TransactionAttributes: attrs}, err
	}
	return r.Handle(ctx, ev)
}

// Handle runs one event through the routing table. The response is always
// usable. A non-nil error is returned only when the call could not be
// served, such as when no pair is available; the response then carries the
// actions that tell the caller so.
func (r *Router) Handle(ctx context.Context, ev *Event) (*Response, error) {
	attrs := ParseAttributes(ev.CallDetails.TransactionAttributes)

	logger := logctx.FromOr(ctx, r.logger).With(
		"transaction_id", ev.CallDetails.TransactionID,
		"event_type", string(ev.InvocationEventType),
		"state", attrs.State.String(),
	)
	ctx = logctx.With(ctx, logger)

	t, ok := lookup(ev, attrs)
	if !ok {
		logger.Info("no transition for event", "action_type", ev.actionType(), "participant_tag", ev.hangupTag())
		r.record(ev, "none")
		return respond(nil, attrs), nil
	}

	logger.Info("handling event", "transition", t.name)
	actions, err := t.handle(r, ctx, ev, &attrs)
	if err == nil && t.to != stay {
		attrs.State = t.to
	}
	r.record(ev, t.name)

	resp := respond(actions, attrs)
	logger.Debug("responding", "actions", len(resp.Actions), "next_state", attrs.State.String())
	return resp, err
}

func (r *Router) record(ev *Event, transition string) {
	if r.recorder == nil {
		return
	}
	eventType := "unknown"
	if ev != nil && ev.InvocationEventType.Known() {
		eventType = string(ev.InvocationEventType)
	}
	r.recorder.EventHandled(eventType, transition)
}

func respond(actions []Action, a Attributes) *Response {
	if actions == nil {
		actions = []Action{}
	}
	return &Response{
		SchemaVersion:         SchemaVersion,
		Actions:               actions,
		TransactionAttributes: a.Map(),
	}
}

// claimAndBridge claims a pair for a new inbound call, greets the caller
// and bridges to the routing engine.
func (r *Router) claimAndBridge(ctx context.Context, ev *Event, a *Attributes) ([]Action, error) {
	caller, _ := ev.originator()

	key, err := r.alloc.Claim(ctx, ev.CallDetails.TransactionID, caller.From)
	if err != nil {
		a.State = StateTerminated
		return []Action{
			Speak(r.opts.NoCapacityText, caller.CallID, r.opts.Voice),
			Hangup(caller.CallID),
		}, fmt.Errorf("claiming pair: %w", err)
	}

	a.GatewayNumber = key.GatewayNumber
	a.RoutingNumber = key.RoutingNumber
	a.OriginalCaller = caller.From
	a.ActiveCallToConnect = true

	return []Action{
		Speak(r.opts.AnnounceText, caller.CallID, r.opts.Voice),
		BridgeToRouting(key.GatewayNumber, key.RoutingNumber, r.opts.CallTimeoutSeconds),
	}, nil
}

// observe logs progress events; they carry nothing to act on.
func (r *Router) observe(ctx context.Context, ev *Event, _ *Attributes) ([]Action, error) {
	logctx.From(ctx).Debug("call progress", "participants", len(ev.CallDetails.Participants))
	return nil, nil
}

// bridgeToTarget runs once the routing-engine leg has been hung up for a
// transfer: the caller is put on hold and bridged to the stored target.
func (r *Router) bridgeToTarget(ctx context.Context, ev *Event, a *Attributes) ([]Action, error) {
	caller, _ := ev.originator()
	logctx.From(ctx).Info("bridging to transfer target",
		"target_number", a.TargetNumber,
		"target_arn", a.TargetArn,
	)
	return []Action{
		Speak(r.opts.HoldText, caller.CallID, r.opts.Voice),
		BridgeToTarget(a.GatewayNumber, a.TargetNumber, a.TargetArn, a.OriginalCaller, r.opts.CallTimeoutSeconds),
	}, nil
}

// requestTransfer records the transfer target, gives the pair back and
// hangs up the routing-engine leg. The bridge to the target follows on the
// ACTION_SUCCESSFUL for that hangup.
func (r *Router) requestTransfer(ctx context.Context, ev *Event, a *Attributes) ([]Action, error) {
	legB, _ := ev.Participant(LegB)

	a.TargetNumber = ev.argument(ArgTransferTarget)
	a.TargetArn = ev.argument(ArgTransferTargetArn)
	a.Transfer = true
	a.ActiveCallToConnect = false
	r.release(ctx, a.Pair())

	return []Action{Hangup(legB.CallID)}, nil
}

// hangupFromLegA tears down the far leg after the caller hangs up.
func (r *Router) hangupFromLegA(ctx context.Context, ev *Event, a *Attributes) ([]Action, error) {
	var actions []Action
	if other, ok := ev.otherLeg(LegA); ok {
		actions = append(actions, Hangup(other.CallID))
	}
	r.releaseIfConnected(ctx, a)
	return actions, nil
}

// hangupFromLegB tears down the caller after the routing engine hangs up.
func (r *Router) hangupFromLegB(ctx context.Context, ev *Event, a *Attributes) ([]Action, error) {
	var actions []Action
	if len(ev.CallDetails.Participants) > 1 {
		if caller, ok := ev.Participant(LegA); ok {
			actions = append(actions, Hangup(caller.CallID))
		}
	}
	r.releaseIfConnected(ctx, a)
	return actions, nil
}

func (r *Router) releaseIfConnected(ctx context.Context, a *Attributes) {
	if !a.ActiveCallToConnect {
		return
	}
	a.ActiveCallToConnect = false
	r.release(ctx, a.Pair())
}

// release returns a pair and swallows failures; a call must be able to end
// even when the store is unreachable.
func (r *Router) release(ctx context.Context, key models.PairKey) {
	if key.GatewayNumber == "" {
		return
	}
	if err := r.alloc.Release(ctx, key); err != nil {
		logctx.From(ctx).Warn("pair release failed, continuing", "error", err)
	}
}
