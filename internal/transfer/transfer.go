// Package transfer finds the call holding a number pair and asks the call
// platform to pull it back from the routing engine.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/flowpbx/takeback/internal/database/models"
	"github.com/flowpbx/takeback/internal/logctx"
	"github.com/flowpbx/takeback/internal/sma"
)

// ErrNoSession is returned when no active call holds the pair.
var ErrNoSession = errors.New("no matching session")

// Lookup reads a pair from the allocation store.
type Lookup interface {
	Get(ctx context.Context, key models.PairKey) (*models.Pair, error)
}

// ActionSender delivers a call update to a running call session.
type ActionSender interface {
	UpdateCall(ctx context.Context, transactionID string, args map[string]string) error
}

// Recorder counts transfer outcomes: "transferred", "no_session", "error".
type Recorder interface {
	TransferResult(result string)
}

// Target is the fixed destination calls are transferred to.
type Target struct {
	Number string
	ARN    string
}

// Result describes a lookup. Message is suitable for returning to the
// routing engine.
type Result struct {
	SessionID      string
	OriginalCaller string
	Message        string
}

// Service is the transfer lookup service.
type Service struct {
	store    Lookup
	sender   ActionSender
	target   Target
	logger   *slog.Logger
	recorder Recorder
}

// NewService creates a Service.
func NewService(store Lookup, sender ActionSender, target Target, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		sender: sender,
		target: target,
		logger: logger.With("subsystem", "transfer"),
	}
}

// SetRecorder sets the metrics recorder.
func (s *Service) SetRecorder(rec Recorder) {
	s.recorder = rec
}

// FindAndTransfer looks up the session holding key and redirects it to the
// transfer target. It returns ErrNoSession, with a populated Result, when
// the pair is not held by a call.
func (s *Service) FindAndTransfer(ctx context.Context, key models.PairKey) (Result, error) {
	logger := s.log(ctx, key)

	pair, err := s.active(ctx, key)
	if err != nil {
		s.record(resultFor(err))
		if errors.Is(err, ErrNoSession) {
			logger.Info("no session for transfer")
			return Result{Message: noSessionMessage(key)}, err
		}
		return Result{}, err
	}

	args := map[string]string{
		sma.ArgTransferTarget:    s.target.Number,
		sma.ArgTransferTargetArn: s.target.ARN,
		sma.ArgTransfer:          "true",
	}
	if err := s.sender.UpdateCall(ctx, pair.SessionID, args); err != nil {
		s.record("error")
		return Result{}, fmt.Errorf("updating call %s: %w", pair.SessionID, err)
	}

	logger.Info("transfer requested", "session_id", pair.SessionID)
	s.record("transferred")
	return Result{
		SessionID:      pair.SessionID,
		OriginalCaller: pair.OriginalCaller,
		Message:        fmt.Sprintf("Calling SIP Media Application with transaction ID: %s.", pair.SessionID),
	}, nil
}

// OriginalCaller returns the external caller's number for the session
// holding key.
func (s *Service) OriginalCaller(ctx context.Context, key models.PairKey) (Result, error) {
	pair, err := s.active(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNoSession) {
			s.log(ctx, key).Info("no session for caller lookup")
			return Result{Message: noSessionMessage(key)}, err
		}
		return Result{}, err
	}
	return Result{SessionID: pair.SessionID, OriginalCaller: pair.OriginalCaller}, nil
}

// active returns the pair if a call currently holds it.
func (s *Service) active(ctx context.Context, key models.PairKey) (*models.Pair, error) {
	pair, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("looking up pair: %w", err)
	}
	if pair == nil || !pair.InUse || pair.SessionID == "" {
		return nil, ErrNoSession
	}
	return pair, nil
}

func (s *Service) log(ctx context.Context, key models.PairKey) *slog.Logger {
	return logctx.FromOr(ctx, s.logger).With("gateway_number", key.GatewayNumber, "routing_number", key.RoutingNumber)
}

func (s *Service) record(result string) {
	if s.recorder != nil {
		s.recorder.TransferResult(result)
	}
}

func resultFor(err error) string {
	if errors.Is(err, ErrNoSession) {
		return "no_session"
	}
	return "error"
}

func noSessionMessage(key models.PairKey) string {
	return fmt.Sprintf("No matching record found for calling number %s and called number %s.",
		key.GatewayNumber, key.RoutingNumber)
}
