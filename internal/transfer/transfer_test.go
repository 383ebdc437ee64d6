package transfer

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/chimesdkvoice"

	"github.com/flowpbx/takeback/internal/database/models"
	"github.com/flowpbx/takeback/internal/sma"
)

type mockLookup struct {
	pair *models.Pair
	err  error
}

func (m *mockLookup) Get(_ context.Context, _ models.PairKey) (*models.Pair, error) {
	return m.pair, m.err
}

type mockSender struct {
	txn  string
	args map[string]string
	err  error
}

func (m *mockSender) UpdateCall(_ context.Context, transactionID string, args map[string]string) error {
	m.txn = transactionID
	m.args = args
	return m.err
}

type mockRecorder struct {
	results []string
}

func (m *mockRecorder) TransferResult(result string) {
	m.results = append(m.results, result)
}

var key = models.PairKey{GatewayNumber: "+15550001111", RoutingNumber: "+15559990000"}

func newTestService(lookup Lookup, sender ActionSender) (*Service, *mockRecorder) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	svc := NewService(lookup, sender, Target{Number: "+13125550123", ARN: "arn:vc"}, logger)
	rec := &mockRecorder{}
	svc.SetRecorder(rec)
	return svc, rec
}

func TestFindAndTransferSendsUpdate(t *testing.T) {
	lookup := &mockLookup{pair: &models.Pair{
		GatewayNumber:  key.GatewayNumber,
		RoutingNumber:  key.RoutingNumber,
		InUse:          true,
		SessionID:      "txn-1",
		OriginalCaller: "+14155550100",
	}}
	sender := &mockSender{}
	svc, rec := newTestService(lookup, sender)

	res, err := svc.FindAndTransfer(context.Background(), key)
	if err != nil {
		t.Fatalf("FindAndTransfer() error: %v", err)
	}
	if res.SessionID != "txn-1" {
		t.Errorf("session = %q, want txn-1", res.SessionID)
	}
	if sender.txn != "txn-1" {
		t.Errorf("sent to %q, want txn-1", sender.txn)
	}
	want := map[string]string{
		"TransferTarget":    "+13125550123",
		"TransferTargetArn": "arn:vc",
		"Transfer":          "true",
	}
	for k, v := range want {
		if sender.args[k] != v {
			t.Errorf("arg %s = %q, want %q", k, sender.args[k], v)
		}
	}
	if len(rec.results) != 1 || rec.results[0] != "transferred" {
		t.Errorf("recorded %v", rec.results)
	}
}

func TestTransferUpdateAcceptedByRouter(t *testing.T) {
	lookup := &mockLookup{pair: &models.Pair{InUse: true, SessionID: "txn-1"}}
	sender := &mockSender{}
	svc, _ := newTestService(lookup, sender)

	if _, err := svc.FindAndTransfer(context.Background(), key); err != nil {
		t.Fatalf("FindAndTransfer() error: %v", err)
	}

	// The platform delivers the update back as CALL_UPDATE_REQUESTED.
	ev := &sma.Event{
		InvocationEventType: sma.EventCallUpdateRequested,
		ActionData: &sma.ActionData{
			Type:       "CallUpdateRequest",
			Parameters: sma.ActionDataParams{Arguments: sender.args},
		},
		CallDetails: sma.CallDetails{TransactionID: sender.txn},
	}
	if err := ev.Validate(); err != nil {
		t.Fatalf("router rejects the update this service sends: %v", err)
	}
}

func TestFindAndTransferNoSession(t *testing.T) {
	tests := []struct {
		name string
		pair *models.Pair
	}{
		{"missing", nil},
		{"released", &models.Pair{InUse: false, SessionID: "old-txn"}},
		{"no session id", &models.Pair{InUse: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &mockSender{}
			svc, rec := newTestService(&mockLookup{pair: tt.pair}, sender)

			res, err := svc.FindAndTransfer(context.Background(), key)
			if !errors.Is(err, ErrNoSession) {
				t.Fatalf("error = %v, want ErrNoSession", err)
			}
			if !strings.Contains(res.Message, key.GatewayNumber) {
				t.Errorf("message = %q", res.Message)
			}
			if sender.txn != "" {
				t.Error("update sent without a session")
			}
			if len(rec.results) != 1 || rec.results[0] != "no_session" {
				t.Errorf("recorded %v", rec.results)
			}
		})
	}
}

func TestFindAndTransferErrors(t *testing.T) {
	storeErr := errors.New("store down")
	svc, _ := newTestService(&mockLookup{err: storeErr}, &mockSender{})
	if _, err := svc.FindAndTransfer(context.Background(), key); !errors.Is(err, storeErr) {
		t.Errorf("store failure error = %v", err)
	}

	sendErr := errors.New("throttled")
	lookup := &mockLookup{pair: &models.Pair{InUse: true, SessionID: "txn-1"}}
	svc, rec := newTestService(lookup, &mockSender{err: sendErr})
	if _, err := svc.FindAndTransfer(context.Background(), key); !errors.Is(err, sendErr) {
		t.Errorf("send failure error = %v", err)
	}
	if len(rec.results) != 1 || rec.results[0] != "error" {
		t.Errorf("recorded %v", rec.results)
	}
}

func TestOriginalCaller(t *testing.T) {
	lookup := &mockLookup{pair: &models.Pair{InUse: true, SessionID: "txn-1", OriginalCaller: "+14155550100"}}
	svc, _ := newTestService(lookup, &mockSender{})

	res, err := svc.OriginalCaller(context.Background(), key)
	if err != nil {
		t.Fatalf("OriginalCaller() error: %v", err)
	}
	if res.OriginalCaller != "+14155550100" {
		t.Errorf("caller = %q", res.OriginalCaller)
	}

	svc, _ = newTestService(&mockLookup{}, &mockSender{})
	if _, err := svc.OriginalCaller(context.Background(), key); !errors.Is(err, ErrNoSession) {
		t.Errorf("error = %v, want ErrNoSession", err)
	}
}

type mockChime struct {
	input *chimesdkvoice.UpdateSipMediaApplicationCallInput
}

func (m *mockChime) UpdateSipMediaApplicationCall(_ context.Context, in *chimesdkvoice.UpdateSipMediaApplicationCallInput,
	_ ...func(*chimesdkvoice.Options)) (*chimesdkvoice.UpdateSipMediaApplicationCallOutput, error) {
	m.input = in
	return &chimesdkvoice.UpdateSipMediaApplicationCallOutput{}, nil
}

func TestChimeSender(t *testing.T) {
	api := &mockChime{}
	sender := NewChimeSender(api, "sma-123")

	if err := sender.UpdateCall(context.Background(), "txn-1", map[string]string{"Transfer": "true"}); err != nil {
		t.Fatalf("UpdateCall() error: %v", err)
	}
	if aws.ToString(api.input.SipMediaApplicationId) != "sma-123" {
		t.Errorf("app id = %q", aws.ToString(api.input.SipMediaApplicationId))
	}
	if aws.ToString(api.input.TransactionId) != "txn-1" {
		t.Errorf("transaction id = %q", aws.ToString(api.input.TransactionId))
	}
	if api.input.Arguments["Transfer"] != "true" {
		t.Errorf("arguments = %v", api.input.Arguments)
	}
}
