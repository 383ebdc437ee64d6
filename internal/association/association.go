// Package association attaches routing-engine phone numbers to a contact
// flow in Amazon Connect, and detaches them again.
package association

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/connect"
)

// ErrNoNumbers is returned when a request names no phone numbers.
var ErrNoNumbers = errors.New("no phone numbers given")

// ConnectAPI is the subset of the Amazon Connect client used here.
type ConnectAPI interface {
	ListPhoneNumbersV2(ctx context.Context, params *connect.ListPhoneNumbersV2Input,
		optFns ...func(*connect.Options)) (*connect.ListPhoneNumbersV2Output, error)
	AssociatePhoneNumberContactFlow(ctx context.Context, params *connect.AssociatePhoneNumberContactFlowInput,
		optFns ...func(*connect.Options)) (*connect.AssociatePhoneNumberContactFlowOutput, error)
	DisassociatePhoneNumberContactFlow(ctx context.Context, params *connect.DisassociatePhoneNumberContactFlowInput,
		optFns ...func(*connect.Options)) (*connect.DisassociatePhoneNumberContactFlowOutput, error)
}

// Report lists what happened to each requested number.
type Report struct {
	Done    []string          `json:"done"`
	Unknown []string          `json:"unknown"`
	Failed  map[string]string `json:"failed,omitempty"`
}

// Manager associates numbers with contact flows.
type Manager struct {
	api    ConnectAPI
	logger *slog.Logger
}

// NewManager creates a Manager.
func NewManager(api ConnectAPI, logger *slog.Logger) *Manager {
	return &Manager{api: api, logger: logger.With("subsystem", "association")}
}

// Associate points each number at flowID. Numbers the instance does not own
// are skipped and reported as unknown. Associating an already associated
// number succeeds.
func (m *Manager) Associate(ctx context.Context, instanceID, flowID string, numbers []string) (Report, error) {
	return m.apply(ctx, instanceID, numbers, "associate", func(ctx context.Context, id string) error {
		_, err := m.api.AssociatePhoneNumberContactFlow(ctx, &connect.AssociatePhoneNumberContactFlowInput{
			ContactFlowId: aws.String(flowID),
			InstanceId:    aws.String(instanceID),
			PhoneNumberId: aws.String(id),
		})
		return err
	})
}

// Disassociate removes each number's contact flow.
func (m *Manager) Disassociate(ctx context.Context, instanceID string, numbers []string) (Report, error) {
	return m.apply(ctx, instanceID, numbers, "disassociate", func(ctx context.Context, id string) error {
		_, err := m.api.DisassociatePhoneNumberContactFlow(ctx, &connect.DisassociatePhoneNumberContactFlowInput{
			InstanceId:    aws.String(instanceID),
			PhoneNumberId: aws.String(id),
		})
		return err
	})
}

func (m *Manager) apply(ctx context.Context, instanceID string, numbers []string, op string,
	fn func(ctx context.Context, phoneNumberID string) error) (Report, error) {
	if len(numbers) == 0 {
		return Report{}, ErrNoNumbers
	}

	ids, err := m.phoneNumberIDs(ctx, instanceID)
	if err != nil {
		return Report{}, err
	}

	var report Report
	for _, number := range numbers {
		id, ok := ids[number]
		if !ok {
			m.logger.Warn("phone number not found in instance", "op", op, "phone_number", number)
			report.Unknown = append(report.Unknown, number)
			continue
		}
		if err := fn(ctx, id); err != nil {
			m.logger.Error("phone number update failed", "op", op, "phone_number", number, "error", err)
			if report.Failed == nil {
				report.Failed = make(map[string]string)
			}
			report.Failed[number] = err.Error()
			continue
		}
		m.logger.Info("phone number updated", "op", op, "phone_number", number, "phone_number_id", id)
		report.Done = append(report.Done, number)
	}
	return report, nil
}

// phoneNumberIDs maps every E.164 number claimed by the instance to its
// phone number id.
func (m *Manager) phoneNumberIDs(ctx context.Context, instanceID string) (map[string]string, error) {
	ids := make(map[string]string)
	input := &connect.ListPhoneNumbersV2Input{InstanceId: aws.String(instanceID)}
	for {
		out, err := m.api.ListPhoneNumbersV2(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("listing phone numbers: %w", err)
		}
		for _, n := range out.ListPhoneNumbersSummaryList {
			ids[aws.ToString(n.PhoneNumber)] = aws.ToString(n.PhoneNumberId)
		}
		if aws.ToString(out.NextToken) == "" {
			return ids, nil
		}
		input.NextToken = out.NextToken
	}
}
