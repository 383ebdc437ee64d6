package transfer

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/chimesdkvoice"
)

// ChimeAPI is the subset of the Chime SDK Voice client used here.
type ChimeAPI interface {
	UpdateSipMediaApplicationCall(ctx context.Context, params *chimesdkvoice.UpdateSipMediaApplicationCallInput,
		optFns ...func(*chimesdkvoice.Options)) (*chimesdkvoice.UpdateSipMediaApplicationCallOutput, error)
}

// ChimeSender sends call updates to a SIP media application.
type ChimeSender struct {
	api   ChimeAPI
	appID string
}

// NewChimeSender creates a ChimeSender for the given SIP media application.
func NewChimeSender(api ChimeAPI, sipMediaApplicationID string) *ChimeSender {
	return &ChimeSender{api: api, appID: sipMediaApplicationID}
}

// UpdateCall raises CALL_UPDATE_REQUESTED on the call identified by
// transactionID.
func (c *ChimeSender) UpdateCall(ctx context.Context, transactionID string, args map[string]string) error {
	_, err := c.api.UpdateSipMediaApplicationCall(ctx, &chimesdkvoice.UpdateSipMediaApplicationCallInput{
		SipMediaApplicationId: aws.String(c.appID),
		TransactionId:         aws.String(transactionID),
		Arguments:             args,
	})
	if err != nil {
		return fmt.Errorf("update sip media application call: %w", err)
	}
	return nil
}
