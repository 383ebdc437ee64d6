package sma

// SchemaVersion is the SMA response schema version.
const SchemaVersion = "1.0"

// Action types emitted by the router.
const (
	ActionSpeak         = "Speak"
	ActionHangup        = "Hangup"
	ActionCallAndBridge = "CallAndBridge"
)

// Bridge endpoint types.
const (
	EndpointPSTN = "PSTN"
	EndpointAWS  = "AWS"
)

// OriginalCallerHeader carries the external caller's number to the transfer
// target.
const OriginalCallerHeader = "X-Original-Calling-Number"

// Response is returned to the platform for every invocation.
type Response struct {
	SchemaVersion         string            `json:"SchemaVersion"`
	Actions               []Action          `json:"Actions"`
	TransactionAttributes map[string]string `json:"TransactionAttributes"`
}

// Action is one call-control instruction. Parameters is one of
// SpeakParams, HangupParams or CallAndBridgeParams.
type Action struct {
	Type       string `json:"Type"`
	Parameters any    `json:"Parameters"`
}

// Voice selects the text-to-speech voice for Speak actions.
type Voice struct {
	Engine       string
	LanguageCode string
	VoiceID      string
}

// DefaultVoice is the neural en-US voice.
var DefaultVoice = Voice{Engine: "neural", LanguageCode: "en-US", VoiceID: "Joanna"}

// SpeakParams are the parameters of a Speak action.
type SpeakParams struct {
	Text         string `json:"Text"`
	CallID       string `json:"CallId"`
	Engine       string `json:"Engine"`
	LanguageCode string `json:"LanguageCode"`
	TextType     string `json:"TextType"`
	VoiceID      string `json:"VoiceId"`
}

// HangupParams are the parameters of a Hangup action.
type HangupParams struct {
	CallID string `json:"CallId"`
}

// CallAndBridgeParams are the parameters of a CallAndBridge action.
type CallAndBridgeParams struct {
	CallTimeoutSeconds int               `json:"CallTimeoutSeconds"`
	CallerIDNumber     string            `json:"CallerIdNumber"`
	Endpoints          []BridgeEndpoint  `json:"Endpoints"`
	SipHeaders         map[string]string `json:"SipHeaders,omitempty"`
}

// BridgeEndpoint is the far end of a CallAndBridge.
type BridgeEndpoint struct {
	BridgeEndpointType string `json:"BridgeEndpointType"`
	Arn                string `json:"Arn,omitempty"`
	URI                string `json:"Uri"`
}

// Speak reads text to the given call leg.
func Speak(text, callID string, v Voice) Action {
	return Action{
		Type: ActionSpeak,
		Parameters: SpeakParams{
			Text:         text,
			CallID:       callID,
			Engine:       v.Engine,
			LanguageCode: v.LanguageCode,
			TextType:     "text",
			VoiceID:      v.VoiceID,
		},
	}
}

// Hangup disconnects the given call leg.
func Hangup(callID string) Action {
	return Action{Type: ActionHangup, Parameters: HangupParams{CallID: callID}}
}

// BridgeToRouting dials the routing engine's PSTN number from the gateway
// number and bridges it to the caller.
func BridgeToRouting(gatewayNumber, routingNumber string, timeoutSeconds int) Action {
	return Action{
		Type: ActionCallAndBridge,
		Parameters: CallAndBridgeParams{
			CallTimeoutSeconds: timeoutSeconds,
			CallerIDNumber:     gatewayNumber,
			Endpoints: []BridgeEndpoint{{
				BridgeEndpointType: EndpointPSTN,
				URI:                routingNumber,
			}},
		},
	}
}

// BridgeToTarget dials a transfer target behind a voice connector, passing
// the original caller in a SIP header.
func BridgeToTarget(gatewayNumber, targetNumber, targetArn, originalCaller string, timeoutSeconds int) Action {
	return Action{
		Type: ActionCallAndBridge,
		Parameters: CallAndBridgeParams{
			CallTimeoutSeconds: timeoutSeconds,
			CallerIDNumber:     gatewayNumber,
			Endpoints: []BridgeEndpoint{{
				BridgeEndpointType: EndpointAWS,
				Arn:                targetArn,
				URI:                targetNumber,
			}},
			SipHeaders: map[string]string{OriginalCallerHeader: originalCaller},
		},
	}
}
