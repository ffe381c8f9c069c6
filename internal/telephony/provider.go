package telephony

import (
	"context"
	"time"
)

// Gateway is the provider-agnostic outbound telephony boundary.
//
// Rules:
// - No provider calls outside telephony adapters.
// - Every returned external id must be correlated to exactly one job by the caller.
// - Keep request/response types provider-agnostic.
type Gateway interface {
	Name() string

	// PlaceCall starts an outbound call. The provider fetches AnswerURL for
	// call instructions and posts terminal status to StatusURL.
	PlaceCall(ctx context.Context, req CallRequest) (externalCallID string, err error)

	SendSMS(ctx context.Context, req SMSRequest) (externalMessageID string, err error)

	// CallStatus re-queries a call, used when a status callback never arrived.
	CallStatus(ctx context.Context, externalCallID string) (CallStatus, error)
}

type CallRequest struct {
	To        string
	From      string
	AnswerURL string
	StatusURL string

	// RingTimeout is how long the provider lets the call ring.
	RingTimeout time.Duration
}

type SMSRequest struct {
	To        string
	From      string
	Body      string
	StatusURL string
}

// CallStatus is the provider's view of a call.
type CallStatus string

const (
	CallStatusQueued     CallStatus = "queued"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusInProgress CallStatus = "in-progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusFailed     CallStatus = "failed"
	CallStatusNoAnswer   CallStatus = "no-answer"
	CallStatusBusy       CallStatus = "busy"
	CallStatusCanceled   CallStatus = "canceled"
)

// Terminal reports whether no further status change will follow.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallStatusCompleted, CallStatusFailed, CallStatusNoAnswer, CallStatusBusy, CallStatusCanceled:
		return true
	default:
		return false
	}
}

// MessageStatus is the provider's view of an SMS.
type MessageStatus string

const (
	MessageStatusQueued      MessageStatus = "queued"
	MessageStatusSent        MessageStatus = "sent"
	MessageStatusDelivered   MessageStatus = "delivered"
	MessageStatusUndelivered MessageStatus = "undelivered"
	MessageStatusFailed      MessageStatus = "failed"
)
