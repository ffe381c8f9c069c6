package telephony

import (
	"net/http"
	"strings"
	"time"

	"outreach-platform/internal/jobs"
)

// Twilio sends application/x-www-form-urlencoded webhooks.
// Ref: https://www.twilio.com/docs/usage/webhooks
//
// Parsers only normalize fields; no state is touched here.

type StatusCallbackForm struct {
	CallSid    string
	MessageSid string
	CallStatus string

	// MessageStatus is set on SMS status callbacks.
	MessageStatus string
	ErrorCode     string
	From          string
	To            string
}

func ParseStatusCallback(r *http.Request) (StatusCallbackForm, error) {
	if err := r.ParseForm(); err != nil {
		return StatusCallbackForm{}, err
	}
	return StatusCallbackForm{
		CallSid:       strings.TrimSpace(r.PostFormValue("CallSid")),
		MessageSid:    firstNonEmpty(r.PostFormValue("MessageSid"), r.PostFormValue("SmsSid")),
		CallStatus:    strings.ToLower(strings.TrimSpace(r.PostFormValue("CallStatus"))),
		MessageStatus: strings.ToLower(firstNonEmpty(r.PostFormValue("MessageStatus"), r.PostFormValue("SmsStatus"))),
		ErrorCode:     strings.TrimSpace(r.PostFormValue("ErrorCode")),
		From:          normalizePhone(r.PostFormValue("From")),
		To:            normalizePhone(r.PostFormValue("To")),
	}, nil
}

type GatherForm struct {
	CallSid string
	Digits  string
}

func ParseGather(r *http.Request) (GatherForm, error) {
	if err := r.ParseForm(); err != nil {
		return GatherForm{}, err
	}
	return GatherForm{
		CallSid: strings.TrimSpace(r.PostFormValue("CallSid")),
		Digits:  strings.TrimSpace(r.PostFormValue("Digits")),
	}, nil
}

type InboundSMSForm struct {
	MessageSid string
	From       string
	To         string
	Body       string
}

func ParseInboundSMS(r *http.Request) (InboundSMSForm, error) {
	if err := r.ParseForm(); err != nil {
		return InboundSMSForm{}, err
	}
	return InboundSMSForm{
		MessageSid: firstNonEmpty(r.PostFormValue("MessageSid"), r.PostFormValue("SmsSid")),
		From:       normalizePhone(r.PostFormValue("From")),
		To:         normalizePhone(r.PostFormValue("To")),
		Body:       strings.TrimSpace(r.PostFormValue("Body")),
	}, nil
}

func normalizePhone(s string) string {
	s = strings.TrimSpace(s)
	// Twilio sometimes sends "anonymous" or empty; keep as-is.
	return s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func (f StatusCallbackForm) CallCallback(jobID string, at time.Time) jobs.Callback {
	return jobs.Callback{
		Event:      jobs.CallbackCallStatus,
		JobID:      jobID,
		ExternalID: f.CallSid,
		Status:     f.CallStatus,
		ReceivedAt: at.UTC(),
	}
}

func (f StatusCallbackForm) SMSCallback(jobID string, at time.Time) jobs.Callback {
	return jobs.Callback{
		Event:      jobs.CallbackSMSStatus,
		JobID:      jobID,
		ExternalID: f.MessageSid,
		Status:     f.MessageStatus,
		ReceivedAt: at.UTC(),
	}
}

func (f GatherForm) Callback(jobID string, at time.Time) jobs.Callback {
	return jobs.Callback{
		Event:      jobs.CallbackDigits,
		JobID:      jobID,
		ExternalID: f.CallSid,
		Digits:     f.Digits,
		ReceivedAt: at.UTC(),
	}
}

func (f InboundSMSForm) Callback(at time.Time) jobs.Callback {
	return jobs.Callback{
		Event:      jobs.CallbackSMSReply,
		ExternalID: f.MessageSid,
		From:       f.From,
		Body:       f.Body,
		ReceivedAt: at.UTC(),
	}
}
