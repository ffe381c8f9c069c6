package telephony

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"outreach-platform/internal/jobs"
)

func formRequest(target, body string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return r
}

func TestParseStatusCallback(t *testing.T) {
	r := formRequest("/webhooks/twilio/voice/status?job=j1", "CallSid=CA123&CallStatus=No-Answer&From=%2B15551234567&To=%2B15557654321")

	form, err := ParseStatusCallback(r)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if form.CallSid != "CA123" || form.CallStatus != "no-answer" {
		t.Fatalf("unexpected form: %+v", form)
	}

	cb := form.CallCallback("j1", time.Unix(1700000000, 0))
	if cb.Event != jobs.CallbackCallStatus || cb.JobID != "j1" || cb.ExternalID != "CA123" || cb.Status != "no-answer" {
		t.Fatalf("unexpected callback: %+v", cb)
	}
}

func TestParseStatusCallback_SMSLegacyFields(t *testing.T) {
	r := formRequest("/webhooks/twilio/sms/status", "SmsSid=SM1&SmsStatus=delivered")
	form, err := ParseStatusCallback(r)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if form.MessageSid != "SM1" || form.MessageStatus != "delivered" {
		t.Fatalf("unexpected form: %+v", form)
	}
}

func TestParseGatherAndInboundSMS(t *testing.T) {
	g, err := ParseGather(formRequest("/g", "CallSid=CA9&Digits=1"))
	if err != nil || g.Digits != "1" || g.CallSid != "CA9" {
		t.Fatalf("unexpected gather %+v err=%v", g, err)
	}
	if cb := g.Callback("j9", time.Now()); cb.Event != jobs.CallbackDigits || cb.Digits != "1" {
		t.Fatalf("unexpected callback %+v", cb)
	}

	in, err := ParseInboundSMS(formRequest("/s", "MessageSid=SM2&From=%2B15550001&Body=+Yes+"))
	if err != nil || in.Body != "Yes" || in.From != "+15550001" {
		t.Fatalf("unexpected inbound %+v err=%v", in, err)
	}
}
