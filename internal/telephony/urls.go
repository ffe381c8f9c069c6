package telephony

import (
	"net/url"
	"strings"
)

// Prompt modes carried on the answer URL.
const (
	ModePlay = "play"
	ModeSay  = "say"
)

// URLs builds the webhook URLs handed to the provider. Every URL carries the
// job id so callbacks correlate even before the external id is attached.
type URLs struct {
	Base string
}

func NewURLs(publicURL string) URLs { return URLs{Base: strings.TrimRight(publicURL, "/")} }

func (u URLs) with(path string, q url.Values) string {
	if len(q) == 0 {
		return u.Base + path
	}
	return u.Base + path + "?" + q.Encode()
}

func (u URLs) Answer(jobID, mode string) string {
	return u.with("/webhooks/twilio/voice/answer", url.Values{"job": {jobID}, "mode": {mode}})
}

func (u URLs) Gather(jobID string) string {
	return u.with("/webhooks/twilio/voice/gather", url.Values{"job": {jobID}})
}

func (u URLs) CallStatus(jobID string) string {
	return u.with("/webhooks/twilio/voice/status", url.Values{"job": {jobID}})
}

func (u URLs) SMSStatus(jobID string) string {
	return u.with("/webhooks/twilio/sms/status", url.Values{"job": {jobID}})
}

func (u URLs) Media(fingerprint string) string {
	return u.Base + "/media/" + url.PathEscape(fingerprint)
}
