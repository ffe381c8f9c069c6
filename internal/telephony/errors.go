package telephony

import (
	"errors"
	"fmt"
	"time"
)

// Class is how the dispatch layer treats a gateway failure.
type Class string

const (
	ClassTransient Class = "transient"
	ClassPermanent Class = "permanent"
)

// Error is a classified gateway failure.
type Error struct {
	Class   Class
	Code    int
	Message string

	// RetryAfter is the provider's backoff hint, zero when absent.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("gateway %s error %d: %s", e.Class, e.Code, e.Message)
	}
	return fmt.Sprintf("gateway %s error: %s", e.Class, e.Message)
}

// ClassOf classifies err. Errors that are not *Error are transient.
func ClassOf(err error) Class {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Class
	}
	return ClassTransient
}

// Known permanent Twilio codes, used for messages.
var permanentCodes = map[int]string{
	13224: "invalid phone number",
	21211: "invalid 'To' phone number",
	21214: "'To' phone number cannot be reached",
	21217: "phone number does not appear to be valid",
	21401: "invalid phone number",
	21407: "destination not supported",
	21610: "recipient unsubscribed",
	21612: "cannot route to this number",
	21614: "'To' number is not a valid mobile number",
}

// Transient Twilio codes returned with a 4xx status.
var transientCodes = map[int]bool{
	20429: true, // too many requests
	20503: true, // service unavailable
}

func classifyStatus(status, code int, msg string, retryAfter time.Duration) *Error {
	e := &Error{Code: code, Message: msg, RetryAfter: retryAfter, Class: ClassPermanent}
	switch {
	case status == 408 || status == 429 || status >= 500:
		e.Class = ClassTransient
	case transientCodes[code]:
		e.Class = ClassTransient
	}
	if e.Message == "" {
		if m, ok := permanentCodes[code]; ok {
			e.Message = m
		} else {
			e.Message = fmt.Sprintf("http status %d", status)
		}
	}
	return e
}
