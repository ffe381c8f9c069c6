package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
	"strings"
)

// TwiML is a minimal Twilio Markup Language response builder.
// Only include primitives we need at the adapter boundary.

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlSay struct {
	XMLName  xml.Name `xml:"Say"`
	Voice    string   `xml:"voice,attr,omitempty"`
	Language string   `xml:"language,attr,omitempty"`
	Text     string   `xml:",chardata"`
}

type twimlPlay struct {
	XMLName xml.Name `xml:"Play"`
	URL     string   `xml:",chardata"`
}

type twimlGather struct {
	XMLName   xml.Name `xml:"Gather"`
	Input     string   `xml:"input,attr"`
	NumDigits int      `xml:"numDigits,attr,omitempty"`
	Timeout   int      `xml:"timeout,attr,omitempty"`
	Action    string   `xml:"action,attr"`
	Method    string   `xml:"method,attr"`
	Verbs     []any    `xml:",any"`
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

// Prompt describes the call instructions of one dial.
type Prompt struct {
	// AudioURL plays pre-generated speech; Text is spoken by the provider
	// when AudioURL is empty.
	AudioURL string
	Text     string
	Voice    string

	// GatherURL receives the digits pressed.
	GatherURL string
	NumDigits int
	Timeout   int

	// NoInput is spoken when the callee presses nothing.
	NoInput string
}

// RenderPrompt renders the message inside a DTMF Gather, then hangs up.
func RenderPrompt(p Prompt) (string, error) {
	if strings.TrimSpace(p.GatherURL) == "" {
		return "", errors.New("telephony: gather url required")
	}
	var speech any
	switch {
	case p.AudioURL != "":
		speech = twimlPlay{URL: p.AudioURL}
	case strings.TrimSpace(p.Text) != "":
		speech = twimlSay{Voice: p.Voice, Text: p.Text}
	default:
		return "", errors.New("telephony: prompt needs audio or text")
	}
	if p.NumDigits <= 0 {
		p.NumDigits = 1
	}
	if p.Timeout <= 0 {
		p.Timeout = 8
	}

	var r twimlResponse
	r.Verbs = append(r.Verbs, twimlGather{
		Input:     "dtmf",
		NumDigits: p.NumDigits,
		Timeout:   p.Timeout,
		Action:    p.GatherURL,
		Method:    "POST",
		Verbs:     []any{speech},
	})
	if p.NoInput != "" {
		r.Verbs = append(r.Verbs, twimlSay{Voice: p.Voice, Text: p.NoInput})
	}
	r.Verbs = append(r.Verbs, twimlHangup{})
	return encode(r)
}

// RenderSayHangup speaks text (if any) and ends the call.
func RenderSayHangup(text, voice string) (string, error) {
	var r twimlResponse
	if strings.TrimSpace(text) != "" {
		r.Verbs = append(r.Verbs, twimlSay{Voice: voice, Text: text})
	}
	r.Verbs = append(r.Verbs, twimlHangup{})
	return encode(r)
}

// RenderEmpty acknowledges a webhook without instructions.
func RenderEmpty() (string, error) {
	return encode(twimlResponse{})
}

func encode(r twimlResponse) (string, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
