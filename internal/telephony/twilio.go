package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// TwilioGateway talks to the Twilio REST API with form-encoded requests and
// basic auth. It avoids the provider SDK so the adapter stays small.
type TwilioGateway struct {
	AccountSID string
	AuthToken  string
	BaseURL    string
	Client     *http.Client
}

func NewTwilioGateway(accountSID, authToken, baseURL string) *TwilioGateway {
	if baseURL == "" {
		baseURL = "https://api.twilio.com"
	}
	return &TwilioGateway{
		AccountSID: accountSID,
		AuthToken:  authToken,
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Client:     &http.Client{Timeout: 15 * time.Second},
	}
}

func (g *TwilioGateway) Name() string { return "twilio" }

type twilioResource struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

type twilioError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (g *TwilioGateway) PlaceCall(ctx context.Context, req CallRequest) (string, error) {
	form := url.Values{}
	form.Set("To", req.To)
	form.Set("From", req.From)
	form.Set("Url", req.AnswerURL)
	form.Set("Method", http.MethodPost)
	if req.StatusURL != "" {
		form.Set("StatusCallback", req.StatusURL)
		form.Set("StatusCallbackMethod", http.MethodPost)
		form.Add("StatusCallbackEvent", "completed")
	}
	if req.RingTimeout > 0 {
		form.Set("Timeout", strconv.Itoa(int(req.RingTimeout/time.Second)))
	}

	var res twilioResource
	if err := g.do(ctx, http.MethodPost, "/Calls.json", form, &res); err != nil {
		return "", err
	}
	if res.SID == "" {
		return "", &Error{Class: ClassTransient, Message: "twilio returned no call sid"}
	}
	return res.SID, nil
}

func (g *TwilioGateway) SendSMS(ctx context.Context, req SMSRequest) (string, error) {
	form := url.Values{}
	form.Set("To", req.To)
	form.Set("From", req.From)
	form.Set("Body", req.Body)
	if req.StatusURL != "" {
		form.Set("StatusCallback", req.StatusURL)
	}

	var res twilioResource
	if err := g.do(ctx, http.MethodPost, "/Messages.json", form, &res); err != nil {
		return "", err
	}
	if res.SID == "" {
		return "", &Error{Class: ClassTransient, Message: "twilio returned no message sid"}
	}
	return res.SID, nil
}

func (g *TwilioGateway) CallStatus(ctx context.Context, externalCallID string) (CallStatus, error) {
	if externalCallID == "" {
		return "", errors.New("telephony: call id required")
	}
	var res twilioResource
	if err := g.do(ctx, http.MethodGet, "/Calls/"+url.PathEscape(externalCallID)+".json", nil, &res); err != nil {
		return "", err
	}
	return CallStatus(res.Status), nil
}

func (g *TwilioGateway) do(ctx context.Context, method, path string, form url.Values, out any) error {
	if g.AccountSID == "" || g.AuthToken == "" {
		return &Error{Class: ClassPermanent, Message: "twilio credentials not configured"}
	}
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s%s", g.BaseURL, url.PathEscape(g.AccountSID), path)

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return &Error{Class: ClassPermanent, Message: err.Error()}
	}
	req.SetBasicAuth(g.AccountSID, g.AuthToken)
	req.Header.Set("Accept", "application/json")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := g.Client.Do(req)
	if err != nil {
		// Network failures and timeouts: the request may or may not have
		// reached Twilio.
		return &Error{Class: ClassTransient, Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &Error{Class: ClassTransient, Message: err.Error()}
	}
	if resp.StatusCode >= 300 {
		var te twilioError
		_ = json.Unmarshal(raw, &te)
		return classifyStatus(resp.StatusCode, te.Code, te.Message, retryAfter(resp.Header.Get("Retry-After")))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{Class: ClassTransient, Message: "decode twilio response: " + err.Error()}
	}
	return nil
}

func retryAfter(h string) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(h)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
