package telephony

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestTwilioGateway_PlaceCall(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		got = r
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"CA42","status":"queued"}`))
	}))
	defer srv.Close()

	g := NewTwilioGateway("AC1", "tok", srv.URL)
	sid, err := g.PlaceCall(context.Background(), CallRequest{
		To: "+15550001", From: "+15559999",
		AnswerURL: "https://x/answer", StatusURL: "https://x/status",
		RingTimeout: 25 * time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if sid != "CA42" {
		t.Fatalf("expected sid CA42, got %q", sid)
	}
	if got.URL.Path != "/2010-04-01/Accounts/AC1/Calls.json" {
		t.Fatalf("unexpected path %s", got.URL.Path)
	}
	user, pass, ok := got.BasicAuth()
	if !ok || user != "AC1" || pass != "tok" {
		t.Fatalf("expected basic auth")
	}
	if got.PostForm.Get("Url") != "https://x/answer" || got.PostForm.Get("StatusCallback") != "https://x/status" || got.PostForm.Get("Timeout") != "25" {
		t.Fatalf("unexpected form %v", got.PostForm)
	}
}

func TestTwilioGateway_ClassifiesErrors(t *testing.T) {
	cases := []struct {
		name       string
		status     int
		body       string
		retryAfter string
		want       Class
		wantHint   time.Duration
	}{
		{"invalid number", 400, `{"code":21211,"message":"Invalid 'To' Phone Number"}`, "", ClassPermanent, 0},
		{"auth", 401, `{"code":20003,"message":"Authenticate"}`, "", ClassPermanent, 0},
		{"rate limited", 429, `{"code":20429,"message":"Too Many Requests"}`, "7", ClassTransient, 7 * time.Second},
		{"server", 503, ``, "", ClassTransient, 0},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tc.retryAfter != "" {
				w.Header().Set("Retry-After", tc.retryAfter)
			}
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(tc.body))
		}))
		_, err := NewTwilioGateway("AC1", "tok", srv.URL).SendSMS(context.Background(), SMSRequest{To: "+1", From: "+2", Body: "hi"})
		srv.Close()

		if err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if ClassOf(err) != tc.want {
			t.Fatalf("%s: expected %s, got %s (%v)", tc.name, tc.want, ClassOf(err), err)
		}
		ge := err.(*Error)
		if ge.RetryAfter != tc.wantHint {
			t.Fatalf("%s: expected retry hint %s, got %s", tc.name, tc.wantHint, ge.RetryAfter)
		}
	}
}

func TestTwilioGateway_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	base := srv.URL
	srv.Close()

	_, err := NewTwilioGateway("AC1", "tok", base).CallStatus(context.Background(), "CA1")
	if ClassOf(err) != ClassTransient {
		t.Fatalf("expected transient, got %v", err)
	}
}

func TestTwilioGateway_MissingCredentialsIsPermanent(t *testing.T) {
	_, err := NewTwilioGateway("", "", "").PlaceCall(context.Background(), CallRequest{To: "+1"})
	if ClassOf(err) != ClassPermanent {
		t.Fatalf("expected permanent, got %v", err)
	}
}
