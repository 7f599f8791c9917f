package outbox

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestTwilioSenderSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Path; got != "/2010-04-01/Accounts/AC123/Messages.json" {
			t.Errorf("path = %s", got)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC123" || pass != "secret" {
			t.Error("missing or wrong basic auth")
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.PostForm.Get("To") != "+15551234567" || r.PostForm.Get("From") != "+15550001111" {
			t.Errorf("form = %v", r.PostForm)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid": "SM1234567890abcdef", "status": "queued"}`))
	}))
	defer srv.Close()

	sender := NewTwilioSender("AC123", "secret", "+15550001111").WithBaseURL(srv.URL)
	res, err := sender.Send(context.Background(), "+15551234567", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.SID != "SM1234567890abcdef" {
		t.Fatalf("SID = %s", res.SID)
	}
	if res.Simulated {
		t.Fatal("real carrier result flagged as simulated")
	}
}

func TestTwilioSenderCarrierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code": 21211, "message": "The 'To' number is not a valid phone number."}`))
	}))
	defer srv.Close()

	sender := NewTwilioSender("AC123", "secret", "+15550001111").WithBaseURL(srv.URL)
	_, err := sender.Send(context.Background(), "not-a-number", "hello")
	if err == nil {
		t.Fatal("expected error")
	}
	var sendErr *SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("error type = %T, want *SendError", err)
	}
	if sendErr.Code != "21211" || sendErr.HTTPStatus != 400 {
		t.Fatalf("SendError = %+v", sendErr)
	}
}

func TestTwilioSenderMissingSID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	sender := NewTwilioSender("AC123", "secret", "+15550001111").WithBaseURL(srv.URL)
	if _, err := sender.Send(context.Background(), "+15551234567", "hello"); err == nil {
		t.Fatal("expected error for 2xx response without sid")
	}
}

func TestSimulatorIssuesSimSIDs(t *testing.T) {
	sim := NewSimulator(nil)
	res, err := sim.Send(context.Background(), "+15551234567", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(res.SID, "SIM_") {
		t.Fatalf("SID = %s, want SIM_ prefix", res.SID)
	}
	if len(res.SID) != len("SIM_")+16 {
		t.Fatalf("SID length = %d", len(res.SID))
	}
	if !res.Simulated {
		t.Fatal("simulator result must be flagged simulated")
	}

	other, err := sim.Send(context.Background(), "+15551234567", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if other.SID == res.SID {
		t.Fatal("simulator SIDs must be unique")
	}
}

func TestStopAndStartDetection(t *testing.T) {
	stops := []string{"STOP", "stop", " Stop ", "UNSUBSCRIBE", "quit", "End", "CANCEL", "STOPALL"}
	for _, s := range stops {
		if !IsStopMessage(s) {
			t.Errorf("IsStopMessage(%q) = false, want true", s)
		}
	}
	notStops := []string{"please stop sending", "stop it", "cancellation", "I want to cancel my booking"}
	for _, s := range notStops {
		if IsStopMessage(s) {
			t.Errorf("IsStopMessage(%q) = true, want false", s)
		}
	}
	starts := []string{"START", "start", "UNSTOP", "Yes"}
	for _, s := range starts {
		if !IsStartMessage(s) {
			t.Errorf("IsStartMessage(%q) = false, want true", s)
		}
	}
	if IsStartMessage("yes please book it") {
		t.Error("IsStartMessage must match whole-message keywords only")
	}
}
