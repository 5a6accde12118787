package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"skirmish/master/internal/logging"
	"skirmish/master/internal/store"
)

type backendStub struct {
	status Status
	err    error
	delay  time.Duration
}

func (b *backendStub) Verify(ctx context.Context, username, password string) (Status, error) {
	if b.delay > 0 {
		select {
		case <-ctx.Done():
			return StatusUnknown, ctx.Err()
		case <-time.After(b.delay):
		}
	}
	return b.status, b.err
}

type profilesStub struct {
	profile store.Profile
	err     error
}

func (p *profilesStub) LookupProfile(ctx context.Context, username string) (store.Profile, error) {
	return p.profile, p.err
}

func awaitResult(t *testing.T, results <-chan Result) Result {
	t.Helper()
	select {
	case result := <-results:
		return result
	case <-time.After(2 * time.Second):
		t.Fatalf("result never delivered")
		return Result{}
	}
}

func TestCheckSuccessResolvesProfile(t *testing.T) {
	backend := &backendStub{status: StatusAuthenticated}
	profiles := &profilesStub{profile: store.Profile{PlayerID: 1007, DisplayName: "ace", Badges: 0b101, GamesPlayed: 42}}
	validator := NewValidator(backend, profiles, logging.NewTestLogger())

	results := make(chan Result, 1)
	validator.Check(context.Background(), "ace", "hunter2", func(r Result) { results <- r })

	result := awaitResult(t, results)
	if result.Status != StatusAuthenticated {
		t.Fatalf("expected authenticated, got %s", result.Status)
	}
	if result.Profile.PlayerID != 1007 || result.Profile.GamesPlayed != 42 {
		t.Fatalf("profile not resolved: %+v", result.Profile)
	}
}

func TestCheckDoesNotBlockCaller(t *testing.T) {
	backend := &backendStub{status: StatusAuthenticated, delay: 500 * time.Millisecond}
	validator := NewValidator(backend, &profilesStub{}, logging.NewTestLogger())

	start := time.Now()
	results := make(chan Result, 1)
	validator.Check(context.Background(), "ace", "pw", func(r Result) { results <- r })
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("Check blocked the caller for %v", elapsed)
	}
	awaitResult(t, results)
}

func TestCheckTimeoutResolvesUnknown(t *testing.T) {
	backend := &backendStub{status: StatusAuthenticated, delay: time.Minute}
	validator := NewValidator(backend, &profilesStub{}, logging.NewTestLogger(), WithTimeout(50*time.Millisecond))

	results := make(chan Result, 1)
	validator.Check(context.Background(), "ace", "pw", func(r Result) { results <- r })

	result := awaitResult(t, results)
	if result.Status != StatusUnknown {
		t.Fatalf("hung backend must resolve to unknown, got %s", result.Status)
	}
}

func TestCheckBackendErrorResolvesCantConnect(t *testing.T) {
	backend := &backendStub{err: errors.New("connection refused")}
	validator := NewValidator(backend, &profilesStub{}, logging.NewTestLogger())

	results := make(chan Result, 1)
	validator.Check(context.Background(), "ace", "pw", func(r Result) { results <- r })

	if result := awaitResult(t, results); result.Status != StatusCantConnect {
		t.Fatalf("expected cant_connect, got %s", result.Status)
	}
}

func TestCheckInvalidUsernameSkipsBackend(t *testing.T) {
	backend := &backendStub{status: StatusAuthenticated}
	validator := NewValidator(backend, &profilesStub{}, logging.NewTestLogger())

	for _, name := range []string{"", "x", "has space", "semi;colon", "way-too-long-username-for-anyone-to-type"} {
		delivered := false
		validator.Check(context.Background(), name, "pw", func(r Result) {
			delivered = true
			if r.Status != StatusInvalidUsername {
				t.Fatalf("username %q: expected invalid_username, got %s", name, r.Status)
			}
		})
		if !delivered {
			t.Fatalf("username %q: local pre-check must answer synchronously", name)
		}
	}
}

func TestCheckFailureStatusesPropagate(t *testing.T) {
	for _, status := range []Status{StatusWrongPassword, StatusUnknownUser, StatusUnsupported} {
		validator := NewValidator(&backendStub{status: status}, &profilesStub{}, logging.NewTestLogger())
		results := make(chan Result, 1)
		validator.Check(context.Background(), "ace", "pw", func(r Result) { results <- r })
		if result := awaitResult(t, results); result.Status != status {
			t.Fatalf("expected %s, got %s", status, result.Status)
		}
		if status.Failed() == (status == StatusUnsupported) {
			t.Fatalf("strike classification wrong for %s", status)
		}
	}
}

func TestHTTPBackendVerify(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"wrong_password"}`))
	}))
	defer server.Close()

	backend, err := NewHTTPBackend(server.URL, time.Second)
	if err != nil {
		t.Fatalf("NewHTTPBackend returned error: %v", err)
	}
	status, err := backend.Verify(context.Background(), "ace", "bad")
	if err != nil || status != StatusWrongPassword {
		t.Fatalf("expected wrong_password, got %s err=%v", status, err)
	}
}

func TestHTTPBackendRejectsBadAnswers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	backend, err := NewHTTPBackend(server.URL, time.Second)
	if err != nil {
		t.Fatalf("NewHTTPBackend returned error: %v", err)
	}
	if _, err := backend.Verify(context.Background(), "ace", "pw"); err == nil {
		t.Fatalf("expected error for non-200 answer")
	}
}
