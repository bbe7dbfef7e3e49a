// Excubitor - Inline API Traffic Guard and Adaptive Mitigation Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/excubitor

package gate

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tomtom215/excubitor/internal/actor"
	"github.com/tomtom215/excubitor/internal/config"
	"github.com/tomtom215/excubitor/internal/mitigation"
	"github.com/tomtom215/excubitor/internal/traffic"
)

func testGateConfig() config.GateConfig {
	return config.GateConfig{
		Enabled:         true,
		ActorHeader:     "X-Actor-Account",
		ChallengeHeader: "X-Challenge-Token",
		DelayMin:        100 * time.Millisecond,
		DelayMax:        500 * time.Millisecond,
	}
}

type gateFixture struct {
	gate     *Gate
	store    mitigation.Store
	recorder *traffic.Recorder

	downstreamHits int
	slept          time.Duration
}

func newGateFixture(t *testing.T) *gateFixture {
	t.Helper()

	f := &gateFixture{
		store:    mitigation.NewMemoryStore(),
		recorder: traffic.NewRecorder(64, 32),
	}
	f.gate = New(testGateConfig(), f.store, f.recorder, traffic.NewCategorizer(traffic.DefaultCategoryRules))
	f.gate.sleep = func(d time.Duration) { f.slept += d }
	return f
}

func (f *gateFixture) handler() http.Handler {
	return f.gate.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.downstreamHits++
		w.WriteHeader(http.StatusCreated)
	}))
}

func (f *gateFixture) mitigate(t *testing.T, id actor.Identity, level mitigation.Level, caseID string) {
	t.Helper()
	err := f.store.Put(context.Background(), &mitigation.Active{
		Actor:     id,
		Level:     level,
		CaseID:    caseID,
		AppliedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("put mitigation: %v", err)
	}
}

func doRequest(h http.Handler, mutate func(*http.Request)) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, "/api/login", nil)
	r.RemoteAddr = "203.0.113.7:41234"
	if mutate != nil {
		mutate(r)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestGateProceedsWithoutMitigation(t *testing.T) {
	f := newGateFixture(t)

	w := doRequest(f.handler(), nil)

	if w.Code != http.StatusCreated {
		t.Errorf("expected downstream status, got %d", w.Code)
	}
	if f.downstreamHits != 1 {
		t.Errorf("downstream should run once, got %d", f.downstreamHits)
	}
	if f.recorder.Len() != 1 {
		t.Fatalf("expected 1 recorded request, got %d", f.recorder.Len())
	}

	rec := f.recorder.Drain()[0]
	if rec.Actor.Key() != "ip:203.0.113.7" {
		t.Errorf("unexpected actor %q", rec.Actor.Key())
	}
	if rec.Status != http.StatusCreated {
		t.Errorf("record should carry downstream status, got %d", rec.Status)
	}
	if rec.Category != "auth" {
		t.Errorf("login path should categorize as auth, got %q", rec.Category)
	}
}

func TestGateWriterKeepsFlusher(t *testing.T) {
	f := newGateFixture(t)
	var flushable bool
	h := f.gate.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, flushable = w.(http.Flusher)
		w.WriteHeader(http.StatusOK)
	}))

	doRequest(h, nil)

	if !flushable {
		t.Error("gate must not hide Flusher from streaming downstreams")
	}
}

func TestGateRecordsPayloadExcerpt(t *testing.T) {
	f := newGateFixture(t)
	h := f.gate.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
	}))

	long := strings.Repeat("x", maxPayloadExcerpt+100)
	r := httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(long))
	r.RemoteAddr = "203.0.113.7:41234"
	h.ServeHTTP(httptest.NewRecorder(), r)

	rec := f.recorder.Drain()[0]
	if len(rec.PayloadExcerpt) != maxPayloadExcerpt {
		t.Errorf("excerpt length = %d, want %d", len(rec.PayloadExcerpt), maxPayloadExcerpt)
	}
	if rec.PayloadExcerpt != long[:maxPayloadExcerpt] {
		t.Error("excerpt should be the body prefix")
	}
}

func TestGateAccountHeaderWins(t *testing.T) {
	f := newGateFixture(t)

	doRequest(f.handler(), func(r *http.Request) {
		r.Header.Set("X-Actor-Account", "u-1842")
	})

	rec := f.recorder.Drain()[0]
	if rec.Actor.Key() != "account:u-1842" {
		t.Errorf("account header should take precedence, got %q", rec.Actor.Key())
	}
}

func TestGateDelayHoldsThenProceeds(t *testing.T) {
	f := newGateFixture(t)
	f.mitigate(t, actor.FromIP("203.0.113.7"), mitigation.Delay, "c-1")

	w := doRequest(f.handler(), nil)

	if w.Code != http.StatusCreated {
		t.Errorf("delayed request should still reach downstream, got %d", w.Code)
	}
	if f.slept < 100*time.Millisecond || f.slept > 500*time.Millisecond {
		t.Errorf("hold %s outside configured jitter range", f.slept)
	}
	if f.downstreamHits != 1 {
		t.Errorf("downstream should run once, got %d", f.downstreamHits)
	}
}

func TestGateCaptchaChallengesWithoutToken(t *testing.T) {
	f := newGateFixture(t)
	f.mitigate(t, actor.FromIP("203.0.113.7"), mitigation.Captcha, "c-42")

	w := doRequest(f.handler(), nil)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected challenge response, got %d", w.Code)
	}
	if f.downstreamHits != 0 {
		t.Error("challenged request must not reach downstream")
	}
	if body := w.Body.String(); !containsAll(body, "challenge_required", "c-42") {
		t.Errorf("challenge body should reference the case: %s", body)
	}
}

func TestGateCaptchaPassesWithValidToken(t *testing.T) {
	f := newGateFixture(t)
	f.mitigate(t, actor.FromIP("203.0.113.7"), mitigation.Captcha, "c-42")

	w := doRequest(f.handler(), func(r *http.Request) {
		r.Header.Set("X-Challenge-Token", "c-42")
	})

	if w.Code != http.StatusCreated {
		t.Errorf("valid token should pass the challenge, got %d", w.Code)
	}
	if f.downstreamHits != 1 {
		t.Errorf("downstream should run once, got %d", f.downstreamHits)
	}
}

func TestGateBlocksNeverReachDownstream(t *testing.T) {
	for _, level := range []mitigation.Level{mitigation.TemporaryBlock, mitigation.PermanentBan} {
		t.Run(level.String(), func(t *testing.T) {
			f := newGateFixture(t)
			f.mitigate(t, actor.FromIP("203.0.113.7"), level, "c-9")

			w := doRequest(f.handler(), nil)

			if w.Code != http.StatusForbidden {
				t.Errorf("expected rejection, got %d", w.Code)
			}
			if f.downstreamHits != 0 {
				t.Error("blocked request must not reach downstream")
			}
			if f.recorder.Len() != 0 {
				t.Error("blocked request should not be recorded")
			}
		})
	}
}

func TestGateBlockedIPHoldsDespiteAccountHeader(t *testing.T) {
	f := newGateFixture(t)
	f.mitigate(t, actor.FromIP("203.0.113.7"), mitigation.PermanentBan, "c-3")

	w := doRequest(f.handler(), func(r *http.Request) {
		r.Header.Set("X-Actor-Account", "fresh-account")
	})

	if w.Code != http.StatusForbidden {
		t.Errorf("banned IP must stay blocked with an account header attached, got %d", w.Code)
	}
	if f.downstreamHits != 0 {
		t.Error("blocked request must not reach downstream")
	}
}

func TestGateStrictestIdentityWins(t *testing.T) {
	f := newGateFixture(t)
	f.mitigate(t, actor.FromIP("203.0.113.7"), mitigation.Delay, "c-4")
	f.mitigate(t, actor.FromAccount("u-9"), mitigation.TemporaryBlock, "c-5")

	w := doRequest(f.handler(), func(r *http.Request) {
		r.Header.Set("X-Actor-Account", "u-9")
	})

	if w.Code != http.StatusForbidden {
		t.Errorf("account block outranks the IP delay, got %d", w.Code)
	}
	if f.slept != 0 {
		t.Errorf("blocked request should not serve the delay hold, slept %s", f.slept)
	}
}

func TestGateFailsOpenOnStoreError(t *testing.T) {
	f := newGateFixture(t)
	f.gate.store = failingStore{}

	w := doRequest(f.handler(), nil)

	if w.Code != http.StatusCreated {
		t.Errorf("store error must fail open, got %d", w.Code)
	}
	if f.downstreamHits != 1 {
		t.Errorf("downstream should run once, got %d", f.downstreamHits)
	}
}

func TestGateDisabledPassesThrough(t *testing.T) {
	f := newGateFixture(t)
	f.gate.cfg.Enabled = false
	f.mitigate(t, actor.FromIP("203.0.113.7"), mitigation.PermanentBan, "c-1")

	w := doRequest(f.handler(), nil)

	if w.Code != http.StatusCreated {
		t.Errorf("disabled gate should pass everything, got %d", w.Code)
	}
	if f.recorder.Len() != 0 {
		t.Error("disabled gate should not record")
	}
}

func TestGateCustomVerifier(t *testing.T) {
	f := newGateFixture(t)
	f.mitigate(t, actor.FromIP("203.0.113.7"), mitigation.Captcha, "c-1")
	f.gate.SetChallengeVerifier(func(_ actor.Identity, _ *mitigation.Active, token string) bool {
		return token == "solved"
	})

	w := doRequest(f.handler(), func(r *http.Request) {
		r.Header.Set("X-Challenge-Token", "solved")
	})
	if w.Code != http.StatusCreated {
		t.Errorf("custom verifier should accept, got %d", w.Code)
	}
}

func TestRealIP(t *testing.T) {
	tests := []struct {
		name       string
		trusted    []string
		remoteAddr string
		xff        string
		want       string
	}{
		{
			name:       "trusted proxy rewrites",
			trusted:    []string{"10.0.0.0/8"},
			remoteAddr: "10.1.2.3:443",
			xff:        "198.51.100.4, 10.1.2.3",
			want:       "198.51.100.4",
		},
		{
			name:       "untrusted peer keeps socket address",
			trusted:    []string{"10.0.0.0/8"},
			remoteAddr: "203.0.113.7:443",
			xff:        "198.51.100.4",
			want:       "203.0.113.7:443",
		},
		{
			name:       "no trusted proxies configured",
			trusted:    nil,
			remoteAddr: "10.1.2.3:443",
			xff:        "198.51.100.4",
			want:       "10.1.2.3:443",
		},
		{
			name:       "bare address treated as single host",
			trusted:    []string{"10.1.2.3"},
			remoteAddr: "10.1.2.3:443",
			xff:        "198.51.100.4",
			want:       "198.51.100.4",
		},
		{
			name:       "garbage chain ignored",
			trusted:    []string{"10.0.0.0/8"},
			remoteAddr: "10.1.2.3:443",
			xff:        "not-an-address",
			want:       "10.1.2.3:443",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			h := RealIP(tt.trusted)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				got = r.RemoteAddr
			}))

			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			h.ServeHTTP(httptest.NewRecorder(), r)

			if got != tt.want {
				t.Errorf("RemoteAddr = %q, want %q", got, tt.want)
			}
		})
	}
}

type failingStore struct{}

func (failingStore) Get(context.Context, actor.Identity) (*mitigation.Active, error) {
	return nil, errors.New("store unavailable")
}
func (failingStore) Put(context.Context, *mitigation.Active) error  { return nil }
func (failingStore) Delete(context.Context, actor.Identity) error  { return nil }
func (failingStore) List(context.Context) ([]*mitigation.Active, error) {
	return nil, nil
}
func (failingStore) Close() error { return nil }

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
