package service

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/mosaicnetworks/murmur/src/common"
	"github.com/mosaicnetworks/murmur/src/media"
	"github.com/mosaicnetworks/murmur/src/net/signal"
	"github.com/mosaicnetworks/murmur/src/node"
	"github.com/mosaicnetworks/murmur/src/registry"
)

const secret = "s3cr3t"

// stubTransport accepts everything and delivers nothing
type stubTransport struct {
	name string
	down bool

	mu        sync.Mutex
	channel   string
	published []signal.Envelope
}

func (t *stubTransport) Name() string { return t.name }

func (t *stubTransport) Initialize(ctx context.Context) error {
	if t.down {
		return signal.ErrNotConnected
	}
	return nil
}

func (t *stubTransport) SelfTest(ctx context.Context) bool { return !t.down }

func (t *stubTransport) Subscribe(ctx context.Context, channelID string, handler signal.Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.channel = channelID
	return nil
}

func (t *stubTransport) Publish(ctx context.Context, env signal.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.published = append(t.published, env)
	return nil
}

func (t *stubTransport) Unsubscribe(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.channel = ""
	return nil
}

func (t *stubTransport) Disconnect() error { return nil }

func newTestService(t *testing.T, jwtSecret string) (*Service, *node.Node, registry.Registry) {
	clk := clock.NewMock()

	selector := signal.NewSelector(
		signal.DefaultSelectorConfig(),
		[]signal.Transport{
			&stubTransport{name: "relay"},
			&stubTransport{name: "wamp", down: true},
		},
		clk,
		common.NewTestEntry(t, "selector"),
	)

	factory, err := media.NewPionFactory(media.DefaultConfig(), common.NewTestEntry(t, "media"))
	if err != nil {
		t.Fatal(err)
	}

	n := node.NewNode(
		node.TestConfig(t),
		"aaa-1",
		selector,
		factory,
		media.NewSilenceSource("aaa-1", clk, common.NewTestEntry(t, "source")),
		media.NewDiscardSink(common.NewTestEntry(t, "sink")),
		clk,
	)
	if err := n.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	n.RunAsync()
	t.Cleanup(n.Shutdown)

	reg := registry.NewMemory("aaa-1", clk, common.NewTestEntry(t, "registry"))

	return NewService("127.0.0.1:0", n, reg, jwtSecret, common.NewTestEntry(t, "service")), n, reg
}

func do(t *testing.T, s *Service, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, code int) {
	t.Helper()
	if rec.Code != code {
		t.Fatalf("expected status %d, got %d: %s", code, rec.Code, rec.Body.String())
	}
}

func TestReadRoutes(t *testing.T) {
	s, _, _ := newTestService(t, "")

	rec := do(t, s, http.MethodGet, "/status", nil, "")
	expectStatus(t, rec, http.StatusOK)

	var stats map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats["id"] != "aaa-1" || stats["state"] != "Detached" {
		t.Fatalf("unexpected stats %v", stats)
	}

	rec = do(t, s, http.MethodGet, "/participants", nil, "")
	expectStatus(t, rec, http.StatusOK)
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected no participants, got %s", rec.Body.String())
	}

	rec = do(t, s, http.MethodGet, "/transport", nil, "")
	expectStatus(t, rec, http.StatusOK)

	var tr TransportResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &tr); err != nil {
		t.Fatal(err)
	}
	if tr.Active != "relay" || len(tr.Available) != 2 || tr.Connected {
		t.Fatalf("unexpected transport response %+v", tr)
	}

	expectStatus(t, do(t, s, http.MethodGet, "/quality", nil, ""), http.StatusOK)
	expectStatus(t, do(t, s, http.MethodGet, "/sessions", nil, ""), http.StatusOK)
	expectStatus(t, do(t, s, http.MethodGet, "/channels/CHAT-NONE", nil, ""), http.StatusNotFound)

	rec = do(t, s, http.MethodGet, "/metrics", nil, "")
	expectStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), "murmur_") {
		t.Fatal("metrics should include murmur collectors")
	}
}

func TestIntents(t *testing.T) {
	s, n, _ := newTestService(t, "")

	rec := do(t, s, http.MethodPost, "/join", JoinRequest{Channel: "CHAT-1A2B", Name: "standup"}, "")
	expectStatus(t, rec, http.StatusOK)

	if ch := n.Channel(); ch != "CHAT-1A2B" {
		t.Fatalf("node should be in CHAT-1A2B, is in %q", ch)
	}

	rec = do(t, s, http.MethodGet, "/channels/CHAT-1A2B", nil, "")
	expectStatus(t, rec, http.StatusOK)

	var info registry.Channel
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatal(err)
	}
	if info.Name != "standup" || info.ParticipantCount != 1 || !info.Active {
		t.Fatalf("unexpected channel record %+v", info)
	}

	expectStatus(t, do(t, s, http.MethodPost, "/join", map[string]string{}, ""), http.StatusBadRequest)

	rec = do(t, s, http.MethodPost, "/mute", nil, "")
	expectStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), `"muted":true`) {
		t.Fatalf("expected muted, got %s", rec.Body.String())
	}

	expectStatus(t, do(t, s, http.MethodPost, "/transport", TransportRequest{Name: "pigeon"}, ""), http.StatusNotFound)
	expectStatus(t, do(t, s, http.MethodPost, "/transport", TransportRequest{Name: "wamp"}, ""), http.StatusServiceUnavailable)
	expectStatus(t, do(t, s, http.MethodPost, "/transport", TransportRequest{Name: "relay"}, ""), http.StatusOK)

	expectStatus(t, do(t, s, http.MethodPost, "/leave", nil, ""), http.StatusOK)
	expectStatus(t, do(t, s, http.MethodPost, "/leave", nil, ""), http.StatusConflict)

	rec = do(t, s, http.MethodGet, "/channels/CHAT-1A2B", nil, "")
	expectStatus(t, rec, http.StatusOK)
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatal(err)
	}
	if info.ParticipantCount != 0 {
		t.Fatalf("participant count should be back to 0, is %d", info.ParticipantCount)
	}
}

func TestJoinClosedChannel(t *testing.T) {
	s, n, reg := newTestService(t, "")

	ctx := context.Background()
	if _, err := reg.CreateChannel(ctx, "CHAT-DEAD", "gone"); err != nil {
		t.Fatal(err)
	}
	if err := reg.CloseChannel(ctx, "CHAT-DEAD"); err != nil {
		t.Fatal(err)
	}

	expectStatus(t, do(t, s, http.MethodPost, "/join", JoinRequest{Channel: "CHAT-DEAD"}, ""), http.StatusConflict)

	if ch := n.Channel(); ch != "" {
		t.Fatalf("node should not join a closed channel, is in %s", ch)
	}
}

func TestJWTAuth(t *testing.T) {
	s, _, _ := newTestService(t, secret)

	// read routes stay public
	expectStatus(t, do(t, s, http.MethodGet, "/status", nil, ""), http.StatusOK)

	expectStatus(t, do(t, s, http.MethodPost, "/mute", nil, ""), http.StatusUnauthorized)

	bad, err := NewToken("not the secret", Claims{PeerID: "aaa-1"})
	if err != nil {
		t.Fatal(err)
	}
	expectStatus(t, do(t, s, http.MethodPost, "/mute", nil, bad), http.StatusUnauthorized)

	expired, err := NewToken(secret, Claims{
		PeerID: "aaa-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	expectStatus(t, do(t, s, http.MethodPost, "/mute", nil, expired), http.StatusUnauthorized)

	good, err := NewToken(secret, Claims{
		PeerID: "aaa-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	expectStatus(t, do(t, s, http.MethodPost, "/mute", nil, good), http.StatusOK)
}

func serveAsync(s *Service) chan struct{} {
	done := make(chan struct{})
	go func() {
		s.Serve()
		close(done)
	}()
	return done
}

func expectServeReturns(t *testing.T, done chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}
}

func TestShutdownWhileServing(t *testing.T) {
	s, _, _ := newTestService(t, "")

	done := serveAsync(s)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}

	expectServeReturns(t, done)
}

func TestShutdownBeforeServe(t *testing.T) {
	s, _, _ := newTestService(t, "")

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}

	expectServeReturns(t, serveAsync(s))
}
