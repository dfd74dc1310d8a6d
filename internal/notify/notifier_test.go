package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/daotreasury/internal/domain"
)

type recordingSender struct {
	name   string
	titles []string
	bodies []string
	err    error
}

func (s *recordingSender) Send(_ context.Context, title, message string) error {
	s.titles = append(s.titles, title)
	s.bodies = append(s.bodies, message)
	return s.err
}

func (s *recordingSender) Name() string { return s.name }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifier_FiltersEvents(t *testing.T) {
	rec := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{rec}, nil, discard())
	ctx := context.Background()

	require.NoError(t, n.Handle(ctx, domain.Event{
		Stream:  domain.StreamFallback,
		Type:    "status_changed",
		Payload: json.RawMessage(`{"from":"normal","to":"emergency","ratio":1.15}`),
	}))
	require.NoError(t, n.Handle(ctx, domain.Event{
		Stream:  domain.StreamVault,
		Type:    "bond_deposited",
		Payload: json.RawMessage(`{"id":1}`),
	}))

	require.Len(t, rec.titles, 1)
	assert.Equal(t, "Treasury fallback.status_changed", rec.titles[0])
	assert.Equal(t, "System status normal -> emergency (collateral ratio 1.15)", rec.bodies[0])
}

func TestNotifier_OneSenderFailureDoesNotStopOthers(t *testing.T) {
	bad := &recordingSender{name: "bad", err: errors.New("down")}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, []string{"*"}, discard())

	err := n.Handle(context.Background(), domain.Event{Stream: domain.StreamLedger, Type: "tokens_minted"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: down")
	assert.Len(t, good.titles, 1)
}

func TestRender(t *testing.T) {
	tests := []struct {
		name string
		ev   domain.Event
		want string
	}{
		{
			name: "failed distribution",
			ev: domain.Event{Stream: "splitter", Type: "distribution_failed",
				Payload: json.RawMessage(`{"id":3,"total_amount":1250000,"failure_reason":"allocation mismatch"}`)},
			want: "Distribution #3 of 1,250,000 failed: allocation mismatch",
		},
		{
			name: "generic amounts",
			ev: domain.Event{Stream: "ledger", Type: "tokens_minted",
				Payload: json.RawMessage(`{"to":"0xabc","amount":1000000,"by":"admin"}`)},
			want: "amount: 1,000,000\nby: admin\nto: 0xabc",
		},
		{
			name: "nested action",
			ev: domain.Event{Stream: "fallback", Type: "paused",
				Payload: json.RawMessage(`{"action":{"id":1,"description":"manual pause"}}`)},
			want: "action: manual pause",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, body := Render(tt.ev)
			assert.Equal(t, tt.want, body)
		})
	}
}

func TestDiscordSender_Send(t *testing.T) {
	var got discordPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewDiscordSender(srv.URL)
	require.NoError(t, s.Send(context.Background(), "Treasury fallback.paused", strings.Repeat("x", 5000)))
	require.Len(t, got.Embeds, 1)
	assert.Equal(t, "Treasury fallback.paused", got.Embeds[0].Title)
	assert.Len(t, got.Embeds[0].Description, discordDescLimit)
	assert.Equal(t, colorAlert, got.Embeds[0].Color)

	require.NoError(t, s.Send(context.Background(), "Treasury vault.bond_deposited", "ok"))
	assert.Equal(t, colorDefault, got.Embeds[0].Color)
}

func TestTelegramSender_Send(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false}`))
	}))
	defer srv.Close()

	s := NewTelegramSender("tok", "42")
	s.baseURL = srv.URL
	err := s.Send(context.Background(), "T", "m")
	require.Error(t, err)
	assert.Equal(t, "/bottok/sendMessage", path)
	assert.Contains(t, err.Error(), "400")
}
