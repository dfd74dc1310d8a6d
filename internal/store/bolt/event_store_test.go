package bolt

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/daotreasury/internal/domain"
)

func openTemp(t *testing.T) (*EventStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "events.db")
	s, err := Open(path)
	require.NoError(t, err)
	return s, path
}

func TestEventStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	s, path := openTemp(t)
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, stream := range []string{domain.StreamVault, domain.StreamSplitter, domain.StreamVault} {
		ev, err := s.Append(ctx, domain.Event{
			Stream:     stream,
			Type:       "bond_deposited",
			Payload:    []byte(`{"id":1}`),
			RecordedAt: domain.TimestampOf(base.Add(time.Duration(i) * time.Minute)),
		})
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), ev.Seq)
	}
	require.NoError(t, s.Close())

	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	vault, err := s.Load(ctx, domain.StreamVault)
	require.NoError(t, err)
	require.Len(t, vault, 2)
	assert.Equal(t, []uint64{1, 3}, []uint64{vault[0].Seq, vault[1].Seq})
	assert.JSONEq(t, `{"id":1}`, string(vault[0].Payload))

	ev, err := s.Append(ctx, domain.Event{Stream: domain.StreamLedger, Type: "tokens_minted"})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), ev.Seq)
}

func TestEventStore_List(t *testing.T) {
	ctx := context.Background()
	s, _ := openTemp(t)
	t.Cleanup(func() { _ = s.Close() })
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		_, err := s.Append(ctx, domain.Event{
			Stream:     domain.StreamGovernance,
			Type:       "vote_cast",
			RecordedAt: domain.TimestampOf(base.Add(time.Duration(i) * time.Hour)),
		})
		require.NoError(t, err)
	}
	since := base.Add(time.Hour)
	until := base.Add(4 * time.Hour)

	tests := []struct {
		name string
		opts domain.ListOpts
		want []uint64
	}{
		{"all", domain.ListOpts{}, []uint64{1, 2, 3, 4, 5}},
		{"window", domain.ListOpts{Since: &since, Until: &until}, []uint64{2, 3, 4}},
		{"page", domain.ListOpts{Offset: 1, Limit: 2}, []uint64{2, 3}},
		{"unknown stream", domain.ListOpts{Stream: "nope"}, []uint64{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.List(ctx, tt.opts)
			require.NoError(t, err)
			seqs := make([]uint64, 0, len(got))
			for _, ev := range got {
				seqs = append(seqs, ev.Seq)
			}
			assert.Equal(t, tt.want, seqs)
		})
	}
}

func TestEventStore_AppendHonoursCancelledContext(t *testing.T) {
	s, _ := openTemp(t)
	t.Cleanup(func() { _ = s.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Append(ctx, domain.Event{Stream: domain.StreamVault})
	require.ErrorIs(t, err, context.Canceled)
}
