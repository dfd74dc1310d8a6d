package s3blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/daotreasury/internal/domain"
	"github.com/alanyoungcy/daotreasury/internal/store/memory"
)

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemBlobs() *memBlobs { return &memBlobs{objects: map[string][]byte{}} }

func (m *memBlobs) Put(_ context.Context, p string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[p] = b
	return nil
}

func (m *memBlobs) PutMultipart(ctx context.Context, p string, data io.Reader, _ int64) error {
	return m.Put(ctx, p, data, jsonlContentType)
}

func (m *memBlobs) Get(_ context.Context, p string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[p]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", p, domain.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlobs) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.BlobInfo
	for k, v := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, domain.BlobInfo{Path: k, Size: int64(len(v))})
		}
	}
	return out, nil
}

func (m *memBlobs) Exists(_ context.Context, p string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[p]
	return ok, nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func seed(t *testing.T, log *memory.EventStore, stream string, at ...time.Time) {
	t.Helper()
	for i, ts := range at {
		_, err := log.Append(context.Background(), domain.Event{
			Stream:     stream,
			Type:       "bond_deposited",
			Payload:    []byte(fmt.Sprintf(`{"id":%d}`, i+1)),
			RecordedAt: domain.TimestampOf(ts),
		})
		require.NoError(t, err)
	}
}

func TestEventArchiver_ArchiveEvents(t *testing.T) {
	ctx := context.Background()
	log := memory.NewEventStore()
	jan := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2025, 2, 3, 0, 0, 0, 0, time.UTC)
	mar := time.Date(2025, 3, 9, 0, 0, 0, 0, time.UTC)
	seed(t, log, domain.StreamVault, jan, feb, mar)
	seed(t, log, domain.StreamSplitter, feb)

	blobs := newMemBlobs()
	now := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	a := NewEventArchiver(log, blobs, blobs, "", func() time.Time { return now }, discard())

	n, err := a.ArchiveEvents(ctx, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	assert.Contains(t, blobs.objects, "archive/vault/2025-01.jsonl")
	assert.Contains(t, blobs.objects, "archive/vault/2025-02.jsonl")
	assert.Contains(t, blobs.objects, "archive/splitter/2025-02.jsonl")
	assert.NotContains(t, blobs.objects, "archive/vault/2025-03.jsonl")
	assert.Equal(t, 1, bytes.Count(blobs.objects["archive/vault/2025-01.jsonl"], []byte("\n")))

	audit, err := log.Load(ctx, domain.StreamAudit)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, AuditArchived, audit[0].Type)
	assert.Contains(t, string(audit[0].Payload), `"count":3`)
}

func TestEventArchiver_NothingToArchive(t *testing.T) {
	log := memory.NewEventStore()
	a := NewEventArchiver(log, newMemBlobs(), nil, "cold", time.Now, discard())
	n, err := a.ArchiveEvents(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, log.Len(), "no audit entry without archived events")
}

func TestEventArchiver_Restore(t *testing.T) {
	ctx := context.Background()
	src := memory.NewEventStore()
	jan := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	seed(t, src, domain.StreamVault, jan, jan.Add(time.Hour), jan.Add(2*time.Hour))

	blobs := newMemBlobs()
	a := NewEventArchiver(src, blobs, blobs, "", time.Now, discard())
	_, err := a.ArchiveEvents(ctx, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	dst := memory.NewEventStore()
	r := NewEventArchiver(dst, nil, blobs, "", time.Now, discard())
	n, err := r.Restore(ctx, "archive/vault/2025-01.jsonl")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	again, err := r.Restore(ctx, "archive/vault/2025-01.jsonl")
	require.NoError(t, err)
	assert.Zero(t, again, "already restored events are skipped")

	restored, err := dst.Load(ctx, domain.StreamVault)
	require.NoError(t, err)
	require.Len(t, restored, 3)
	assert.JSONEq(t, `{"id":3}`, string(restored[2].Payload))

	_, err = r.Restore(ctx, "archive/vault/1999-01.jsonl")
	require.ErrorIs(t, err, domain.ErrNotFound)

	objs, err := r.Objects(ctx, domain.StreamVault)
	require.NoError(t, err)
	assert.Len(t, objs, 1)
}

func TestNormaliseEndpoint(t *testing.T) {
	tests := []struct {
		in     string
		useSSL bool
		want   string
	}{
		{"https://s3.example.com", false, "https://s3.example.com"},
		{"minio:9000", false, "http://minio:9000"},
		{"r2.example.com", true, "https://r2.example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, normaliseEndpoint(tt.in, tt.useSSL))
		})
	}
}
