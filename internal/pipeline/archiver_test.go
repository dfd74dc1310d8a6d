package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeArchiver struct {
	before time.Time
	n      int64
	err    error
}

func (f *fakeArchiver) ArchiveEvents(_ context.Context, before time.Time) (int64, error) {
	f.before = before
	return f.n, f.err
}

func TestArchiver_RunOnce(t *testing.T) {
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	fake := &fakeArchiver{n: 42}
	a := NewArchiver(fake, 30, slog.New(slog.NewTextHandler(io.Discard, nil)))
	a.now = func() time.Time { return now }

	n, err := a.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
	assert.Equal(t, now.AddDate(0, 0, -30), fake.before)

	fake.err = errors.New("bucket gone")
	_, err = a.RunOnce(context.Background())
	assert.ErrorContains(t, err, "bucket gone")
}

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"0 3 1 * *", false},
		{"*/15 * * * *", false},
		{"0,30 9-17 * * 1-5", false},
		{"@daily", false},
		{"0 3 1 *", true},
		{"x * * * *", true},
		{"*/0 * * * *", true},
		{"61 * * * *", true},
		{"0 25 * * *", true},
		{"0 0 32 * *", true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			_, err := ParseSchedule(tt.expr)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestParseSchedule_Next(t *testing.T) {
	// A Sunday.
	from := time.Date(2026, 5, 10, 12, 7, 30, 0, time.UTC)
	tests := []struct {
		name string
		expr string
		want time.Time
	}{
		{"step", "*/15 * * * *", time.Date(2026, 5, 10, 12, 15, 0, 0, time.UTC)},
		{"monthly", "0 3 1 * *", time.Date(2026, 6, 1, 3, 0, 0, 0, time.UTC)},
		{"weekday range", "0 9-17 * * 1-5", time.Date(2026, 5, 11, 9, 0, 0, 0, time.UTC)},
		{"either day field", "0 0 1 * 1", time.Date(2026, 5, 11, 0, 0, 0, 0, time.UTC)},
		{"descriptor", "@daily", time.Date(2026, 5, 11, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := ParseSchedule(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.Next(from).UTC())
		})
	}
}

func TestArchiver_RunCron(t *testing.T) {
	a := NewArchiver(&fakeArchiver{}, 30, slog.New(slog.NewTextHandler(io.Discard, nil)))
	a.now = func() time.Time { return time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC) }

	err := a.RunCron(context.Background(), "0 3 1 *")
	assert.ErrorContains(t, err, "pipeline: cron")

	err = a.RunCron(context.Background(), "0 0 31 2 *")
	assert.ErrorContains(t, err, "never fires")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = a.RunCron(ctx, "0 3 1 * *")
	assert.ErrorIs(t, err, context.Canceled)
}
