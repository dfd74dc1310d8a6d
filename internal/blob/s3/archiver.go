package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"time"

	"github.com/alanyoungcy/daotreasury/internal/domain"
)

const jsonlContentType = "application/x-ndjson"

// AuditArchived is the audit stream event type recorded after an archive run.
const AuditArchived = "archive.events"

// DefaultPrefix is the object key prefix archives are written under.
const DefaultPrefix = "archive"

var _ domain.Archiver = (*EventArchiver)(nil)

// EventArchiver copies committed events to object storage as JSONL, one
// object per stream and calendar month. Events are never removed from the
// log.
type EventArchiver struct {
	log    domain.EventLog
	writer domain.BlobWriter
	reader domain.BlobReader
	prefix string
	clock  domain.Clock
	logger *slog.Logger
}

// NewEventArchiver creates an EventArchiver. An empty prefix uses
// DefaultPrefix. reader may be nil when only archiving.
func NewEventArchiver(
	log domain.EventLog,
	writer domain.BlobWriter,
	reader domain.BlobReader,
	prefix string,
	clock domain.Clock,
	logger *slog.Logger,
) *EventArchiver {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if clock == nil {
		clock = time.Now
	}
	return &EventArchiver{
		log:    log,
		writer: writer,
		reader: reader,
		prefix: prefix,
		clock:  clock,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

type archiveRecord struct {
	Paths  []string `json:"paths"`
	Count  int64    `json:"count"`
	Before string   `json:"before"`
}

// ArchiveEvents writes every event recorded before the cutoff and returns how
// many were written. Rerunning overwrites the same objects with a superset.
func (a *EventArchiver) ArchiveEvents(ctx context.Context, before time.Time) (int64, error) {
	if a.writer == nil {
		return 0, fmt.Errorf("s3blob: archive: no writer configured")
	}
	var (
		count int64
		paths []string
	)
	for _, stream := range domain.Streams {
		events, err := a.log.List(ctx, domain.ListOpts{Stream: stream, Until: &before})
		if err != nil {
			return count, fmt.Errorf("s3blob: archive %s query: %w", stream, err)
		}
		for _, month := range groupByMonth(events) {
			buf, err := marshalJSONL(month.events)
			if err != nil {
				return count, fmt.Errorf("s3blob: archive %s marshal: %w", stream, err)
			}
			key := a.archivePath(stream, month.key)
			if err := a.writer.Put(ctx, key, bytes.NewReader(buf), jsonlContentType); err != nil {
				return count, fmt.Errorf("s3blob: archive %s upload: %w", stream, err)
			}
			count += int64(len(month.events))
			paths = append(paths, key)
		}
	}
	if count == 0 {
		return 0, nil
	}

	payload, err := json.Marshal(archiveRecord{Paths: paths, Count: count, Before: before.UTC().Format(time.RFC3339)})
	if err != nil {
		return count, fmt.Errorf("s3blob: archive audit encode: %w", err)
	}
	if _, err := a.log.Append(ctx, domain.Event{
		Stream:     domain.StreamAudit,
		Type:       AuditArchived,
		Payload:    payload,
		RecordedAt: domain.TimestampOf(a.clock()),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive audit log: %w", err)
	}
	a.logger.InfoContext(ctx, "events archived",
		slog.Int64("count", count),
		slog.Int("objects", len(paths)),
		slog.Time("before", before),
	)
	return count, nil
}

// Restore re-appends the events of one archived object. Events at or before
// the stream's current tail are skipped, so restoring the months of a stream
// in order, or restoring the same object twice, is safe. Sequence numbers are
// reassigned by the log.
func (a *EventArchiver) Restore(ctx context.Context, key string) (int64, error) {
	if a.reader == nil {
		return 0, fmt.Errorf("s3blob: restore: no reader configured")
	}
	body, err := a.reader.Get(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("s3blob: restore %s: %w", key, err)
	}
	defer body.Close()

	tails := make(map[string]domain.Timestamp)
	var restored int64
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for line := 1; sc.Scan(); line++ {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var ev domain.Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			return restored, fmt.Errorf("s3blob: restore %s line %d: %w", key, line, err)
		}
		tail, ok := tails[ev.Stream]
		if !ok {
			if tail, err = a.tail(ctx, ev.Stream); err != nil {
				return restored, err
			}
			tails[ev.Stream] = tail
		}
		if tail != 0 && ev.RecordedAt <= tail {
			continue
		}
		ev.Seq = 0
		if _, err := a.log.Append(ctx, ev); err != nil {
			return restored, fmt.Errorf("s3blob: restore %s line %d: %w", key, line, err)
		}
		tails[ev.Stream] = ev.RecordedAt
		restored++
	}
	if err := sc.Err(); err != nil {
		return restored, fmt.Errorf("s3blob: restore %s: %w", key, err)
	}
	a.logger.InfoContext(ctx, "events restored", slog.String("path", key), slog.Int64("count", restored))
	return restored, nil
}

// Objects lists archived objects for stream, or all streams when empty.
func (a *EventArchiver) Objects(ctx context.Context, stream string) ([]domain.BlobInfo, error) {
	if a.reader == nil {
		return nil, fmt.Errorf("s3blob: list: no reader configured")
	}
	prefix := a.prefix + "/"
	if stream != "" {
		prefix = path.Join(a.prefix, stream) + "/"
	}
	return a.reader.List(ctx, prefix)
}

func (a *EventArchiver) tail(ctx context.Context, stream string) (domain.Timestamp, error) {
	events, err := a.log.Load(ctx, stream)
	if err != nil {
		return 0, fmt.Errorf("s3blob: restore load %s: %w", stream, err)
	}
	if len(events) == 0 {
		return 0, nil
	}
	return events[len(events)-1].RecordedAt, nil
}

// archivePath builds keys like archive/vault/2025-01.jsonl.
func (a *EventArchiver) archivePath(stream, month string) string {
	return path.Join(a.prefix, stream, month+".jsonl")
}

type monthGroup struct {
	key    string
	events []domain.Event
}

func groupByMonth(events []domain.Event) []monthGroup {
	idx := make(map[string]int)
	var groups []monthGroup
	for _, ev := range events {
		key := ev.RecordedAt.Time().Format("2006-01")
		i, ok := idx[key]
		if !ok {
			i = len(groups)
			idx[key] = i
			groups = append(groups, monthGroup{key: key})
		}
		groups[i].events = append(groups[i].events, ev)
	}
	sort.SliceStable(groups, func(i, j int) bool { return groups[i].key < groups[j].key })
	return groups
}

func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
