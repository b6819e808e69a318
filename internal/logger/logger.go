// Package logger implements a non-blocking, batched debug-trace logger.
//
// When a provider runs with debug_mode enabled, every upstream exchange emits
// a Trace entry carrying the headers (and optionally the body) that crossed
// the wire. Entries go into an internal buffered channel and are flushed in
// batches by a background goroutine, so tracing never blocks the dispatch hot
// path. If the channel fills up (> 10 000 entries), new entries are dropped
// and counted in Dropped.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second

	// MaxBodyLog caps the logged body size. Longer payloads are cut and
	// suffixed with truncationMark.
	MaxBodyLog     = 10 * 1024
	truncationMark = "... (truncated)"
)

// Trace is one upstream exchange captured for debugging.
type Trace struct {
	RequestID string
	Provider  string
	Model     string
	KeyHash   string
	Attempt   int
	Status    int
	Reason    string
	LatencyMs int64
	Headers   string
	// Body is empty unless debug_mode is full_body.
	Body      []byte
	CreatedAt time.Time
}

// Logger is the async trace sink.
type Logger struct {
	ch        chan Trace
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	baseCtx context.Context
	log     *slog.Logger
}

// New starts the flush goroutine. The logger runs until Close.
func New(ctx context.Context, slogger *slog.Logger) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
	}

	l := &Logger{
		ch:      make(chan Trace, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues a trace entry. Never blocks.
func (l *Logger) Log(entry Trace) {
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.dropped, 1)
	}
}

// Dropped returns the number of entries discarded due to a full channel.
func (l *Logger) Dropped() int64 {
	return atomic.LoadInt64(&l.dropped)
}

// Close drains the channel and stops the flush goroutine.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

// TruncateBody returns b cut to MaxBodyLog with a marker suffix. Bodies at or
// under the cap come back unchanged.
func TruncateBody(b []byte) string {
	if len(b) <= MaxBodyLog {
		return string(b)
	}
	return string(b[:MaxBodyLog]) + truncationMark
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Trace, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			attrs := []any{
				slog.String("request_id", e.RequestID),
				slog.String("provider", e.Provider),
				slog.String("model", e.Model),
				slog.String("key_hash", e.KeyHash),
				slog.Int("attempt", e.Attempt),
				slog.Int("status", e.Status),
				slog.String("reason", e.Reason),
				slog.Int64("latency_ms", e.LatencyMs),
				slog.String("headers", e.Headers),
				slog.Time("created_at", normalizeTime(e.CreatedAt)),
			}
			if len(e.Body) > 0 {
				attrs = append(attrs, slog.String("body", TruncateBody(e.Body)))
			}
			l.log.DebugContext(ctx, "upstream_exchange", attrs...)
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
