// Package audit records retry attempt events emitted by the retry
// coordinator.
package audit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sells-group/rate-harvest/internal/resilience"
)

// LogObserver writes one structured log line per attempt.
type LogObserver struct {
	log *zap.Logger
}

// NewLogObserver creates a log observer. A nil logger uses zap.L().
func NewLogObserver(log *zap.Logger) *LogObserver {
	if log == nil {
		log = zap.L()
	}
	return &LogObserver{log: log.Named("audit")}
}

// OnAttempt implements resilience.Observer.
func (o *LogObserver) OnAttempt(_ context.Context, ev resilience.AttemptEvent) {
	fields := []zap.Field{
		zap.String("session_id", ev.SessionID),
		zap.String("task_id", ev.TaskID),
		zap.String("site", string(ev.Site)),
		zap.String("kind", ev.Kind),
		zap.String("target", ev.Target),
		zap.Int("attempt", ev.Attempt),
	}
	if ev.Err == "" {
		o.log.Debug("attempt succeeded", fields...)
		return
	}
	fields = append(fields,
		zap.String("class", string(ev.Class)),
		zap.String("error", ev.Err),
		zap.Duration("delay", ev.Delay),
		zap.Bool("final", ev.Final),
	)
	if ev.Final {
		o.log.Warn("attempt failed, giving up", fields...)
		return
	}
	o.log.Info("attempt failed, retrying", fields...)
}

// StreamObserver appends attempt events to a Redis stream so other
// services can follow extraction progress.
type StreamObserver struct {
	client  *redis.Client
	stream  string
	maxLen  int64
	timeout time.Duration
}

// NewStreamObserver creates a stream observer writing to stream, trimmed
// to roughly maxLen entries.
func NewStreamObserver(client *redis.Client, stream string, maxLen int64) *StreamObserver {
	if stream == "" {
		stream = "rate-harvest:attempts"
	}
	if maxLen <= 0 {
		maxLen = 100000
	}
	return &StreamObserver{client: client, stream: stream, maxLen: maxLen, timeout: 2 * time.Second}
}

// OnAttempt implements resilience.Observer. Stream errors are logged and
// never fail the attempt.
func (o *StreamObserver) OnAttempt(ctx context.Context, ev resilience.AttemptEvent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout)
	defer cancel()

	err := o.client.XAdd(ctx, &redis.XAddArgs{
		Stream: o.stream,
		MaxLen: o.maxLen,
		Approx: true,
		Values: streamValues(ev),
	}).Err()
	if err != nil {
		zap.L().Warn("audit: stream append failed",
			zap.String("stream", o.stream),
			zap.String("session_id", ev.SessionID),
			zap.Error(err),
		)
	}
}

func streamValues(ev resilience.AttemptEvent) map[string]any {
	return map[string]any{
		"session_id": ev.SessionID,
		"task_id":    ev.TaskID,
		"site":       string(ev.Site),
		"kind":       ev.Kind,
		"target":     ev.Target,
		"attempt":    ev.Attempt,
		"class":      string(ev.Class),
		"error":      ev.Err,
		"delay_ms":   ev.Delay.Milliseconds(),
		"final":      ev.Final,
		"at":         ev.At.UTC().Format(time.RFC3339Nano),
	}
}

// Multi fans an event out to several observers in order.
type Multi []resilience.Observer

// OnAttempt implements resilience.Observer.
func (m Multi) OnAttempt(ctx context.Context, ev resilience.AttemptEvent) {
	for _, o := range m {
		if o != nil {
			o.OnAttempt(ctx, ev)
		}
	}
}
