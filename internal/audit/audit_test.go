package audit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sells-group/rate-harvest/internal/model"
	"github.com/sells-group/rate-harvest/internal/resilience"
)

func testEvent() resilience.AttemptEvent {
	return resilience.AttemptEvent{
		Subject: resilience.Subject{SessionID: "s1", TaskID: "t1", Site: model.SiteVAX, Kind: "search"},
		Attempt: 2,
		Class:   resilience.ClassTransient,
		Err:     "page load timeout",
		Delay:   2 * time.Second,
		At:      time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestLogObserver_Levels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	o := NewLogObserver(zap.New(core))
	ctx := context.Background()

	o.OnAttempt(ctx, testEvent())
	final := testEvent()
	final.Final = true
	o.OnAttempt(ctx, final)
	o.OnAttempt(ctx, resilience.AttemptEvent{Subject: final.Subject, Attempt: 3, Final: true})

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, zapcore.DebugLevel, entries[2].Level)

	fields := entries[0].ContextMap()
	assert.Equal(t, "s1", fields["session_id"])
	assert.Equal(t, "transient", fields["class"])
	assert.Equal(t, int64(2), fields["attempt"])
}

func TestMulti_FansOut(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	a := NewLogObserver(zap.New(core))
	b := NewLogObserver(zap.New(core))

	Multi{a, nil, b}.OnAttempt(context.Background(), testEvent())
	assert.Equal(t, 2, logs.Len())
}

func TestStreamValues(t *testing.T) {
	v := streamValues(testEvent())
	assert.Equal(t, "vax", v["site"])
	assert.Equal(t, int64(2000), v["delay_ms"])
	assert.Equal(t, "2026-10-01T12:00:00Z", v["at"])
}

func TestStreamObserver_Redis(t *testing.T) {
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 0})
	defer client.Close()

	if _, err := client.Ping(ctx).Result(); err != nil {
		t.Skip("Redis is not available, skipping test")
	}

	stream := "rate-harvest:test:" + time.Now().Format("150405.000000")
	defer client.Del(ctx, stream)

	o := NewStreamObserver(client, stream, 10)
	o.OnAttempt(ctx, testEvent())

	msgs, err := client.XRange(ctx, stream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "s1", msgs[0].Values["session_id"])
	assert.Equal(t, "transient", msgs[0].Values["class"])
}

func TestNewStreamObserver_Defaults(t *testing.T) {
	o := NewStreamObserver(nil, "", 0)
	assert.Equal(t, "rate-harvest:attempts", o.stream)
	assert.Equal(t, int64(100000), o.maxLen)
}
