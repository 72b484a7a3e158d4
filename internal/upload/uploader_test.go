package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/rate-harvest/internal/model"
	"github.com/sells-group/rate-harvest/internal/resilience"
)

type fakeSink struct {
	mu        sync.Mutex
	hotelSent [][]string
	roomSent  [][]string
	// failHotelBatch fails hotel batches containing this key, failCount times.
	failHotelKey string
	failCount    int
	refuse       map[string]bool
	hotelErr     error
}

func (f *fakeSink) IngestHotels(_ context.Context, hotels []model.HotelOption) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for _, h := range hotels {
		keys = append(keys, h.Key())
	}
	f.hotelSent = append(f.hotelSent, keys)
	if f.hotelErr != nil {
		return nil, f.hotelErr
	}
	for _, k := range keys {
		if k == f.failHotelKey && f.failCount > 0 {
			f.failCount--
			return nil, errors.New("connection reset by peer")
		}
	}
	var refused []string
	for _, k := range keys {
		if f.refuse[k] {
			refused = append(refused, k)
		}
	}
	return refused, nil
}

func (f *fakeSink) IngestRooms(_ context.Context, rooms []model.RoomOption) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for _, r := range rooms {
		keys = append(keys, r.Key())
	}
	f.roomSent = append(f.roomSent, keys)
	return nil, nil
}

func noWaitCoordinator(maxAttempts int) *resilience.Coordinator {
	cfg := resilience.DefaultRetryConfig()
	cfg.MaxAttempts = maxAttempts
	return resilience.NewCoordinator(cfg, resilience.WithWait(func(ctx context.Context, _ time.Duration) error {
		return ctx.Err()
	}))
}

func hotelRec(task, id string) model.Record {
	return model.HotelRecord(task, model.HotelOption{Site: model.SiteNavitrip, SiteID: id, Name: id})
}

func roomRec(task, hotel, id string) model.Record {
	return model.RoomRecord(task, model.RoomOption{Site: model.SiteNavitrip, HotelID: hotel, RoomID: id})
}

func TestFlush_Empty(t *testing.T) {
	u := New(&fakeSink{}, noWaitCoordinator(3), 10)
	res := u.Flush(context.Background(), "s1")
	assert.True(t, res.OK())
	assert.Zero(t, res.Ingested)
}

func TestFlush_HotelsBeforeRoomsInBatches(t *testing.T) {
	sink := &fakeSink{}
	u := New(sink, noWaitCoordinator(3), 2)
	u.Enqueue(roomRec("t2", "H1", "R1"))
	u.Enqueue(hotelRec("t1", "H1"), hotelRec("t1", "H2"), hotelRec("t1", "H3"))

	res := u.Flush(context.Background(), "s1")
	require.True(t, res.OK())
	assert.Equal(t, 4, res.Ingested)
	assert.Equal(t, []string{"navitrip:H1", "navitrip:H2", "navitrip:H3", "navitrip:H1/R1"}, res.AckedKeys)
	assert.Equal(t, [][]string{{"navitrip:H1", "navitrip:H2"}, {"navitrip:H3"}}, sink.hotelSent)
	assert.Len(t, sink.roomSent, 1)
	assert.Zero(t, u.Len())
}

func TestFlush_RetriesOnlyFailingBatch(t *testing.T) {
	sink := &fakeSink{failHotelKey: "navitrip:H3", failCount: 1}
	u := New(sink, noWaitCoordinator(3), 2)
	u.Enqueue(hotelRec("t1", "H1"), hotelRec("t1", "H2"), hotelRec("t1", "H3"), hotelRec("t1", "H4"))

	res := u.Flush(context.Background(), "s1")
	require.True(t, res.OK())
	assert.Equal(t, 4, res.Ingested)
	// First batch once, second batch twice.
	assert.Equal(t, [][]string{
		{"navitrip:H1", "navitrip:H2"},
		{"navitrip:H3", "navitrip:H4"},
		{"navitrip:H3", "navitrip:H4"},
	}, sink.hotelSent)
}

func TestFlush_ExhaustedBatchReportsFailedKeysAndTasks(t *testing.T) {
	sink := &fakeSink{failHotelKey: "navitrip:H3", failCount: 10}
	u := New(sink, noWaitCoordinator(3), 2)
	u.Enqueue(hotelRec("t1", "H1"), hotelRec("t1", "H2"), hotelRec("t2", "H3"), hotelRec("t3", "H4"))

	res := u.Flush(context.Background(), "s1")
	assert.False(t, res.OK())
	assert.Equal(t, 2, res.Ingested)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, []string{"navitrip:H3", "navitrip:H4"}, res.FailedKeys)
	assert.Equal(t, []string{"t2", "t3"}, res.FailedTasks)
	require.Error(t, res.LastError)
	assert.Len(t, sink.hotelSent, 4)
}

func TestFlush_ClassifiedErrorNotRetried(t *testing.T) {
	sink := &fakeSink{hotelErr: resilience.Auth("ingest", errors.New("401 unauthorized"))}
	u := New(sink, noWaitCoordinator(3), 10)
	u.Enqueue(hotelRec("t1", "H1"))

	res := u.Flush(context.Background(), "s1")
	assert.Equal(t, 1, res.Failed)
	assert.Len(t, sink.hotelSent, 1)
	assert.Equal(t, resilience.ClassAuth, resilience.Classify(res.LastError))
}

func TestFlush_RefusedRecordsFailIndividually(t *testing.T) {
	sink := &fakeSink{refuse: map[string]bool{"navitrip:H2": true}}
	u := New(sink, noWaitCoordinator(3), 10)
	u.Enqueue(hotelRec("t1", "H1"), hotelRec("t1", "H2"))

	res := u.Flush(context.Background(), "s1")
	assert.Equal(t, 1, res.Ingested)
	assert.Equal(t, []string{"navitrip:H2"}, res.FailedKeys)
	assert.Equal(t, []string{"t1"}, res.FailedTasks)
	assert.Len(t, sink.hotelSent, 1)
}

func TestEnqueue_ConcurrentProducers(t *testing.T) {
	u := New(&fakeSink{}, noWaitCoordinator(3), 50)
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				u.Enqueue(hotelRec("t", fmt.Sprintf("P%d-%d", p, i)))
			}
		}(p)
	}
	wg.Wait()
	assert.Equal(t, 200, u.Len())

	res := u.Flush(context.Background(), "s1")
	assert.Equal(t, 200, res.Ingested)
	assert.Zero(t, u.Len())
}

func TestNew_DefaultBatchSize(t *testing.T) {
	u := New(&fakeSink{}, noWaitCoordinator(1), 0)
	assert.Equal(t, DefaultBatchSize, u.batchSize)
}
