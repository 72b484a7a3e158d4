// Package upload buffers validated records for a session and delivers them
// to the ingest sink in bounded batches.
package upload

import (
	"context"
	"errors"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/sells-group/rate-harvest/internal/model"
	"github.com/sells-group/rate-harvest/internal/resilience"
)

// DefaultBatchSize is used when New is given a non-positive batch size.
const DefaultBatchSize = 100

// Sink receives unified records. A non-nil error fails the whole batch; a
// returned key list names individual records the sink refused while
// accepting the rest. Implementations must be idempotent on record identity.
type Sink interface {
	IngestHotels(ctx context.Context, hotels []model.HotelOption) (failed []string, err error)
	IngestRooms(ctx context.Context, rooms []model.RoomOption) (failed []string, err error)
}

// FlushResult reports the outcome of one flush.
type FlushResult struct {
	Ingested int
	Failed   int
	// AckedKeys are the identities the sink acknowledged.
	AckedKeys []string
	// FailedKeys are the identities that could not be delivered.
	FailedKeys []string
	// FailedTasks are the tasks that produced at least one failed record.
	FailedTasks []string
	LastError   error
}

// OK reports whether every record was delivered.
func (r FlushResult) OK() bool {
	return r.Failed == 0
}

// Uploader accumulates records from concurrent producers and flushes them
// through the retry coordinator.
type Uploader struct {
	sink      Sink
	coord     *resilience.Coordinator
	batchSize int

	mu  sync.Mutex
	buf []model.Record
}

// New creates an uploader.
func New(sink Sink, coord *resilience.Coordinator, batchSize int) *Uploader {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Uploader{sink: sink, coord: coord, batchSize: batchSize}
}

// Enqueue appends records to the buffer.
func (u *Uploader) Enqueue(recs ...model.Record) {
	if len(recs) == 0 {
		return
	}
	u.mu.Lock()
	u.buf = append(u.buf, recs...)
	u.mu.Unlock()
}

// Len returns the number of buffered records.
func (u *Uploader) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.buf)
}

// Flush delivers every buffered record. The buffer is swapped out at entry,
// so records enqueued during the flush wait for the next one. Hotels go
// before rooms. Each batch is retried on its own; acknowledged batches are
// never resent.
func (u *Uploader) Flush(ctx context.Context, sessionID string) FlushResult {
	u.mu.Lock()
	snapshot := u.buf
	u.buf = nil
	u.mu.Unlock()

	var res FlushResult
	if len(snapshot) == 0 {
		return res
	}

	var hotels, rooms []model.Record
	for _, r := range snapshot {
		switch {
		case r.Hotel != nil:
			hotels = append(hotels, r)
		case r.Room != nil:
			rooms = append(rooms, r)
		}
	}

	failedTasks := make(map[string]struct{})
	for batch := range slices.Chunk(hotels, u.batchSize) {
		u.deliver(ctx, sessionID, "ingest_hotels", batch, &res, failedTasks, func(ctx context.Context) ([]string, error) {
			out := make([]model.HotelOption, len(batch))
			for i, r := range batch {
				out[i] = *r.Hotel
			}
			return u.sink.IngestHotels(ctx, out)
		})
	}
	for batch := range slices.Chunk(rooms, u.batchSize) {
		u.deliver(ctx, sessionID, "ingest_rooms", batch, &res, failedTasks, func(ctx context.Context) ([]string, error) {
			out := make([]model.RoomOption, len(batch))
			for i, r := range batch {
				out[i] = *r.Room
			}
			return u.sink.IngestRooms(ctx, out)
		})
	}

	for id := range failedTasks {
		res.FailedTasks = append(res.FailedTasks, id)
	}
	slices.Sort(res.FailedTasks)

	if res.Failed > 0 {
		zap.L().Warn("upload: flush incomplete",
			zap.String("session_id", sessionID),
			zap.Int("ingested", res.Ingested),
			zap.Int("failed", res.Failed),
			zap.Error(res.LastError),
		)
	}
	return res
}

func (u *Uploader) deliver(
	ctx context.Context,
	sessionID, kind string,
	batch []model.Record,
	res *FlushResult,
	failedTasks map[string]struct{},
	call func(ctx context.Context) ([]string, error),
) {
	subj := resilience.Subject{SessionID: sessionID, Kind: kind, Target: batch[0].Key()}
	refused, out := resilience.Execute(ctx, u.coord, subj, func(ctx context.Context) ([]string, error) {
		failed, err := call(ctx)
		return failed, asDeliveryError(kind, err)
	})

	if !out.Succeeded() {
		res.LastError = out.Err
		for _, r := range batch {
			markFailed(res, failedTasks, r)
		}
		return
	}

	rejected := make(map[string]struct{}, len(refused))
	for _, k := range refused {
		rejected[k] = struct{}{}
	}
	for _, r := range batch {
		if _, bad := rejected[r.Key()]; bad {
			markFailed(res, failedTasks, r)
			continue
		}
		res.Ingested++
		res.AckedKeys = append(res.AckedKeys, r.Key())
	}
	if len(refused) > 0 && res.LastError == nil {
		res.LastError = errors.New("upload: sink refused some records")
	}
}

func markFailed(res *FlushResult, failedTasks map[string]struct{}, r model.Record) {
	res.Failed++
	res.FailedKeys = append(res.FailedKeys, r.Key())
	if r.TaskID != "" {
		failedTasks[r.TaskID] = struct{}{}
	}
}

// asDeliveryError treats unclassified sink failures as transient. Sinks
// that know better (auth, bad request) classify their own errors.
func asDeliveryError(op string, err error) error {
	if err == nil {
		return nil
	}
	var ee *resilience.ExtractError
	if errors.As(err, &ee) {
		return err
	}
	return resilience.Transient(op, err)
}
