package session

import (
	"cmp"
	"context"
	"errors"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/rate-harvest/internal/extract"
	"github.com/sells-group/rate-harvest/internal/model"
	"github.com/sells-group/rate-harvest/internal/normalize"
	"github.com/sells-group/rate-harvest/internal/resilience"
	"github.com/sells-group/rate-harvest/internal/store"
	"github.com/sells-group/rate-harvest/internal/upload"
)

// CodeDeliveryFailed marks records the sink never acknowledged.
const CodeDeliveryFailed = "delivery_failed"

// run is the in-process state of one executing session.
type run struct {
	id        string
	cancelled atomic.Bool

	mu   sync.Mutex
	sess model.Session

	// Owned by the writer goroutine, then by execute after the writer exits.
	seq            int
	up             *upload.Uploader
	pipe           *normalize.Pipeline
	deliveryFailed bool
}

// taskEvent is a task state change sent to the writer.
type taskEvent struct {
	task     model.Task
	started  bool
	records  []model.Record
	rejected []normalize.Rejection
	hotels   []model.HotelOption
	attempts int
	// reply receives the room-rate tasks planned from a search result.
	reply chan []model.Task
}

func (r *run) snapshot() model.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sess
	s.Tasks = slices.Clone(r.sess.Tasks)
	return s
}

func (r *run) setTask(t model.Task) {
	for i := range r.sess.Tasks {
		if r.sess.Tasks[i].ID == t.ID {
			r.sess.Tasks[i] = t
			return
		}
	}
	r.sess.Tasks = append(r.sess.Tasks, t)
}

func (r *run) pending(kind model.TaskKind) []model.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Task
	for _, t := range r.sess.Tasks {
		if t.Kind == kind && t.Status == model.TaskPending {
			out = append(out, t)
		}
	}
	return out
}

func (r *run) stopped(ctx context.Context) bool {
	return r.cancelled.Load() || ctx.Err() != nil
}

// register moves sess to RUNNING and tracks it. The store update only
// applies while the stored status still matches sess, so a cancel that
// landed after sess was read wins.
func (m *Manager) register(ctx context.Context, sess *model.Session) (*run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[sess.ID]; ok {
		return nil, eris.Wrapf(ErrSessionNotRunnable, "session %s is already running", sess.ID)
	}
	if !sess.Status.CanTransition(model.SessionRunning) {
		return nil, eris.Wrapf(ErrSessionNotRunnable, "session %s is %s", sess.ID, sess.Status)
	}
	r := &run{id: sess.ID, sess: *sess}
	r.sess.Tasks = slices.Clone(sess.Tasks)
	r.sess.Status = model.SessionRunning
	r.sess.ArchivedAt = nil
	for _, t := range sess.Tasks {
		r.seq = max(r.seq, t.Seq)
	}
	if err := m.transition(ctx, r, sess.Status); err != nil {
		if errors.Is(err, store.ErrStaleStatus) {
			return nil, eris.Wrapf(ErrSessionNotRunnable, "session %s: %v", sess.ID, err)
		}
		return nil, err
	}
	m.runs[sess.ID] = r
	return r, nil
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, id)
}

// execute drives sess from its current state to a terminal one. Task
// outcomes are persisted as they complete, so a crash loses at most the
// in-flight tasks.
func (m *Manager) execute(ctx context.Context, sess *model.Session) (*model.Session, error) {
	ctx, span := tracer.Start(ctx, "session.run", trace.WithAttributes(
		attribute.String("session.id", sess.ID),
		attribute.String("session.site", string(sess.Site)),
		attribute.String("session.trip_id", sess.TripID),
	))
	defer span.End()

	log := zap.L().With(zap.String("session_id", sess.ID), zap.String("site", string(sess.Site)))
	persistCtx := context.WithoutCancel(ctx)

	adapter, err := m.adapters.Get(sess.Site)
	if err != nil {
		m.release(ctx, sess.Fingerprint, sess.ID)
		return nil, eris.Wrap(err, "session: run")
	}

	r, err := m.register(persistCtx, sess)
	if err != nil {
		if !errors.Is(err, ErrSessionNotRunnable) {
			m.release(ctx, sess.Fingerprint, sess.ID)
		}
		return nil, err
	}
	defer m.forget(sess.ID)

	if cancelled, err := m.store.IsCancelled(ctx, sess.ID); err == nil && cancelled {
		r.cancelled.Store(true)
	}

	keys, hotelsSeen, err := m.store.SeenKeys(ctx, sess.ID)
	if err != nil {
		return m.abort(persistCtx, r, eris.Wrap(err, "session: seen keys"))
	}
	r.pipe = normalize.New(sess.Search, sess.Options, keys, hotelsSeen)
	r.up = upload.New(m.sink, m.sinkCoord, m.cfg.BatchSize)
	outbox, err := m.store.PendingRecords(ctx, sess.ID)
	if err != nil {
		return m.abort(persistCtx, r, eris.Wrap(err, "session: pending records"))
	}
	r.up.Enqueue(outbox...)

	log.Info("session: running",
		zap.Int("tasks", len(sess.Tasks)),
		zap.Int("seen_records", len(keys)),
		zap.Int("outbox", len(outbox)),
	)

	watchCtx, stopWatch := context.WithCancel(ctx)
	go m.watch(watchCtx, r)

	events := make(chan taskEvent)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for ev := range events {
			m.apply(persistCtx, r, ev)
		}
	}()

	for _, t := range r.pending(model.TaskSearch) {
		m.runTask(ctx, r, adapter, t, events)
	}

	var g errgroup.Group
	for _, t := range r.pending(model.TaskRoomRates) {
		g.Go(func() error {
			m.runTask(ctx, r, adapter, t, events)
			return nil
		})
	}
	_ = g.Wait()

	close(events)
	<-writerDone
	stopWatch()

	if ctx.Err() != nil {
		// Records stay in the outbox for the next resume.
		r.deliveryFailed = r.deliveryFailed || r.up.Len() > 0
	} else {
		m.flush(persistCtx, r)
	}

	final := m.finish(persistCtx, r)
	if final.Status == model.SessionFailed {
		span.SetStatus(codes.Error, "no task succeeded")
	}
	span.SetAttributes(
		attribute.String("session.status", string(final.Status)),
		attribute.Int("session.hotels_found", final.Counters.HotelsFound),
		attribute.Int("session.rooms_extracted", final.Counters.RoomsExtracted),
	)
	log.Info("session: finished",
		zap.String("status", string(final.Status)),
		zap.Int("hotels_found", final.Counters.HotelsFound),
		zap.Int("rooms_extracted", final.Counters.RoomsExtracted),
		zap.Int("attempts", final.Counters.Attempts),
		zap.Int("errors", final.Counters.Errors),
		zap.Bool("cancelled", r.cancelled.Load()),
	)
	return &final, nil
}

// abort ends a run that could not start its tasks.
func (m *Manager) abort(ctx context.Context, r *run, cause error) (*model.Session, error) {
	r.mu.Lock()
	r.sess.Status = finalStatus(r.sess.Tasks, true)
	r.mu.Unlock()
	if err := m.transition(ctx, r, model.SessionRunning); err != nil {
		zap.L().Error("session: save after abort failed", zap.String("session_id", r.id), zap.Error(err))
	}
	m.release(ctx, r.sess.Fingerprint, r.id)
	return nil, cause
}

// watch picks up cancel requests made by other processes and keeps the
// registry claim alive.
func (m *Manager) watch(ctx context.Context, r *run) {
	ticker := time.NewTicker(m.cfg.CancelPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if cancelled, err := m.store.IsCancelled(ctx, r.id); err == nil && cancelled {
			r.cancelled.Store(true)
		}
		if err := m.registry.Refresh(ctx, r.sess.Fingerprint, r.id); err != nil {
			zap.L().Warn("session: registry refresh failed", zap.String("session_id", r.id), zap.Error(err))
		}
	}
}

// runTask executes one task through the scheduler, the retry coordinator
// and the pipeline, and reports the outcome to the writer. A task that
// cannot start because the session was cancelled stays pending.
func (m *Manager) runTask(ctx context.Context, r *run, adapter extract.Adapter, t model.Task, events chan<- taskEvent) {
	site := r.sess.Site
	if r.stopped(ctx) {
		return
	}
	release, err := m.sched.Acquire(ctx, site)
	if err != nil {
		return
	}
	defer release()
	if r.stopped(ctx) {
		return
	}

	ctx, span := tracer.Start(ctx, "session.task", trace.WithAttributes(
		attribute.String("task.id", t.ID),
		attribute.String("task.kind", string(t.Kind)),
		attribute.String("task.target", t.Target),
	))
	defer span.End()

	t.Status = model.TaskInProgress
	t.UpdatedAt = m.now().UTC()
	events <- taskEvent{task: t, started: true}

	subj := resilience.Subject{SessionID: r.id, TaskID: t.ID, Site: site, Kind: string(t.Kind), Target: t.Target}
	coord := m.coordFor(site)
	params := r.sess.Search

	var ev taskEvent
	var out resilience.Outcome
	switch t.Kind {
	case model.TaskSearch:
		var partial []extract.RawHotel
		var raws []extract.RawHotel
		raws, out = resilience.Execute(ctx, coord, subj, func(ctx context.Context) ([]extract.RawHotel, error) {
			if err := m.sched.Pace(ctx, site); err != nil {
				return nil, err
			}
			items, err := extract.Collect(adapter.Search(ctx, params))
			m.sched.Observe(site, resilience.Classify(err))
			partial = items
			return items, err
		})
		if !out.Succeeded() {
			raws = partial
		}
		res := r.pipe.Hotels(raws)
		ev.hotels = res.Hotels
		ev.rejected = res.Rejected
		for _, h := range res.Hotels {
			ev.records = append(ev.records, model.HotelRecord(t.ID, h))
		}
		ev.reply = make(chan []model.Task, 1)

	case model.TaskRoomRates:
		var partial []extract.RawRoom
		var raws []extract.RawRoom
		raws, out = resilience.Execute(ctx, coord, subj, func(ctx context.Context) ([]extract.RawRoom, error) {
			if err := m.sched.Pace(ctx, site); err != nil {
				return nil, err
			}
			items, err := extract.Collect(adapter.RoomRates(ctx, t.Target, params))
			m.sched.Observe(site, resilience.Classify(err))
			partial = items
			return items, err
		})
		if !out.Succeeded() {
			raws = partial
		}
		res := r.pipe.Rooms(t.Target, raws)
		ev.rejected = res.Rejected
		for _, room := range res.Rooms {
			ev.records = append(ev.records, model.RoomRecord(t.ID, room))
		}
	}

	t.Attempts = out.Attempts
	t.LastClass = string(out.Class)
	t.LastError = ""
	switch {
	case out.Succeeded():
		t.Status = model.TaskSucceeded
	case out.Interrupted || ctx.Err() != nil:
		t.Status = model.TaskFailed
		t.LastError = out.Err.Error()
	default:
		t.Status = model.TaskExhausted
		t.LastError = out.Err.Error()
	}
	if out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, string(out.Class))
	}

	ev.task = t
	ev.attempts = out.Attempts
	events <- ev

	if ev.reply == nil {
		return
	}
	planned := <-ev.reply
	if len(planned) > 0 {
		zap.L().Info("session: room-rate tasks planned",
			zap.String("session_id", r.id),
			zap.Int("tasks", len(planned)),
		)
	}
}

// apply is the single writer: every task state change passes through it in
// completion order.
func (m *Manager) apply(ctx context.Context, r *run, ev taskEvent) {
	log := zap.L().With(zap.String("session_id", r.id), zap.String("task_id", ev.task.ID))

	if ev.started {
		r.mu.Lock()
		r.setTask(ev.task)
		r.mu.Unlock()
		if err := m.store.SaveTasks(ctx, []model.Task{ev.task}); err != nil {
			log.Warn("session: persist task start failed", zap.Error(err))
		}
		return
	}

	r.seq++
	t := ev.task
	t.Seq = r.seq
	t.UpdatedAt = m.now().UTC()

	recErrs := make([]model.RecordError, 0, len(ev.rejected))
	for _, rej := range ev.rejected {
		recErrs = append(recErrs, model.RecordError{
			SessionID: r.id,
			TaskID:    t.ID,
			Site:      r.sess.Site,
			RecordKey: rej.Key,
			Code:      rej.Code,
			Message:   rej.Err.Error(),
			Raw:       rej.Raw,
		})
	}

	r.mu.Lock()
	r.setTask(t)
	c := &r.sess.Counters
	c.Attempts += ev.attempts
	c.Errors += len(ev.rejected)
	if t.Status != model.TaskSucceeded {
		c.Errors++
	}
	if t.Kind == model.TaskSearch {
		c.HotelsFound += len(ev.hotels)
	} else {
		c.RoomsExtracted += len(ev.records)
	}
	r.mu.Unlock()

	// Outbox first: a crash after this point re-runs the task, and the
	// pipeline's seen keys drop the duplicates.
	if err := m.store.EnqueueRecords(ctx, r.id, ev.records); err != nil {
		log.Error("session: persist records failed", zap.Error(err))
	}
	if err := m.store.InsertRecordErrors(ctx, recErrs); err != nil {
		log.Error("session: persist record errors failed", zap.Error(err))
	}
	if err := m.store.SaveTasks(ctx, []model.Task{t}); err != nil {
		log.Error("session: persist task failed", zap.Error(err))
	}
	if err := m.saveSession(ctx, r); err != nil {
		log.Error("session: persist counters failed", zap.Error(err))
	}

	log.Debug("session: task finished",
		zap.String("kind", string(t.Kind)),
		zap.String("status", string(t.Status)),
		zap.Int("attempts", t.Attempts),
		zap.Int("records", len(ev.records)),
		zap.Int("rejected", len(ev.rejected)),
	)

	r.up.Enqueue(ev.records...)
	if r.up.Len() >= m.cfg.FlushThreshold {
		m.flush(ctx, r)
	}

	if ev.reply != nil {
		ev.reply <- m.planRooms(ctx, r, ev.hotels)
	}
}

// planRooms creates room-rate tasks for the best-ranked available hotels
// of a search, up to the site's room-hotel budget.
func (m *Manager) planRooms(ctx context.Context, r *run, hotels []model.HotelOption) []model.Task {
	opts := r.sess.Options
	if !opts.FetchRooms || len(opts.HotelIDs) > 0 || len(hotels) == 0 {
		return nil
	}

	r.mu.Lock()
	targets := make(map[string]struct{})
	for _, t := range r.sess.Tasks {
		if t.Kind == model.TaskRoomRates {
			targets[t.Target] = struct{}{}
		}
	}
	r.mu.Unlock()

	budget := m.maxRoomHotels(r.sess.Site) - len(targets)
	if budget <= 0 {
		return nil
	}

	ranked := slices.Clone(hotels)
	slices.SortStableFunc(ranked, func(a, b model.HotelOption) int {
		return cmp.Compare(rankOrder(a.Rank), rankOrder(b.Rank))
	})

	now := m.now().UTC()
	var planned []model.Task
	for _, h := range ranked {
		if len(planned) >= budget {
			break
		}
		if !h.Available {
			continue
		}
		if _, ok := targets[h.SiteID]; ok {
			continue
		}
		targets[h.SiteID] = struct{}{}
		planned = append(planned, model.Task{
			SessionID: r.id,
			Kind:      model.TaskRoomRates,
			Target:    h.SiteID,
			Rank:      h.Rank,
			Status:    model.TaskPending,
			UpdatedAt: now,
		})
	}
	if len(planned) == 0 {
		return nil
	}

	if err := m.store.SaveTasks(ctx, planned); err != nil {
		zap.L().Error("session: persist room tasks failed", zap.String("session_id", r.id), zap.Error(err))
		return nil
	}
	r.mu.Lock()
	r.sess.Tasks = append(r.sess.Tasks, planned...)
	r.mu.Unlock()
	return planned
}

// rankOrder sorts unranked (0) hotels last.
func rankOrder(rank int) int {
	if rank <= 0 {
		return math.MaxInt
	}
	return rank
}

// flush delivers buffered records. Acknowledged records leave the outbox;
// undelivered ones stay there and their tasks are marked failed so resume
// picks them up.
func (m *Manager) flush(ctx context.Context, r *run) {
	res := r.up.Flush(ctx, r.id)

	if len(res.AckedKeys) > 0 {
		if err := m.store.MarkIngested(ctx, r.id, res.AckedKeys); err != nil {
			// The sink is idempotent, so a resume may safely resend these.
			r.deliveryFailed = true
			zap.L().Error("session: mark ingested failed", zap.String("session_id", r.id), zap.Error(err))
		}
	}
	if res.OK() {
		return
	}
	r.deliveryFailed = true

	msg := "sink delivery failed"
	if res.LastError != nil {
		msg = res.LastError.Error()
	}
	recErrs := make([]model.RecordError, 0, len(res.FailedKeys))
	for _, k := range res.FailedKeys {
		recErrs = append(recErrs, model.RecordError{
			SessionID: r.id,
			Site:      r.sess.Site,
			RecordKey: k,
			Code:      CodeDeliveryFailed,
			Message:   msg,
		})
	}
	if err := m.store.InsertRecordErrors(ctx, recErrs); err != nil {
		zap.L().Error("session: persist delivery errors failed", zap.String("session_id", r.id), zap.Error(err))
	}

	now := m.now().UTC()
	var changed []model.Task
	r.mu.Lock()
	r.sess.Counters.Errors += res.Failed
	for i := range r.sess.Tasks {
		t := &r.sess.Tasks[i]
		if t.Status == model.TaskSucceeded && slices.Contains(res.FailedTasks, t.ID) {
			t.Status = model.TaskFailed
			t.LastError = "delivery: " + msg
			t.UpdatedAt = now
			changed = append(changed, *t)
		}
	}
	r.mu.Unlock()

	if err := m.store.SaveTasks(ctx, changed); err != nil {
		zap.L().Error("session: persist failed tasks", zap.String("session_id", r.id), zap.Error(err))
	}
	if err := m.saveSession(ctx, r); err != nil {
		zap.L().Error("session: persist counters failed", zap.String("session_id", r.id), zap.Error(err))
	}
}

// finish decides the terminal status, archives the session when nothing is
// left to deliver, and releases its registry claim.
func (m *Manager) finish(ctx context.Context, r *run) model.Session {
	r.mu.Lock()
	r.sess.Status = finalStatus(r.sess.Tasks, r.cancelled.Load())
	r.sess.Cancelled = r.cancelled.Load()
	if !r.deliveryFailed {
		now := m.now().UTC()
		r.sess.ArchivedAt = &now
	}
	r.mu.Unlock()

	if err := m.transition(ctx, r, model.SessionRunning); err != nil {
		zap.L().Error("session: persist final status failed", zap.String("session_id", r.id), zap.Error(err))
	}
	m.release(ctx, r.sess.Fingerprint, r.id)
	return r.snapshot()
}

func (m *Manager) saveSession(ctx context.Context, r *run) error {
	snap := r.snapshot()
	if err := m.store.SaveSession(ctx, &snap); err != nil {
		return eris.Wrapf(err, "session: save %s", r.id)
	}
	r.mu.Lock()
	r.sess.UpdatedAt = snap.UpdatedAt
	r.mu.Unlock()
	return nil
}

// transition persists r like saveSession, only while the stored status is
// still from.
func (m *Manager) transition(ctx context.Context, r *run, from model.SessionStatus) error {
	snap := r.snapshot()
	if err := m.store.TransitionSession(ctx, &snap, from); err != nil {
		return eris.Wrapf(err, "session: %s to %s", from, snap.Status)
	}
	r.mu.Lock()
	r.sess.UpdatedAt = snap.UpdatedAt
	r.mu.Unlock()
	return nil
}

// finalStatus is COMPLETED when every task succeeded, PARTIAL when some did
// or the run was cancelled, FAILED otherwise.
func finalStatus(tasks []model.Task, cancelled bool) model.SessionStatus {
	var ok, notOK int
	for _, t := range tasks {
		if t.Status == model.TaskSucceeded {
			ok++
		} else {
			notOK++
		}
	}
	switch {
	case ok > 0 && notOK == 0:
		return model.SessionCompleted
	case cancelled, ok > 0:
		return model.SessionPartial
	default:
		return model.SessionFailed
	}
}
