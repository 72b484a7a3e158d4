// Package session owns the extraction session state machine: it creates,
// runs, resumes and cancels sessions, sequencing adapter calls through the
// retry coordinator, the normalization pipeline and the batch uploader.
package session

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/sells-group/rate-harvest/internal/extract"
	"github.com/sells-group/rate-harvest/internal/model"
	"github.com/sells-group/rate-harvest/internal/resilience"
	"github.com/sells-group/rate-harvest/internal/store"
	"github.com/sells-group/rate-harvest/internal/upload"
)

var tracer = otel.Tracer("rate-harvest/internal/session")

// Caller-visible errors.
var (
	ErrDuplicateActiveSession = eris.New("session: duplicate active session")
	ErrSessionNotResumable    = eris.New("session: session not resumable")
	ErrSessionNotFound        = eris.New("session: session not found")
	ErrSessionNotRunnable     = eris.New("session: session not runnable")
	ErrSessionNotCancellable  = eris.New("session: session not cancellable")
)

// Config tunes the manager.
type Config struct {
	// MaxRoomHotels bounds how many hotels get a room-rate task.
	MaxRoomHotels int
	// SiteMaxRoomHotels overrides MaxRoomHotels per site.
	SiteMaxRoomHotels map[model.Site]int
	// FlushThreshold is the buffered record count that triggers a flush
	// while tasks are still running.
	FlushThreshold int
	// BatchSize is the number of records per sink call.
	BatchSize int
	// CancelPoll is how often a run checks the store for a cancel request
	// made by another process.
	CancelPoll time.Duration
}

// DefaultConfig returns the manager defaults.
func DefaultConfig() Config {
	return Config{
		MaxRoomHotels:  10,
		FlushThreshold: 200,
		BatchSize:      upload.DefaultBatchSize,
		CancelPoll:     2 * time.Second,
	}
}

// Request asks for one extraction session.
type Request struct {
	TripID  string             `json:"trip_id"`
	Site    model.Site         `json:"site"`
	Search  model.SearchParams `json:"search"`
	Options model.Options      `json:"options"`
}

// TaskCounts tallies tasks by status.
type TaskCounts struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
	Exhausted  int `json:"exhausted"`
}

// Progress is a read-only snapshot of a session.
type Progress struct {
	SessionID string              `json:"session_id"`
	Status    model.SessionStatus `json:"status"`
	Counters  model.Counters      `json:"counters"`
	Tasks     TaskCounts          `json:"tasks"`
	Running   bool                `json:"running"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// Manager is the only writer of session state.
type Manager struct {
	cfg        Config
	store      store.Store
	adapters   *extract.Registry
	coord      *resilience.Coordinator
	siteCoords map[model.Site]*resilience.Coordinator
	sinkCoord  *resilience.Coordinator
	sink       upload.Sink
	registry   Registry
	sched      *Scheduler
	now        func() time.Time

	mu   sync.Mutex
	runs map[string]*run

	bg     sync.WaitGroup
	bgCtx  context.Context
	bgStop context.CancelFunc
}

// Option configures a Manager.
type Option func(*Manager)

// WithRegistry replaces the in-process active-session registry.
func WithRegistry(r Registry) Option {
	return func(m *Manager) { m.registry = r }
}

// WithScheduler replaces the default per-site scheduler.
func WithScheduler(s *Scheduler) Option {
	return func(m *Manager) { m.sched = s }
}

// WithSiteCoordinator uses c for extraction calls against site.
func WithSiteCoordinator(site model.Site, c *resilience.Coordinator) Option {
	return func(m *Manager) { m.siteCoords[site] = c }
}

// WithSinkCoordinator sets the coordinator used for sink delivery.
func WithSinkCoordinator(c *resilience.Coordinator) Option {
	return func(m *Manager) { m.sinkCoord = c }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a session manager.
func New(cfg Config, st store.Store, adapters *extract.Registry, coord *resilience.Coordinator, sink upload.Sink, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.MaxRoomHotels <= 0 {
		cfg.MaxRoomHotels = def.MaxRoomHotels
	}
	if cfg.FlushThreshold <= 0 {
		cfg.FlushThreshold = def.FlushThreshold
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.CancelPoll <= 0 {
		cfg.CancelPoll = def.CancelPoll
	}

	bgCtx, bgStop := context.WithCancel(context.Background())
	m := &Manager{
		cfg:        cfg,
		store:      st,
		adapters:   adapters,
		coord:      coord,
		siteCoords: make(map[model.Site]*resilience.Coordinator),
		sink:       sink,
		registry:   NewMemoryRegistry(),
		sched:      NewScheduler(DefaultSiteLimits(), nil),
		now:        time.Now,
		runs:       make(map[string]*run),
		bgCtx:      bgCtx,
		bgStop:     bgStop,
	}
	for _, o := range opts {
		o(m)
	}
	if m.sinkCoord == nil {
		m.sinkCoord = coord
	}
	return m
}

func (m *Manager) coordFor(site model.Site) *resilience.Coordinator {
	if c, ok := m.siteCoords[site]; ok {
		return c
	}
	return m.coord
}

func (m *Manager) maxRoomHotels(site model.Site) int {
	if n, ok := m.cfg.SiteMaxRoomHotels[site]; ok && n > 0 {
		return n
	}
	return m.cfg.MaxRoomHotels
}

// Create registers a new session and its initial tasks. It fails with
// ErrDuplicateActiveSession when a non-terminal session already exists for
// the same (trip, site, search) fingerprint.
func (m *Manager) Create(ctx context.Context, req Request) (*model.Session, error) {
	if strings.TrimSpace(req.TripID) == "" {
		return nil, eris.New("session: trip_id is required")
	}
	if _, err := m.adapters.Get(req.Site); err != nil {
		return nil, eris.Wrap(err, "session: create")
	}
	if err := req.Search.Validate(); err != nil {
		return nil, eris.Wrap(err, "session: create")
	}

	fp := model.Fingerprint(req.TripID, req.Site, req.Search, req.Options)
	id := uuid.New().String()
	if err := m.claim(ctx, fp, id); err != nil {
		return nil, err
	}

	now := m.now().UTC()
	sess := &model.Session{
		ID:          id,
		TripID:      strings.TrimSpace(req.TripID),
		Site:        req.Site,
		Search:      req.Search,
		Options:     req.Options,
		Fingerprint: fp,
		Status:      model.SessionCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	sess.Tasks = m.initialTasks(sess, now)

	if err := m.store.CreateSession(ctx, sess); err != nil {
		m.release(ctx, fp, id)
		return nil, eris.Wrap(err, "session: create")
	}

	zap.L().Info("session: created",
		zap.String("session_id", id),
		zap.String("trip_id", sess.TripID),
		zap.String("site", string(sess.Site)),
		zap.Int("tasks", len(sess.Tasks)),
	)
	return sess, nil
}

// claim takes the fingerprint in the registry and double-checks durable
// state, which also covers sessions created by other processes.
func (m *Manager) claim(ctx context.Context, fp, id string) error {
	holder, ok, err := m.registry.Acquire(ctx, fp, id)
	if err != nil {
		return err
	}
	if !ok {
		return eris.Wrapf(ErrDuplicateActiveSession, "session %s is active", holder)
	}
	existing, err := m.store.FindActiveSession(ctx, fp)
	if err != nil {
		m.release(ctx, fp, id)
		return eris.Wrap(err, "session: find active")
	}
	if existing != nil && existing.ID != id {
		m.release(ctx, fp, id)
		return eris.Wrapf(ErrDuplicateActiveSession, "session %s is active", existing.ID)
	}
	return nil
}

func (m *Manager) release(ctx context.Context, fp, id string) {
	if err := m.registry.Release(context.WithoutCancel(ctx), fp, id); err != nil {
		zap.L().Warn("session: registry release failed", zap.String("session_id", id), zap.Error(err))
	}
}

// initialTasks is one search task, or one room-rate task per requested
// hotel for a rooms-only session.
func (m *Manager) initialTasks(sess *model.Session, now time.Time) []model.Task {
	if len(sess.Options.HotelIDs) == 0 {
		return []model.Task{{
			SessionID: sess.ID,
			Kind:      model.TaskSearch,
			Status:    model.TaskPending,
			UpdatedAt: now,
		}}
	}

	var ids []string
	for _, id := range sess.Options.HotelIDs {
		id = strings.TrimSpace(id)
		if id != "" && !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	if limit := m.maxRoomHotels(sess.Site); len(ids) > limit {
		zap.L().Warn("session: hotel list truncated",
			zap.String("session_id", sess.ID),
			zap.Int("requested", len(ids)),
			zap.Int("max_room_hotels", limit),
		)
		ids = ids[:limit]
	}
	tasks := make([]model.Task, 0, len(ids))
	for i, id := range ids {
		tasks = append(tasks, model.Task{
			SessionID: sess.ID,
			Kind:      model.TaskRoomRates,
			Target:    id,
			Rank:      i + 1,
			Status:    model.TaskPending,
			UpdatedAt: now,
		})
	}
	return tasks
}

// Run drives a CREATED session to a terminal state and returns it.
func (m *Manager) Run(ctx context.Context, id string) (*model.Session, error) {
	sess, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status != model.SessionCreated {
		return nil, eris.Wrapf(ErrSessionNotRunnable, "session %s is %s", id, sess.Status)
	}
	return m.execute(ctx, sess)
}

// Resume reopens a PARTIAL or FAILED session and re-runs only its pending,
// failed and exhausted tasks. Successful tasks and ingested records are
// left alone.
func (m *Manager) Resume(ctx context.Context, id string) (*model.Session, error) {
	sess, err := m.prepareResume(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.execute(ctx, sess)
}

func (m *Manager) prepareResume(ctx context.Context, id string) (*model.Session, error) {
	sess, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sess.Status.IsResumable() {
		return nil, eris.Wrapf(ErrSessionNotResumable, "session %s is %s", id, sess.Status)
	}
	if m.active(id) != nil {
		return nil, eris.Wrapf(ErrSessionNotResumable, "session %s is already running", id)
	}
	if err := m.claim(ctx, sess.Fingerprint, id); err != nil {
		return nil, err
	}

	now := m.now().UTC()
	var requeued []model.Task
	for i := range sess.Tasks {
		t := &sess.Tasks[i]
		if !t.Status.NeedsRerun() {
			continue
		}
		t.Status = model.TaskPending
		t.Attempts = 0
		t.Seq = 0
		t.UpdatedAt = now
		requeued = append(requeued, *t)
	}
	if err := m.store.SaveTasks(ctx, requeued); err != nil {
		m.release(ctx, sess.Fingerprint, id)
		return nil, eris.Wrap(err, "session: requeue tasks")
	}
	if sess.Cancelled {
		if err := m.store.SetCancelled(ctx, id, false); err != nil {
			m.release(ctx, sess.Fingerprint, id)
			return nil, eris.Wrap(err, "session: clear cancel")
		}
		sess.Cancelled = false
	}
	sess.ArchivedAt = nil

	zap.L().Info("session: resuming",
		zap.String("session_id", id),
		zap.String("from", string(sess.Status)),
		zap.Int("requeued", len(requeued)),
	)
	return sess, nil
}

// Start runs (or resumes) a session in the background and returns at once.
// The run is bound to the manager's lifetime, not to ctx.
func (m *Manager) Start(ctx context.Context, id string, resume bool) (*model.Session, error) {
	var sess *model.Session
	var err error
	if resume {
		sess, err = m.prepareResume(ctx, id)
	} else {
		sess, err = m.Get(ctx, id)
		if err == nil && sess.Status != model.SessionCreated {
			err = eris.Wrapf(ErrSessionNotRunnable, "session %s is %s", id, sess.Status)
		}
	}
	if err != nil {
		return nil, err
	}

	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		if _, err := m.execute(m.bgCtx, sess); err != nil {
			zap.L().Error("session: background run failed", zap.String("session_id", id), zap.Error(err))
		}
	}()
	return sess, nil
}

// Shutdown interrupts background runs and waits for them to persist their
// state, or for ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.bgStop()
	done := make(chan struct{})
	go func() {
		m.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "session: shutdown")
	}
}

// Cancel stops scheduling new tasks for a session. In-flight tasks finish
// on their own and the session ends PARTIAL. A session that never started
// ends FAILED with every task still pending, so it can be resumed.
func (m *Manager) Cancel(ctx context.Context, id string) (*model.Session, error) {
	sess, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status.IsTerminal() {
		return nil, eris.Wrapf(ErrSessionNotCancellable, "session %s is %s", id, sess.Status)
	}

	if err := m.store.SetCancelled(ctx, id, true); err != nil {
		return nil, eris.Wrap(err, "session: cancel")
	}
	sess.Cancelled = true
	if r := m.active(id); r != nil {
		r.cancelled.Store(true)
	}

	if sess.Status == model.SessionCreated {
		failed, err := m.failUnstarted(ctx, sess)
		if err != nil {
			return nil, err
		}
		if failed {
			m.release(ctx, sess.Fingerprint, id)
		}
	}

	zap.L().Info("session: cancel requested", zap.String("session_id", id), zap.String("status", string(sess.Status)))
	return sess, nil
}

// failUnstarted moves a CREATED session straight to FAILED unless a run
// registered it first. A run that wins picks up the cancel flag instead.
func (m *Manager) failUnstarted(ctx context.Context, sess *model.Session) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[sess.ID]; ok {
		return false, nil
	}
	next := *sess
	next.Status = model.SessionFailed
	err := m.store.TransitionSession(ctx, &next, model.SessionCreated)
	if errors.Is(err, store.ErrStaleStatus) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrap(err, "session: cancel")
	}
	sess.Status = next.Status
	sess.UpdatedAt = next.UpdatedAt
	return true, nil
}

// Progress returns counters and task tallies without waiting on in-flight
// work.
func (m *Manager) Progress(ctx context.Context, id string) (*Progress, error) {
	if r := m.active(id); r != nil {
		snap := r.snapshot()
		return progressOf(&snap, true), nil
	}
	sess, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return progressOf(sess, false), nil
}

func progressOf(sess *model.Session, running bool) *Progress {
	p := &Progress{
		SessionID: sess.ID,
		Status:    sess.Status,
		Counters:  sess.Counters,
		Running:   running,
		UpdatedAt: sess.UpdatedAt,
	}
	for _, t := range sess.Tasks {
		switch t.Status {
		case model.TaskPending:
			p.Tasks.Pending++
		case model.TaskInProgress:
			p.Tasks.InProgress++
		case model.TaskSucceeded:
			p.Tasks.Succeeded++
		case model.TaskFailed:
			p.Tasks.Failed++
		case model.TaskExhausted:
			p.Tasks.Exhausted++
		}
	}
	return p
}

// Get loads a session with its tasks.
func (m *Manager) Get(ctx context.Context, id string) (*model.Session, error) {
	sess, err := m.store.GetSession(ctx, id)
	if eris.Is(err, store.ErrNotFound) {
		return nil, eris.Wrapf(ErrSessionNotFound, "session %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "session: get")
	}
	return sess, nil
}

// List returns sessions matching filter, newest first.
func (m *Manager) List(ctx context.Context, filter store.SessionFilter) ([]model.Session, error) {
	sessions, err := m.store.ListSessions(ctx, filter)
	return sessions, eris.Wrap(err, "session: list")
}

// Errors returns the record-level errors of a session.
func (m *Manager) Errors(ctx context.Context, id string, limit int) ([]model.RecordError, error) {
	errs, err := m.store.ListRecordErrors(ctx, id, limit)
	return errs, eris.Wrap(err, "session: list record errors")
}

// Recover closes out sessions left RUNNING by a process that died: their
// in-progress tasks become failed and the session ends PARTIAL, or FAILED
// when nothing had succeeded. CREATED sessions are re-registered as active.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	running, err := m.store.ListSessions(ctx, store.SessionFilter{Status: model.SessionRunning, Limit: 1000})
	if err != nil {
		return 0, eris.Wrap(err, "session: recover list")
	}

	recovered := 0
	for _, s := range running {
		if m.active(s.ID) != nil {
			continue
		}
		sess, err := m.Get(ctx, s.ID)
		if err != nil {
			return recovered, err
		}
		now := m.now().UTC()
		var interrupted []model.Task
		for i := range sess.Tasks {
			t := &sess.Tasks[i]
			if t.Status != model.TaskInProgress {
				continue
			}
			t.Status = model.TaskFailed
			t.LastError = "interrupted"
			t.UpdatedAt = now
			interrupted = append(interrupted, *t)
		}
		if err := m.store.SaveTasks(ctx, interrupted); err != nil {
			return recovered, eris.Wrapf(err, "session: recover tasks %s", sess.ID)
		}
		sess.Status = finalStatus(sess.Tasks, false)
		if sess.Status == model.SessionCompleted {
			// Every task had finished; only the final flush was lost.
			sess.Status = model.SessionPartial
		}
		if err := m.store.SaveSession(ctx, sess); err != nil {
			return recovered, eris.Wrapf(err, "session: recover %s", sess.ID)
		}
		m.release(ctx, sess.Fingerprint, sess.ID)
		recovered++
		zap.L().Warn("session: recovered interrupted session",
			zap.String("session_id", sess.ID),
			zap.String("status", string(sess.Status)),
			zap.Int("interrupted_tasks", len(interrupted)),
		)
	}

	created, err := m.store.ListSessions(ctx, store.SessionFilter{Status: model.SessionCreated, Limit: 1000})
	if err != nil {
		return recovered, eris.Wrap(err, "session: recover list created")
	}
	for _, s := range created {
		if _, _, err := m.registry.Acquire(ctx, s.Fingerprint, s.ID); err != nil {
			return recovered, err
		}
	}
	return recovered, nil
}

func (m *Manager) active(id string) *run {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[id]
}
