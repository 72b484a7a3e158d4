package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/rate-harvest/internal/extract"
	"github.com/sells-group/rate-harvest/internal/model"
	"github.com/sells-group/rate-harvest/internal/session"
	"github.com/sells-group/rate-harvest/internal/store"
)

// sessionService is the part of session.Manager the HTTP surface drives.
type sessionService interface {
	Create(ctx context.Context, req session.Request) (*model.Session, error)
	Run(ctx context.Context, id string) (*model.Session, error)
	Resume(ctx context.Context, id string) (*model.Session, error)
	Start(ctx context.Context, id string, resume bool) (*model.Session, error)
	Cancel(ctx context.Context, id string) (*model.Session, error)
	Get(ctx context.Context, id string) (*model.Session, error)
	Progress(ctx context.Context, id string) (*session.Progress, error)
	List(ctx context.Context, filter store.SessionFilter) ([]model.Session, error)
	Errors(ctx context.Context, id string, limit int) ([]model.RecordError, error)
}

// api serves extraction requests and session inspection over HTTP.
type api struct {
	sessions sessionService
	// ping checks the store for /health; nil skips the check.
	ping func(ctx context.Context) error
	// circuits reports per-site breaker states for /health; may be nil.
	circuits func() map[string]string
}

// extractBody is the JSON body of POST /v1/extract/{hotels,rooms}. Dates
// are YYYY-MM-DD.
type extractBody struct {
	TripID      string          `json:"trip_id"`
	Site        string          `json:"site"`
	Destination string          `json:"destination"`
	CheckIn     string          `json:"check_in"`
	CheckOut    string          `json:"check_out"`
	Origin      string          `json:"origin,omitempty"`
	Occupancy   model.Occupancy `json:"occupancy"`
	Options     model.Options   `json:"options"`
}

// toRequest validates the body. roomsOnly requires hotel ids; a hotel
// search must not carry them.
func (b extractBody) toRequest(roomsOnly bool) (session.Request, error) {
	var req session.Request
	if strings.TrimSpace(b.TripID) == "" {
		return req, eris.New("trip_id is required")
	}
	site, err := model.ParseSite(b.Site)
	if err != nil {
		return req, err
	}
	checkIn, err := time.Parse(dateLayout, b.CheckIn)
	if err != nil {
		return req, eris.New("check_in must be YYYY-MM-DD")
	}
	checkOut, err := time.Parse(dateLayout, b.CheckOut)
	if err != nil {
		return req, eris.New("check_out must be YYYY-MM-DD")
	}

	req = session.Request{
		TripID: b.TripID,
		Site:   site,
		Search: model.SearchParams{
			Destination: b.Destination,
			CheckIn:     checkIn,
			CheckOut:    checkOut,
			Occupancy:   b.Occupancy,
			Origin:      b.Origin,
		},
		Options: b.Options,
	}
	if req.Search.Occupancy.Adults == 0 {
		req.Search.Occupancy.Adults = 2
	}
	if err := req.Search.Validate(); err != nil {
		return req, err
	}

	switch {
	case roomsOnly && len(b.Options.HotelIDs) == 0:
		return req, eris.New("options.hotel_ids is required")
	case !roomsOnly && len(b.Options.HotelIDs) > 0:
		return req, eris.New("options.hotel_ids is only valid for room extraction")
	}
	return req, nil
}

// newRouter builds the chi router with CORS, request ids, recovery and
// request logging.
func newRouter(a *api, corsOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", a.health)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/extract/hotels", a.extract(false))
		r.Post("/extract/rooms", a.extract(true))

		r.Get("/sessions", a.listSessions)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", a.getSession)
			r.Get("/progress", a.progress)
			r.Get("/errors", a.recordErrors)
			r.Post("/resume", a.resume)
			r.Post("/cancel", a.cancel)
		})
	})
	return r
}

// requestLogger logs method, path, status and duration per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Info("http request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	status := http.StatusOK
	if a.ping != nil {
		if err := a.ping(r.Context()); err != nil {
			body["status"] = "degraded"
			body["store"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	if a.circuits != nil {
		body["circuits"] = a.circuits()
	}
	writeJSON(w, status, body)
}

func (a *api) extract(roomsOnly bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body extractBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		req, err := body.toRequest(roomsOnly)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		sess, err := a.sessions.Create(r.Context(), req)
		if err != nil {
			writeSessionError(w, err)
			return
		}

		if isAsync(r) {
			sess, err = a.sessions.Start(r.Context(), sess.ID, false)
			if err != nil {
				writeSessionError(w, err)
				return
			}
			writeJSON(w, http.StatusAccepted, sess)
			return
		}

		final, err := a.sessions.Run(r.Context(), sess.ID)
		if err != nil {
			writeSessionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, final)
	}
}

func (a *api) listSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.SessionFilter{
		Status:     model.SessionStatus(q.Get("status")),
		TripID:     q.Get("trip_id"),
		ActiveOnly: q.Get("active") == "true",
		Limit:      queryInt(r, "limit", 50),
		Offset:     queryInt(r, "offset", 0),
	}
	if s := q.Get("site"); s != "" {
		site, err := model.ParseSite(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Site = site
	}

	sessions, err := a.sessions.List(r.Context(), filter)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	if sessions == nil {
		sessions = []model.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (a *api) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := a.sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (a *api) progress(w http.ResponseWriter, r *http.Request) {
	p, err := a.sessions.Progress(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *api) recordErrors(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := a.sessions.Get(r.Context(), id); err != nil {
		writeSessionError(w, err)
		return
	}
	errs, err := a.sessions.Errors(r.Context(), id, queryInt(r, "limit", 100))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	if errs == nil {
		errs = []model.RecordError{}
	}
	writeJSON(w, http.StatusOK, errs)
}

func (a *api) resume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if isAsync(r) {
		sess, err := a.sessions.Start(r.Context(), id, true)
		if err != nil {
			writeSessionError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, sess)
		return
	}
	sess, err := a.sessions.Resume(r.Context(), id)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (a *api) cancel(w http.ResponseWriter, r *http.Request) {
	sess, err := a.sessions.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sess)
}

func isAsync(r *http.Request) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get("async"))
	return v
}

func queryInt(r *http.Request, name string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v < 0 {
		return def
	}
	return v
}

// statusFor maps session errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrDuplicateActiveSession),
		errors.Is(err, session.ErrSessionNotResumable),
		errors.Is(err, session.ErrSessionNotRunnable),
		errors.Is(err, session.ErrSessionNotCancellable):
		return http.StatusConflict
	case errors.Is(err, extract.ErrNoAdapter):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeSessionError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		zap.L().Error("http: request failed", zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
