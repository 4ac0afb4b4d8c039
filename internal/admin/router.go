package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"habitbot/internal/habit"
	"habitbot/internal/metrics"
	"habitbot/internal/notification"
	logx "habitbot/pkg/logx"
)

// HabitService is the habit write path.
type HabitService interface {
	Get(ctx context.Context, id habit.ID) (habit.Habit, error)
	Create(ctx context.Context, d habit.Draft) (habit.Habit, error)
	Update(ctx context.Context, id habit.ID, p habit.Patch) (habit.Habit, error)
	SetActive(ctx context.Context, id habit.ID, active bool) (habit.Habit, error)
	Delete(ctx context.Context, id habit.ID) error
}

// RecordStore is the read side of notification state.
type RecordStore interface {
	ListDead(ctx context.Context, limit int) ([]notification.Record, error)
	ListByHabit(ctx context.Context, id habit.ID, limit int) ([]notification.Record, error)
	Ping(ctx context.Context) error
}

type Deps struct {
	Habits   HabitService
	Records  RecordStore
	Gatherer prometheus.Gatherer
	// Status, if set, is embedded in /healthz.
	Status func() any
	// Pprof mounts net/http/pprof under /debug.
	Pprof bool
	Log   logx.Logger
}

type api struct {
	Deps
}

// NewRouter builds the admin handler.
func NewRouter(d Deps) http.Handler {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	a := &api{Deps: d}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", a.health)
	if d.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(d.Gatherer))
	}
	if d.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	r.Route("/v1", func(r chi.Router) {
		r.Get("/notifications/dead", a.listDead)
		r.Route("/habits", func(r chi.Router) {
			r.Post("/", a.createHabit)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", a.getHabit)
				r.Patch("/", a.patchHabit)
				r.Delete("/", a.deleteHabit)
				r.Get("/notifications", a.listByHabit)
			})
		})
	})
	return r
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	body := map[string]any{"status": "ok"}
	code := http.StatusOK
	if a.Records != nil {
		if err := a.Records.Ping(ctx); err != nil {
			body["status"] = "degraded"
			body["storage"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	if a.Status != nil {
		body["runtime"] = a.Status()
	}
	writeJSON(w, code, body)
}

func (a *api) listDead(w http.ResponseWriter, r *http.Request) {
	recs, err := a.Records.ListDead(r.Context(), queryLimit(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recordsJSON(recs))
}

func (a *api) listByHabit(w http.ResponseWriter, r *http.Request) {
	id, ok := habitID(w, r)
	if !ok {
		return
	}
	recs, err := a.Records.ListByHabit(r.Context(), id, queryLimit(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recordsJSON(recs))
}

func (a *api) getHabit(w http.ResponseWriter, r *http.Request) {
	id, ok := habitID(w, r)
	if !ok {
		return
	}
	h, err := a.Habits.Get(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, habitJSON(h))
}

func (a *api) createHabit(w http.ResponseWriter, r *http.Request) {
	var req habitRequest
	if !decode(w, r, &req) {
		return
	}
	d, err := req.draft()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	h, err := a.Habits.Create(r.Context(), d)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, habitJSON(h))
}

func (a *api) patchHabit(w http.ResponseWriter, r *http.Request) {
	id, ok := habitID(w, r)
	if !ok {
		return
	}
	var req patchRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := req.patch()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	h, err := a.Habits.Update(r.Context(), id, p)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if req.Active != nil {
		if h, err = a.Habits.SetActive(r.Context(), id, *req.Active); err != nil {
			a.fail(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, habitJSON(h))
}

func (a *api) deleteHabit(w http.ResponseWriter, r *http.Request) {
	id, ok := habitID(w, r)
	if !ok {
		return
	}
	if err := a.Habits.Delete(r.Context(), id); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) fail(w http.ResponseWriter, r *http.Request, err error) {
	if ve, ok := habit.AsValidation(err); ok {
		kinds := make([]string, 0, len(ve.Kinds()))
		for _, k := range ve.Kinds() {
			kinds = append(kinds, string(k))
		}
		writeError(w, http.StatusUnprocessableEntity, ve.Error(), kinds)
		return
	}
	if errors.Is(err, habit.ErrHabitNotFound) {
		writeError(w, http.StatusNotFound, err.Error(), nil)
		return
	}
	a.Log.Error("admin request failed",
		logx.String("path", r.URL.Path),
		logx.String("request_id", middleware.GetReqID(r.Context())),
		logx.Err(err),
	)
	writeError(w, http.StatusInternalServerError, "internal error", nil)
}

func habitID(w http.ResponseWriter, r *http.Request) (habit.ID, bool) {
	n, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, "invalid habit id", nil)
		return 0, false
	}
	return habit.ID(n), true
}

func queryLimit(r *http.Request) int {
	n, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return n
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error(), nil)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string   `json:"error"`
	Kinds []string `json:"kinds,omitempty"`
}

func writeError(w http.ResponseWriter, code int, msg string, kinds []string) {
	writeJSON(w, code, errorBody{Error: msg, Kinds: kinds})
}
