package intel

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// Router returns the read-only projection API:
//
//	GET /changes        filters: target, company, category, min_score, since (RFC 3339 or unix ms), limit, offset
//	GET /changes/{id}
//	GET /runs           filter: limit
//	GET /schema
func (s *Service) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/changes", s.handleListChanges)
	r.Get("/changes/{id}", s.handleGetChange)
	r.Get("/runs", s.handleListRuns)
	r.Get("/schema", s.handleSchema)
	return r
}

func (s *Service) handleListChanges(w http.ResponseWriter, r *http.Request) {
	f, err := filterFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	items, err := s.ListChanges(r.Context(), f)
	if err != nil {
		s.logger.Error("intel: list changes", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []*Projection{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Service) handleGetChange(w http.ResponseWriter, r *http.Request) {
	d, err := s.GetChange(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("intel: get change", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Service) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	runs, err := s.ListRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error("intel: list runs", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []*Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Service) handleSchema(w http.ResponseWriter, r *http.Request) {
	st, err := s.SchemaStatus(r.Context())
	if err != nil {
		s.logger.Error("intel: schema status", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func filterFromQuery(r *http.Request) (Filter, error) {
	q := r.URL.Query()
	f := Filter{
		TargetID: q.Get("target"),
		Company:  q.Get("company"),
		Category: q.Get("category"),
	}
	var err error
	if f.MinScore, err = intParam(r, "min_score"); err != nil {
		return f, err
	}
	if f.Limit, err = intParam(r, "limit"); err != nil {
		return f, err
	}
	if f.Offset, err = intParam(r, "offset"); err != nil {
		return f, err
	}
	if f.Since, err = parseSince(q.Get("since")); err != nil {
		return f, err
	}
	return f, nil
}

func intParam(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + name)
	}
	return n, nil
}

// parseSince accepts RFC 3339 or unix milliseconds.
func parseSince(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return ms, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return 0, errors.New("invalid since: want RFC 3339 or unix milliseconds")
	}
	return t.UnixMilli(), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
