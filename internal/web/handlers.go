package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/lucasnoah/devflow/internal/analytics"
	"github.com/lucasnoah/devflow/internal/db"
	"github.com/lucasnoah/devflow/internal/pipeline"
	"github.com/lucasnoah/devflow/internal/policy"
)

// relTime renders t relative to now, e.g. "5m ago".
func relTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// instanceRow is the dashboard view of one instance.
type instanceRow struct {
	ID        string
	Key       string
	Title     string
	Stage     pipeline.Stage
	Attempt   int
	Maturity  policy.Maturity
	UpdatedAt time.Time
}

type dashboardData struct {
	Instances []instanceRow
	Events    []db.PipelineEvent
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	instances, err := s.store.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	data := dashboardData{}
	for i := range instances {
		inst := &instances[i]
		data.Instances = append(data.Instances, instanceRow{
			ID:        inst.ID,
			Key:       url.PathEscape(inst.ID),
			Title:     inst.Title,
			Stage:     inst.Stage,
			Attempt:   inst.Attempt(),
			Maturity:  inst.Maturity,
			UpdatedAt: inst.UpdatedAt,
		})
	}
	if s.db != nil {
		if data.Events, err = s.db.RecentEvents(r.Context(), 20); err != nil {
			s.log.Warn().Err(err).Msg("recent activity")
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.dashboardTmpl.Execute(w, data); err != nil {
		s.log.Error().Err(err).Msg("render dashboard")
	}
}

func (s *Server) handleInstances(w http.ResponseWriter, r *http.Request) {
	var (
		instances []pipeline.Instance
		err       error
	)
	if r.URL.Query().Get("all") != "" {
		instances, err = s.store.List(r.Context())
	} else {
		instances, err = s.store.ListActive(r.Context())
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if instances == nil {
		instances = []pipeline.Instance{}
	}
	writeJSON(w, http.StatusOK, instances)
}

func (s *Server) handleInstance(w http.ResponseWriter, r *http.Request) {
	key, err := s.instanceKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	inst, err := s.store.Load(r.Context(), key)
	if errors.Is(err, pipeline.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		writeError(w, http.StatusNotFound, errors.New("event log not available"))
		return
	}
	key, err := s.instanceKey(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	events, err := analytics.QueryIssueDetail(r.Context(), s.db, key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if events == nil {
		events = []analytics.IssueEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		writeError(w, http.StatusNotFound, errors.New("queue not available"))
		return
	}
	items, err := s.db.QueueList(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if items == nil {
		items = []db.QueueItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	instances, err := s.store.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, analytics.Summarize(instances))
}
