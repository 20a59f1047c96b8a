// Package adminapi exposes the admin surface of spec §6: status RPCs
// returning the worker-pool snapshot and per-guild session status.
//
// Grounded on client/client.go's jsoniter-over-net/http conventions,
// inverted from outbound REST calls to an inbound net/http handler.
package adminapi

import (
	"net/http"
	"strconv"

	jsoniter "github.com/json-iterator/go"

	"github.com/botloader/guildscheduler/internal/model"
	"github.com/botloader/guildscheduler/internal/pool"
	"github.com/botloader/guildscheduler/internal/session"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SchedulerView is the narrow slice of *scheduler.Scheduler this package
// needs, kept as an interface so tests can supply a fake scheduler.
type SchedulerView interface {
	SessionStatuses() []session.Status
	SessionStatus(guild model.GuildID) (session.Status, bool)
}

// Server serves the admin HTTP surface.
type Server struct {
	pool  *pool.Pool
	sched SchedulerView
}

// New constructs a Server.
func New(p *pool.Pool, sched SchedulerView) *Server {
	return &Server{pool: p, sched: sched}
}

// Handler returns the admin surface's http.Handler, routed by path.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/workers", s.handleWorkers)
	mux.HandleFunc("/admin/sessions", s.handleSessions)
	mux.HandleFunc("/admin/sessions/guild", s.handleSessionByGuild)
	return mux
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.pool.Snapshot())
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.sched.SessionStatuses())
}

func (s *Server) handleSessionByGuild(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		http.Error(w, "invalid guild id", http.StatusBadRequest)
		return
	}

	status, ok := s.sched.SessionStatus(model.GuildID(id))
	if !ok {
		http.Error(w, "no running session for guild", http.StatusNotFound)
		return
	}
	writeJSON(w, status)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
