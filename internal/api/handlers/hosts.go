package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/anstrom/portwatch/internal/publisher"
	"github.com/anstrom/portwatch/internal/scanning"
	"github.com/anstrom/portwatch/internal/scheduler"
	"github.com/anstrom/portwatch/internal/watch"
)

// HostSource is the read side of the history tracker.
type HostSource interface {
	Status() []watch.HostStatus
	History(host string) []*scanning.Snapshot
	Counts() (up, down int)
}

// SubscriberSource reports publisher delivery counters.
type SubscriberSource interface {
	Stats() []publisher.SubscriberStats
}

// HostsHandler serves the tracked host state.
type HostsHandler struct {
	hosts       HostSource
	scheduler   SchedulerStatus
	subscribers SubscriberSource
	logger      *slog.Logger
}

// NewHostsHandler creates a hosts handler. scheduler and subscribers may be
// nil, in which case the stats endpoint omits them.
func NewHostsHandler(hosts HostSource, sched SchedulerStatus, subs SubscriberSource,
	logger *slog.Logger) *HostsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HostsHandler{
		hosts:       hosts,
		scheduler:   sched,
		subscribers: subs,
		logger:      logger.With("handler", "hosts"),
	}
}

// HostCounts summarizes reachability across tracked hosts.
type HostCounts struct {
	Up    int `json:"up"`
	Down  int `json:"down"`
	Total int `json:"total"`
}

// StatsResponse is the body of the stats endpoint.
type StatsResponse struct {
	Scheduler   *scheduler.Stats            `json:"scheduler,omitempty"`
	Hosts       HostCounts                  `json:"hosts"`
	Subscribers []publisher.SubscriberStats `json:"subscribers,omitempty"`
	Timestamp   time.Time                   `json:"timestamp"`
}

// ListHosts returns the latest state of every tracked host.
func (h *HostsHandler) ListHosts(w http.ResponseWriter, r *http.Request) {
	status := h.hosts.Status()

	if filter := r.URL.Query().Get("reachable"); filter != "" {
		want := filter == "true"
		filtered := make([]watch.HostStatus, 0, len(status))
		for _, s := range status {
			if s.Reachable == want {
				filtered = append(filtered, s)
			}
		}
		status = filtered
	}

	writeList(w, r, status, len(status))
}

// GetHost returns the latest state of one host.
func (h *HostsHandler) GetHost(w http.ResponseWriter, r *http.Request) {
	host := mux.Vars(r)["host"]
	for _, s := range h.hosts.Status() {
		if s.Host == host {
			writeJSON(w, r, http.StatusOK, s)
			return
		}
	}
	writeError(w, r, http.StatusNotFound, fmt.Errorf("host %q is not tracked", host))
}

// GetHostHistory returns the snapshots kept for one host, oldest first.
func (h *HostsHandler) GetHostHistory(w http.ResponseWriter, r *http.Request) {
	host := mux.Vars(r)["host"]
	history := h.hosts.History(host)
	if history == nil {
		writeError(w, r, http.StatusNotFound, fmt.Errorf("host %q is not tracked", host))
		return
	}
	writeList(w, r, history, len(history))
}

// Stats returns scheduler, host and subscriber counters.
func (h *HostsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	up, down := h.hosts.Counts()
	response := StatsResponse{
		Hosts:     HostCounts{Up: up, Down: down, Total: up + down},
		Timestamp: time.Now().UTC(),
	}
	if h.scheduler != nil {
		stats := h.scheduler.Stats()
		response.Scheduler = &stats
	}
	if h.subscribers != nil {
		response.Subscribers = h.subscribers.Stats()
	}
	writeJSON(w, r, http.StatusOK, response)
}
