// Package httpapi exposes the manager's read-only surface: health, state
// snapshot, cost reports and the WebSocket event stream.
package httpapi

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentforge/cyclemgr/internal/coordination"
	"github.com/agentforge/cyclemgr/internal/manager"
	"github.com/agentforge/cyclemgr/internal/monitor"
	"github.com/agentforge/cyclemgr/internal/observability"
	"github.com/agentforge/cyclemgr/internal/store"
	"github.com/agentforge/cyclemgr/internal/streaming"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// API serves the manager's HTTP surface.
type API struct {
	store   store.Store
	elector *coordination.LeaderElector
	mgr     *manager.Manager
	cost    *monitor.CostTracker
	hub     *streaming.Hub

	limiter *TokenBucketLimiter
}

func NewAPI(s store.Store, elector *coordination.LeaderElector, mgr *manager.Manager, cost *monitor.CostTracker, hub *streaming.Hub) *API {
	return &API{
		store:   s,
		elector: elector,
		mgr:     mgr,
		cost:    cost,
		hub:     hub,
		// 10 req/s with burst 20 per caller is plenty for dashboards.
		limiter: NewTokenBucketLimiter(10, 20),
	}
}

// Routes builds the handler mux.
func (a *API) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", a.handleHealth)
	mux.HandleFunc("/api/state/snapshot", a.rateLimited("snapshot", a.handleSnapshot))
	mux.HandleFunc("/api/cost/report", a.rateLimited("cost_report", a.handleCostReport))
	mux.HandleFunc("/api/events/stream", a.handleEventStream)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (a *API) rateLimited(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := endpoint + ":" + remoteIP(r)
		if !a.limiter.Allow(key) {
			observability.APIRateLimited.WithLabelValues(endpoint).Inc()
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"leader": a.elector.IsLeader(),
	})
}

// handleSnapshot returns the current task/agent distribution, leader state
// and cycle number.
func (a *API) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tasks, err := a.store.CountTasksByStatus(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	agents, err := a.store.CountAgentsByStatus(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	leases, err := a.store.ListLeases(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tasks":         tasks,
		"agents":        agents,
		"activeLeases":  len(leases),
		"cycle":         a.mgr.CycleNumber(),
		"leader":        a.elector.GetState(),
		"streamClients": a.hub.ClientCount(),
		"timestamp":     time.Now(),
	})
}

// handleCostReport returns the cost efficiency analysis for ?days=N
// (default 7).
func (a *API) handleCostReport(w http.ResponseWriter, r *http.Request) {
	days := 7
	if s := r.URL.Query().Get("days"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			days = n
		}
	}

	report, err := a.cost.AnalyzeEfficiency(r.Context(), days, time.Now())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleEventStream upgrades to WebSocket and registers with the hub.
func (a *API) handleEventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	a.hub.Register(conn)
	defer a.hub.Unregister(conn)
	observability.StreamClients.Set(float64(a.hub.ClientCount()))
	defer func() {
		observability.StreamClients.Set(float64(a.hub.ClientCount()))
	}()

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case <-done:
				return
			case <-pingTicker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Read pump to detect disconnections.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}
