// Package api wires the tile math, stroke codec, tile store, ingest
// coordinator, session registry, relay, query service, and wire
// protocol into the HTTP surface and duplex channel described in
// spec §6, following the same shape as the teacher's
// machine/go/test_machine_monitor/server pattern: a Server struct
// holding a router, its dependencies, and a set of per-endpoint
// Prometheus counters incremented inline in each handler.
package api

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/canvasd/canvasd/internal/ingest"
	"github.com/canvasd/canvasd/internal/query"
	"github.com/canvasd/canvasd/internal/relay"
	"github.com/canvasd/canvasd/internal/session"
	"github.com/canvasd/canvasd/internal/store"
	"github.com/canvasd/canvasd/internal/stroke"
)

const (
	serverReadTimeout  = 5 * time.Minute
	serverWriteTimeout = 5 * time.Minute
)

// Server is the core HTTP + websocket surface of canvasd.
type Server struct {
	r           *mux.Router
	store       *store.Store
	registry    *session.Registry
	relay       *relay.Relay
	coordinator *ingest.Coordinator
	query       *query.Service
	logger      *log.Logger
	hub         *hub
	maxBytes    int64
	metrics     *prometheus.Registry

	pingRequests       prometheus.Counter
	tileStrokeRequests prometheus.Counter
	batchRequests      prometheus.Counter
	batchOverflows     prometheus.Counter
	strokePosts        prometheus.Counter
	dbStatusRequests   prometheus.Counter
	wsConnections      prometheus.Counter
}

// New builds a Server over the given dependencies. Counters are
// registered against a registry private to this Server rather than the
// global default registerer, so multiple Servers (e.g. one per test)
// never collide on metric names.
func New(st *store.Store, reg *session.Registry, rel *relay.Relay, coord *ingest.Coordinator, qsvc *query.Service, maxBytes int64, logger *log.Logger) *Server {
	r := mux.NewRouter()
	metricsReg := prometheus.NewRegistry()
	metrics := promauto.With(metricsReg)
	s := &Server{
		r:           r,
		store:       st,
		registry:    reg,
		relay:       rel,
		coordinator: coord,
		query:       qsvc,
		logger:      logger,
		maxBytes:    maxBytes,
		metrics:     metricsReg,

		pingRequests:       metrics.NewCounter(prometheus.CounterOpts{Name: "canvasd_ping_requests_total"}),
		tileStrokeRequests: metrics.NewCounter(prometheus.CounterOpts{Name: "canvasd_tile_strokes_requests_total"}),
		batchRequests:      metrics.NewCounter(prometheus.CounterOpts{Name: "canvasd_tile_strokes_batch_requests_total"}),
		batchOverflows:     metrics.NewCounter(prometheus.CounterOpts{Name: "canvasd_tile_strokes_batch_overflows_total"}),
		strokePosts:        metrics.NewCounter(prometheus.CounterOpts{Name: "canvasd_stroke_posts_total"}),
		dbStatusRequests:   metrics.NewCounter(prometheus.CounterOpts{Name: "canvasd_db_status_requests_total"}),
		wsConnections:      metrics.NewCounter(prometheus.CounterOpts{Name: "canvasd_ws_connections_total"}),
	}
	s.hub = newHub(reg, logger)

	r.HandleFunc("/api/ping", s.handlePing).Methods(http.MethodGet)
	r.HandleFunc("/api/tile-strokes", s.handleTileStrokes).Methods(http.MethodGet)
	r.HandleFunc("/api/tile-strokes-batch", s.handleTileStrokesBatch).Methods(http.MethodPost)
	r.HandleFunc("/api/stroke", s.handleStrokePost).Methods(http.MethodPost)
	r.HandleFunc("/api/db-status", s.handleDBStatus).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWebSocket)
	r.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))
	r.Use(loggingMiddleware(logger))

	return s
}

// Hub returns the server's websocket connection hub, which implements
// relay.Sender. Callers build the relay from this before constructing
// the ingest coordinator, then call SetRelay/SetCoordinator/SetQuery to
// complete the wiring (the relay needs this server's hub as its Sender,
// and the coordinator needs the relay, so neither exists yet when New
// runs).
func (s *Server) Hub() *hub {
	return s.hub
}

// SetRelay, SetCoordinator, and SetQuery complete the dependency wiring
// that New could not take directly (see Hub).
func (s *Server) SetRelay(r *relay.Relay)              { s.relay = r }
func (s *Server) SetCoordinator(c *ingest.Coordinator) { s.coordinator = c }
func (s *Server) SetQuery(q *query.Service)            { s.query = q }

// Handler returns the http.Handler to mount (or serve directly).
func (s *Server) Handler() http.Handler {
	return s.r
}

// Start runs the HTTP server on addr. This function blocks until the
// listener fails.
func (s *Server) Start(addr string) error {
	if s.logger != nil {
		s.logger.Printf("canvasd: listening on %s", addr)
	}
	server := &http.Server{
		Addr:         addr,
		Handler:      s.r,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
	}
	return server.ListenAndServe()
}

func loggingMiddleware(logger *log.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r)
			if logger != nil {
				logger.Printf("%s %s", r.Method, r.URL.Path)
			}
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// The response is already committed; the encode error is dropped.
		return
	}
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	s.pingRequests.Inc()
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func parseFiniteInt(raw string) (int, bool) {
	var n int
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
		return 0, false
	}
	return n, true
}

func parseFiniteFloat(raw string) (float64, bool) {
	var f float64
	if _, err := fmt.Sscanf(raw, "%g", &f); err != nil {
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func (s *Server) handleTileStrokes(w http.ResponseWriter, r *http.Request) {
	s.tileStrokeRequests.Inc()

	q := r.URL.Query()
	z, _ := parseFiniteInt(q.Get("z"))
	tx, okTX := parseFiniteInt(q.Get("tx"))
	ty, okTY := parseFiniteInt(q.Get("ty"))
	if !okTX || !okTY {
		http.Error(w, "tx/ty must be finite integers", http.StatusBadRequest)
		return
	}

	var since *int64
	if raw := q.Get("since"); raw != "" {
		if f, ok := parseFiniteFloat(raw); ok {
			v := int64(f)
			since = &v
		}
	}

	strokes, err := s.query.SingleTile(z, tx, ty, since)
	if err != nil {
		if s.logger != nil {
			s.logger.Printf("api: tile-strokes query failed: %v", err)
		}
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"z": z, "tx": tx, "ty": ty, "strokes": strokes,
	})
}

type batchRequestBody struct {
	Z     int `json:"z"`
	Tiles []struct {
		TX float64 `json:"tx"`
		TY float64 `json:"ty"`
	} `json:"tiles"`
}

type batchTileResponse struct {
	Z       int             `json:"z"`
	TX      int             `json:"tx"`
	TY      int             `json:"ty"`
	Strokes []stroke.Stroke `json:"strokes"`
}

func (s *Server) handleTileStrokesBatch(w http.ResponseWriter, r *http.Request) {
	s.batchRequests.Inc()

	var body batchRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	if len(body.Tiles) > query.MaxBatchHTTP {
		s.batchOverflows.Inc()
		http.Error(w, "too many tiles", http.StatusBadRequest)
		return
	}

	coords := make([]query.TileCoord, 0, len(body.Tiles))
	for _, t := range body.Tiles {
		if math.IsNaN(t.TX) || math.IsInf(t.TX, 0) || math.IsNaN(t.TY) || math.IsInf(t.TY, 0) {
			continue
		}
		coords = append(coords, query.TileCoord{TX: int(t.TX), TY: int(t.TY)})
	}

	results, err := s.query.Batch(body.Z, coords)
	if err != nil {
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}

	out := make([]batchTileResponse, len(results))
	for i, res := range results {
		out[i] = batchTileResponse{Z: res.Z, TX: res.TX, TY: res.TY, Strokes: res.Strokes}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tiles": out})
}

func (s *Server) handleStrokePost(w http.ResponseWriter, r *http.Request) {
	s.strokePosts.Inc()

	body, err := decodeBody(r)
	if err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	res, err := s.coordinator.Accept(body, "")
	if err != nil {
		http.Error(w, "invalid stroke", http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "id": res.Stroke.ID, "t": res.Stroke.T})
}

func decodeBody(r *http.Request) ([]byte, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (s *Server) handleDBStatus(w http.ResponseWriter, r *http.Request) {
	s.dbStatusRequests.Inc()

	st, err := s.store.Stats()
	if err != nil {
		http.Error(w, "stats failed", http.StatusInternalServerError)
		return
	}

	maxBytes := s.maxBytes
	if maxBytes <= 0 {
		maxBytes = ingest.MaxStoreBytes
	}
	util := 0.0
	if maxBytes > 0 {
		util = float64(st.TotalBytes) / float64(maxBytes) * 100
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sizeBytes":          st.TotalBytes,
		"sizeMB":             float64(st.TotalBytes) / (1024 * 1024),
		"maxSizeBytes":       maxBytes,
		"maxSizeMB":          float64(maxBytes) / (1024 * 1024),
		"strokeCount":        st.RowCount,
		"utilizationPercent": util,
	})
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}
