package adminserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/quorumdb/cluster/internal/models"
)

// Gossip is the slice of the gossiper the management surface exposes.
type Gossip interface {
	AllEndpointStates() string
	SimpleStates() map[string]string
	EndpointDowntime(ep models.Endpoint) time.Duration
	CurrentGeneration(ep models.Endpoint) (int32, error)
	Assassinate(addr string) error
}

// Detector exposes the tunable conviction threshold.
type Detector interface {
	SetPhiConvictThreshold(threshold float64)
	PhiConvictThreshold() float64
	DumpIntervals() map[string]string
}

// Snitch exposes the dynamic score map and per-host timings.
type Snitch interface {
	Scores() map[string]float64
	DumpTimings(ep models.Endpoint) []float64
}

// SeverityReporter folds an operator-set severity into the local node's
// gossiped state.
type SeverityReporter interface {
	ReportSeverity(severity float64)
}

// Placement names the replica set for a key; query routing itself lives
// outside this process.
type Placement interface {
	ReplicasFor(key string) []models.Endpoint
}

// Server is the HTTP management surface; an external CLI drives it.
type Server struct {
	gossip    Gossip
	detector  Detector
	snitch    Snitch
	severity  SeverityReporter
	placement Placement

	httpServer *http.Server
}

func NewServer(addr string, gossip Gossip, det Detector, sn Snitch, severity SeverityReporter, placement Placement) *Server {
	s := &Server{
		gossip:    gossip,
		detector:  det,
		snitch:    sn,
		severity:  severity,
		placement: placement,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Route("/admin/v1", func(r chi.Router) {
		r.Get("/scores", s.getScores)
		r.Get("/timings/{host}", s.getTimings)
		r.Get("/intervals", s.getIntervals)
		r.Get("/downtime/{addr}", s.getDowntime)
		r.Get("/generation/{addr}", s.getGeneration)
		r.Get("/states", s.getStates)
		r.Get("/simple-states", s.getSimpleStates)
		r.Get("/phi-threshold", s.getPhiThreshold)
		r.Put("/phi-threshold", s.putPhiThreshold)
		r.Put("/severity", s.putSeverity)
		r.Post("/assassinate/{addr}", s.postAssassinate)
		r.Get("/replicas/{key}", s.getReplicas)
	})

	s.httpServer = &http.Server{Addr: addr, Handler: r}
	return s
}

// Handler exposes the route tree for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() {
	go func() {
		log.Info().Msgf("admin server listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("admin server stopped")
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("failed to encode admin response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func endpointParam(r *http.Request, name string) (models.Endpoint, error) {
	return models.ParseEndpoint(chi.URLParam(r, name))
}

func (s *Server) getScores(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.snitch.Scores())
}

func (s *Server) getTimings(w http.ResponseWriter, r *http.Request) {
	ep, err := endpointParam(r, "host")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	timings := s.snitch.DumpTimings(ep)
	if timings == nil {
		timings = []float64{}
	}
	writeJSON(w, http.StatusOK, timings)
}

func (s *Server) getIntervals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.detector.DumpIntervals())
}

func (s *Server) getDowntime(w http.ResponseWriter, r *http.Request) {
	ep, err := endpointParam(r, "addr")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"downtime_ms": s.gossip.EndpointDowntime(ep).Milliseconds()})
}

func (s *Server) getGeneration(w http.ResponseWriter, r *http.Request) {
	ep, err := endpointParam(r, "addr")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	generation, err := s.gossip.CurrentGeneration(ep)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int32{"generation": generation})
}

func (s *Server) getStates(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(s.gossip.AllEndpointStates()))
}

func (s *Server) getSimpleStates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gossip.SimpleStates())
}

func (s *Server) getPhiThreshold(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]float64{"phi_convict_threshold": s.detector.PhiConvictThreshold()})
}

func (s *Server) putPhiThreshold(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Threshold float64 `json:"threshold"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.detector.SetPhiConvictThreshold(body.Threshold)
	writeJSON(w, http.StatusOK, map[string]float64{"phi_convict_threshold": body.Threshold})
}

func (s *Server) putSeverity(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Severity float64 `json:"severity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.severity.ReportSeverity(body.Severity)
	writeJSON(w, http.StatusOK, map[string]float64{"severity": body.Severity})
}

func (s *Server) getReplicas(w http.ResponseWriter, r *http.Request) {
	replicas := s.placement.ReplicasFor(chi.URLParam(r, "key"))
	out := make([]string, 0, len(replicas))
	for _, ep := range replicas {
		out = append(out, ep.String())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) postAssassinate(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "addr")
	if err := s.gossip.Assassinate(addr); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"assassinated": addr})
}
