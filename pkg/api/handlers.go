package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/acepool/acepool/pkg/state"
	"github.com/acepool/acepool/pkg/types"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type provisionResponse struct {
	ContainerID        string `json:"container_id"`
	ContainerName      string `json:"container_name"`
	HostHTTPPort       int    `json:"host_http_port"`
	ContainerHTTPPort  int    `json:"container_http_port"`
	ContainerHTTPSPort int    `json:"container_https_port"`
}

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	eng, err := s.scaler.ProvisionOne(r.Context())
	if err != nil {
		if blocked := blockedFromErr(err); blocked != nil {
			writeJSON(w, http.StatusServiceUnavailable, blocked)
			return
		}
		s.logger.Error().Err(err).Msg("provision request failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, provisionResponse{
		ContainerID:        eng.ContainerID,
		ContainerName:      eng.ContainerName,
		HostHTTPPort:       eng.Port,
		ContainerHTTPPort:  eng.InternalHTTPPort,
		ContainerHTTPSPort: eng.InternalHTTPSPort,
	})
}

func (s *Server) handleStreamStarted(w http.ResponseWriter, r *http.Request) {
	var evt types.StreamStartedEvent
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body: " + err.Error()})
		return
	}
	if evt.Stream.Key == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "stream.key is required"})
		return
	}

	stream, err := s.events.HandleStreamStarted(r.Context(), &evt)
	if err != nil {
		s.logger.Error().Err(err).Str("content_key", evt.Stream.Key).Msg("stream_started failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, stream)
}

type streamEndedResponse struct {
	Ended  bool          `json:"ended"`
	Stream *types.Stream `json:"stream,omitempty"`
}

func (s *Server) handleStreamEnded(w http.ResponseWriter, r *http.Request) {
	var evt types.StreamEndedEvent
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body: " + err.Error()})
		return
	}
	if evt.StreamID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "stream_id is required"})
		return
	}

	stream, err := s.events.HandleStreamEnded(r.Context(), &evt)
	if err != nil {
		s.logger.Error().Err(err).Str("stream_id", evt.StreamID).Msg("stream_ended failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	// Unknown and already-ended streams are absorbed, not errors.
	writeJSON(w, http.StatusOK, streamEndedResponse{
		Ended:  stream != nil,
		Stream: stream,
	})
}

type engineResponse struct {
	ContainerID     string             `json:"container_id"`
	ContainerName   string             `json:"container_name"`
	Host            string             `json:"host"`
	Port            int                `json:"port"`
	HostHTTPSPort   int                `json:"host_https_port,omitempty"`
	Labels          map[string]string  `json:"labels,omitempty"`
	VPNContainer    string             `json:"vpn_container,omitempty"`
	Forwarded       bool               `json:"forwarded"`
	ForwardedPort   int                `json:"forwarded_port,omitempty"`
	State           types.EngineState  `json:"state"`
	Health          types.EngineHealth `json:"health_status"`
	FirstSeen       time.Time          `json:"first_seen"`
	LastHealthCheck time.Time          `json:"last_health_check,omitzero"`
	LastStreamUsage time.Time          `json:"last_stream_usage,omitzero"`
	ActiveStreams   []string           `json:"active_streams"`
	StreamCount     int                `json:"stream_count"`
}

func engineResponseFrom(e *types.Engine) engineResponse {
	ids := make([]string, 0, len(e.ActiveStreams))
	for id := range e.ActiveStreams {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return engineResponse{
		ContainerID:     e.ContainerID,
		ContainerName:   e.ContainerName,
		Host:            e.Host,
		Port:            e.Port,
		HostHTTPSPort:   e.HostHTTPSPort,
		Labels:          e.Labels,
		VPNContainer:    e.VPNContainer,
		Forwarded:       e.Forwarded,
		ForwardedPort:   e.ForwardedPort,
		State:           e.State,
		Health:          e.Health,
		FirstSeen:       e.FirstSeen,
		LastHealthCheck: e.LastHealthCheck,
		LastStreamUsage: e.LastStreamUsage,
		ActiveStreams:   ids,
		StreamCount:     len(ids),
	}
}

type enginesResponse struct {
	Engines []engineResponse `json:"engines"`
	Count   int              `json:"count"`
}

func (s *Server) handleEngines(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := state.EngineFilter{
		Health: types.EngineHealth(q.Get("health")),
		State:  types.EngineState(q.Get("state")),
	}
	if q.Has("vpn") {
		vpn := q.Get("vpn")
		filter.VPN = &vpn
	}

	engines := s.state.ListEngines(filter)
	out := make([]engineResponse, 0, len(engines))
	for _, e := range engines {
		out = append(out, engineResponseFrom(e))
	}
	writeJSON(w, http.StatusOK, enginesResponse{Engines: out, Count: len(out)})
}

type streamsResponse struct {
	Streams []*types.Stream `json:"streams"`
	Count   int             `json:"count"`
}

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	streams := s.state.ListStreams(state.StreamFilter{
		Status:      types.StreamStatus(q.Get("status")),
		ContainerID: q.Get("container_id"),
	})
	writeJSON(w, http.StatusOK, streamsResponse{Streams: streams, Count: len(streams)})
}

type streamStatsResponse struct {
	StreamID string                `json:"stream_id"`
	Stats    []*types.StatSnapshot `json:"stats"`
	Count    int                   `json:"count"`
}

func (s *Server) handleStreamStats(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			secs, ierr := strconv.ParseInt(raw, 10, 64)
			if ierr != nil {
				writeJSON(w, http.StatusBadRequest, errorResponse{Error: "since must be RFC3339 or unix seconds"})
				return
			}
			t = time.Unix(secs, 0)
		}
		since = t
	}

	stream, err := s.state.GetStream(id)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown stream " + id})
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	stats, err := s.state.GetStreamStats(stream.ID, since)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	if stats == nil {
		stats = []*types.StatSnapshot{}
	}
	writeJSON(w, http.StatusOK, streamStatsResponse{StreamID: stream.ID, Stats: stats, Count: len(stats)})
}

func (s *Server) handleOrchestratorStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status.Status())
}

type vpnStatusResponse struct {
	Mode       string            `json:"mode"`
	Containers []types.VPNStatus `json:"containers"`
}

func (s *Server) handleVPNStatus(w http.ResponseWriter, r *http.Request) {
	resp := vpnStatusResponse{
		Mode:       string(s.cfg.VPNMode),
		Containers: []types.VPNStatus{},
	}
	if s.vpn != nil {
		resp.Containers = s.vpn.Status()
	}
	writeJSON(w, http.StatusOK, resp)
}

type scaleResponse struct {
	Target int `json:"target"`
}

func (s *Server) handleScale(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(r.PathValue("n"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "scale target must be an integer"})
		return
	}
	if err := s.scaler.ScaleTo(r.Context(), n); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, scaleResponse{Target: n})
}

func (s *Server) handleGC(w http.ResponseWriter, r *http.Request) {
	report, err := s.gc.RunGC(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, types.ErrRuntimeUnavailable) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}
	if report.RemovedContainers == nil {
		report.RemovedContainers = []string{}
	}
	if report.PrunedCacheDirs == nil {
		report.PrunedCacheDirs = []string{}
	}
	writeJSON(w, http.StatusOK, report)
}

type deleteResponse struct {
	ContainerID string `json:"container_id"`
	Stopped     bool   `json:"stopped"`
}

func (s *Server) handleDeleteContainer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.prov.StopEngine(r.Context(), id, types.StopReasonAPI); err != nil {
		if errors.Is(err, types.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown container " + id})
			return
		}
		s.logger.Error().Err(err).Str("container", id).Msg("api stop failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, deleteResponse{ContainerID: id, Stopped: true})
}
