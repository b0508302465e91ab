package state

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/acepool/acepool/pkg/log"
	"github.com/acepool/acepool/pkg/metrics"
	"github.com/acepool/acepool/pkg/storage"
	"github.com/acepool/acepool/pkg/types"
)

// Store is the canonical in-memory registry of engines and streams. All
// mutations go through its methods under one process-wide lock; API reads are
// served from Snapshot copies. Streams and stat snapshots are written through
// to durable storage; engines are rebuilt from container labels on boot.
type Store struct {
	mu      sync.RWMutex
	engines map[string]*types.Engine
	streams map[string]*types.Stream

	// aliases maps proxy-assigned stream ids (the "stream_id" label on
	// stream_started events) to canonical "{key}|{session}" ids.
	aliases map[string]string

	db     storage.Store
	logger zerolog.Logger
}

// NewStore creates a state store backed by the given durable store.
func NewStore(db storage.Store) *Store {
	return &Store{
		engines: make(map[string]*types.Engine),
		streams: make(map[string]*types.Stream),
		aliases: make(map[string]string),
		db:      db,
		logger:  log.WithComponent("state"),
	}
}

// Load restores persisted streams into memory. Engines are not restored here;
// the reconciler adopts them from the runtime. Started streams whose engine
// is missing stay dangling until reconciliation or stale detection resolves
// them.
func (s *Store) Load() error {
	streams, err := s.db.ListStreams()
	if err != nil {
		return fmt.Errorf("failed to load streams: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, stream := range streams {
		s.streams[stream.ID] = stream
	}
	s.logger.Info().Int("streams", len(streams)).Msg("state loaded from storage")
	return nil
}

// Engine operations

// UpsertEngine inserts or merges an engine record. Merging preserves
// FirstSeen and the active stream set; started streams already recorded for
// this container are re-linked so adoption after a restart is lossless.
func (s *Store) UpsertEngine(e *types.Engine) *types.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	existing, ok := s.engines[e.ContainerID]
	if !ok {
		if e.FirstSeen.IsZero() {
			e.FirstSeen = now
		}
		e.LastSeen = now
		if e.Health == "" {
			e.Health = types.EngineUnknown
		}
		if e.ActiveStreams == nil {
			e.ActiveStreams = make(map[string]struct{})
		}
		if e.Labels == nil {
			e.Labels = make(map[string]string)
		}
		s.engines[e.ContainerID] = e
		s.relinkStreamsLocked(e)
		return e.Clone()
	}

	// Merge onto the existing record.
	existing.ContainerName = e.ContainerName
	existing.Host = e.Host
	existing.Port = e.Port
	existing.HostHTTPSPort = e.HostHTTPSPort
	existing.InternalHTTPPort = e.InternalHTTPPort
	existing.InternalHTTPSPort = e.InternalHTTPSPort
	existing.VPNContainer = e.VPNContainer
	existing.Forwarded = e.Forwarded
	existing.ForwardedPort = e.ForwardedPort
	if e.State != "" {
		existing.State = e.State
	}
	if len(e.Labels) > 0 {
		existing.Labels = e.Labels
	}
	existing.LastSeen = now
	s.relinkStreamsLocked(existing)
	return existing.Clone()
}

// relinkStreamsLocked reattaches started streams recorded for this container
// to the engine's active set. Caller holds the write lock.
func (s *Store) relinkStreamsLocked(e *types.Engine) {
	for id, stream := range s.streams {
		if stream.Status == types.StreamStarted && stream.ContainerID == e.ContainerID {
			e.ActiveStreams[id] = struct{}{}
		}
	}
}

// RemoveEngine deletes an engine and returns its final record, which still
// carries the label-encoded ports the caller must release.
func (s *Store) RemoveEngine(containerID string) (*types.Engine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.engines[containerID]
	if !ok {
		return nil, fmt.Errorf("engine %s: %w", containerID, types.ErrNotFound)
	}
	delete(s.engines, containerID)
	return e, nil
}

// GetEngine returns a copy of the engine record.
func (s *Store) GetEngine(containerID string) (*types.Engine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.engines[containerID]
	if !ok {
		return nil, fmt.Errorf("engine %s: %w", containerID, types.ErrNotFound)
	}
	return e.Clone(), nil
}

// SetEngineVPN records the engine's VPN assignment.
func (s *Store) SetEngineVPN(containerID, vpnContainer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.engines[containerID]
	if !ok {
		return fmt.Errorf("engine %s: %w", containerID, types.ErrNotFound)
	}
	e.VPNContainer = vpnContainer
	return nil
}

// SetForwarded flips the forwarded flag on an engine.
func (s *Store) SetForwarded(containerID string, forwarded bool, forwardedPort int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.engines[containerID]
	if !ok {
		return fmt.Errorf("engine %s: %w", containerID, types.ErrNotFound)
	}
	e.Forwarded = forwarded
	if forwarded {
		e.ForwardedPort = forwardedPort
	} else {
		e.ForwardedPort = 0
	}
	return nil
}

// SetHealth sets an engine's health classification.
func (s *Store) SetHealth(containerID string, health types.EngineHealth) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.engines[containerID]
	if !ok {
		return fmt.Errorf("engine %s: %w", containerID, types.ErrNotFound)
	}
	e.Health = health
	return nil
}

// SetEngineState updates the engine lifecycle state.
func (s *Store) SetEngineState(containerID string, state types.EngineState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.engines[containerID]
	if !ok {
		return fmt.Errorf("engine %s: %w", containerID, types.ErrNotFound)
	}
	e.State = state
	return nil
}

// RecordHealthCheck records a probe outcome and returns the consecutive
// failure count. A success resets the counter and marks the engine healthy;
// classification to unhealthy at threshold stays with the health monitor.
func (s *Store) RecordHealthCheck(containerID string, healthy bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.engines[containerID]
	if !ok {
		return 0, fmt.Errorf("engine %s: %w", containerID, types.ErrNotFound)
	}
	e.LastHealthCheck = time.Now()
	if healthy {
		e.ConsecutiveFailures = 0
		e.Health = types.EngineHealthy
	} else {
		e.ConsecutiveFailures++
	}
	return e.ConsecutiveFailures, nil
}

// TouchCacheCleanup records a completed cache cleanup.
func (s *Store) TouchCacheCleanup(containerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.engines[containerID]; ok {
		e.LastCacheCleanup = time.Now()
	}
}

// EngineFilter narrows ListEngines results. Zero values match everything.
type EngineFilter struct {
	VPN    *string
	Health types.EngineHealth
	State  types.EngineState
}

// ListEngines returns engine copies matching the filter, ordered by
// ContainerID for stable output.
func (s *Store) ListEngines(filter EngineFilter) []*types.Engine {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Engine
	for _, e := range s.engines {
		if filter.VPN != nil && e.VPNContainer != *filter.VPN {
			continue
		}
		if filter.Health != "" && e.Health != filter.Health {
			continue
		}
		if filter.State != "" && e.State != filter.State {
			continue
		}
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContainerID < out[j].ContainerID })
	return out
}

// EngineCount returns the number of registered engines.
func (s *Store) EngineCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.engines)
}

// Stream operations

// OnStreamStarted applies a stream_started event: allocates the stream,
// attaches it to the owning engine and refreshes last_stream_usage. A missing
// playback session id gets a generated one. Events for unknown containers
// are accepted; the stream dangles until the reconciler adopts the engine.
func (s *Store) OnStreamStarted(evt *types.StreamStartedEvent) (*types.Stream, error) {
	if evt.Stream.Key == "" {
		return nil, fmt.Errorf("stream_started event missing content key")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sessionID := evt.Session.PlaybackSessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	id := types.StreamID(evt.Stream.Key, sessionID)

	// Re-adding an ended stream creates a new record; ended is terminal.
	if existing, ok := s.streams[id]; ok && existing.Status == types.StreamStarted {
		existing.StatURL = evt.Session.StatURL
		existing.CommandURL = evt.Session.CommandURL
		return cloneStream(existing), nil
	}

	now := time.Now()
	stream := &types.Stream{
		ID:                id,
		ContentKey:        evt.Stream.Key,
		KeyType:           evt.Stream.KeyType,
		ContainerID:       evt.ContainerID,
		EngineHost:        evt.Engine.Host,
		EnginePort:        evt.Engine.Port,
		PlaybackSessionID: sessionID,
		StatURL:           evt.Session.StatURL,
		CommandURL:        evt.Session.CommandURL,
		IsLive:            evt.Session.IsLive != 0,
		Status:            types.StreamStarted,
		StartedAt:         now,
	}
	s.streams[id] = stream

	if alias := evt.Labels["stream_id"]; alias != "" && alias != id {
		s.aliases[alias] = id
	}

	if e, ok := s.engines[evt.ContainerID]; ok {
		e.ActiveStreams[id] = struct{}{}
		e.LastStreamUsage = now
	} else if evt.ContainerID != "" {
		s.logger.Warn().
			Str("container_id", evt.ContainerID).
			Str("stream_id", id).
			Msg("stream_started for unknown engine, waiting for reconcile")
	}

	if err := s.db.SaveStream(stream); err != nil {
		return nil, fmt.Errorf("failed to persist stream %s: %w", id, err)
	}
	metrics.StreamsStartedTotal.Inc()
	return cloneStream(stream), nil
}

// OnStreamEnded applies a stream_ended event. It is idempotent: ending an
// already-ended or unknown stream is a no-op. The returned engineIdle flag
// tells the caller the owning engine just ran out of active streams and may
// be scheduled for cache cleanup.
func (s *Store) OnStreamEnded(evt *types.StreamEndedEvent) (engineIdle bool, stream *types.Stream, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := evt.StreamID
	if canonical, ok := s.aliases[id]; ok {
		id = canonical
	}
	st, ok := s.streams[id]
	if !ok {
		return false, nil, nil
	}
	if st.Status == types.StreamEnded {
		return false, cloneStream(st), nil
	}

	st.Status = types.StreamEnded
	st.EndedAt = time.Now()
	st.EndReason = evt.Reason

	reason := evt.Reason
	if reason == "" {
		reason = "unspecified"
	}
	metrics.StreamsEndedTotal.WithLabelValues(reason).Inc()

	if e, ok := s.engines[st.ContainerID]; ok {
		delete(e.ActiveStreams, id)
		engineIdle = len(e.ActiveStreams) == 0
	}

	if err := s.db.SaveStream(st); err != nil {
		return engineIdle, cloneStream(st), fmt.Errorf("failed to persist stream %s: %w", id, err)
	}
	return engineIdle, cloneStream(st), nil
}

// GetStream resolves a stream by canonical id or proxy alias.
func (s *Store) GetStream(id string) (*types.Stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if canonical, ok := s.aliases[id]; ok {
		id = canonical
	}
	st, ok := s.streams[id]
	if !ok {
		return nil, fmt.Errorf("stream %s: %w", id, types.ErrNotFound)
	}
	return cloneStream(st), nil
}

// StreamFilter narrows ListStreams results.
type StreamFilter struct {
	Status      types.StreamStatus
	ContainerID string
}

// ListStreams returns stream copies matching the filter, newest first.
func (s *Store) ListStreams(filter StreamFilter) []*types.Stream {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Stream
	for _, st := range s.streams {
		if filter.Status != "" && st.Status != filter.Status {
			continue
		}
		if filter.ContainerID != "" && st.ContainerID != filter.ContainerID {
			continue
		}
		out = append(out, cloneStream(st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// AppendStats persists one stat snapshot for a stream.
func (s *Store) AppendStats(streamID string, snap *types.StatSnapshot) error {
	s.mu.RLock()
	if canonical, ok := s.aliases[streamID]; ok {
		streamID = canonical
	}
	_, known := s.streams[streamID]
	s.mu.RUnlock()

	if !known {
		return fmt.Errorf("stream %s: %w", streamID, types.ErrNotFound)
	}
	return s.db.AppendStats(streamID, snap)
}

// GetStreamStats reads a stream's snapshots since the given time.
func (s *Store) GetStreamStats(streamID string, since time.Time) ([]*types.StatSnapshot, error) {
	s.mu.RLock()
	if canonical, ok := s.aliases[streamID]; ok {
		streamID = canonical
	}
	s.mu.RUnlock()
	return s.db.GetStats(streamID, since)
}

// Snapshot is a point-in-time copy of the whole registry for API reads and
// scheduling decisions.
type Snapshot struct {
	Engines []*types.Engine
	Streams []*types.Stream
	TakenAt time.Time
}

// Snapshot copies engines and streams under one read lock.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &Snapshot{TakenAt: time.Now()}
	for _, e := range s.engines {
		snap.Engines = append(snap.Engines, e.Clone())
	}
	for _, st := range s.streams {
		snap.Streams = append(snap.Streams, cloneStream(st))
	}
	sort.Slice(snap.Engines, func(i, j int) bool {
		return snap.Engines[i].ContainerID < snap.Engines[j].ContainerID
	})
	return snap
}

func cloneStream(st *types.Stream) *types.Stream {
	c := *st
	return &c
}
