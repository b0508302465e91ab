package events

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/acepool/acepool/pkg/state"
	"github.com/acepool/acepool/pkg/types"
)

const cacheCleanupTimeout = 30 * time.Second

// PendingReleaser drops one pending-selection reservation for an engine.
type PendingReleaser interface {
	ReleasePending(engineID string)
}

// Muxer tears down any shared broadcast for a content key.
type Muxer interface {
	StopByContentKey(contentKey string)
}

// CacheCleaner clears an engine's on-disk stream cache.
type CacheCleaner interface {
	CleanupCache(ctx context.Context, containerID string) error
}

// Handlers applies engine lifecycle callbacks to the store and fans the
// results out on the broker. The mux and cleaner hooks are optional.
type Handlers struct {
	state   *state.Store
	sel     PendingReleaser
	mux     Muxer
	cleaner CacheCleaner
	broker  *Broker
	logger  zerolog.Logger
}

// NewHandlers creates the callback handlers. sel, mux and cleaner may be nil
// when the corresponding reaction is not wired.
func NewHandlers(st *state.Store, sel PendingReleaser, mux Muxer, cleaner CacheCleaner, broker *Broker, logger zerolog.Logger) *Handlers {
	return &Handlers{
		state:   st,
		sel:     sel,
		mux:     mux,
		cleaner: cleaner,
		broker:  broker,
		logger:  logger.With().Str("component", "events").Logger(),
	}
}

// HandleStreamStarted records a stream-started callback. The pending
// reservation taken at selection time is released now that the engine
// reports the stream as live.
func (h *Handlers) HandleStreamStarted(ctx context.Context, evt *types.StreamStartedEvent) (*types.Stream, error) {
	stream, err := h.state.OnStreamStarted(evt)
	if err != nil {
		return nil, fmt.Errorf("failed to record stream start: %w", err)
	}

	if h.sel != nil && evt.ContainerID != "" {
		h.sel.ReleasePending(evt.ContainerID)
	}

	if stream != nil && h.broker != nil {
		h.broker.Publish(&Event{
			Type: TypeStreamStarted,
			Fields: map[string]string{
				"stream_id":    stream.ID,
				"container_id": stream.ContainerID,
				"content_key":  stream.ContentKey,
			},
		})
	}
	return stream, nil
}

// HandleStreamEnded records a stream-ended callback. Repeated callbacks for
// the same stream are absorbed without re-running the idle reactions. When
// the engine goes idle its cache is cleared in the background.
func (h *Handlers) HandleStreamEnded(ctx context.Context, evt *types.StreamEndedEvent) (*types.Stream, error) {
	engineIdle, stream, err := h.state.OnStreamEnded(evt)
	if err != nil {
		return nil, fmt.Errorf("failed to record stream end: %w", err)
	}
	if stream == nil {
		// Unknown stream; nothing to react to.
		return nil, nil
	}

	if h.mux != nil && stream.ContentKey != "" {
		h.mux.StopByContentKey(stream.ContentKey)
	}

	if engineIdle && h.cleaner != nil {
		containerID := stream.ContainerID
		go func() {
			cleanCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cacheCleanupTimeout)
			defer cancel()
			if err := h.cleaner.CleanupCache(cleanCtx, containerID); err != nil {
				h.logger.Warn().Err(err).Str("container_id", containerID).Msg("Idle cache cleanup failed")
			}
		}()
	}

	if h.broker != nil {
		h.broker.Publish(&Event{
			Type: TypeStreamEnded,
			Fields: map[string]string{
				"stream_id":    stream.ID,
				"container_id": stream.ContainerID,
				"content_key":  stream.ContentKey,
				"reason":       stream.EndReason,
				"engine_idle":  fmt.Sprintf("%t", engineIdle),
			},
		})
	}
	return stream, nil
}
