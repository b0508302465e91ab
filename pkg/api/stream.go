package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"github.com/acepool/acepool/pkg/types"
)

// contentKeyParams are the accepted query parameters naming the content, in
// precedence order. The parameter name doubles as the key type handed to the
// engine.
var contentKeyParams = []string{"id", "content_id", "infohash", "url", "data"}

func contentKeyFrom(q url.Values) (keyType, key string) {
	for _, kt := range contentKeyParams {
		if v := q.Get(kt); v != "" {
			return kt, v
		}
	}
	return "", ""
}

// countingWriter tracks whether any payload byte reached the wire, which
// decides between a structured error response and a silent mid-stream stop.
type countingWriter struct {
	w http.ResponseWriter
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func (c *countingWriter) Flush() {
	if f, ok := c.w.(http.Flusher); ok {
		f.Flush()
	}
}

// handleGetStream serves the shared MPEG-TS broadcast for a content key. The
// first client creates the upstream playback session; later clients join the
// running broadcast and are primed with recent chunks. The response streams
// until the client leaves or the upstream ends.
func (s *Server) handleGetStream(w http.ResponseWriter, r *http.Request) {
	keyType, key := contentKeyFrom(r.URL.Query())
	if key == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing content key: pass id, content_id, infohash, url or data"})
		return
	}

	sess, created, err := s.streams.OpenSession(r.Context(), keyType, key)
	if err != nil {
		if errors.Is(err, types.ErrNoCapacity) {
			// Give the autoscaler a head start for the retry.
			s.scaler.Trigger()
		}
		if blocked := blockedFromErr(err); blocked != nil {
			writeJSON(w, http.StatusServiceUnavailable, blocked)
			return
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		s.logger.Warn().Err(err).Str("content_key", key).Msg("session open failed")
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "failed to open upstream stream: " + err.Error()})
		return
	}

	clientID := requestID(r.Context())
	if clientID == "" {
		clientID = uuid.NewString()
	}

	logger := s.logger.With().
		Str("content_key", key).
		Str("client_id", clientID).
		Bool("created_session", created).
		Logger()
	logger.Info().Msg("stream client attached")

	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Cache-Control", "no-store")

	cw := &countingWriter{w: w}
	err = sess.StreamTo(r.Context(), cw, clientID)
	switch {
	case err == nil:
		logger.Info().Int64("bytes", cw.n).Msg("stream client finished")
	case cw.n == 0:
		// Nothing committed yet, so the failure can still be reported.
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "upstream ended before first byte: " + err.Error()})
	case errors.Is(err, context.Canceled):
		logger.Debug().Int64("bytes", cw.n).Msg("stream client left")
	default:
		logger.Info().Err(err).Int64("bytes", cw.n).Msg("stream client detached")
	}
}
