package mux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/acepool/acepool/pkg/engine"
	"github.com/acepool/acepool/pkg/metrics"
)

// State is a broadcaster's position in its lifecycle.
type State int32

const (
	StateCreated State = iota
	StateConnecting
	StateStreaming
	StateFailed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ErrSlowClient is returned by StreamTo when the client was dropped for not
// draining its queue.
var ErrSlowClient = errors.New("client dropped: queue overflow")

type client struct {
	q       chan []byte
	dropped chan struct{}
}

// Broadcaster fans one upstream engine byte stream out to many clients. The
// fetch goroutine is the only ring writer; clients consume through bounded
// queues so one stalled reader never holds back the rest.
type Broadcaster struct {
	ContentKey string

	keyType   string
	streamID  string
	engineID  string
	session   *engine.PlaybackSession
	chunkSize int
	queueSize int
	connWait  time.Duration
	chunkWait time.Duration

	httpc   *http.Client
	engines EngineAPI
	logger  zerolog.Logger

	mu        sync.Mutex
	state     State
	err       error
	clients   map[string]*client
	ring      *chunkRing
	idleSince time.Time // zero while clients are connected

	connected  chan struct{} // closed when upstream response headers arrive
	firstChunk chan struct{} // closed when the first chunk enters the ring
	connOnce   sync.Once
	chunkOnce  sync.Once

	closed chan struct{} // end-of-stream sentinel for every client
	done   chan struct{} // fetch goroutine exited
	cancel context.CancelFunc

	ready   chan struct{} // session setup finished; initErr readable after
	initErr error
}

func newBroadcaster(m *Mux, keyType, contentKey string) *Broadcaster {
	return &Broadcaster{
		ContentKey: contentKey,
		keyType:    keyType,
		chunkSize:  int(m.cfg.MuxChunkSize),
		queueSize:  m.cfg.MuxClientQueueSize,
		connWait:   m.cfg.MuxConnectTimeout,
		chunkWait:  m.cfg.MuxClientWaitFirst,
		httpc:      m.httpc,
		engines:    m.engines,
		logger:     m.logger.With().Str("content_key", contentKey).Logger(),
		state:      StateCreated,
		clients:    make(map[string]*client),
		ring:       newChunkRing(m.cfg.MuxRingCapacity),
		idleSince:  time.Now(),
		connected:  make(chan struct{}),
		firstChunk: make(chan struct{}),
		closed:     make(chan struct{}),
		done:       make(chan struct{}),
		ready:      make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (b *Broadcaster) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Err returns the sticky upstream error, nil after a clean stop.
func (b *Broadcaster) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// StreamID returns the state-store stream id, empty if recording failed.
func (b *Broadcaster) StreamID() string { return b.streamID }

// EngineID returns the container id of the serving engine.
func (b *Broadcaster) EngineID() string { return b.engineID }

// ClientCount returns the number of registered clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// IdleFor reports how long the broadcaster has been without clients, zero
// while any client is connected.
func (b *Broadcaster) IdleFor(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.idleSince.IsZero() {
		return now.Sub(b.idleSince)
	}
	return 0
}

func (b *Broadcaster) terminal() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateFailed || b.state == StateStopped
}

// failInit records a setup failure before the fetch ever started and
// unblocks anyone already waiting on the session.
func (b *Broadcaster) failInit(err error) {
	b.initErr = err
	b.shutdown(err)
	close(b.done)
	close(b.ready)
}

// start spawns the upstream fetch. Callers must have populated the session.
func (b *Broadcaster) start(playbackURL string) {
	ctx, cancel := context.WithCancel(context.Background())

	b.mu.Lock()
	b.cancel = cancel
	b.state = StateConnecting
	b.mu.Unlock()

	go b.run(ctx, playbackURL)
}

// Stop cancels the upstream fetch and waits until the broadcaster reached a
// terminal state. Safe to call at any point in the lifecycle, repeatedly.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	cancel := b.cancel
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	} else {
		// Fetch never started. Setup either failed already or is still in
		// flight; shutdown flips the state so the commit aborts.
		b.shutdown(nil)
	}
	<-b.done
}

func (b *Broadcaster) run(ctx context.Context, playbackURL string) {
	defer func() {
		if r := recover(); r != nil {
			b.shutdown(fmt.Errorf("fetch crashed: %v", r))
		}
		close(b.done)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, playbackURL, nil)
	if err != nil {
		b.shutdown(err)
		return
	}
	// The engine middleware misbehaves under content-encoding.
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := b.httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			b.shutdown(nil)
			return
		}
		b.shutdown(fmt.Errorf("upstream connect failed: %w", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		b.shutdown(fmt.Errorf("upstream returned status %d", resp.StatusCode))
		return
	}

	b.connOnce.Do(func() { close(b.connected) })
	b.logger.Debug().Str("playback_url", playbackURL).Msg("Upstream connected")

	for {
		buf := make([]byte, b.chunkSize)
		n, err := resp.Body.Read(buf)
		if n > 0 {
			b.deliver(buf[:n:n])
		}
		if err != nil {
			switch {
			case ctx.Err() != nil:
				b.shutdown(nil)
			case errors.Is(err, io.EOF):
				b.logger.Info().Msg("Upstream ended")
				b.shutdown(nil)
			default:
				b.shutdown(fmt.Errorf("upstream read failed: %w", err))
			}
			return
		}
	}
}

// deliver appends one chunk to the ring and fans it out. The clients-lock is
// held only to snapshot the queue set and, afterwards, to drop slow clients;
// the sends happen outside it so a full queue never stalls the other
// clients.
func (b *Broadcaster) deliver(chunk []byte) {
	type entry struct {
		id string
		cl *client
	}

	b.mu.Lock()
	b.ring.append(chunk)
	if b.state == StateConnecting {
		b.state = StateStreaming
	}
	queues := make([]entry, 0, len(b.clients))
	for id, cl := range b.clients {
		queues = append(queues, entry{id: id, cl: cl})
	}
	b.mu.Unlock()

	b.chunkOnce.Do(func() { close(b.firstChunk) })

	var slow []entry
	for _, e := range queues {
		select {
		case e.cl.q <- chunk:
			metrics.MuxBytesTotal.Add(float64(len(chunk)))
		default:
			slow = append(slow, e)
		}
	}
	if len(slow) == 0 {
		return
	}

	b.mu.Lock()
	for _, e := range slow {
		if b.clients[e.id] == e.cl {
			delete(b.clients, e.id)
			close(e.cl.dropped)
			metrics.MuxClientsDroppedTotal.Inc()
			metrics.MuxClients.Dec()
			b.logger.Warn().Str("client_id", e.id).Msg("Dropping slow client")
		}
	}
	if len(b.clients) == 0 && b.idleSince.IsZero() {
		b.idleSince = time.Now()
	}
	b.mu.Unlock()
}

// shutdown moves the broadcaster to a terminal state exactly once and
// unblocks every waiter. A nil err is a clean stop; non-nil marks the
// broadcaster failed. The ring is retained so late clients can still drain
// what was queued.
func (b *Broadcaster) shutdown(err error) {
	b.mu.Lock()
	if b.state == StateFailed || b.state == StateStopped {
		b.mu.Unlock()
		return
	}
	if err != nil {
		b.state = StateFailed
		b.err = err
	} else {
		b.state = StateStopped
	}
	session := b.session
	b.mu.Unlock()

	// Joiners blocked on connection or first chunk must never deadlock.
	b.connOnce.Do(func() { close(b.connected) })
	b.chunkOnce.Do(func() { close(b.firstChunk) })
	close(b.closed)

	if err != nil {
		b.logger.Warn().Err(err).Msg("Broadcaster failed")
	} else {
		b.logger.Info().Msg("Broadcaster stopped")
	}

	// End the engine-side playback session. If the engine already dropped
	// it, stale detection squares the books.
	if session != nil && session.CommandURL != "" && b.engines != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.engines.StopPlayback(stopCtx, session.CommandURL); err != nil {
			b.logger.Debug().Err(err).Msg("Playback stop command failed")
		}
	}
}

// addClient snapshots the ring and registers a queue under one lock hold so
// every chunk lands in exactly one of the two.
func (b *Broadcaster) addClient(clientID string) (*client, [][]byte, error) {
	cl := &client{
		q:       make(chan []byte, b.queueSize),
		dropped: make(chan struct{}),
	}

	b.mu.Lock()
	if _, exists := b.clients[clientID]; exists {
		b.mu.Unlock()
		return nil, nil, fmt.Errorf("client %s already streaming", clientID)
	}
	snapshot := b.ring.snapshot()
	b.clients[clientID] = cl
	b.idleSince = time.Time{}
	b.mu.Unlock()

	metrics.MuxClients.Inc()
	return cl, snapshot, nil
}

func (b *Broadcaster) removeClient(clientID string) {
	b.mu.Lock()
	_, exists := b.clients[clientID]
	if exists {
		delete(b.clients, clientID)
		if len(b.clients) == 0 {
			b.idleSince = time.Now()
		}
	}
	b.mu.Unlock()

	if exists {
		metrics.MuxClients.Dec()
	}
}

// StreamTo registers a client and copies chunks to w until the client
// leaves, falls behind, or the broadcaster reaches a terminal state. New
// clients are primed with the freshest ring chunks that fit their queue.
func (b *Broadcaster) StreamTo(ctx context.Context, w io.Writer, clientID string) error {
	cl, backfill, err := b.addClient(clientID)
	if err != nil {
		return err
	}
	var served uint64
	defer func() {
		b.removeClient(clientID)
		b.logger.Debug().
			Str("client_id", clientID).
			Str("served", humanize.IBytes(served)).
			Msg("Client left")
	}()

	// Prime the queue outside the clients-lock; pushing megabytes of
	// backfill under it would stall the broadcast loop.
	if len(backfill) > b.queueSize {
		backfill = backfill[len(backfill)-b.queueSize:]
	}
	for _, chunk := range backfill {
		select {
		case cl.q <- chunk:
		default:
		}
	}

	if err := waitEvent(ctx, b.connected, b.connWait, "upstream connection"); err != nil {
		return err
	}
	if err := b.Err(); err != nil {
		return err
	}
	if err := waitEvent(ctx, b.firstChunk, b.chunkWait, "first chunk"); err != nil {
		return err
	}
	if err := b.Err(); err != nil {
		return err
	}

	flusher, _ := w.(http.Flusher)
	for {
		select {
		case chunk := <-cl.q:
			if _, err := w.Write(chunk); err != nil {
				return err
			}
			served += uint64(len(chunk))
			if flusher != nil {
				flusher.Flush()
			}
		case <-cl.dropped:
			return ErrSlowClient
		case <-b.closed:
			// Drain what was queued before shutdown, then report the
			// upstream verdict.
			for {
				select {
				case chunk := <-cl.q:
					if _, err := w.Write(chunk); err != nil {
						return err
					}
					served += uint64(len(chunk))
					if flusher != nil {
						flusher.Flush()
					}
				default:
					return b.Err()
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func waitEvent(ctx context.Context, ev <-chan struct{}, d time.Duration, what string) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ev:
		return nil
	case <-timer.C:
		return fmt.Errorf("timed out after %s waiting for %s", d, what)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// chunkRing keeps the most recent chunks for late-joiner priming. Only the
// fetch goroutine writes; readers take copies of the slice header under the
// broadcaster lock.
type chunkRing struct {
	chunks [][]byte
	cap    int
}

func newChunkRing(capacity int) *chunkRing {
	if capacity < 1 {
		capacity = 1
	}
	return &chunkRing{cap: capacity}
}

func (r *chunkRing) append(chunk []byte) {
	if len(r.chunks) == r.cap {
		copy(r.chunks, r.chunks[1:])
		r.chunks[len(r.chunks)-1] = chunk
		return
	}
	r.chunks = append(r.chunks, chunk)
}

func (r *chunkRing) snapshot() [][]byte {
	out := make([][]byte, len(r.chunks))
	copy(out, r.chunks)
	return out
}

func (r *chunkRing) len() int { return len(r.chunks) }
