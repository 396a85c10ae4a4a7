package network

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

const (
	streamQueueSize   = 128
	heartbeatInterval = 5 * time.Second
	writeTimeout      = 10 * time.Second
)

type streamState struct {
	node      string
	connected time.Time
	queue     chan []byte
	done      chan struct{}
	once      sync.Once
}

func newStreamState(node string, now time.Time) *streamState {
	return &streamState{
		node:      node,
		connected: now,
		queue:     make(chan []byte, streamQueueSize),
		done:      make(chan struct{}),
	}
}

func (s *streamState) close() {
	s.once.Do(func() {
		close(s.done)
	})
}

// PeerInfo describes a node attached to the relay.
type PeerInfo struct {
	Node      string    `json:"node"`
	Connected time.Time `json:"connected"`
	Queued    int       `json:"queued"`
}

// Relay fans gossip out between consensus nodes connected over websockets.
// Every frame a node uploads is delivered to every other attached node with
// Origin set to the uploader's name. Delivery is best effort: a node whose
// queue is full misses the frame.
type Relay struct {
	mu      sync.RWMutex
	streams map[string]*streamState
	logger  *slog.Logger
	metrics *relayMetrics
	now     func() time.Time
}

// NewRelay constructs a Relay without any attached nodes.
func NewRelay(logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		streams: make(map[string]*streamState),
		logger:  logger.With(slog.String("component", "relay")),
		metrics: defaultRelayMetrics(),
		now:     time.Now,
	}
}

// ServeHTTP upgrades the request to a websocket and binds it to the node
// named by the "node" query parameter. A second connection under the same
// name replaces the first.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	node := strings.TrimSpace(req.URL.Query().Get("node"))
	if node == "" {
		http.Error(w, "missing node parameter", http.StatusBadRequest)
		return
	}
	conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		r.logger.Warn("websocket accept failed", slog.String("node", node), slog.Any("error", err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "relay closed")
	conn.SetReadLimit(maxFrameSize)

	state := newStreamState(node, r.now())
	r.attach(state)
	defer r.detach(state)
	r.logger.Info("node attached", slog.String("node", node))

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()

	sendErr := make(chan error, 1)
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				sendErr <- nil
				return
			case <-state.done:
				sendErr <- nil
				return
			case frame := <-state.queue:
				writeCtx, writeCancel := context.WithTimeout(ctx, writeTimeout)
				err := conn.Write(writeCtx, websocket.MessageBinary, frame)
				writeCancel()
				if err != nil {
					sendErr <- err
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			cancel()
			if werr := <-sendErr; werr != nil {
				r.logger.Debug("relay write failed", slog.String("node", node), slog.Any("error", werr))
			}
			if websocket.CloseStatus(err) == -1 && req.Context().Err() == nil {
				r.logger.Debug("relay read ended", slog.String("node", node), slog.Any("error", err))
			}
			r.logger.Info("node detached", slog.String("node", node))
			return
		}
		frame, err := decodeFrame(data)
		if err != nil {
			r.logger.Warn("dropping malformed frame", slog.String("node", node), slog.Any("error", err))
			continue
		}
		if frame.IsHeartbeat() {
			continue
		}
		r.fanout(node, frame.Payload)
	}
}

// fanout delivers payload to every node other than origin and returns the
// number of queues that accepted it.
func (r *Relay) fanout(origin string, payload []byte) int {
	encoded, err := encodeFrame(&Frame{Origin: origin, Payload: payload, UnixMillis: uint64(r.now().UnixMilli())})
	if err != nil {
		r.logger.Error("encode relay frame", slog.Any("error", err))
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	delivered := 0
	for node, state := range r.streams {
		if node == origin {
			continue
		}
		if r.enqueue(state, encoded) {
			delivered++
		}
	}
	return delivered
}

// enqueue attempts to deliver the provided frame without blocking.
func (r *Relay) enqueue(state *streamState, frame []byte) bool {
	r.metrics.occupancy.Set(float64(len(state.queue)))
	select {
	case <-state.done:
		return false
	default:
	}
	select {
	case state.queue <- frame:
		r.metrics.enqueued.Inc()
		return true
	default:
		r.metrics.dropped.Inc()
		return false
	}
}

// StartHeartbeats emits heartbeat frames to every attached node at a fixed
// cadence until ctx is cancelled.
func (r *Relay) StartHeartbeats(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = heartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			encoded, err := encodeFrame(&Frame{UnixMillis: uint64(t.UnixMilli())})
			if err != nil {
				continue
			}
			r.mu.RLock()
			for _, state := range r.streams {
				_ = r.enqueue(state, encoded)
			}
			r.mu.RUnlock()
		}
	}
}

// Peers lists attached nodes ordered by name.
func (r *Relay) Peers() []PeerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PeerInfo, 0, len(r.streams))
	for _, state := range r.streams {
		out = append(out, PeerInfo{Node: state.node, Connected: state.connected, Queued: len(state.queue)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Node < out[j].Node })
	return out
}

func (r *Relay) attach(state *streamState) {
	r.mu.Lock()
	if prev := r.streams[state.node]; prev != nil {
		prev.close()
	}
	r.streams[state.node] = state
	r.metrics.peers.Set(float64(len(r.streams)))
	r.mu.Unlock()
}

func (r *Relay) detach(state *streamState) {
	r.mu.Lock()
	if r.streams[state.node] == state {
		delete(r.streams, state.node)
	}
	r.metrics.peers.Set(float64(len(r.streams)))
	r.mu.Unlock()
	state.close()
}
