package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"adaptivechain/consensus/types"
	"adaptivechain/network"
)

const (
	outboundQueueCapacity  = 4096
	outboundRetryBaseDelay = 100 * time.Millisecond
	outboundRetryMaxDelay  = 5 * time.Second
	idleTickInterval       = time.Second

	relayReconnectBaseDelay = 500 * time.Millisecond
	relayReconnectMaxDelay  = 30 * time.Second
)

// sender is the part of network.Client the broadcaster drives.
type sender interface {
	Broadcast(msg *types.Message) error
}

// resilientBroadcaster buffers outbound consensus messages while the relay
// link is down and drains them in order once a client is attached. When the
// buffer is full the oldest message is dropped.
type resilientBroadcaster struct {
	mu      sync.Mutex
	queue   []*types.Message
	updates chan sender
	notify  chan struct{}
}

func newResilientBroadcaster(ctx context.Context) *resilientBroadcaster {
	rb := &resilientBroadcaster{
		queue:   make([]*types.Message, 0, 64),
		updates: make(chan sender, 1),
		notify:  make(chan struct{}, 1),
	}
	go rb.run(ctx)
	return rb
}

// Broadcast implements engine.Broadcaster. It never blocks the actor.
func (r *resilientBroadcaster) Broadcast(msg *types.Message) error {
	if msg == nil {
		return nil
	}
	r.mu.Lock()
	if len(r.queue) >= outboundQueueCapacity {
		r.queue = r.queue[1:]
	}
	r.queue = append(r.queue, msg.Clone())
	r.mu.Unlock()
	r.signal()
	return nil
}

// SetClient swaps the active link. A nil client pauses delivery.
func (r *resilientBroadcaster) SetClient(client sender) {
	select {
	case r.updates <- client:
	default:
		select {
		case <-r.updates:
		default:
		}
		r.updates <- client
	}
	r.signal()
}

func (r *resilientBroadcaster) pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

func (r *resilientBroadcaster) run(ctx context.Context) {
	var (
		client     sender
		retryDelay = outboundRetryBaseDelay
	)
	for {
		if ctx.Err() != nil {
			return
		}

		r.mu.Lock()
		var next *types.Message
		if len(r.queue) > 0 {
			next = r.queue[0]
		}
		r.mu.Unlock()

		if client != nil && next != nil {
			if err := client.Broadcast(next); err != nil {
				retryDelay = nextDelay(retryDelay, outboundRetryBaseDelay, outboundRetryMaxDelay)
				select {
				case <-ctx.Done():
					return
				case client = <-r.updates:
					retryDelay = outboundRetryBaseDelay
				case <-time.After(retryDelay):
				case <-r.notify:
				}
				continue
			}
			r.mu.Lock()
			if len(r.queue) > 0 && r.queue[0] == next {
				r.queue = r.queue[1:]
			}
			r.mu.Unlock()
			retryDelay = outboundRetryBaseDelay
			continue
		}

		select {
		case <-ctx.Done():
			return
		case client = <-r.updates:
			retryDelay = outboundRetryBaseDelay
		case <-r.notify:
		case <-time.After(idleTickInterval):
		}
	}
}

func (r *resilientBroadcaster) signal() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func nextDelay(current, base, ceiling time.Duration) time.Duration {
	next := current * 2
	if next < base {
		next = base
	}
	if next > ceiling {
		return ceiling
	}
	return next
}

// inbound receives relayed consensus messages.
type inbound interface {
	Submit(ctx context.Context, peer string, msg *types.Message) error
}

// maintainRelay keeps a relay connection open, reconnecting with exponential
// backoff, and feeds received messages to the orchestrator.
func maintainRelay(ctx context.Context, dial func() (*network.Client, error), broadcaster *resilientBroadcaster, sink inbound, logger *slog.Logger) {
	backoff := relayReconnectBaseDelay
	for {
		if ctx.Err() != nil {
			return
		}
		client, err := dial()
		if err != nil {
			logger.Error("relay client setup failed", slog.Any("error", err))
			return
		}
		broadcaster.SetClient(client)
		start := time.Now()
		err = client.Run(ctx, func(origin string, msg *types.Message) error {
			if err := sink.Submit(ctx, origin, msg); err != nil && !errors.Is(err, context.Canceled) {
				logger.Debug("relayed message rejected",
					slog.String("node", origin),
					slog.String("kind", msg.Kind.String()),
					slog.Any("error", err))
			}
			return nil
		}, nil)
		broadcaster.SetClient(nil)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Warn("relay stream terminated", slog.Any("error", err))
		}
		if time.Since(start) > relayReconnectMaxDelay {
			backoff = relayReconnectBaseDelay
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = nextDelay(backoff, relayReconnectBaseDelay, relayReconnectMaxDelay)
	}
}
