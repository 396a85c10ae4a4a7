package network

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"adaptivechain/consensus/types"
)

func newRelayServer(t *testing.T, opts ...ServiceOption) (*Relay, *httptest.Server) {
	t.Helper()
	relay := NewRelay(nil)
	svc, err := NewService(relay, NewTokenAuthenticator("", "secret"), opts...)
	require.NoError(t, err)
	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(srv.Close)
	return relay, srv
}

func TestRelayFansOutBetweenNodes(t *testing.T) {
	relay, srv := newRelayServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type delivery struct {
		origin string
		msg    *types.Message
	}
	got := make(chan delivery, 4)
	heartbeats := make(chan time.Time, 4)

	a, err := NewClient(srv.URL+"/gossip", "a", WithHeader(StaticTokenHeader("", "secret")))
	require.NoError(t, err)
	b, err := NewClient(srv.URL+"/gossip", "b", WithHeader(StaticTokenHeader("", "secret")))
	require.NoError(t, err)

	go func() { _ = a.Run(ctx, nil, nil) }()
	go func() {
		_ = b.Run(ctx, func(origin string, msg *types.Message) error {
			got <- delivery{origin: origin, msg: msg}
			return nil
		}, func(ts time.Time) {
			select {
			case heartbeats <- ts:
			default:
			}
		})
	}()

	require.Eventually(t, func() bool {
		return len(relay.Peers()) == 2 && a.Connected() && b.Connected()
	}, 5*time.Second, 10*time.Millisecond)

	msg := &types.Message{Kind: types.KindAdvisory, Epoch: 3, Height: 31, Payload: []byte("report")}
	require.NoError(t, a.Broadcast(msg))

	select {
	case d := <-got:
		require.Equal(t, "a", d.origin)
		require.Equal(t, types.KindAdvisory, d.msg.Kind)
		require.Equal(t, uint64(31), d.msg.Height)
		require.Equal(t, []byte("report"), d.msg.Payload)
	case <-time.After(5 * time.Second):
		t.Fatal("message was not relayed")
	}

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go relay.StartHeartbeats(hbCtx, 20*time.Millisecond)
	select {
	case ts := <-heartbeats:
		require.False(t, ts.IsZero())
	case <-time.After(5 * time.Second):
		t.Fatal("heartbeat was not delivered")
	}

	select {
	case d := <-got:
		t.Fatalf("unexpected delivery from %s", d.origin)
	default:
	}
}

func TestRelayRejectsUnauthenticatedNodes(t *testing.T) {
	relay, srv := newRelayServer(t)
	client, err := NewClient(srv.URL+"/gossip", "intruder")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.Error(t, client.Run(ctx, nil, nil))
	require.Empty(t, relay.Peers())
	require.ErrorIs(t, client.Broadcast(&types.Message{Kind: types.KindAdvisory}), errNotConnected)
}

func TestRelayDropsWhenQueueFull(t *testing.T) {
	relay := NewRelay(nil)
	state := newStreamState("slow", time.Now())
	relay.attach(state)
	defer relay.detach(state)

	before := testutil.ToFloat64(relay.metrics.dropped)
	for i := 0; i < streamQueueSize; i++ {
		require.True(t, relay.enqueue(state, []byte{byte(i)}))
	}
	require.False(t, relay.enqueue(state, []byte("overflow")))
	require.Equal(t, before+1, testutil.ToFloat64(relay.metrics.dropped))
	require.Equal(t, streamQueueSize, relay.Peers()[0].Queued)

	state.close()
	require.False(t, relay.enqueue(&streamState{queue: make(chan []byte, 1), done: state.done}, []byte("late")))
}

func TestPeersEndpointHonoursReadAuth(t *testing.T) {
	_, srv := newRelayServer(t)
	resp, err := http.Get(srv.URL + "/peers")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, open := newRelayServer(t, WithReadAuthenticator(nil), WithAllowUnauthenticatedReads(true))
	resp, err = http.Get(open.URL + "/peers")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Peers []PeerInfo `json:"peers"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Empty(t, body.Peers)
}
