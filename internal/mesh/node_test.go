package mesh

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// connectedPair spins up two nodes, peer-A behind an httptest server and
// peer-B dialing into it, and waits until both sides see each other.
func connectedPair(t *testing.T) (a, b *Node) {
	t.Helper()

	a = NewNode("peer-a", "host-a", zerolog.Nop())
	b = NewNode("peer-b", "host-b", zerolog.Nop())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, a.Upgrade(w, r))
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	require.NoError(t, b.Dial(context.Background(), wsURL))

	require.Eventually(t, func() bool {
		return a.IsPeerAlive("peer-b") && b.IsPeerAlive("peer-a")
	}, time.Second, 10*time.Millisecond)

	return a, b
}

func TestNode_HandshakeEstablishesPeerConnection(t *testing.T) {
	a, b := connectedPair(t)
	require.True(t, a.IsPeerAlive("peer-b"))
	require.True(t, b.IsPeerAlive("peer-a"))
}

func TestNode_RegisterHandlerGossipsToConnectedPeers(t *testing.T) {
	a, b := connectedPair(t)

	a.RegisterHandler("some_actor", func(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})

	require.Eventually(t, func() bool {
		peerID, ok := b.Lookup("some_actor")
		return ok && peerID == "peer-a"
	}, time.Second, 10*time.Millisecond)
}

func TestNode_CallRoutesToHandlerAndReturnsResult(t *testing.T) {
	a, b := connectedPair(t)

	a.RegisterHandler("echo_actor", func(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
		return params, nil
	})

	require.Eventually(t, func() bool {
		_, ok := b.Lookup("echo_actor")
		return ok
	}, time.Second, 10*time.Millisecond)

	result, err := b.Call(context.Background(), "echo_actor", "Echo", map[string]string{"hello": "world"})
	require.NoError(t, err)
	require.JSONEq(t, `{"hello":"world"}`, string(result))
}

func TestNode_CallSurfacesHandlerError(t *testing.T) {
	a, b := connectedPair(t)

	a.RegisterHandler("failing_actor", func(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
		return nil, errBoom
	})

	require.Eventually(t, func() bool {
		_, ok := b.Lookup("failing_actor")
		return ok
	}, time.Second, 10*time.Millisecond)

	_, err := b.Call(context.Background(), "failing_actor", "Whatever", struct{}{})
	require.ErrorContains(t, err, "boom")
}

func TestNode_CallUnknownActorFails(t *testing.T) {
	_, b := connectedPair(t)
	_, err := b.Call(context.Background(), "nonexistent", "Whatever", struct{}{})
	require.Error(t, err)
}

func TestNode_PeerLeftEmittedOnDisconnect(t *testing.T) {
	a, b := connectedPair(t)

	events, unsub := a.SubscribePeerEvents()
	defer unsub()

	b.mu.RLock()
	conn := b.conns["peer-a"]
	b.mu.RUnlock()
	require.NoError(t, conn.conn.Close())

	select {
	case ev := <-events:
		require.Equal(t, PeerLeft, ev.Kind)
		require.Equal(t, "peer-b", ev.PeerID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for PeerLeft event")
	}
}

type stringErr string

func (e stringErr) Error() string { return string(e) }

var errBoom = stringErr("boom")
