package rpcconn

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipePair wires two Conns together over in-memory pipes so tests can
// exercise both directions without a real process.
type pipePair struct {
	client, server *Conn
}

func newPipePair(t *testing.T) *pipePair {
	t.Helper()
	cr, sw := io.Pipe()
	sr, cw := io.Pipe()

	client := NewConn(cr, cw, cw)
	server := NewConn(sr, sw, sw)

	ctx := context.Background()
	client.Start(ctx)
	server.Start(ctx)

	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})

	return &pipePair{client: client, server: server}
}

func TestSendRequestRoundTrip(t *testing.T) {
	pp := newPipePair(t)

	pp.server.OnRequest(func(_ context.Context, method string, params json.RawMessage) (any, *RPCError) {
		assert.Equal(t, "ping", method)
		return map[string]string{"pong": "ok"}, nil
	})

	raw, err := pp.client.SendRequest(context.Background(), "ping", map[string]int{"n": 1}, 2*time.Second)
	require.NoError(t, err)

	var result map[string]string
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.Equal(t, "ok", result["pong"])
}

func TestSendRequestServerError(t *testing.T) {
	pp := newPipePair(t)

	pp.server.OnRequest(func(_ context.Context, _ string, _ json.RawMessage) (any, *RPCError) {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "bad params"}
	})

	_, err := pp.client.SendRequest(context.Background(), "boom", nil, 2*time.Second)
	require.Error(t, err)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeInvalidParams, rpcErr.Code)
}

func TestSendRequestTimeout(t *testing.T) {
	pp := newPipePair(t)
	// Server never answers.
	pp.server.OnRequest(func(_ context.Context, _ string, _ json.RawMessage) (any, *RPCError) {
		select {}
	})

	_, err := pp.client.SendRequest(context.Background(), "slow", nil, 30*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestNotificationDelivered(t *testing.T) {
	pp := newPipePair(t)

	received := make(chan json.RawMessage, 1)
	pp.server.OnNotification(func(method string, params json.RawMessage) {
		assert.Equal(t, "textDocument/didOpen", method)
		received <- params
	})

	require.NoError(t, pp.client.SendNotification("textDocument/didOpen", map[string]string{"uri": "file:///a.go"}))

	select {
	case params := <-received:
		var decoded map[string]string
		require.NoError(t, json.Unmarshal(params, &decoded))
		assert.Equal(t, "file:///a.go", decoded["uri"])
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestCloseFailsPendingRequests(t *testing.T) {
	pp := newPipePair(t)
	pp.server.OnRequest(func(_ context.Context, _ string, _ json.RawMessage) (any, *RPCError) {
		select {}
	})

	resultCh := make(chan error, 1)
	go func() {
		_, err := pp.client.SendRequest(context.Background(), "stuck", nil, 0)
		resultCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, pp.client.Close())

	select {
	case err := <-resultCh:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request never resolved after close")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	pp := newPipePair(t)
	require.NoError(t, pp.client.Close())
	require.NoError(t, pp.client.Close())
	assert.True(t, pp.client.IsClosed())
}

func TestSendAfterCloseFails(t *testing.T) {
	pp := newPipePair(t)
	require.NoError(t, pp.client.Close())

	err := pp.client.SendNotification("noop", nil)
	assert.ErrorIs(t, err, ErrConnectionClosed)

	_, err = pp.client.SendRequest(context.Background(), "noop", nil, time.Second)
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestDecodeRPCErrorObjectShape(t *testing.T) {
	e := decodeRPCError(json.RawMessage(`{"code":-32602,"message":"bad params","data":{"field":"uri"}}`))
	require.NotNil(t, e)
	assert.Equal(t, CodeInvalidParams, e.Code)
	assert.Equal(t, "bad params", e.Message)
}

func TestDecodeRPCErrorNonObjectShapesNormalize(t *testing.T) {
	for _, raw := range []string{`"server is unavailable"`, `42`, `["a","b"]`} {
		e := decodeRPCError(json.RawMessage(raw))
		require.NotNil(t, e)
		assert.Equal(t, "request failed", e.Message)
		assert.NotNil(t, e.Data)
	}
}

func TestDecodeRPCErrorEmptyIsNil(t *testing.T) {
	assert.Nil(t, decodeRPCError(nil))
	assert.Nil(t, decodeRPCError(json.RawMessage{}))
}

func TestDispatchNormalizesNonObjectServerError(t *testing.T) {
	pp := newPipePair(t)

	resultCh := make(chan envelope, 1)
	pp.client.mu.Lock()
	pp.client.pending[0] = &pendingCall{ch: resultCh, method: "boom"}
	pp.client.mu.Unlock()

	raw, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      0,
		"error":   "backend crashed",
	})
	require.NoError(t, err)

	pp.client.dispatch(context.Background(), raw)

	select {
	case resp := <-resultCh:
		require.NotNil(t, resp.Error)
		assert.Equal(t, "request failed", resp.Error.Message)
		assert.Equal(t, "backend crashed", resp.Error.Data)
	case <-time.After(time.Second):
		t.Fatal("dispatch did not deliver normalized error")
	}
}

func TestLateResponseAfterTimeoutIsDiscarded(t *testing.T) {
	pp := newPipePair(t)

	release := make(chan struct{})
	pp.server.OnRequest(func(_ context.Context, _ string, _ json.RawMessage) (any, *RPCError) {
		<-release
		return "late", nil
	})

	_, err := pp.client.SendRequest(context.Background(), "slow", nil, 30*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)

	close(release)
	time.Sleep(50 * time.Millisecond) // give the late response a chance to arrive and be dropped
}
