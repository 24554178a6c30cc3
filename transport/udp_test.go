package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestUDPCallReceivesHandlerResult(t *testing.T) {
	server, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer server.Stop()

	server.RegisterHandler("ping", func(sender *net.UDPAddr, args []any) (any, error) {
		return "pong", nil
	})

	client, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer client.Stop()

	dst := server.LocalAddr().(*net.UDPAddr)
	result := client.Call(dst, "ping", []any{"hello"})
	require.True(t, result.Ok)

	var reply string
	require.NoError(t, msgpack.Unmarshal(result.Body, &reply))
	assert.Equal(t, "pong", reply)
}

func TestUDPCallTimesOutWhenNoHandler(t *testing.T) {
	server, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer server.Stop()

	client, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer client.Stop()

	dst := server.LocalAddr().(*net.UDPAddr)
	result := client.CallTimeout(dst, "no-such-rpc", nil, 50*time.Millisecond)
	assert.False(t, result.Ok)
}

func TestUDPStopCancelsPendingTimers(t *testing.T) {
	client, err := Listen("127.0.0.1:0")
	require.NoError(t, err)

	unreachable := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1}
	done := make(chan Result, 1)
	go func() {
		done <- client.CallTimeout(unreachable, "ping", nil, 2*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	client.Stop()

	select {
	case result := <-done:
		assert.False(t, result.Ok)
	case <-time.After(time.Second):
		t.Fatal("call did not unblock after Stop")
	}
}
