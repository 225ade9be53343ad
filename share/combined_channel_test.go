package plshare

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testCombinedConfig(t *testing.T) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SocketDir = t.TempDir()
	cfg.LogLevel = "error"
	return cfg
}

func echoOKHandler(ev *MessageEvent) {
	if string(ev.Message) == "HELLO" {
		ev.Response = []byte("OK")
	}
}

func TestCombinedHandshake(t *testing.T) {
	cfg := testCombinedConfig(t)

	server, err := NewCombinedServer(cfg, "combo", echoOKHandler)
	require.NoError(t, err)
	defer server.Shutdown(nil)

	id, err := server.InitialPipeID()
	require.NoError(t, err)

	client, err := NewCombinedClient(cfg, "combo", id)
	require.NoError(t, err)
	defer client.Shutdown(nil)

	reply, err := client.Request([]byte("HELLO"), 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, "OK", string(reply))
}

func TestCombinedNotify(t *testing.T) {
	cfg := testCombinedConfig(t)

	got := make(chan string, 1)
	server, err := NewCombinedServer(cfg, "notify", func(ev *MessageEvent) {
		got <- string(ev.Message)
	})
	require.NoError(t, err)
	defer server.Shutdown(nil)

	id, err := server.InitialPipeID()
	require.NoError(t, err)
	client, err := NewCombinedClient(cfg, "notify", id)
	require.NoError(t, err)
	defer client.Shutdown(nil)

	require.NoError(t, client.Notify([]byte("fire and forget"), time.Second))
	select {
	case msg := <-got:
		require.Equal(t, "fire and forget", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("notification never arrived")
	}
}

func TestCombinedReinitialize(t *testing.T) {
	cfg := testCombinedConfig(t)

	server, err := NewCombinedServer(cfg, "reinit", echoOKHandler)
	require.NoError(t, err)
	defer server.Shutdown(nil)

	id1, err := server.InitialPipeID()
	require.NoError(t, err)
	client1, err := NewCombinedClient(cfg, "reinit", id1)
	require.NoError(t, err)
	reply, err := client1.Request([]byte("HELLO"), 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, "OK", string(reply))

	// replace the peer: stage a fresh bootstrap pipe for the next process
	client1.Shutdown(nil)
	require.NoError(t, server.Reinitialize())

	id2, err := server.InitialPipeID()
	require.NoError(t, err)
	client2, err := NewCombinedClient(cfg, "reinit", id2)
	require.NoError(t, err)
	defer client2.Shutdown(nil)

	reply, err = client2.Request([]byte("HELLO"), 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, "OK", string(reply))
}

func TestCombinedClientBadPipeID(t *testing.T) {
	cfg := testCombinedConfig(t)
	cfg.RequestTimeout = Duration(200 * time.Millisecond)

	_, err := NewCombinedClient(cfg, "nowhere", "not-a-number")
	require.ErrorIs(t, err, ErrOs)
}

func TestSpawnArgs(t *testing.T) {
	require.Equal(t, []string{"3"}, SpawnArgs(nil, "3"),
		"no arguments means a single pipe-id argument")
	require.Equal(t,
		[]string{"--pipe", "7", "--verbose"},
		SpawnArgs([]string{"--pipe", PipeIDToken, "--verbose"}, "7"))
}
