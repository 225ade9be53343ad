package plshare

import (
	"bytes"
	"crypto/rand"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, AESKeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

// newChannelPair builds a connected named server/client channel pair with
// the given codec stages and an echo-style handler on the server
func newChannelPair(t *testing.T, useCompression bool, useEncryption bool) (*DuplexChannel, *DuplexChannel) {
	t.Helper()
	dir := t.TempDir()
	var key []byte
	if useEncryption {
		key = testKey(t)
	}

	server, err := NewDuplexChannel(ChannelConfig{
		Mode:           ModeServer,
		ID:             "ping",
		SocketDir:      dir,
		Key:            key,
		UseCompression: useCompression,
		UseEncryption:  useEncryption,
	})
	require.NoError(t, err)
	server.SetHandler(func(ev *MessageEvent) {
		if string(ev.Message) == "HELLO" {
			ev.Response = []byte("OK")
		}
	})
	require.NoError(t, server.Start(0))
	t.Cleanup(func() { server.Shutdown(nil) })

	client, err := NewDuplexChannel(ChannelConfig{
		Mode:           ModeClient,
		ID:             "ping",
		SocketDir:      dir,
		Key:            key,
		UseCompression: useCompression,
		UseEncryption:  useEncryption,
	})
	require.NoError(t, err)
	require.NoError(t, client.Start(2*time.Second))
	t.Cleanup(func() { client.Shutdown(nil) })

	return server, client
}

func TestChannelPing(t *testing.T) {
	cases := []struct {
		name           string
		useCompression bool
		useEncryption  bool
	}{
		{"raw", false, false},
		{"deflate", true, false},
		{"aes", false, true},
		{"aes+deflate", true, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, client := newChannelPair(t, tc.useCompression, tc.useEncryption)

			require.NoError(t, client.WriteString("HELLO"))
			client.SetReadDeadline(time.Now().Add(2 * time.Second))
			reply, err := client.ReadString()
			require.NoError(t, err)
			require.Equal(t, "OK", reply)
		})
	}
}

func TestChannelWriteCache(t *testing.T) {
	dir := t.TempDir()
	server, err := NewDuplexChannel(ChannelConfig{
		Mode:      ModeServer,
		ID:        "cached",
		SocketDir: dir,
	})
	require.NoError(t, err)
	require.NoError(t, server.Start(0))
	defer server.Shutdown(nil)

	// no client yet; writes land in the cache
	require.NoError(t, server.WriteString("first"))
	require.NoError(t, server.WriteString("second"))

	client, err := NewDuplexChannel(ChannelConfig{
		Mode:      ModeClient,
		ID:        "cached",
		SocketDir: dir,
	})
	require.NoError(t, err)
	require.NoError(t, client.Start(2*time.Second))
	defer client.Shutdown(nil)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	first, err := client.ReadString()
	require.NoError(t, err)
	second, err := client.ReadString()
	require.NoError(t, err)
	require.Equal(t, []string{"first", "second"}, []string{first, second})
}

func TestChannelWriteCacheCap(t *testing.T) {
	server, err := NewDuplexChannel(ChannelConfig{
		Mode:            ModeServer,
		ID:              "capped",
		SocketDir:       t.TempDir(),
		WriteCacheLimit: 2,
	})
	require.NoError(t, err)
	require.NoError(t, server.Start(0))
	defer server.Shutdown(nil)

	require.NoError(t, server.WriteString("one"))
	require.NoError(t, server.WriteString("two"))
	require.ErrorIs(t, server.WriteString("three"), ErrProtocol)
}

func TestChannelMessageBounds(t *testing.T) {
	server, client := newChannelPairWithBuf(t, 1024)

	got := make(chan []byte, 1)
	server.SetHandler(func(ev *MessageEvent) {
		got <- append([]byte(nil), ev.Message...)
	})

	// exactly the buffer size is one message
	exact := bytes.Repeat([]byte{0xa5}, 1024)
	require.NoError(t, client.WriteBytes(exact))
	select {
	case msg := <-got:
		require.Equal(t, exact, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out awaiting exact-buffer-size message")
	}

	// one byte more is a protocol error, empty is a codec error
	require.ErrorIs(t, client.WriteBytes(make([]byte, 1025)), ErrProtocol)
	require.ErrorIs(t, client.WriteBytes(nil), ErrCodec)
}

func newChannelPairWithBuf(t *testing.T, bufSize int) (*DuplexChannel, *DuplexChannel) {
	t.Helper()
	dir := t.TempDir()
	server, err := NewDuplexChannel(ChannelConfig{
		Mode:              ModeServer,
		ID:                "bounds",
		SocketDir:         dir,
		MessageBufferSize: bufSize,
	})
	require.NoError(t, err)
	require.NoError(t, server.Start(0))
	t.Cleanup(func() { server.Shutdown(nil) })

	client, err := NewDuplexChannel(ChannelConfig{
		Mode:              ModeClient,
		ID:                "bounds",
		SocketDir:         dir,
		MessageBufferSize: bufSize,
	})
	require.NoError(t, err)
	require.NoError(t, client.Start(2*time.Second))
	t.Cleanup(func() { client.Shutdown(nil) })
	return server, client
}

func TestChannelDisconnectReadsNil(t *testing.T) {
	server, client := newChannelPair(t, false, false)

	server.Shutdown(nil)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := client.ReadBytes()
	require.NoError(t, err)
	require.Nil(t, data, "peer disconnect reads as nil, not as an empty message")
}

func TestChannelDisposedIsNoOp(t *testing.T) {
	_, client := newChannelPair(t, false, false)
	client.Shutdown(nil)

	require.NoError(t, client.WriteString("ignored"))
	data, err := client.ReadBytes()
	require.NoError(t, err)
	require.Nil(t, data)
}

func TestStreamChannel(t *testing.T) {
	a, b := net.Pipe()
	key := testKey(t)

	chA, err := NewDuplexChannel(ChannelConfig{
		Mode:           ModeStream,
		Stream:         a,
		Key:            key,
		UseCompression: true,
		UseEncryption:  true,
	})
	require.NoError(t, err)
	require.NoError(t, chA.Start(0))
	defer chA.Shutdown(nil)

	chB, err := NewDuplexChannel(ChannelConfig{
		Mode:           ModeStream,
		Stream:         b,
		Key:            key,
		UseCompression: true,
		UseEncryption:  true,
	})
	require.NoError(t, err)
	require.NoError(t, chB.Start(0))
	defer chB.Shutdown(nil)

	got := make(chan string, 1)
	errs := make(chan error, 1)
	go func() {
		s, err := chB.ReadString()
		errs <- err
		got <- s
	}()

	require.NoError(t, chA.WriteString("over a raw stream"))
	require.NoError(t, <-errs)
	require.Equal(t, "over a raw stream", <-got)
}

func TestChannelConfigValidation(t *testing.T) {
	_, err := NewDuplexChannel(ChannelConfig{Mode: ModeStream})
	require.ErrorIs(t, err, ErrConfig, "stream mode without a stream")

	_, err = NewDuplexChannel(ChannelConfig{Mode: ModeClient})
	require.ErrorIs(t, err, ErrConfig, "empty pipe id")

	_, err = NewDuplexChannel(ChannelConfig{Mode: ModeClient, ID: "x", Direction: Direction(9)})
	require.ErrorIs(t, err, ErrConfig, "bad direction")

	ch, err := NewDuplexChannel(ChannelConfig{Mode: ModeClient, ID: "x", Direction: DirIn})
	require.NoError(t, err)
	require.ErrorIs(t, ch.WriteString("nope"), ErrConfig, "write on a read-only channel")
}

func TestChannelKindDetection(t *testing.T) {
	ch, err := NewDuplexChannel(ChannelConfig{Mode: ModeClient, ID: "4095"})
	require.NoError(t, err)
	require.Equal(t, PipeAnonymous, ch.Kind())

	ch, err = NewDuplexChannel(ChannelConfig{Mode: ModeClient, ID: "control"})
	require.NoError(t, err)
	require.Equal(t, PipeNamed, ch.Kind())
}

func TestChannelKeyData(t *testing.T) {
	ch, err := NewDuplexChannel(ChannelConfig{Mode: ModeClient, ID: "keyed", UseEncryption: true})
	require.NoError(t, err)
	pack, err := ch.KeyData()
	require.NoError(t, err)
	require.Len(t, pack, KeyPackSize)

	again, err := ch.KeyData()
	require.NoError(t, err)
	require.Equal(t, pack[:AESKeySize], again[:AESKeySize], "KeyData must be stable once initialized")
}
