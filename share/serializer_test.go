package plshare

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// jsonSerializer is a test-local Serializer; the library itself ships the
// interface only
type jsonSerializer struct{}

func (jsonSerializer) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonSerializer) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

type testNote struct {
	Seq  int    `json:"seq"`
	Body string `json:"body"`
}

func TestChannelTypedRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	chA, err := NewDuplexChannel(ChannelConfig{
		Mode:       ModeStream,
		Stream:     a,
		Serializer: jsonSerializer{},
	})
	require.NoError(t, err)
	require.NoError(t, chA.Start(0))
	defer chA.Shutdown(nil)

	chB, err := NewDuplexChannel(ChannelConfig{
		Mode:       ModeStream,
		Stream:     b,
		Serializer: jsonSerializer{},
	})
	require.NoError(t, err)
	require.NoError(t, chB.Start(0))
	defer chB.Shutdown(nil)

	want := testNote{Seq: 7, Body: "typed payload"}
	done := make(chan error, 1)
	var got testNote
	go func() {
		done <- chB.Read(&got)
	}()
	require.NoError(t, chA.Write(want))
	select {
	case err := <-done:
		require.NoError(t, err)
		require.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out awaiting typed message")
	}
}

func TestChannelTypedRequiresSerializer(t *testing.T) {
	a, _ := net.Pipe()
	ch, err := NewDuplexChannel(ChannelConfig{Mode: ModeStream, Stream: a})
	require.NoError(t, err)
	require.NoError(t, ch.Start(0))
	defer ch.Shutdown(nil)

	require.ErrorIs(t, ch.Write(testNote{}), ErrConfig)
	var v testNote
	require.ErrorIs(t, ch.Read(&v), ErrConfig)
}
