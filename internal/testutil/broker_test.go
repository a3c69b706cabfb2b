package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/diagramsync/internal/stomp"
)

func readFrame(t *testing.T, c interface {
	ReadMessage() (int, []byte, error)
}) stomp.Frame {
	t.Helper()
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	f, err := stomp.Decode(data)
	require.NoError(t, err)
	return f
}

func TestBroker_HandshakeAndDeliver(t *testing.T) {
	b := NewBroker()
	conn, err := b.Dial(context.Background(), "ws://test")
	require.NoError(t, err)

	require.NoError(t, conn.WriteMessage(1, stomp.Encode(stomp.Connect("test"))))
	assert.Equal(t, stomp.CmdConnected, readFrame(t, conn).Command)

	require.NoError(t, conn.WriteMessage(1, stomp.Encode(stomp.Subscribe("sub-0", "/topic/a"))))
	assert.Equal(t, []string{"/topic/a"}, b.Subscriptions())

	assert.Equal(t, 1, b.Deliver("/topic/a", nil, []byte(`{}`)))
	assert.Equal(t, 0, b.Deliver("/topic/other", nil, []byte(`{}`)))

	msg := readFrame(t, conn)
	assert.Equal(t, stomp.CmdMessage, msg.Command)
	assert.Equal(t, "sub-0", msg.Header(stomp.HeaderSubscription))
	assert.Equal(t, "{}", string(msg.Body))
}

func TestBroker_RecordsSends(t *testing.T) {
	b := NewBroker()
	var hooked []string
	b.OnSend(func(f stomp.Frame) { hooked = append(hooked, f.Header(stomp.HeaderDestination)) })

	conn, err := b.Dial(context.Background(), "ws://test")
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(1, stomp.Encode(stomp.Send("/app/a", nil, []byte("1")))))
	require.NoError(t, conn.WriteMessage(1, stomp.Encode(stomp.Send("/app/b", nil, []byte("2")))))

	assert.Len(t, b.Sent(""), 2)
	require.Len(t, b.Sent("/app/b"), 1)
	assert.Equal(t, "2", string(b.Sent("/app/b")[0].Body))
	assert.Equal(t, []string{"/app/a", "/app/b"}, hooked)
}

func TestBroker_RefuseAndDrop(t *testing.T) {
	b := NewBroker()
	b.Refuse(true)
	_, err := b.Dial(context.Background(), "ws://test")
	assert.ErrorIs(t, err, ErrRefused)

	b.Refuse(false)
	conn, err := b.Dial(context.Background(), "ws://test")
	require.NoError(t, err)
	assert.Equal(t, 2, b.Dials())
	assert.Equal(t, 1, b.Connections())

	b.Drop()
	assert.Equal(t, 0, b.Connections())

	_, _, err = conn.ReadMessage()
	assert.ErrorIs(t, err, ErrConnClosed)
	assert.ErrorIs(t, conn.WriteMessage(1, []byte("x")), ErrConnClosed)
}

func TestBroker_Mute(t *testing.T) {
	b := NewBroker()
	b.Mute(true)
	conn, err := b.Dial(context.Background(), "ws://test")
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(1, stomp.Encode(stomp.Connect("test"))))

	b.DeliverRaw([]byte("\n"))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.True(t, stomp.IsHeartbeat(data), "muted broker sends no CONNECTED")
}
