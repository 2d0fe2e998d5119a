package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrame(t *testing.T) {
	assert.Equal(t, "test_write 1 2 3", Frame("test_write", []string{"1", "2", "3"}))
	assert.Equal(t, "test_write", Frame("test_write", nil))
}

func TestParseFrame(t *testing.T) {
	topic, pks, ok := ParseFrame("test_write 1 2 3")
	require.True(t, ok)
	assert.Equal(t, "test_write", topic)
	assert.Equal(t, []string{"1", "2", "3"}, pks)

	// composite pks travel as single comma-joined tokens
	topic, pks, ok = ParseFrame("follows_write 1,2")
	require.True(t, ok)
	assert.Equal(t, "follows_write", topic)
	assert.Equal(t, []string{"1,2"}, pks)

	_, _, ok = ParseFrame("test_write")
	assert.False(t, ok)
	_, _, ok = ParseFrame("")
	assert.False(t, ok)
	_, _, ok = ParseFrame("   ")
	assert.False(t, ok)
}

func TestMatches(t *testing.T) {
	assert.True(t, matches([]string{""}, "anything"))
	assert.True(t, matches([]string{"orders_"}, "orders_write"))
	assert.False(t, matches([]string{"orders_"}, "users_write"))
	assert.False(t, matches(nil, "users_write"))
}

func TestInprocPubSub(t *testing.T) {
	pub, sub := NewInprocPair()
	sub.Subscribe("test_")

	require.NoError(t, pub.Send("test_write", "1", "2"))
	require.NoError(t, pub.Send("other_write", "9"))
	require.NoError(t, pub.Send("test_delete", "3"))

	msg, err := sub.Recv()
	require.NoError(t, err)
	assert.Equal(t, "test_write 1 2", msg)

	// the other_write frame was filtered out
	msg, err = sub.Recv()
	require.NoError(t, err)
	assert.Equal(t, "test_delete 3", msg)
}

func TestInprocFanOut(t *testing.T) {
	pub := NewInprocPub()
	a := pub.NewSub()
	a.Subscribe("")
	b := pub.NewSub()
	b.Subscribe("test_")

	require.NoError(t, pub.Send("test_write", "1"))

	msg, err := a.Recv()
	require.NoError(t, err)
	assert.Equal(t, "test_write 1", msg)
	msg, err = b.Recv()
	require.NoError(t, err)
	assert.Equal(t, "test_write 1", msg)
}

func TestInprocClose(t *testing.T) {
	pub, sub := NewInprocPair()
	sub.Subscribe("")

	require.NoError(t, pub.Send("test_write", "1"))
	require.NoError(t, pub.Close())
	assert.Equal(t, ErrClosed, pub.Send("test_write", "2"))

	// buffered frames drain before the closed error surfaces
	msg, err := sub.Recv()
	require.NoError(t, err)
	assert.Equal(t, "test_write 1", msg)
	_, err = sub.Recv()
	assert.Equal(t, ErrClosed, err)
}
