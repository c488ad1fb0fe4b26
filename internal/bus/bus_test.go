package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcastReachesAllReceivers(t *testing.T) {
	b := New[int](16)
	r1 := b.Subscribe()
	r2 := b.Subscribe()

	b.Publish(42)

	assert.Equal(t, 42, <-r1.C())
	assert.Equal(t, 42, <-r2.C())
	assert.EqualValues(t, 0, r1.Lagged())
	assert.EqualValues(t, 0, r2.Lagged())
}

func TestSlowReceiverDropsOldest(t *testing.T) {
	b := New[int](16)
	r := b.Subscribe()

	for i := 1; i <= 21; i++ {
		b.Publish(i)
	}

	// 5 oldest items were evicted; the buffer holds 6..21.
	assert.EqualValues(t, 5, r.Lagged())

	got := make([]int, 0, 16)
	for i := 0; i < 16; i++ {
		got = append(got, <-r.C())
	}
	assert.Equal(t, 6, got[0])
	assert.Equal(t, 21, got[15])
	assert.EqualValues(t, 0, r.Lagged())
}

func TestCloseClosesReceiverChannels(t *testing.T) {
	b := New[int](4)
	r := b.Subscribe()
	b.Publish(1)
	b.Close()

	v, ok := <-r.C()
	require.True(t, ok, "buffered item should remain readable")
	assert.Equal(t, 1, v)

	_, ok = <-r.C()
	assert.False(t, ok, "channel should be closed after drain")

	// Publishing after close is a no-op.
	b.Publish(2)
}

func TestSubscribeAfterClose(t *testing.T) {
	b := New[int](4)
	b.Close()
	r := b.Subscribe()

	_, ok := <-r.C()
	assert.False(t, ok)
}

func TestReceiverCloseUnsubscribes(t *testing.T) {
	b := New[int](4)
	r := b.Subscribe()
	require.Equal(t, 1, b.Receivers())

	r.Close()
	assert.Equal(t, 0, b.Receivers())

	b.Publish(1)
	select {
	case <-r.C():
		t.Fatal("unsubscribed receiver should not get new items")
	default:
	}
}
