package push

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_DeliversToAllSubscribers(t *testing.T) {
	h := NewHub[int]()
	_, a := h.Subscribe()
	_, b := h.Subscribe()
	assert.Equal(t, 2, h.Len())

	h.Publish(7)
	assert.Equal(t, 7, <-a)
	assert.Equal(t, 7, <-b)
}

func TestHub_LatestWins(t *testing.T) {
	h := NewHub[int]()
	_, ch := h.Subscribe()

	for i := 1; i <= 5; i++ {
		h.Publish(i)
	}
	assert.Equal(t, 5, <-ch)
	select {
	case v := <-ch:
		t.Fatalf("unexpected extra value %d", v)
	default:
	}
}

func TestHub_SubscribeReceivesLatest(t *testing.T) {
	h := NewHub[string]()
	_, ok := h.Latest()
	assert.False(t, ok)

	h.Publish("first")
	h.Publish("second")

	_, ch := h.Subscribe()
	assert.Equal(t, "second", <-ch)

	v, ok := h.Latest()
	assert.True(t, ok)
	assert.Equal(t, "second", v)
}

func TestHub_Unsubscribe(t *testing.T) {
	h := NewHub[int]()
	id, ch := h.Subscribe()
	h.Unsubscribe(id)

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, h.Len())

	// Unknown ids are ignored.
	h.Unsubscribe(id)
	h.Publish(1)
}

func TestHub_Close(t *testing.T) {
	h := NewHub[int]()
	_, ch := h.Subscribe()
	h.Close()

	_, open := <-ch
	assert.False(t, open)

	h.Publish(3)
	_, late := h.Subscribe()
	_, open = <-late
	assert.False(t, open)
	h.Close()
}

func TestHub_ConcurrentPublish(t *testing.T) {
	h := NewHub[int]()
	id, ch := h.Subscribe()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				h.Publish(i*100 + j)
			}
		}(i)
	}
	wg.Wait()

	v, ok := h.Latest()
	require.True(t, ok)
	assert.Equal(t, v, <-ch)
	h.Unsubscribe(id)
}
