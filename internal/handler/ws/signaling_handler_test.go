package ws

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSendAfterTeardownReturnsError(t *testing.T) {
	c := &SignalingClient{send: make(chan []byte, 2)}

	assert.NoError(t, c.Send([]byte("before")))
	c.closeSend()

	err := c.Send([]byte("after"))
	assert.Error(t, err)
}

func TestTeardownIsIdempotent(t *testing.T) {
	c := &SignalingClient{send: make(chan []byte, 1)}

	c.closeSend()
	assert.NotPanics(t, func() { c.closeSend() })
}

func TestSendDropsOnFullQueue(t *testing.T) {
	c := &SignalingClient{send: make(chan []byte, 1)}

	assert.NoError(t, c.Send([]byte("fits")))
	assert.Error(t, c.Send([]byte("overflows")))
}

// A call-channel broadcast snapshots senders before delivering, so Send can
// race the read pump's teardown. It must fail cleanly, never panic.
func TestConcurrentSendAndTeardown(t *testing.T) {
	c := &SignalingClient{send: make(chan []byte, 4)}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				c.Send([]byte("event"))
			}
		}()
	}
	c.closeSend()
	wg.Wait()
}
