package ptyengine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScrollbackBoundedAndOrdered(t *testing.T) {
	sb := newScrollback(8)
	sb.Write([]byte("abcdefgh"))
	sb.Write([]byte("ij"))
	require.Equal(t, "cdefghij", string(sb.Snapshot()))
}

func TestScrollbackReset(t *testing.T) {
	sb := newScrollback(16)
	sb.Write([]byte("hello"))
	sb.Reset()
	assert.Empty(t, sb.Snapshot())
}

func TestBroadcastDeliversToAllSubscribers(t *testing.T) {
	bc := newBroadcaster()
	_, chA := bc.subscribe()
	_, chB := bc.subscribe()

	bc.publish([]byte("hi"))

	for _, ch := range []<-chan Frame{chA, chB} {
		select {
		case f := <-ch:
			require.Equal(t, "hi", string(f.Data))
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for frame")
		}
	}
}

func TestBroadcastSlowSubscriberGetsLagNotBlocked(t *testing.T) {
	bc := newBroadcaster()
	_, ch := bc.subscribe()

	for i := 0; i < defaultSubscriberBuffer+10; i++ {
		bc.publish([]byte("x"))
	}

	var sawLag bool
	drained := 0
	for {
		select {
		case f := <-ch:
			drained++
			if f.Lag {
				sawLag = true
			}
		default:
			goto done
		}
	}
done:
	assert.Greater(t, drained, 0)
	assert.True(t, sawLag, "expected a lag marker after overflowing the subscriber buffer")
}

func TestBroadcastUnsubscribeStopsDelivery(t *testing.T) {
	bc := newBroadcaster()
	id, ch := bc.subscribe()
	bc.unsubscribe(id)
	bc.publish([]byte("after unsubscribe"))

	select {
	case <-ch:
		t.Fatal("did not expect a frame after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}
