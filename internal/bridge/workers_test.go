package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeWorkers_SlowNodeDoesNotBlockOthers(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var handled []string

	w := newNodeWorkers(context.Background(), func(_ context.Context, topic string, payload []byte) {
		if topic == "dht22/datos/slow" {
			<-release
		}
		mu.Lock()
		handled = append(handled, topic+" "+string(payload))
		mu.Unlock()
	})

	require.True(t, w.dispatch("dht22/datos/slow", []byte("1")))
	require.True(t, w.dispatch("dht22/datos/slow", []byte("2")))
	require.True(t, w.dispatch("dht22/datos/fast", []byte("a")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(handled) == 1
	}, 3*time.Second, 5*time.Millisecond)

	close(release)
	w.close()

	assert.Equal(t, []string{"dht22/datos/fast a", "dht22/datos/slow 1", "dht22/datos/slow 2"}, handled)
	assert.False(t, w.dispatch("dht22/datos/fast", []byte("b")), "closed workers accept nothing")
}

func TestNodeWorkers_FullQueueRejects(t *testing.T) {
	release := make(chan struct{})
	w := newNodeWorkers(context.Background(), func(context.Context, string, []byte) { <-release })
	defer func() {
		close(release)
		w.close()
	}()

	accepted := 0
	for i := 0; i < nodeQueueSize+5; i++ {
		if w.dispatch("dht22/datos/n1", []byte("x")) {
			accepted++
		}
	}
	// One message may already be in the handler, the rest wait in the queue.
	assert.LessOrEqual(t, accepted, nodeQueueSize+1)
	assert.GreaterOrEqual(t, accepted, nodeQueueSize)
	assert.True(t, w.dispatch("dht22/datos/n2", []byte("y")), "other nodes keep their own queue")
}
