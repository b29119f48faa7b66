package bridge

import (
	"context"
	"sync"
)

// nodeQueueSize bounds the messages waiting for one node while its previous record is
// being forwarded.
const nodeQueueSize = 64

type nodeMessage struct {
	topic   string
	payload []byte
}

// nodeWorkers runs one goroutine per node so that a slow backend never blocks the MQTT
// client. Messages of one node are handled in arrival order.
type nodeWorkers struct {
	ctx    context.Context
	handle func(ctx context.Context, topic string, payload []byte)

	mu     sync.Mutex
	queues map[string]chan nodeMessage
	closed bool
	wg     sync.WaitGroup
}

func newNodeWorkers(ctx context.Context, handle func(ctx context.Context, topic string, payload []byte)) *nodeWorkers {
	return &nodeWorkers{ctx: ctx, handle: handle, queues: make(map[string]chan nodeMessage)}
}

// dispatch queues the message for its node. It reports false when the node's queue is
// full or the workers are closed.
func (w *nodeWorkers) dispatch(topic string, payload []byte) bool {
	node := NodeIDFromTopic(topic)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	q, ok := w.queues[node]
	if !ok {
		q = make(chan nodeMessage, nodeQueueSize)
		w.queues[node] = q
		w.wg.Add(1)
		go w.run(q)
	}
	select {
	case q <- nodeMessage{topic: topic, payload: payload}:
		return true
	default:
		return false
	}
}

func (w *nodeWorkers) run(q <-chan nodeMessage) {
	defer w.wg.Done()
	for m := range q {
		w.handle(w.ctx, m.topic, m.payload)
	}
}

// close stops accepting messages and waits for the queued ones to be handled.
func (w *nodeWorkers) close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		for _, q := range w.queues {
			close(q)
		}
	}
	w.mu.Unlock()
	w.wg.Wait()
}
