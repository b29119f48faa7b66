package bridge

import "sync"

// NodeCache keeps the last known value of every field per node.
type NodeCache interface {
	// Merge applies update to the node's record, field by field, and returns a copy of
	// the merged record.
	Merge(nodeID string, update map[string]any) map[string]any
}

// MemoryCache is a process-local NodeCache. Its contents are lost on restart.
type MemoryCache struct {
	mu    sync.Mutex
	nodes map[string]map[string]any
}

// NewMemoryCache returns an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{nodes: make(map[string]map[string]any)}
}

func (c *MemoryCache) Merge(nodeID string, update map[string]any) map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.nodes[nodeID]
	if !ok {
		rec = make(map[string]any, len(update))
		c.nodes[nodeID] = rec
	}
	for k, v := range update {
		rec[k] = v
	}

	out := make(map[string]any, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}

// Len returns the number of cached nodes.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.nodes)
}
