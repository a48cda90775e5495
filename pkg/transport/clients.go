package transport

import "sync"

// Clients memoizes websocket sources by their full configuration, so the same
// endpoint and credential always map to the same source.
type Clients struct {
	mu      sync.Mutex
	sources map[WSConfig]*WSSource
}

func NewClients() *Clients {
	return &Clients{sources: map[WSConfig]*WSSource{}}
}

// Get returns the source for cfg, creating it on first use.
func (c *Clients) Get(cfg WSConfig) *WSSource {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sources[cfg]; ok {
		return s
	}
	s := NewWSSource(cfg)
	c.sources[cfg] = s
	return s
}

// Forget drops the memoized source for cfg, e.g. after its credential expired.
func (c *Clients) Forget(cfg WSConfig) {
	c.mu.Lock()
	delete(c.sources, cfg)
	c.mu.Unlock()
}

func (c *Clients) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sources)
}
