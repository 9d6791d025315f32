package p2p

import "sync"

type outboundEntry struct {
	url  string
	conn *Conn
}

// OutboundCache tracks open outbound connections by normalized endpoint URL and guarantees
// at most one live connection per endpoint. Lookups scan linearly; cardinality is bounded by
// gossip fan-out.
type OutboundCache struct {
	mu      sync.Mutex
	entries []outboundEntry
}

func NewOutboundCache() *OutboundCache {
	return &OutboundCache{}
}

// Get returns the cached connection for url, nil when none exists.
func (c *OutboundCache) Get(url string) *Conn {
	url = NormalizeURL(url)
	if url == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookupLocked(url)
}

// Add inserts conn under its peer URL. Any entry already referencing conn is removed first,
// so repeated adds leave a single entry.
func (c *OutboundCache) Add(conn *Conn) bool {
	if conn == nil {
		return false
	}
	url := NormalizeURL(conn.Peer())
	if url == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(conn)
	c.entries = append(c.entries, outboundEntry{url: url, conn: conn})
	return true
}

// Remove deletes the entry referencing conn and reports whether one was found.
func (c *OutboundCache) Remove(conn *Conn) bool {
	if conn == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(conn)
}

func (c *OutboundCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Snapshot returns the cached connections in insertion order.
func (c *OutboundCache) Snapshot() []*Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Conn, 0, len(c.entries))
	for _, entry := range c.entries {
		out = append(out, entry.conn)
	}
	return out
}

// Reset drops every entry without closing the connections.
func (c *OutboundCache) Reset() {
	c.mu.Lock()
	c.entries = nil
	c.mu.Unlock()
}

// claim atomically checks for an existing connection to url and, when none exists, inserts
// conn. It returns the connection that owns the slot and whether conn was inserted.
func (c *OutboundCache) claim(url string, conn *Conn) (*Conn, bool) {
	url = NormalizeURL(url)
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing := c.lookupLocked(url); existing != nil {
		return existing, false
	}
	c.removeLocked(conn)
	c.entries = append(c.entries, outboundEntry{url: url, conn: conn})
	return conn, true
}

func (c *OutboundCache) lookupLocked(url string) *Conn {
	for _, entry := range c.entries {
		if entry.url == url {
			return entry.conn
		}
	}
	return nil
}

func (c *OutboundCache) removeLocked(conn *Conn) bool {
	for i, entry := range c.entries {
		if entry.conn == conn {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			return true
		}
	}
	return false
}
