// Package metrics provides per-session counters for the steering server.
//
// The Collector accumulates over the lifetime of one server process; it is a
// leaf package with no internal dependencies. All increment methods are
// nil-receiver safe so instrumented code never has to guard.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of the counters. Safe to read
// concurrently after creation.
type Snapshot struct {
	ConnectionsAccepted int64
	Disconnects         int64
	ProtocolErrors      int64

	MessagesReceived int64
	MessagesByType   map[string]int64
	ForceBatches     int64
	FramesSent       int64
	KillsIgnored     int64
}

// Collector accumulates steering-session counters. Thread-safe.
type Collector struct {
	mu sync.Mutex

	connectionsAccepted int64
	disconnects         int64
	protocolErrors      int64

	messagesReceived int64
	messagesByType   map[string]int64
	forceBatches     int64
	framesSent       int64
	killsIgnored     int64
}

// NewCollector creates an empty Collector.
func NewCollector() *Collector {
	return &Collector{messagesByType: make(map[string]int64)}
}

// IncConnectionAccepted records an accepted client connection.
func (c *Collector) IncConnectionAccepted() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectionsAccepted++
}

// IncDisconnect records a client disconnect, clean or forced.
func (c *Collector) IncDisconnect() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
}

// IncProtocolError records a protocol violation that forced a disconnect.
func (c *Collector) IncProtocolError() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.protocolErrors++
}

// IncMessage records one received message by type name.
func (c *Collector) IncMessage(msgType string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messagesReceived++
	c.messagesByType[msgType]++
}

// IncForceBatch records one staged incoming force batch.
func (c *Collector) IncForceBatch() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forceBatches++
}

// IncFrameSent records one outgoing energies+coordinates frame.
func (c *Collector) IncFrameSent() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.framesSent++
}

// IncKillIgnored records a termination request refused by configuration.
func (c *Collector) IncKillIgnored() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.killsIgnored++
}

// Snapshot returns a copy of all counters.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{MessagesByType: map[string]int64{}}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	byType := make(map[string]int64, len(c.messagesByType))
	for k, v := range c.messagesByType {
		byType[k] = v
	}
	return Snapshot{
		ConnectionsAccepted: c.connectionsAccepted,
		Disconnects:         c.disconnects,
		ProtocolErrors:      c.protocolErrors,
		MessagesReceived:    c.messagesReceived,
		MessagesByType:      byType,
		ForceBatches:        c.forceBatches,
		FramesSent:          c.framesSent,
		KillsIgnored:        c.killsIgnored,
	}
}
