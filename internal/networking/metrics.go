package networking

import (
	"sync"
	"sync/atomic"
)

// BroadcastMetrics tracks per-client payload sizes and per-channel drop
// counters for the WebSocket fan-out layer.
type BroadcastMetrics struct {
	mu         sync.RWMutex
	bytes      map[string]int64
	drops      map[string]int64
	broadcasts atomic.Int64
}

// NewBroadcastMetrics constructs an empty metrics tracker.
func NewBroadcastMetrics() *BroadcastMetrics {
	return &BroadcastMetrics{
		bytes: make(map[string]int64),
		drops: make(map[string]int64),
	}
}

// Observe records the encoded payload size delivered to a client.
func (m *BroadcastMetrics) Observe(clientID string, payloadBytes int) {
	if m == nil {
		return
	}
	size := int64(payloadBytes)
	if size < 0 {
		size = 0
	}
	m.mu.Lock()
	if clientID != "" {
		m.bytes[clientID] = size
	}
	m.mu.Unlock()
	m.broadcasts.Add(1)
}

// Broadcasts returns the cumulative number of deliveries observed.
func (m *BroadcastMetrics) Broadcasts() int64 {
	if m == nil {
		return 0
	}
	return m.broadcasts.Load()
}

// RecordDrop increments the dropped-delivery counter for a channel (e.g. a
// room whose socket send buffer was full).
func (m *BroadcastMetrics) RecordDrop(channel string) {
	if m == nil || channel == "" {
		return
	}
	m.mu.Lock()
	m.drops[channel]++
	m.mu.Unlock()
}

// ForgetClient removes the tracked gauges for a disconnected client.
func (m *BroadcastMetrics) ForgetClient(clientID string) {
	if m == nil || clientID == "" {
		return
	}
	m.mu.Lock()
	delete(m.bytes, clientID)
	m.mu.Unlock()
}

// BytesPerClient returns a copy of the latest encoded payload size per client.
func (m *BroadcastMetrics) BytesPerClient() map[string]int64 {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.bytes) == 0 {
		return nil
	}
	out := make(map[string]int64, len(m.bytes))
	for clientID, size := range m.bytes {
		out[clientID] = size
	}
	return out
}

// DropCounts returns the cumulative number of dropped deliveries per channel.
func (m *BroadcastMetrics) DropCounts() map[string]int64 {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.drops) == 0 {
		return nil
	}
	out := make(map[string]int64, len(m.drops))
	for channel, count := range m.drops {
		out[channel] = count
	}
	return out
}
