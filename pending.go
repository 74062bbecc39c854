// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package mqttagent

import "github.com/eclipse/paho.golang/paho"

// pendingAckEntry is the worker's record of a sent packet awaiting broker
// acknowledgment. Owned exclusively by the worker goroutine; never touched
// by a producer.
type pendingAckEntry struct {
	packetID uint16
	cmd      *Command
	// publish is the original PUBLISH packet for QoS>0 publishes, kept so
	// ResumeSession can set DUP and resend it verbatim. Nil for
	// subscribe/unsubscribe entries.
	publish *paho.Publish
}

// pendingAckTable is a fixed-capacity associative array from MQTT packet
// identifier to a pendingAckEntry. It exists only for packet types that
// require a broker acknowledgment: QoS1 PUBACK, SUBACK, UNSUBACK. It is
// touched only by the worker goroutine, so no internal locking is needed on
// the hot path.
type pendingAckTable struct {
	capacity int
	entries  map[uint16]*pendingAckEntry
}

func newPendingAckTable(capacity int) *pendingAckTable {
	if capacity <= 0 {
		capacity = 1
	}
	return &pendingAckTable{
		capacity: capacity,
		entries:  make(map[uint16]*pendingAckEntry, capacity),
	}
}

// Insert adds an entry keyed by packetID. Without mutating the table, it
// returns ErrIllegalState if packetID is zero or already in use (at most one
// entry per packet identifier), and ErrNoMemory if the table is already at
// capacity.
func (t *pendingAckTable) Insert(entry *pendingAckEntry) error {
	if entry.packetID == 0 {
		return ErrIllegalState
	}
	if _, exists := t.entries[entry.packetID]; exists {
		return ErrIllegalState
	}
	if len(t.entries) >= t.capacity {
		return ErrNoMemory
	}
	t.entries[entry.packetID] = entry
	return nil
}

// Remove deletes and returns the entry for packetID, or nil if absent (a
// spurious or already-handled ack).
func (t *pendingAckTable) Remove(packetID uint16) *pendingAckEntry {
	entry, ok := t.entries[packetID]
	if !ok {
		return nil
	}
	delete(t.entries, packetID)
	return entry
}

// Len reports the number of outstanding entries.
func (t *pendingAckTable) Len() int { return len(t.entries) }

// Drain removes and returns every entry in the table, leaving it empty.
// Iteration order is unspecified, matching Go's map iteration.
func (t *pendingAckTable) Drain() []*pendingAckEntry {
	out := make([]*pendingAckEntry, 0, len(t.entries))
	for id, entry := range t.entries {
		out = append(out, entry)
		delete(t.entries, id)
	}
	return out
}

// QoSPublishEntries returns the QoS>0 publish entries currently tracked,
// used by ResumeSession to replay them with DUP set.
func (t *pendingAckTable) QoSPublishEntries() []*pendingAckEntry {
	var out []*pendingAckEntry
	for _, entry := range t.entries {
		if entry.publish != nil {
			out = append(out, entry)
		}
	}
	return out
}
