package cdc_emitter

import (
	"encoding/json"
	"time"

	"github.com/litetable/litetable-stream/internal/record"
	"github.com/rs/zerolog/log"
)

// Change is one committed table change. Changes are only emitted after the barrier that wrote
// them is durably committed, so subscribers never see a change that a crash could take back.
type Change struct {
	Table     string
	Barrier   uint64
	Operation record.Operation
	Key       string
	Partition string
	Order     time.Time
	Tombstone bool
	Payload   map[string]record.Value
}

// event is the JSON line written to TCP subscribers.
type event struct {
	Table     string                  `json:"table"`
	Barrier   uint64                  `json:"barrier"`
	Operation record.Operation        `json:"operation"`
	Key       string                  `json:"key"`
	Partition string                  `json:"partition"`
	Order     int64                   `json:"order"`
	Tombstone bool                    `json:"tombstone"`
	Payload   map[string]record.Value `json:"payload,omitempty"`
}

func newEvent(c *Change) *event {
	return &event{
		Table:     c.Table,
		Barrier:   c.Barrier,
		Operation: c.Operation,
		Key:       c.Key,
		Partition: c.Partition,
		Order:     c.Order.UnixMilli(),
		Tombstone: c.Tombstone,
		Payload:   c.Payload,
	}
}

// Emit queues a change for every connected client. Emit never blocks the write path: when the
// queue is full the change is dropped with a warning.
func (m *Manager) Emit(c *Change) {
	select {
	case m.emitChan <- c:
	default:
		log.Warn().
			Str("key", c.Key).
			Uint64("barrier", c.Barrier).
			Msg("CDC queue full, dropping change")
	}
}

// raiseCDCEvent will emit the CDC event to all connected clients.
func (m *Manager) raiseCDCEvent(c *Change) {
	data, err := json.Marshal(newEvent(c))
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal CDC event")
		return
	}

	// Add newline for message framing
	message := append(data, '\n')

	// no new clients while writing
	m.clientsMux.Lock()
	defer m.clientsMux.Unlock()

	for client := range m.clients {
		// Non-blocking write with short timeout
		_ = client.SetWriteDeadline(time.Now().Add(100 * time.Millisecond))
		_, err = client.Write(message)
		if err != nil {
			_ = client.Close()
			delete(m.clients, client)
		}
	}
}
