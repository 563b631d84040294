package cdc_emitter

// Sink receives committed changes.
type Sink interface {
	Emit(c *Change)
}

// Multi sends every change to each of its sinks in order.
type Multi []Sink

func (m Multi) Emit(c *Change) {
	for _, s := range m {
		s.Emit(c)
	}
}
