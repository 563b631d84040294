// Package record defines the change records that flow from the generator, through the
// checkpoint coordinator, into the merge-on-read table.
//
// A ChangeRecord is immutable once constructed. Its payload is copied on the way in and on the way
// out so no caller can mutate a record that is already buffered or applied.
package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	errEmptyKey         = errors.New("record key is empty")
	errUnknownOperation = errors.New("unknown operation")
)

// InvalidRecordError reports a malformed record. It is never retried: the record is dropped and
// the drop is logged.
type InvalidRecordError struct {
	err     error
	Key     string
	context string
}

func (e *InvalidRecordError) Error() string {
	if e.context == "" {
		return fmt.Sprintf("invalid record %q: %s", e.Key, e.err.Error())
	}
	return fmt.Sprintf("invalid record %q: %s: %s", e.Key, e.err.Error(), e.context)
}

func (e *InvalidRecordError) Unwrap() error {
	return e.err
}

func newInvalidRecordError(key string, err error, format string, args ...interface{}) *InvalidRecordError {
	return &InvalidRecordError{
		err:     err,
		Key:     key,
		context: fmt.Sprintf(format, args...),
	}
}

// ChangeRecord is a single keyed change.
type ChangeRecord struct {
	key       string
	op        Operation
	order     time.Time
	partition string
	payload   map[string]Value
}

// New validates and builds a ChangeRecord.
func New(key string, op Operation, order time.Time, partition string, payload map[string]Value) (ChangeRecord, error) {
	if key == "" {
		return ChangeRecord{}, newInvalidRecordError(key, errEmptyKey, "")
	}
	if !op.IsValid() {
		return ChangeRecord{}, newInvalidRecordError(key, errUnknownOperation, "%d", int(op))
	}

	return ChangeRecord{
		key:       key,
		op:        op,
		order:     order.UTC(),
		partition: partition,
		payload:   copyPayload(payload),
	}, nil
}

func (r ChangeRecord) Key() string          { return r.key }
func (r ChangeRecord) Operation() Operation { return r.op }
func (r ChangeRecord) Order() time.Time     { return r.order }
func (r ChangeRecord) Partition() string    { return r.partition }

// Payload returns a copy of the record's fields.
func (r ChangeRecord) Payload() map[string]Value {
	return copyPayload(r.payload)
}

// Field returns a single payload field.
func (r ChangeRecord) Field(name string) (Value, bool) {
	v, ok := r.payload[name]
	return v, ok
}

// WithOperation returns a copy of r carrying a different operation.
func (r ChangeRecord) WithOperation(op Operation) (ChangeRecord, error) {
	return New(r.key, op, r.order, r.partition, r.payload)
}

// Equal compares key, operation, order and payload. The partition is metadata and does not take
// part in equality.
func (r ChangeRecord) Equal(o ChangeRecord) bool {
	if r.key != o.key || r.op != o.op || !r.order.Equal(o.order) {
		return false
	}
	if len(r.payload) != len(o.payload) {
		return false
	}
	for name, v := range r.payload {
		ov, ok := o.payload[name]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// FieldNames returns the payload field names sorted.
func (r ChangeRecord) FieldNames() []string {
	names := make([]string, 0, len(r.payload))
	for name := range r.payload {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type wireRecord struct {
	Key       string           `json:"key"`
	Operation Operation        `json:"op"`
	Order     time.Time        `json:"order"`
	Partition string           `json:"partition"`
	Payload   map[string]Value `json:"payload,omitempty"`
}

func (r ChangeRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireRecord{
		Key:       r.key,
		Operation: r.op,
		Order:     r.order,
		Partition: r.partition,
		Payload:   r.payload,
	})
}

// UnmarshalJSON decodes and re-validates a record.
func (r *ChangeRecord) UnmarshalJSON(data []byte) error {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	decoded, err := New(w.Key, w.Operation, w.Order, w.Partition, w.Payload)
	if err != nil {
		return err
	}
	*r = decoded
	return nil
}

func copyPayload(in map[string]Value) map[string]Value {
	if in == nil {
		return nil
	}
	out := make(map[string]Value, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
