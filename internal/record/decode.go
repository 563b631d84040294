package record

import (
	"errors"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

var (
	errMalformedRow = errors.New("malformed row")
	errBadOrder     = errors.New("order field is not a timestamp")
)

// Fields names the columns of a row that carry the record key, the precombine (order) field and
// the partition.
type Fields struct {
	Key       string
	Order     string
	Partition string
}

// FromJSON decodes a flat JSON row into a ChangeRecord. Every top-level column becomes a payload
// field; the key, order and partition columns are looked up by the names in fields.
//
// The order column may be an RFC3339 string or epoch milliseconds. A missing order column
// leaves the zero time, which loses against any later write.
func FromJSON(op Operation, row []byte, fields Fields) (ChangeRecord, error) {
	if !gjson.ValidBytes(row) {
		return ChangeRecord{}, newInvalidRecordError("", errMalformedRow, "invalid JSON")
	}
	parsed := gjson.ParseBytes(row)
	if !parsed.IsObject() {
		return ChangeRecord{}, newInvalidRecordError("", errMalformedRow, "row is not an object")
	}

	key := parsed.Get(fields.Key).String()

	var order time.Time
	if res := parsed.Get(fields.Order); res.Exists() {
		t, err := parseOrder(res)
		if err != nil {
			return ChangeRecord{}, newInvalidRecordError(key, err, "%s=%s", fields.Order, res.Raw)
		}
		order = t
	}

	partition := parsed.Get(fields.Partition).String()

	payload := make(map[string]Value)
	parsed.ForEach(func(name, value gjson.Result) bool {
		if name.String() == fields.Order {
			payload[name.String()] = Time(order)
			return true
		}
		payload[name.String()] = fromResult(value)
		return true
	})

	return New(key, op, order, partition, payload)
}

func parseOrder(res gjson.Result) (time.Time, error) {
	switch res.Type {
	case gjson.Number:
		return time.UnixMilli(res.Int()).UTC(), nil
	case gjson.String:
		t, err := time.Parse(time.RFC3339Nano, res.String())
		if err != nil {
			return time.Time{}, errBadOrder
		}
		return t.UTC(), nil
	}
	return time.Time{}, errBadOrder
}

func fromResult(res gjson.Result) Value {
	switch res.Type {
	case gjson.String:
		return String(res.String())
	case gjson.Number:
		// integral numbers without a fraction or exponent stay integers
		if res.Num == float64(res.Int()) && !strings.ContainsAny(res.Raw, ".eE") {
			return Int(res.Int())
		}
		return Float(res.Float())
	case gjson.True, gjson.False:
		return Bool(res.Bool())
	case gjson.JSON:
		// nested documents are kept verbatim
		return String(res.Raw)
	}
	return Null()
}
