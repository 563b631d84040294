package record

import "time"

// Batch is the ordered group of records produced by one generator tick. Seq is the 1-based batch
// number and is what the checkpoint commit point refers to.
type Batch struct {
	Seq     uint64         `json:"seq"`
	Created time.Time      `json:"created"`
	Records []ChangeRecord `json:"records"`
}

// Len returns the number of records in the batch.
func (b Batch) Len() int {
	return len(b.Records)
}
