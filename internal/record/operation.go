package record

// Operation is the kind of change carried by a ChangeRecord.
type Operation int

const (
	OperationUnknown Operation = iota
	OperationInsert
	OperationUpdate
	OperationDelete
)

// String returns the canonical upper-case name of the operation.
func (o Operation) String() string {
	switch o {
	case OperationInsert:
		return "INSERT"
	case OperationUpdate:
		return "UPDATE"
	case OperationDelete:
		return "DELETE"
	}
	return "UNKNOWN"
}

// IsValid reports whether o is one of INSERT, UPDATE or DELETE.
func (o Operation) IsValid() bool {
	return o == OperationInsert || o == OperationUpdate || o == OperationDelete
}

// ParseOperation decodes the canonical name of an operation. Decoding is exact and case
// sensitive; anything else is OperationUnknown.
func ParseOperation(s string) Operation {
	if len(s) != 6 { // every operation name is six bytes long
		return OperationUnknown
	}

	// Early return based on first byte
	switch s[0] {
	case 'I': // INSERT
		if s[1] == 'N' && s[2] == 'S' && s[3] == 'E' && s[4] == 'R' && s[5] == 'T' {
			return OperationInsert
		}
	case 'U': // UPDATE
		if s[1] == 'P' && s[2] == 'D' && s[3] == 'A' && s[4] == 'T' && s[5] == 'E' {
			return OperationUpdate
		}
	case 'D': // DELETE
		if s[1] == 'E' && s[2] == 'L' && s[3] == 'E' && s[4] == 'T' && s[5] == 'E' {
			return OperationDelete
		}
	}

	return OperationUnknown
}

// MarshalText encodes the operation by name.
func (o Operation) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText decodes an operation name. Unknown names decode to OperationUnknown and are
// rejected later by New.
func (o *Operation) UnmarshalText(text []byte) error {
	*o = ParseOperation(string(text))
	return nil
}
