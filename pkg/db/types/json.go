package dbtypes

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSON stores a JSON document as text so the same column works on sqlite and Postgres.
type JSON []byte

// NewJSON marshals v into a JSON column value. json.RawMessage and []byte are copied as-is
// after a validity check.
func NewJSON(v any) (JSON, error) {
	switch raw := v.(type) {
	case nil:
		return JSON("null"), nil
	case JSON:
		return raw.clone()
	case json.RawMessage:
		return JSON(raw).clone()
	case []byte:
		return JSON(raw).clone()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("JSON: marshal %T: %w", v, err)
	}
	return JSON(b), nil
}

func (j JSON) clone() (JSON, error) {
	if !json.Valid(j) {
		return nil, fmt.Errorf("JSON: invalid document")
	}
	out := make(JSON, len(j))
	copy(out, j)
	return out, nil
}

// Decode unmarshals the document into dest.
func (j JSON) Decode(dest any) error {
	if len(j) == 0 {
		return fmt.Errorf("JSON: empty document")
	}
	return json.Unmarshal(j, dest)
}

// Equal compares two documents byte for byte after compaction.
func (j JSON) Equal(other JSON) bool {
	var a, b bytes.Buffer
	if json.Compact(&a, j) != nil || json.Compact(&b, other) != nil {
		return bytes.Equal(j, other)
	}
	return bytes.Equal(a.Bytes(), b.Bytes())
}

func (j *JSON) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*j = nil
		return nil
	case string:
		*j = JSON(v)
		return nil
	case []byte:
		out := make(JSON, len(v))
		copy(out, v)
		*j = out
		return nil
	default:
		return fmt.Errorf("JSON: unsupported Scan type %T", src)
	}
}

func (j JSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

func (j JSON) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return []byte(j), nil
}

func (j *JSON) UnmarshalJSON(data []byte) error {
	out := make(JSON, len(data))
	copy(out, data)
	*j = out
	return nil
}
