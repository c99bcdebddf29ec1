package jobs

import (
	"bytes"
	"encoding/json"
	"errors"
)

var (
	ErrDuplicateJob        = errors.New("a live job with the same key already exists")
	ErrNotCancellable      = errors.New("job cannot be cancelled")
	ErrNotReplaceable      = errors.New("existing job already left the submitted state")
	ErrInsufficientCredits = errors.New("insufficient credits to reserve the requested resources")
	ErrInvalidMetadata     = errors.New("metadata must be a JSON object")
)

// IsMetadataObject reports whether raw is a non-null JSON object.
func IsMetadataObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return false
	}
	var obj map[string]json.RawMessage
	return json.Unmarshal(raw, &obj) == nil
}
