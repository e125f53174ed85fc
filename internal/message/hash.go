package message

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// ComputeHash returns the hex digest of the canonical JSON form of data.
// encoding/json writes map keys in sorted order, so equal payloads hash equal
// regardless of how they were built.
func ComputeHash(data map[string]any) (string, error) {
	if data == nil {
		data = map[string]any{}
	}
	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("hashing payload: %w", err)
	}
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:]), nil
}

// MarkProcessed returns a copy of processed stamped by moduleID for data.
// An existing entry for the module keeps its position and gets the new hash
// and timestamp; otherwise a new entry is appended.
func MarkProcessed(processed []Processed, moduleID string, data map[string]any) ([]Processed, error) {
	hash, err := ComputeHash(data)
	if err != nil {
		return nil, err
	}
	ts := time.Now().UTC().Format(time.RFC3339Nano)

	out := make([]Processed, len(processed), len(processed)+1)
	copy(out, processed)

	for i := range out {
		if out[i].Module == moduleID {
			out[i].Hash = hash
			out[i].Timestamp = ts
			return out, nil
		}
	}

	return append(out, Processed{Module: moduleID, Hash: hash, Timestamp: ts}), nil
}

// AlreadyHandled reports whether moduleID already stamped an identical payload.
func AlreadyHandled(processed []Processed, moduleID string, data map[string]any) bool {
	hash, err := ComputeHash(data)
	if err != nil {
		return false
	}
	for _, p := range processed {
		if p.Module == moduleID && p.Hash == hash {
			return true
		}
	}
	return false
}
