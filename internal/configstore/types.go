package configstore

import (
	"context"
)

// ValueType is the declared type of a configuration value.
type ValueType string

const (
	TypeString  ValueType = "string"
	TypeInteger ValueType = "integer"
	TypeFloat   ValueType = "float"
)

// Value describes the type, default and current value of a parameter.
type Value struct {
	Type    ValueType `json:"type"`
	Default any       `json:"default"`
	Current any       `json:"current"`
}

// Parameter is one declared configuration entry.
type Parameter struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Key         string `json:"key"`
	Value       Value  `json:"value"`
}

// Map renders the parameter the way it travels inside a configuration snapshot.
func (p Parameter) Map() map[string]any {
	return map[string]any{
		"name":        p.Name,
		"description": p.Description,
		"key":         p.Key,
		"value": map[string]any{
			"type":    string(p.Value.Type),
			"default": p.Value.Default,
			"current": p.Value.Current,
		},
	}
}

// Backend persists JSON encoded values by key.
type Backend interface {
	// Keys lists every stored key.
	Keys(ctx context.Context) ([]string, error)
	// Load returns the stored value and whether the key exists.
	Load(ctx context.Context, key string) ([]byte, bool, error)
	// Save stores value under key. The write is committed when Save returns.
	Save(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	Close() error
}

// durable is implemented by backends whose values survive a restart.
type durable interface {
	Durable() bool
}
