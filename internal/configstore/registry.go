package configstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Registry is the typed configuration of one agent.
type Registry struct {
	backend Backend
	logger  *slog.Logger

	mu     sync.RWMutex
	params []Parameter
	index  map[string]int
}

// NewRegistry creates a Registry persisting through backend.
func NewRegistry(backend Backend, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		backend: backend,
		logger:  logger.With("component", "configstore"),
		index:   make(map[string]int),
	}
}

// Durable reports whether stored values survive a process restart.
func (r *Registry) Durable() bool {
	d, ok := r.backend.(durable)
	return ok && d.Durable()
}

// Declare replaces the declared parameter list. Stored keys that are not
// declared are deleted and declared keys without a stored value are seeded
// with their default. The list is copied; callers may reuse their slice.
func (r *Registry) Declare(ctx context.Context, params []Parameter) error {
	declared := make([]Parameter, len(params))
	index := make(map[string]int, len(params))
	defaults := make(map[string]any, len(params))

	for i, p := range params {
		if p.Key == "" {
			return fmt.Errorf("parameter %d has no key", i)
		}
		if _, dup := index[p.Key]; dup {
			return fmt.Errorf("parameter %q declared twice", p.Key)
		}
		def, err := Coerce(p.Value.Type, p.Value.Default)
		if err != nil {
			return fmt.Errorf("default of %q: %w", p.Key, err)
		}
		p.Value.Current = nil
		declared[i] = p
		index[p.Key] = i
		defaults[p.Key] = def
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stored, err := r.backend.Keys(ctx)
	if err != nil {
		return fmt.Errorf("listing stored configuration: %w", err)
	}

	present := make(map[string]bool, len(stored))
	for _, key := range stored {
		if _, ok := index[key]; ok {
			present[key] = true
			continue
		}
		if err := r.backend.Delete(ctx, key); err != nil {
			return fmt.Errorf("pruning %q: %w", key, err)
		}
		r.logger.Info("pruned stale configuration", "key", key)
	}

	for _, p := range declared {
		if present[p.Key] {
			if r.storedValueFits(ctx, p) {
				continue
			}
			r.logger.Warn("stored configuration does not match declared type, reseeding",
				"key", p.Key,
				"type", p.Value.Type,
			)
		}
		raw, err := json.Marshal(defaults[p.Key])
		if err != nil {
			return fmt.Errorf("encoding default of %q: %w", p.Key, err)
		}
		if err := r.backend.Save(ctx, p.Key, raw); err != nil {
			return fmt.Errorf("seeding %q: %w", p.Key, err)
		}
	}

	r.params = declared
	r.index = index
	return nil
}

func (r *Registry) storedValueFits(ctx context.Context, p Parameter) bool {
	raw, found, err := r.backend.Load(ctx, p.Key)
	if err != nil || !found {
		return false
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return false
	}
	_, err = Coerce(p.Value.Type, v)
	return err == nil
}

// Parameters returns a copy of the declared parameters without current values.
func (r *Registry) Parameters() []Parameter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Parameter, len(r.params))
	copy(out, r.params)
	return out
}

// Has reports whether key is declared.
func (r *Registry) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.index[key]
	return ok
}

// Type returns the declared type of key.
func (r *Registry) Type(key string) (ValueType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i, ok := r.index[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	return r.params[i].Value.Type, nil
}

// Get returns the current value of key.
func (r *Registry) Get(ctx context.Context, key string) (any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.getLocked(ctx, key)
}

func (r *Registry) getLocked(ctx context.Context, key string) (any, error) {
	i, ok := r.index[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}

	raw, found, err := r.backend.Load(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("loading %q: %w", key, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decoding %q: %w", key, err)
	}

	typed, err := Coerce(r.params[i].Value.Type, v)
	if err != nil {
		return nil, fmt.Errorf("stored value of %q: %w", key, err)
	}
	return typed, nil
}

// Set stores value under key after converting it to the declared type.
func (r *Registry) Set(ctx context.Context, key string, value any) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i, ok := r.index[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}

	typed, err := Coerce(r.params[i].Value.Type, value)
	if err != nil {
		if ce, ok := err.(*CoercionError); ok {
			ce.Key = key
		}
		return nil, err
	}

	raw, err := json.Marshal(typed)
	if err != nil {
		return nil, fmt.Errorf("encoding %q: %w", key, err)
	}
	if err := r.backend.Save(ctx, key, raw); err != nil {
		return nil, fmt.Errorf("saving %q: %w", key, err)
	}
	return typed, nil
}

// Apply handles one entry of a remote configuration change. It differs from
// Set only in intent: the value comes from the wire and is coerced to the
// declared type, never to a type chosen by the sender.
func (r *Registry) Apply(ctx context.Context, key string, raw any) (any, error) {
	return r.Set(ctx, key, raw)
}

// Snapshot returns the declared parameters with their current values.
func (r *Registry) Snapshot(ctx context.Context) ([]Parameter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Parameter, len(r.params))
	for i, p := range r.params {
		cur, err := r.getLocked(ctx, p.Key)
		if err != nil {
			return nil, err
		}
		p.Value.Current = cur
		out[i] = p
	}
	return out, nil
}

// GetString returns a string parameter.
func (r *Registry) GetString(ctx context.Context, key string) (string, error) {
	v, err := r.Get(ctx, key)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("configuration %q is %T, not string", key, v)
	}
	return s, nil
}

// GetInt returns an integer parameter.
func (r *Registry) GetInt(ctx context.Context, key string) (int64, error) {
	v, err := r.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	i, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("configuration %q is %T, not integer", key, v)
	}
	return i, nil
}

// GetFloat returns a float parameter.
func (r *Registry) GetFloat(ctx context.Context, key string) (float64, error) {
	v, err := r.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("configuration %q is %T, not float", key, v)
	}
	return f, nil
}

// Close releases the backend.
func (r *Registry) Close() error {
	return r.backend.Close()
}
