package configstore

import (
	"errors"
	"fmt"
)

// ErrUnknownKey is returned for keys that were never declared or seeded.
var ErrUnknownKey = errors.New("unknown configuration key")

// CoercionError reports a value that could not be converted to the declared type.
type CoercionError struct {
	Key   string
	Type  ValueType
	Value any
	Err   error
}

func (e *CoercionError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("cannot coerce %#v to %s: %v", e.Value, e.Type, e.Err)
	}
	return fmt.Sprintf("configuration %q: cannot coerce %#v to %s: %v", e.Key, e.Value, e.Type, e.Err)
}

func (e *CoercionError) Unwrap() error {
	return e.Err
}
