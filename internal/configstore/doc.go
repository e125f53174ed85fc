// Package configstore holds the typed configuration of an agent.
//
// # Overview
//
// A Registry owns the list of declared parameters of one agent and persists
// their current values through a Backend:
//
//	reg := configstore.NewRegistry(configstore.NewMemoryBackend(), logger)
//	err := reg.Declare(ctx, []configstore.Parameter{{
//	    Name:  "Rate",
//	    Key:   "rate",
//	    Value: configstore.Value{Type: configstore.TypeInteger, Default: 5},
//	}})
//	rate, err := reg.GetInt(ctx, "rate") // 5
//
// Declare prunes every stored key that is no longer declared and seeds the
// declared keys that have no stored value with their default. The declared
// list is the only source of truth for which keys exist: Get and Apply fail
// with ErrUnknownKey for anything else.
//
// # Remote updates
//
// Apply coerces a raw value received from a manager to the declared type
// before storing it. A value that does not convert yields a *CoercionError and
// leaves the stored value untouched.
//
// # Backends
//
//   - MemoryBackend: process-local map, lost on restart
//   - SQLiteBackend: single "configurations" table (modernc.org/sqlite)
//   - RedisBackend: single hash per namespace (go-redis)
//
// Every backend stores key -> JSON text and commits each write before
// returning.
package configstore
