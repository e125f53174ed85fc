// Package message defines the wire envelope shared by every participant of the
// coordination protocol, together with the payload hashing used to recognise
// messages an agent has already handled.
//
// # Envelope
//
// Every message on the bus is one JSON object:
//
//	{
//	  "id":        "scanner-01",
//	  "message":   "hello",
//	  "source":    "service",
//	  "mode":      "broadcast",
//	  "processed": [{"module": "scanner-01", "hash": "...", "timestamp": "..."}],
//	  "data":      {"name": "scanner", "description": "...", "status_expiry": 60}
//	}
//
// Decode validates the structure eagerly and fails with ErrMalformedEnvelope
// instead of leaving missing fields to be discovered later.
//
// # Deduplication
//
// The processed list records, per module, the hash of the payload that module
// handled. MarkProcessed stamps a module into the list (updating its entry in
// place when present) and AlreadyHandled reports whether a module has already
// stamped an identical payload:
//
//	processed, _ := message.MarkProcessed(nil, "A", data)
//	message.AlreadyHandled(processed, "A", data) // true
//	message.AlreadyHandled(processed, "B", data) // false
package message
