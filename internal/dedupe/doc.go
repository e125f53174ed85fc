// Package dedupe provides a bounded window of recently seen keys.
//
// The gRPC broker uses it to drop a publish whose id it already routed, which
// happens when a client retries after a lost acknowledgement. Envelope level
// deduplication by processed hash is a separate concern handled by agents.
package dedupe
