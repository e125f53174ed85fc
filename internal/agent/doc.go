// Package agent implements the coordination protocol every service speaks.
//
// A Service subscribes to the broadcast subject and to its own directed
// subject, announces itself with hello, keeps its typed configuration in a
// configstore.Registry and reports its status periodically.
//
// Incoming envelopes go through, in order: duplicate detection by processed
// hash, self-origin drop, and (unless AcceptServiceMessages is set) a drop of
// envelopes emitted by other services. What remains is dispatched by tag:
//
//   - hello: a broadcast hello is answered with hello; a hello from a manager
//     is also answered with status_update and configuration_changed, all sent
//     to the reply subject of the inbound message.
//   - configuration_change: each known entry is coerced to its declared type
//     and stored; unknown keys and values that do not fit are logged and
//     skipped. The resulting configuration is then broadcast.
//   - status_update: ignored.
//   - anything else: handed to Config.Callback.
//
// Typical use:
//
//	svc, err := agent.New(ctx, &agent.Config{Name: "port-scanner"}, bus, registry)
//	if err != nil {
//	    return err
//	}
//	defer svc.Close()
//	if err := svc.Connect(ctx); err != nil {
//	    return err
//	}
//	return svc.Run(ctx)
package agent
