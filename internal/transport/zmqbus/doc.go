// Package zmqbus carries envelopes over ZeroMQ. Agents connect a PUB
// socket to the XSUB side of a Proxy and a SUB socket to its XPUB side.
// Each message is two frames: the subject and a msgpack payload holding
// the reply subject, the envelope bytes and the trace headers.
//
// PUB/SUB drops whatever is published before a subscriber has joined, so
// a freshly dialed Bus may miss the first messages on the wire.
package zmqbus
