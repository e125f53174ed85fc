// Package grpcbus carries envelopes over gRPC. A Broker routes published
// frames to the Subscribe streams of the exact subject, and Client exposes
// a remote Broker as a transport.Transport.
//
// The service is declared by hand with google.protobuf.Struct frames:
//
//	service EventBus {
//	  rpc Publish(google.protobuf.Struct) returns (google.protobuf.Struct);
//	  rpc Subscribe(google.protobuf.Struct) returns (stream google.protobuf.Struct);
//	}
//
// A frame holds id, subject, reply, data and headers. The broker drops
// frames whose id it has already routed, and headers carry the W3C trace
// context across the hop.
package grpcbus
