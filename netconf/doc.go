// Package netconf implements the network configuration authority protocol.
//
// Messages are flat string dictionaries framed on a byte stream as a 4-byte
// big-endian length followed by the serialized body. A node sends
// netconf-request frames carrying its identity and a network id; the
// authority answers with a netconf-response holding either a nested
// netconf dictionary or an error such as NOT_FOUND.
//
// The authority side is Service, backed by a Store. PostgresStore keeps
// nodes, networks and IPv4 assignments in PostgreSQL, and
// ReconnectingStore reopens it with exponential backoff after connection
// loss. The node side is Client, which can spawn the authority as a child
// process and correlates responses by request id.
//
//	svc := netconf.NewService(store, netconf.ServiceConfig{})
//	err := svc.Serve(ctx, os.Stdin, os.Stdout)
package netconf
