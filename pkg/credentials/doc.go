// Package credentials implements construction, composition, and verification
// dispatch for TLS channel credentials used to secure outbound connections.
//
// A ChannelCredentials exclusively owns one opaque provider handle and pins
// every value the handle depends on (PEM buffers, the verification callback,
// composed call credentials) for the handle's lifetime. Peer verification
// callbacks supplied through Config.CheckServerIdentity are invoked from
// arbitrary handshake goroutines through a serialized dispatch loop that
// contains panics and maps outcomes to the provider's accept/reject
// convention. A process-wide default trust root bundle can be installed with
// SetDefaultRootsPEM and is consumed by providers whenever explicit roots
// are omitted.
package credentials
