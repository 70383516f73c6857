package credentials

import "context"

// Handle is an opaque, provider-owned credential resource. Exactly one
// ChannelCredentials owns a given Handle at a time; handles are never
// duplicated and are released exactly once through their provider.
type Handle interface {
	// ID identifies the handle in logs and metrics.
	ID() string
}

// CallHandle is the provider-side resource behind a call credential.
type CallHandle interface {
	ID() string
}

// KeyCertPair carries a client private key and certificate chain in PEM form.
// Both fields must be populated; the constructor rejects a partial pair.
type KeyCertPair struct {
	PrivateKeyPEM []byte
	CertChainPEM  []byte
}

// Verdicts returned to the provider by a RawVerifyFunc. The provider-boundary
// convention is 0=accept, 1=reject; these constants pin it.
const (
	VerdictAccept = 0
	VerdictReject = 1
)

// RawVerifyFunc is the provider-facing peer verification callback. The
// provider may invoke it concurrently from any goroutine during handshakes.
// Nil pointers mean the provider had no value for that field.
type RawVerifyFunc func(serverName, certPEM *string) int

// VerifyBinding pairs the provider-facing callback with the user callback
// that backs it. The binding itself is stateless and re-entrant; the owner
// that registered it keeps it alive for the handle's lifetime.
type VerifyBinding struct {
	Callback RawVerifyFunc
	Userdata any
}

// Provider creates, composes and releases credential handles. Implementations
// must treat handles as immutable after creation: composition allocates a new
// handle, it never mutates its inputs.
type Provider interface {
	// CreateCredentials builds a handle from root certificates, an optional
	// client key/cert pair, and an optional verification binding. A nil
	// rootsPEM directs the provider to its registered roots override hook.
	CreateCredentials(ctx context.Context, rootsPEM []byte, pair *KeyCertPair, verify *VerifyBinding) (Handle, error)

	// ComposeChannelAndCall combines a channel handle with a call handle
	// into a new channel handle, leaving both inputs intact.
	ComposeChannelAndCall(ctx context.Context, channel Handle, call CallHandle) (Handle, error)

	// ReleaseHandle releases a handle. Releasing a nil, foreign, or
	// already-released handle is a no-op, never a fault.
	ReleaseHandle(h Handle)

	// RegisterRootsOverrideHook installs the hook consulted when a handle is
	// created without explicit roots. The hook reports found=false when no
	// override is set.
	RegisterRootsOverrideHook(hook func() ([]byte, bool))
}

// CallCredentials is the external per-request credential type that can be
// layered onto channel credentials through Compose.
type CallCredentials interface {
	CallHandle() CallHandle
}
