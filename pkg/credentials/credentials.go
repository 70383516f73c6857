package credentials

import (
	"context"
	"log/slog"
	"runtime"
	"sync"

	"github.com/polisai/channelcreds/internal/dispatch"
)

// Config carries the constructor inputs for channel credentials. All fields
// are optional, but PEMPrivateKey and PEMCertChain must be supplied together
// or not at all.
type Config struct {
	// PEMRootCerts is the PEM encoding of the trusted root certificates.
	// When nil the provider falls back to the process-wide default roots
	// (see SetDefaultRootsPEM), read once at construction time.
	PEMRootCerts []byte

	// PEMPrivateKey is the PEM encoding of the client's private key.
	PEMPrivateKey []byte

	// PEMCertChain is the PEM encoding of the client's certificate chain.
	PEMCertChain []byte

	// CheckServerIdentity optionally overrides peer identity verification.
	// It must be a VerifyPeerFunc (or bare func of the same shape) or a
	// VerifierName; any other type is rejected with invalid_argument.
	CheckServerIdentity any
}

// Option configures construction and composition.
type Option func(*options)

type options struct {
	logger *slog.Logger
	loop   *dispatch.Loop
}

// WithLogger sets the logger used for credential events.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithDispatchLoop overrides the process-wide verification dispatch loop.
// Intended for tests; production credentials share one loop so callback
// execution stays serialized across the process.
func WithDispatchLoop(loop *dispatch.Loop) Option {
	return func(o *options) { o.loop = loop }
}

// keepAlive is the explicit ownership set attached to an owner. The provider
// handle reads PEM buffers and the verify callback without copying them, so
// the owner pins every such value for as long as the handle exists. Composed
// results additionally pin their base owner and every consumed call
// credential.
type keepAlive struct {
	refs []any
}

func newKeepAlive() *keepAlive {
	return &keepAlive{}
}

func (k *keepAlive) add(v any) {
	if v != nil {
		k.refs = append(k.refs, v)
	}
}

func (k *keepAlive) size() int {
	if k == nil {
		return 0
	}
	return len(k.refs)
}

// ChannelCredentials exclusively owns one provider credential handle together
// with the ownership set that keeps the handle's inputs alive. It is
// initialized exactly once, is safe for concurrent use after construction,
// and is never copied: Clone fails, and a second Init fails without touching
// the installed handle.
type ChannelCredentials struct {
	mu        sync.Mutex
	provider  Provider
	handle    Handle
	keepAlive *keepAlive
	closed    bool
	cleanup   runtime.Cleanup

	logger  *CredentialLogger
	metrics *MetricsCollector
}

// New constructs initialized channel credentials from cfg.
func New(ctx context.Context, provider Provider, cfg Config, opts ...Option) (*ChannelCredentials, error) {
	c := &ChannelCredentials{}
	if err := c.Init(ctx, provider, cfg, opts...); err != nil {
		return nil, err
	}
	return c, nil
}

// Init installs a handle into an uninitialized owner. Calling Init on an
// owner that already holds a handle, or that has been closed, fails with
// illegal_reinitialization and has no side effects.
func (c *ChannelCredentials) Init(ctx context.Context, provider Provider, cfg Config, opts ...Option) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handle != nil || c.closed {
		return NewIllegalReinitializationError("init")
	}

	if provider == nil {
		return NewInvalidArgumentError("provider", "provider must not be nil")
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	logger := NewCredentialLogger(o.logger)
	metrics, _ := GetMetricsCollector(o.logger)
	loop := o.loop
	if loop == nil {
		loop = defaultLoop()
	}

	hasKey := len(cfg.PEMPrivateKey) > 0
	hasChain := len(cfg.PEMCertChain) > 0
	if hasKey != hasChain {
		return NewInvalidArgumentError("pemPrivateKey/pemCertChain", "private key and certificate chain must be supplied together").
			WithContext("private_key", hasKey).
			WithContext("cert_chain", hasChain)
	}

	var binding *VerifyBinding
	if cfg.CheckServerIdentity != nil {
		fn, err := resolveVerifier(cfg.CheckServerIdentity)
		if err != nil {
			return err
		}
		binding = newVerifyBinding(fn, loop, logger, metrics)
	}

	var pair *KeyCertPair
	if hasKey {
		pair = &KeyCertPair{
			PrivateKeyPEM: cfg.PEMPrivateKey,
			CertChainPEM:  cfg.PEMCertChain,
		}
	}

	handle, err := provider.CreateCredentials(ctx, cfg.PEMRootCerts, pair, binding)
	if err != nil {
		return NewCreationFailedError(err)
	}

	ka := newKeepAlive()
	ka.add(cfg.PEMRootCerts)
	ka.add(cfg.PEMPrivateKey)
	ka.add(cfg.PEMCertChain)
	if binding != nil {
		ka.add(binding)
	}

	c.install(provider, handle, ka, logger, metrics)

	logger.LogHandleCreated(ctx, handle.ID(), hasKey, binding != nil)
	if metrics != nil {
		metrics.RecordHandleCreated(ctx, hasKey)
	}
	return nil
}

// install wires a freshly created handle into the owner and arranges for the
// handle to be released if the owner is collected without Close. The cleanup
// captures only the provider and handle, never the owner.
func (c *ChannelCredentials) install(provider Provider, handle Handle, ka *keepAlive, logger *CredentialLogger, metrics *MetricsCollector) {
	c.provider = provider
	c.handle = handle
	c.keepAlive = ka
	c.logger = logger
	c.metrics = metrics
	c.cleanup = runtime.AddCleanup(c, func(r releaseRef) {
		r.provider.ReleaseHandle(r.handle)
	}, releaseRef{provider: provider, handle: handle})
}

type releaseRef struct {
	provider Provider
	handle   Handle
}

// Handle returns the owned handle for provider-level adapters. It fails once
// the owner has been closed.
func (c *ChannelCredentials) Handle() (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.handle == nil {
		return nil, NewOwnerClosedError()
	}
	return c.handle, nil
}

// Clone always fails: channel credentials exclusively own their handle, and
// duplicating the owner would duplicate ownership.
func (c *ChannelCredentials) Clone() (*ChannelCredentials, error) {
	return nil, NewIllegalReinitializationError("clone")
}

// Compose folds the call credentials onto this channel credential, left to
// right, and wraps the final handle in a new owner. The receiver is not
// mutated and its handle is never released by this operation. With no extras
// the receiver itself is returned and no handle is allocated.
//
// Each intermediate handle allocated by the fold is released as soon as the
// next step succeeds; on a step failure the pending intermediate is released
// before the error is reported, leaving the receiver and the unconsumed
// extras intact.
func (c *ChannelCredentials) Compose(ctx context.Context, extras ...CallCredentials) (*ChannelCredentials, error) {
	if len(extras) == 0 {
		return c, nil
	}

	c.mu.Lock()
	if c.closed || c.handle == nil {
		c.mu.Unlock()
		return nil, NewOwnerClosedError()
	}
	provider := c.provider
	base := c.handle
	logger := c.logger
	metrics := c.metrics
	c.mu.Unlock()

	releaseIntermediate := func(h Handle) {
		if h != base {
			provider.ReleaseHandle(h)
		}
	}

	ka := newKeepAlive()
	ka.add(c)

	current := base
	for i, extra := range extras {
		if extra == nil {
			releaseIntermediate(current)
			return nil, NewInvalidArgumentError("callCredentials", "call credential must not be nil").
				WithContext("index", i)
		}

		next, err := provider.ComposeChannelAndCall(ctx, current, extra.CallHandle())
		if err != nil {
			releaseIntermediate(current)
			if metrics != nil {
				metrics.RecordComposition(ctx, len(extras), false)
			}
			return nil, NewCompositionFailedError(i, err)
		}

		releaseIntermediate(current)
		current = next
		ka.add(extra)
	}

	result := &ChannelCredentials{}
	result.install(provider, current, ka, logger, metrics)

	logger.LogComposition(ctx, base.ID(), current.ID(), len(extras))
	if metrics != nil {
		metrics.RecordComposition(ctx, len(extras), true)
	}
	return result, nil
}

// Close releases the owned handle. It is idempotent; closing an owner whose
// handle was never installed or has already been released is a no-op.
func (c *ChannelCredentials) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.handle == nil {
		c.closed = true
		return nil
	}

	c.cleanup.Stop()
	c.provider.ReleaseHandle(c.handle)

	ctx := context.Background()
	c.logger.LogHandleReleased(ctx, c.handle.ID())
	if c.metrics != nil {
		c.metrics.RecordHandleReleased(ctx)
	}

	c.handle = nil
	c.keepAlive = nil
	c.closed = true
	return nil
}
