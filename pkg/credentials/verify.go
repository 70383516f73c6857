package credentials

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/polisai/channelcreds/internal/dispatch"
)

// VerifyPeerFunc decides whether to accept the peer presented during a
// handshake. serverName and certPEM are empty when the provider had no value
// for that field. Returning nil accepts the peer; any error rejects it.
//
// The function runs on the credential dispatch loop, serialized with every
// other verification callback in the process, while handshakes themselves
// proceed in parallel up to that point. A panic is recovered and downgraded
// to a reject decision; it never unwinds into the provider.
type VerifyPeerFunc func(serverName, certPEM string) error

// VerifierName selects a verifier previously registered with
// RegisterVerifier. It is the named-callable form of CheckServerIdentity.
type VerifierName string

var (
	verifierMu sync.RWMutex
	verifiers  = make(map[string]VerifyPeerFunc)
)

// RegisterVerifier makes fn resolvable by name through VerifierName.
// Registering an empty name or a nil func fails; re-registering a name
// replaces the previous verifier.
func RegisterVerifier(name string, fn VerifyPeerFunc) error {
	if name == "" {
		return NewInvalidArgumentError("name", "verifier name must not be empty")
	}
	if fn == nil {
		return NewInvalidArgumentError("fn", "verifier func must not be nil")
	}

	verifierMu.Lock()
	defer verifierMu.Unlock()
	verifiers[name] = fn
	return nil
}

// LookupVerifier returns the verifier registered under name, if any.
func LookupVerifier(name string) (VerifyPeerFunc, bool) {
	verifierMu.RLock()
	defer verifierMu.RUnlock()
	fn, ok := verifiers[name]
	return fn, ok
}

// resolveVerifier maps the CheckServerIdentity option to a callable. Only a
// verify func or a registered verifier name is accepted.
func resolveVerifier(v any) (VerifyPeerFunc, error) {
	switch cb := v.(type) {
	case VerifyPeerFunc:
		if cb == nil {
			return nil, NewInvalidArgumentError("checkServerIdentity", "verify func must not be nil")
		}
		return cb, nil
	case func(serverName, certPEM string) error:
		if cb == nil {
			return nil, NewInvalidArgumentError("checkServerIdentity", "verify func must not be nil")
		}
		return cb, nil
	case VerifierName:
		fn, ok := LookupVerifier(string(cb))
		if !ok {
			return nil, NewInvalidArgumentError("checkServerIdentity", fmt.Sprintf("no verifier registered under %q", string(cb)))
		}
		return fn, nil
	default:
		return nil, NewInvalidArgumentError("checkServerIdentity", "expected a VerifyPeerFunc or VerifierName").
			WithContext("type", fmt.Sprintf("%T", v))
	}
}

// Process-wide dispatch loop. Verification callbacks from every credential
// share one serialized execution context, mirroring the single managed
// instruction stream the callbacks were written for.
var (
	loopOnce   sync.Once
	sharedLoop *dispatch.Loop
)

func defaultLoop() *dispatch.Loop {
	loopOnce.Do(func() {
		sharedLoop = dispatch.NewLoop()
	})
	return sharedLoop
}

// newVerifyBinding wraps fn in the provider-facing trampoline. The returned
// binding's Userdata holds the user callback so the owner's keep-alive set
// pins it for the handle's lifetime.
func newVerifyBinding(fn VerifyPeerFunc, loop *dispatch.Loop, logger *CredentialLogger, metrics *MetricsCollector) *VerifyBinding {
	binding := &VerifyBinding{Userdata: fn}
	binding.Callback = func(serverName, certPEM *string) int {
		return invokeVerify(loop, binding, serverName, certPEM, logger, metrics)
	}
	return binding
}

// invokeVerify is the trampoline body. It is called by the provider on an
// arbitrary handshake goroutine, blocks until the dispatch loop runs the
// user callback, and maps the outcome to the provider's verdict convention.
// Nothing raised inside the callback escapes this function.
func invokeVerify(loop *dispatch.Loop, binding *VerifyBinding, serverName, certPEM *string, logger *CredentialLogger, metrics *MetricsCollector) int {
	ctx := context.Background()
	start := time.Now()

	name := derefOrEmpty(serverName)

	// A missing binding is a registration bug, not a handshake failure.
	fn, ok := verifyFuncFromBinding(binding)
	if !ok {
		logger.LogVerifyFault(ctx, name, NewCredentialError(ErrorTypeCallbackFault, "verify callback invoked without a binding"))
		recordDecision(ctx, metrics, VerdictReject, "missing_binding", time.Since(start))
		return VerdictReject
	}

	cert := derefOrEmpty(certPEM)

	err := loop.Submit(ctx, func() error {
		return fn(name, cert)
	})
	elapsed := time.Since(start)

	if err != nil {
		reason := "callback_error"
		var panicErr *dispatch.PanicError
		switch {
		case errors.As(err, &panicErr):
			reason = "callback_panic"
			logger.LogVerifyFault(ctx, name, NewCredentialErrorWithCause(ErrorTypeCallbackFault, "verify callback panicked", panicErr))
		case errors.Is(err, dispatch.ErrLoopClosed):
			reason = "dispatch_closed"
			logger.LogVerifyFault(ctx, name, err)
		}
		logger.LogVerifyDecision(ctx, name, VerdictReject, reason, elapsed)
		recordDecision(ctx, metrics, VerdictReject, reason, elapsed)
		return VerdictReject
	}

	logger.LogVerifyDecision(ctx, name, VerdictAccept, "callback_accept", elapsed)
	recordDecision(ctx, metrics, VerdictAccept, "callback_accept", elapsed)
	return VerdictAccept
}

func verifyFuncFromBinding(binding *VerifyBinding) (VerifyPeerFunc, bool) {
	if binding == nil {
		return nil, false
	}
	fn, ok := binding.Userdata.(VerifyPeerFunc)
	if !ok || fn == nil {
		return nil, false
	}
	return fn, true
}

func recordDecision(ctx context.Context, metrics *MetricsCollector, verdict int, reason string, elapsed time.Duration) {
	if metrics != nil {
		metrics.RecordVerifyDecision(ctx, verdict, reason, elapsed)
	}
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
