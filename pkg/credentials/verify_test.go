package credentials

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/channelcreds/internal/dispatch"
)

func strptr(s string) *string { return &s }

func TestTrampoline_AcceptMapsToZero(t *testing.T) {
	loop := dispatch.NewLoop()
	defer loop.Close()

	var gotServerName, gotCert string
	binding := newVerifyBinding(func(serverName, certPEM string) error {
		gotServerName = serverName
		gotCert = certPEM
		return nil
	}, loop, NewCredentialLogger(nil), nil)

	verdict := binding.Callback(strptr("example.com"), strptr("<pem>"))

	assert.Equal(t, VerdictAccept, verdict)
	assert.Equal(t, 0, verdict, "provider boundary convention is 0=accept")
	assert.Equal(t, "example.com", gotServerName)
	assert.Equal(t, "<pem>", gotCert)
}

func TestTrampoline_ErrorMapsToOne(t *testing.T) {
	loop := dispatch.NewLoop()
	defer loop.Close()

	binding := newVerifyBinding(func(serverName, certPEM string) error {
		return errors.New("untrusted peer")
	}, loop, NewCredentialLogger(nil), nil)

	verdict := binding.Callback(strptr("example.com"), strptr("<pem>"))

	assert.Equal(t, VerdictReject, verdict)
	assert.Equal(t, 1, verdict, "provider boundary convention is 1=reject")
}

func TestTrampoline_PanicIsDowngradedToReject(t *testing.T) {
	loop := dispatch.NewLoop()
	defer loop.Close()

	calls := 0
	binding := newVerifyBinding(func(serverName, certPEM string) error {
		calls++
		if calls == 1 {
			panic("callback exploded")
		}
		return nil
	}, loop, NewCredentialLogger(nil), nil)

	assert.Equal(t, VerdictReject, binding.Callback(strptr("example.com"), nil))

	// The trampoline and loop survive the panic.
	assert.Equal(t, VerdictAccept, binding.Callback(strptr("example.com"), nil))
}

func TestTrampoline_NilBindingRejects(t *testing.T) {
	loop := dispatch.NewLoop()
	defer loop.Close()

	verdict := invokeVerify(loop, nil, strptr("example.com"), nil, NewCredentialLogger(nil), nil)

	assert.Equal(t, VerdictReject, verdict)
}

func TestTrampoline_NilPointersBecomeEmptyStrings(t *testing.T) {
	loop := dispatch.NewLoop()
	defer loop.Close()

	var gotServerName, gotCert string
	sawCall := false
	binding := newVerifyBinding(func(serverName, certPEM string) error {
		sawCall = true
		gotServerName = serverName
		gotCert = certPEM
		return nil
	}, loop, NewCredentialLogger(nil), nil)

	verdict := binding.Callback(nil, nil)

	assert.Equal(t, VerdictAccept, verdict)
	assert.True(t, sawCall)
	assert.Empty(t, gotServerName)
	assert.Empty(t, gotCert)
}

func TestTrampoline_ClosedLoopRejects(t *testing.T) {
	loop := dispatch.NewLoop()
	loop.Close()

	binding := newVerifyBinding(func(serverName, certPEM string) error {
		return nil
	}, loop, NewCredentialLogger(nil), nil)

	assert.Equal(t, VerdictReject, binding.Callback(strptr("example.com"), nil))
}

// Concurrent handshakes may hit the trampoline in parallel; callback
// execution itself must stay serialized on the loop.
func TestTrampoline_ConcurrentInvocationsSerialized(t *testing.T) {
	loop := dispatch.NewLoop()
	defer loop.Close()

	var inCallback atomic.Int32
	var overlaps atomic.Int32
	binding := newVerifyBinding(func(serverName, certPEM string) error {
		if inCallback.Add(1) > 1 {
			overlaps.Add(1)
		}
		defer inCallback.Add(-1)
		return nil
	}, loop, NewCredentialLogger(nil), nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, VerdictAccept, binding.Callback(strptr("example.com"), strptr("<pem>")))
		}()
	}
	wg.Wait()

	assert.Zero(t, overlaps.Load(), "verification callbacks overlapped")
}

func TestResolveVerifier(t *testing.T) {
	accept := func(serverName, certPEM string) error { return nil }

	t.Run("verify peer func", func(t *testing.T) {
		fn, err := resolveVerifier(VerifyPeerFunc(accept))
		require.NoError(t, err)
		assert.NotNil(t, fn)
	})

	t.Run("bare func", func(t *testing.T) {
		fn, err := resolveVerifier(accept)
		require.NoError(t, err)
		assert.NotNil(t, fn)
	})

	t.Run("registered name", func(t *testing.T) {
		require.NoError(t, RegisterVerifier("resolve-test", accept))
		fn, err := resolveVerifier(VerifierName("resolve-test"))
		require.NoError(t, err)
		assert.NotNil(t, fn)
	})

	t.Run("unknown name", func(t *testing.T) {
		_, err := resolveVerifier(VerifierName("missing"))
		assert.True(t, IsInvalidArgument(err))
	})

	t.Run("nil func", func(t *testing.T) {
		_, err := resolveVerifier(VerifyPeerFunc(nil))
		assert.True(t, IsInvalidArgument(err))
	})

	t.Run("wrong type", func(t *testing.T) {
		_, err := resolveVerifier("just a string")
		assert.True(t, IsInvalidArgument(err))
	})
}

func TestRegisterVerifier_Validation(t *testing.T) {
	assert.True(t, IsInvalidArgument(RegisterVerifier("", func(serverName, certPEM string) error { return nil })))
	assert.True(t, IsInvalidArgument(RegisterVerifier("nil-func", nil)))
}
