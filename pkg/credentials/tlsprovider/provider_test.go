package tlsprovider

import (
	"context"
	"crypto/tls"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/channelcreds/pkg/credentials"
)

type stubCallHandle struct{ id string }

func (s stubCallHandle) ID() string { return s.id }

func generateTestCert(t *testing.T, commonName string) (certPEM, keyPEM []byte) {
	t.Helper()
	certPEM, keyPEM, err := GenerateSelfSignedCertificate(CertificateGenerationOptions{
		CommonName: commonName,
		DNSNames:   []string{commonName},
	})
	require.NoError(t, err)
	return certPEM, keyPEM
}

func TestCreateCredentials_ExplicitRoots(t *testing.T) {
	certPEM, _ := generateTestCert(t, "roots.example.com")
	p := New(nil)

	h, err := p.CreateCredentials(context.Background(), certPEM, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.NotEmpty(t, h.ID())

	h2, err := p.CreateCredentials(context.Background(), certPEM, nil, nil)
	require.NoError(t, err)
	assert.NotEqual(t, h.ID(), h2.ID(), "each creation should yield a distinct handle")
}

func TestCreateCredentials_MalformedRoots(t *testing.T) {
	p := New(nil)

	h, err := p.CreateCredentials(context.Background(), []byte("not a pem bundle"), nil, nil)
	require.Error(t, err)
	assert.Nil(t, h)
	assert.Contains(t, err.Error(), "no valid root certificates")
}

func TestCreateCredentials_KeyCertPair(t *testing.T) {
	rootsPEM, _ := generateTestCert(t, "ca.example.com")
	certPEM, keyPEM := generateTestCert(t, "client.example.com")
	p := New(nil)

	h, err := p.CreateCredentials(context.Background(), rootsPEM, &credentials.KeyCertPair{
		PrivateKeyPEM: keyPEM,
		CertChainPEM:  certPEM,
	}, nil)
	require.NoError(t, err)

	conf, err := ClientTLSConfig(h, "client.example.com")
	require.NoError(t, err)
	assert.Len(t, conf.Certificates, 1)
}

func TestCreateCredentials_MismatchedKeyCertPair(t *testing.T) {
	rootsPEM, _ := generateTestCert(t, "ca.example.com")
	certPEM, _ := generateTestCert(t, "client.example.com")
	_, otherKeyPEM := generateTestCert(t, "other.example.com")
	p := New(nil)

	_, err := p.CreateCredentials(context.Background(), rootsPEM, &credentials.KeyCertPair{
		PrivateKeyPEM: otherKeyPEM,
		CertChainPEM:  certPEM,
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key/cert pair")
}

func TestCreateCredentials_OverrideHook(t *testing.T) {
	certPEM, _ := generateTestCert(t, "override.example.com")
	p := New(nil)

	hookCalls := 0
	p.RegisterRootsOverrideHook(func() ([]byte, bool) {
		hookCalls++
		return certPEM, true
	})

	h, err := p.CreateCredentials(context.Background(), nil, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, 1, hookCalls)

	// Explicit roots bypass the hook.
	_, err = p.CreateCredentials(context.Background(), certPEM, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, hookCalls)
}

func TestCreateCredentials_OverrideHookMalformed(t *testing.T) {
	p := New(nil)
	p.RegisterRootsOverrideHook(func() ([]byte, bool) {
		return []byte("garbage"), true
	})

	_, err := p.CreateCredentials(context.Background(), nil, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "override")
}

func TestCreateCredentials_NilVerifyCallback(t *testing.T) {
	certPEM, _ := generateTestCert(t, "roots.example.com")
	p := New(nil)

	_, err := p.CreateCredentials(context.Background(), certPEM, nil, &credentials.VerifyBinding{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no callback")
}

func TestReleaseHandle_Idempotent(t *testing.T) {
	certPEM, _ := generateTestCert(t, "roots.example.com")
	p := New(nil)

	h, err := p.CreateCredentials(context.Background(), certPEM, nil, nil)
	require.NoError(t, err)

	p.ReleaseHandle(h)
	p.ReleaseHandle(h)
	p.ReleaseHandle(nil)

	_, err = ClientTLSConfig(h, "example.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "released")

	_, err = p.ComposeChannelAndCall(context.Background(), h, stubCallHandle{id: "call-1"})
	require.Error(t, err)
}

func TestComposeChannelAndCall(t *testing.T) {
	certPEM, _ := generateTestCert(t, "roots.example.com")
	p := New(nil)

	base, err := p.CreateCredentials(context.Background(), certPEM, nil, nil)
	require.NoError(t, err)

	first, err := p.ComposeChannelAndCall(context.Background(), base, stubCallHandle{id: "call-1"})
	require.NoError(t, err)
	second, err := p.ComposeChannelAndCall(context.Background(), first, stubCallHandle{id: "call-2"})
	require.NoError(t, err)

	baseCalls, err := PerRPCHandles(base)
	require.NoError(t, err)
	assert.Empty(t, baseCalls, "composition must not mutate the channel handle")

	firstCalls, err := PerRPCHandles(first)
	require.NoError(t, err)
	require.Len(t, firstCalls, 1)
	assert.Equal(t, "call-1", firstCalls[0].ID())

	secondCalls, err := PerRPCHandles(second)
	require.NoError(t, err)
	require.Len(t, secondCalls, 2)
	assert.Equal(t, "call-1", secondCalls[0].ID())
	assert.Equal(t, "call-2", secondCalls[1].ID())
}

func TestComposeChannelAndCall_InvalidInputs(t *testing.T) {
	certPEM, _ := generateTestCert(t, "roots.example.com")
	p := New(nil)

	base, err := p.CreateCredentials(context.Background(), certPEM, nil, nil)
	require.NoError(t, err)

	_, err = p.ComposeChannelAndCall(context.Background(), base, nil)
	require.Error(t, err)

	_, err = p.ComposeChannelAndCall(context.Background(), nil, stubCallHandle{id: "call-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not created by this provider")
}

func TestClientTLSConfig_VerifyCallback(t *testing.T) {
	certPEM, _ := generateTestCert(t, "peer.example.com")
	block, _ := pem.Decode(certPEM)
	require.NotNil(t, block)

	var seenName, seenPEM string
	verdict := credentials.VerdictAccept
	binding := &credentials.VerifyBinding{
		Callback: func(serverName, peerPEM *string) int {
			if serverName != nil {
				seenName = *serverName
			}
			if peerPEM != nil {
				seenPEM = *peerPEM
			}
			return verdict
		},
	}

	p := New(nil)
	h, err := p.CreateCredentials(context.Background(), certPEM, nil, binding)
	require.NoError(t, err)

	conf, err := ClientTLSConfig(h, "peer.example.com")
	require.NoError(t, err)
	require.NotNil(t, conf.VerifyPeerCertificate)
	assert.Equal(t, "peer.example.com", conf.ServerName)

	require.NoError(t, conf.VerifyPeerCertificate([][]byte{block.Bytes}, nil))
	assert.Equal(t, "peer.example.com", seenName)
	assert.Contains(t, seenPEM, "BEGIN CERTIFICATE")

	verdict = credentials.VerdictReject
	err = conf.VerifyPeerCertificate([][]byte{block.Bytes}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")
}

func TestClientTLSConfig_NoVerifyCallback(t *testing.T) {
	certPEM, _ := generateTestCert(t, "roots.example.com")
	p := New(nil)

	h, err := p.CreateCredentials(context.Background(), certPEM, nil, nil)
	require.NoError(t, err)

	conf, err := ClientTLSConfig(h, "example.com")
	require.NoError(t, err)
	assert.Nil(t, conf.VerifyPeerCertificate)
	assert.Equal(t, uint16(tls.VersionTLS12), conf.MinVersion)
}

func TestGenerateSelfSignedCertificate_Defaults(t *testing.T) {
	certPEM, keyPEM, err := GenerateSelfSignedCertificate(CertificateGenerationOptions{})
	require.NoError(t, err)

	assert.Contains(t, string(certPEM), "BEGIN CERTIFICATE")
	assert.Contains(t, string(keyPEM), "BEGIN PRIVATE KEY")
}
