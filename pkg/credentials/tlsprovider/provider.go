// Package tlsprovider implements the credentials.Provider contract on top of
// crypto/tls. Handles carry an immutable tls.Config template plus the
// accumulated per-RPC call handles from composition.
package tlsprovider

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/polisai/channelcreds/pkg/credentials"
)

// Provider builds TLS channel credential handles from PEM material.
type Provider struct {
	mu     sync.RWMutex
	hook   func() ([]byte, bool)
	logger *slog.Logger
}

// New creates a provider. The process-wide default roots store is registered
// as the initial override hook; RegisterRootsOverrideHook replaces it.
func New(logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{logger: logger}
	p.RegisterRootsOverrideHook(credentials.DefaultRootsPEM)
	return p
}

// credentialHandle is the provider-owned resource behind a channel
// credential. It is immutable after creation; composition allocates a new
// handle sharing the TLS template.
type credentialHandle struct {
	id       string
	conf     *tls.Config
	verify   credentials.RawVerifyFunc
	perRPC   []credentials.CallHandle
	released atomic.Bool
}

func (h *credentialHandle) ID() string { return h.id }

// CreateCredentials implements credentials.Provider.
func (p *Provider) CreateCredentials(ctx context.Context, rootsPEM []byte, pair *credentials.KeyCertPair, verify *credentials.VerifyBinding) (credentials.Handle, error) {
	rootsSource := "explicit"
	if rootsPEM == nil {
		if hook := p.rootsHook(); hook != nil {
			if override, found := hook(); found {
				rootsPEM = override
				rootsSource = "override"
			}
		}
	}

	var pool *x509.CertPool
	if rootsPEM != nil {
		pool = x509.NewCertPool()
		if !pool.AppendCertsFromPEM(rootsPEM) {
			return nil, fmt.Errorf("no valid root certificates found in PEM bundle (%s)", rootsSource)
		}
	} else {
		rootsSource = "system"
		systemPool, err := x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("failed to load system root certificates: %w", err)
		}
		pool = systemPool
	}

	conf := &tls.Config{
		RootCAs:    pool,
		MinVersion: tls.VersionTLS12,
	}

	if pair != nil {
		cert, err := tls.X509KeyPair(pair.CertChainPEM, pair.PrivateKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("failed to load client key/cert pair: %w", err)
		}
		conf.Certificates = []tls.Certificate{cert}
	}

	h := &credentialHandle{
		id:   uuid.NewString(),
		conf: conf,
	}
	if verify != nil {
		if verify.Callback == nil {
			return nil, errors.New("verify binding has no callback")
		}
		h.verify = verify.Callback
	}

	p.logger.Debug("created credential handle",
		"handle_id", h.id,
		"roots_source", rootsSource,
		"client_cert", pair != nil,
		"verify_callback", verify != nil)

	return h, nil
}

// ComposeChannelAndCall implements credentials.Provider. The result shares
// the channel handle's TLS template and appends the call handle to an
// immutable per-RPC list; neither input is mutated or released.
func (p *Provider) ComposeChannelAndCall(ctx context.Context, channel credentials.Handle, call credentials.CallHandle) (credentials.Handle, error) {
	ch, err := p.ownHandle(channel)
	if err != nil {
		return nil, err
	}
	if call == nil {
		return nil, errors.New("call handle must not be nil")
	}

	next := &credentialHandle{
		id:     uuid.NewString(),
		conf:   ch.conf,
		verify: ch.verify,
		perRPC: append(append([]credentials.CallHandle{}, ch.perRPC...), call),
	}

	p.logger.Debug("composed credential handle",
		"channel_handle_id", ch.id,
		"call_handle_id", call.ID(),
		"result_handle_id", next.id)

	return next, nil
}

// ReleaseHandle implements credentials.Provider. Releasing a nil, foreign,
// or already-released handle is a no-op.
func (p *Provider) ReleaseHandle(h credentials.Handle) {
	ch, ok := h.(*credentialHandle)
	if !ok || ch == nil {
		return
	}
	if ch.released.CompareAndSwap(false, true) {
		p.logger.Debug("released credential handle", "handle_id", ch.id)
	}
}

// RegisterRootsOverrideHook implements credentials.Provider.
func (p *Provider) RegisterRootsOverrideHook(hook func() ([]byte, bool)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hook = hook
}

func (p *Provider) rootsHook() func() ([]byte, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.hook
}

func (p *Provider) ownHandle(h credentials.Handle) (*credentialHandle, error) {
	ch, ok := h.(*credentialHandle)
	if !ok || ch == nil {
		return nil, fmt.Errorf("handle was not created by this provider")
	}
	if ch.released.Load() {
		return nil, fmt.Errorf("handle %s has been released", ch.id)
	}
	return ch, nil
}

// ClientTLSConfig builds a per-connection TLS configuration from a handle.
// When the handle carries a verification callback the returned config invokes
// it with the negotiated server name and the peer's leaf certificate
// re-encoded as PEM; a non-accept verdict fails the handshake.
func ClientTLSConfig(h credentials.Handle, serverName string) (*tls.Config, error) {
	ch, ok := h.(*credentialHandle)
	if !ok || ch == nil {
		return nil, fmt.Errorf("handle was not created by this provider")
	}
	if ch.released.Load() {
		return nil, fmt.Errorf("handle %s has been released", ch.id)
	}

	conf := ch.conf.Clone()
	conf.ServerName = serverName

	if ch.verify != nil {
		raw := ch.verify
		conf.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			var certPEM *string
			if len(rawCerts) > 0 {
				encoded := string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: rawCerts[0]}))
				certPEM = &encoded
			}
			var name *string
			if serverName != "" {
				name = &serverName
			}
			if raw(name, certPEM) != credentials.VerdictAccept {
				return errors.New("peer rejected by checkServerIdentity callback")
			}
			return nil
		}
	}

	return conf, nil
}

// PerRPCHandles returns the call handles accumulated on h by composition, in
// composition order.
func PerRPCHandles(h credentials.Handle) ([]credentials.CallHandle, error) {
	ch, ok := h.(*credentialHandle)
	if !ok || ch == nil {
		return nil, fmt.Errorf("handle was not created by this provider")
	}
	return append([]credentials.CallHandle{}, ch.perRPC...), nil
}
