// Package grpccreds adapts channel credentials to gRPC transport
// credentials and dial options.
package grpccreds

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	grpccredentials "google.golang.org/grpc/credentials"

	"github.com/polisai/channelcreds/pkg/credentials"
	"github.com/polisai/channelcreds/pkg/credentials/tlsprovider"
)

// perRPCSource is implemented by call handles that can surface gRPC per-RPC
// credentials; tlsprovider composition preserves these through the fold.
type perRPCSource interface {
	PerRPC() grpccredentials.PerRPCCredentials
}

// transportCredentials wraps a ChannelCredentials owner. The owner's handle
// is shared, never duplicated: Clone returns a new adapter over the same
// owner, and closing the owner invalidates every adapter built from it.
type transportCredentials struct {
	mu         sync.RWMutex
	owner      *credentials.ChannelCredentials
	serverName string
}

// NewTransportCredentials builds gRPC client transport credentials from an
// owner. It fails if the owner has been closed.
func NewTransportCredentials(owner *credentials.ChannelCredentials) (grpccredentials.TransportCredentials, error) {
	if owner == nil {
		return nil, errors.New("grpccreds: channel credentials must not be nil")
	}
	if _, err := owner.Handle(); err != nil {
		return nil, err
	}
	return &transportCredentials{owner: owner}, nil
}

// ClientHandshake implements credentials.TransportCredentials.
func (c *transportCredentials) ClientHandshake(ctx context.Context, authority string, rawConn net.Conn) (net.Conn, grpccredentials.AuthInfo, error) {
	handle, err := c.owner.Handle()
	if err != nil {
		return nil, nil, err
	}

	serverName := c.overrideName()
	if serverName == "" {
		serverName = authorityHost(authority)
	}

	conf, err := tlsprovider.ClientTLSConfig(handle, serverName)
	if err != nil {
		return nil, nil, err
	}

	conn := tls.Client(rawConn, conf)
	if err := conn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("grpccreds: client handshake: %w", err)
	}

	info := grpccredentials.TLSInfo{
		State: conn.ConnectionState(),
		CommonAuthInfo: grpccredentials.CommonAuthInfo{
			SecurityLevel: grpccredentials.PrivacyAndIntegrity,
		},
	}
	return conn, info, nil
}

// ServerHandshake implements credentials.TransportCredentials. Channel
// credentials authenticate servers from the client side only.
func (c *transportCredentials) ServerHandshake(net.Conn) (net.Conn, grpccredentials.AuthInfo, error) {
	return nil, nil, errors.New("grpccreds: channel credentials cannot perform a server handshake")
}

// Info implements credentials.TransportCredentials.
func (c *transportCredentials) Info() grpccredentials.ProtocolInfo {
	return grpccredentials.ProtocolInfo{
		SecurityProtocol: "tls",
		ServerName:       c.overrideName(),
	}
}

// Clone implements credentials.TransportCredentials. Only the adapter is
// cloned; the underlying owner and its handle are shared.
func (c *transportCredentials) Clone() grpccredentials.TransportCredentials {
	return &transportCredentials{
		owner:      c.owner,
		serverName: c.overrideName(),
	}
}

// OverrideServerName implements credentials.TransportCredentials.
func (c *transportCredentials) OverrideServerName(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.serverName = name
	return nil
}

func (c *transportCredentials) overrideName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverName
}

// DialOptions returns the dial options for a channel secured by owner:
// transport credentials plus one per-RPC credential for every call
// credential composed onto the owner, in composition order.
func DialOptions(owner *credentials.ChannelCredentials) ([]grpc.DialOption, error) {
	tc, err := NewTransportCredentials(owner)
	if err != nil {
		return nil, err
	}

	handle, err := owner.Handle()
	if err != nil {
		return nil, err
	}
	callHandles, err := tlsprovider.PerRPCHandles(handle)
	if err != nil {
		return nil, err
	}

	opts := []grpc.DialOption{grpc.WithTransportCredentials(tc)}
	for _, ch := range callHandles {
		src, ok := ch.(perRPCSource)
		if !ok {
			return nil, fmt.Errorf("grpccreds: call handle %s does not carry per-RPC credentials", ch.ID())
		}
		opts = append(opts, grpc.WithPerRPCCredentials(src.PerRPC()))
	}
	return opts, nil
}

// authorityHost strips an optional port from a gRPC authority.
func authorityHost(authority string) string {
	host, _, err := net.SplitHostPort(authority)
	if err != nil {
		return authority
	}
	return host
}
