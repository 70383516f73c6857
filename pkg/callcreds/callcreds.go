// Package callcreds provides per-request call credentials that can be
// layered onto channel credentials through composition.
package callcreds

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	grpccredentials "google.golang.org/grpc/credentials"

	"github.com/polisai/channelcreds/pkg/credentials"
)

// TokenFunc produces the bearer token attached to each request.
type TokenFunc func(ctx context.Context) (string, error)

// TokenCredentials are bearer-token call credentials. They satisfy the
// composition contract of pkg/credentials and gRPC's PerRPCCredentials, and
// always require transport security: a call credential is only meaningful on
// top of a secured channel.
type TokenCredentials struct {
	handle  *tokenHandle
	tokenFn TokenFunc
}

type tokenHandle struct {
	id    string
	creds *TokenCredentials
}

func (h *tokenHandle) ID() string { return h.id }

// PerRPC exposes the gRPC per-RPC credentials behind this handle. Transport
// adapters use it to turn composed handles back into dial options.
func (h *tokenHandle) PerRPC() grpccredentials.PerRPCCredentials { return h.creds }

// NewToken creates call credentials around a static bearer token.
func NewToken(token string) (*TokenCredentials, error) {
	if token == "" {
		return nil, errors.New("callcreds: token must not be empty")
	}
	return NewTokenFunc(func(context.Context) (string, error) {
		return token, nil
	})
}

// NewTokenFunc creates call credentials that fetch a token per request.
func NewTokenFunc(fn TokenFunc) (*TokenCredentials, error) {
	if fn == nil {
		return nil, errors.New("callcreds: token func must not be nil")
	}
	c := &TokenCredentials{tokenFn: fn}
	c.handle = &tokenHandle{id: uuid.NewString(), creds: c}
	return c, nil
}

// CallHandle implements credentials.CallCredentials.
func (c *TokenCredentials) CallHandle() credentials.CallHandle {
	return c.handle
}

// GetRequestMetadata implements grpc credentials.PerRPCCredentials.
func (c *TokenCredentials) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	token, err := c.tokenFn(ctx)
	if err != nil {
		return nil, fmt.Errorf("callcreds: fetch token: %w", err)
	}
	return map[string]string{
		"authorization": "Bearer " + token,
	}, nil
}

// RequireTransportSecurity implements grpc credentials.PerRPCCredentials.
func (c *TokenCredentials) RequireTransportSecurity() bool {
	return true
}
