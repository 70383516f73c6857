// Package policyverify builds peer verification callbacks from Rego
// policies, so trust decisions beyond chain validation can be expressed as
// policy instead of code.
package policyverify

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"sort"
	"time"

	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/rego"

	"github.com/polisai/channelcreds/pkg/credentials"
)

const defaultQuery = "data.policy.allow"

// Options control verifier construction.
type Options struct {
	// Query is the policy decision path; defaults to "data.policy.allow".
	Query string
	// Modules contains the Rego modules to load, keyed by filename.
	Modules map[string]string
}

// Verifier evaluates peer identities against an embedded OPA policy.
type Verifier struct {
	prepared rego.PreparedEvalQuery
	query    string
}

// New compiles the supplied Rego modules into a verifier.
func New(ctx context.Context, opts Options) (*Verifier, error) {
	query := opts.Query
	if query == "" {
		query = defaultQuery
	}
	if len(opts.Modules) == 0 {
		return nil, errors.New("policyverify: at least one rego module is required")
	}

	names := make([]string, 0, len(opts.Modules))
	for name := range opts.Modules {
		names = append(names, name)
	}
	sort.Strings(names)

	regoOpts := []func(*rego.Rego){rego.Query(query)}
	for _, name := range names {
		regoOpts = append(regoOpts, rego.Module(name, opts.Modules[name]))
	}

	prepared, err := rego.New(regoOpts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("policyverify: prepare query %q: %w", query, err)
	}

	return &Verifier{prepared: prepared, query: query}, nil
}

// VerifyPeerFunc returns a callback suitable for
// credentials.Config.CheckServerIdentity. The policy input carries the
// negotiated server name and, when a certificate was presented, its parsed
// identity fields. Evaluation errors and non-allow decisions both reject.
func (v *Verifier) VerifyPeerFunc() credentials.VerifyPeerFunc {
	return func(serverName, certPEM string) error {
		input := map[string]any{
			"server_name": serverName,
		}

		if certPEM != "" {
			cert, err := parseLeaf(certPEM)
			if err != nil {
				return fmt.Errorf("policyverify: parse peer certificate: %w", err)
			}
			input["certificate"] = map[string]any{
				"subject":    cert.Subject.String(),
				"issuer":     cert.Issuer.String(),
				"dns_names":  cert.DNSNames,
				"not_before": cert.NotBefore.Format(time.RFC3339),
				"not_after":  cert.NotAfter.Format(time.RFC3339),
				"serial":     cert.SerialNumber.String(),
			}
		}

		results, err := v.prepared.Eval(context.Background(), rego.EvalInput(input))
		if err != nil {
			return fmt.Errorf("policyverify: evaluate %q: %w", v.query, err)
		}
		if !results.Allowed() {
			return fmt.Errorf("policyverify: peer %q rejected by policy %q", serverName, v.query)
		}
		return nil
	}
}

func parseLeaf(certPEM string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("no certificate PEM block found")
	}
	return x509.ParseCertificate(block.Bytes)
}
