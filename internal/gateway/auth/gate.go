package auth

import (
	"errors"
	"net"
	"strings"
)

var (
	// ErrMissingCredential means the policy requires a key and none was sent
	ErrMissingCredential = errors.New("missing API key")
	// ErrInvalidCredential means the key is unknown or revoked
	ErrInvalidCredential = errors.New("invalid API key")
)

// IdentityKind tells how an identity was derived
type IdentityKind string

const (
	KindKey     IdentityKind = "key"
	KindAddress IdentityKind = "address"
)

// Identity scopes rate limiting and logging for one request.
type Identity struct {
	Kind IdentityKind
	// Value is the accounting key: "key:<sha256>" or "ip:<host>".
	Value string
	// KeyID is the record id for key identities.
	KeyID string
	// Display is safe to log.
	Display string
}

// AddressIdentity derives an identity from a caller's network address
func AddressIdentity(remoteAddr string) Identity {
	host := strings.TrimSpace(remoteAddr)
	if h, _, err := net.SplitHostPort(host); err == nil && h != "" {
		host = h
	}
	if host == "" {
		host = "unknown"
	}
	return Identity{Kind: KindAddress, Value: "ip:" + host, Display: host}
}

// Policy decides what happens when a request carries no credential.
type Policy interface {
	Name() string
	missing(remoteAddr string) (Identity, error)
}

// Required rejects requests without a credential.
type Required struct{}

func (Required) Name() string { return "required" }

func (Required) missing(string) (Identity, error) {
	return Identity{}, ErrMissingCredential
}

// Optional lets requests without a credential through as their address.
type Optional struct{}

func (Optional) Name() string { return "optional" }

func (Optional) missing(remoteAddr string) (Identity, error) {
	return AddressIdentity(remoteAddr), nil
}

// Gate validates credentials against a Registry.
type Gate struct {
	registry *Registry
	policy   Policy
}

// NewGate creates a gate. A nil policy means Required.
func NewGate(registry *Registry, policy Policy) *Gate {
	if policy == nil {
		policy = Required{}
	}
	return &Gate{registry: registry, policy: policy}
}

// Policy returns the gate's policy
func (g *Gate) Policy() Policy { return g.policy }

// Validate checks a credential. An empty credential counts as absent. A
// credential that is present is always checked, whatever the policy.
func (g *Gate) Validate(credential, remoteAddr string) (Identity, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return g.policy.missing(remoteAddr)
	}

	rec, ok := g.registry.Lookup(credential)
	if !ok || rec.Revoked {
		return Identity{}, ErrInvalidCredential
	}

	return Identity{
		Kind:    KindKey,
		Value:   "key:" + rec.KeyHash,
		KeyID:   rec.ID,
		Display: Mask(credential),
	}, nil
}
