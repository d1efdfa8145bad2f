package vault

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
)

// Action is the default outcome of a network policy for unlisted origins.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
)

// NetworkPolicy controls which callers can reach the store.
// Trusted platform services bypass the policy when BypassTrustedPlatform is set;
// everyone else is admitted when their address falls in AllowedOrigins,
// and otherwise gets DefaultAction.
type NetworkPolicy struct {
	BypassTrustedPlatform bool
	DefaultAction         Action
	AllowedOrigins        []netip.Prefix
}

// ParseNetworkPolicy builds a policy from config values. Origins may be
// CIDR prefixes or bare addresses.
func ParseNetworkPolicy(bypass bool, defaultAction string, origins []string) (NetworkPolicy, error) {
	p := NetworkPolicy{BypassTrustedPlatform: bypass, DefaultAction: ActionAllow}
	switch Action(strings.ToLower(defaultAction)) {
	case "", ActionAllow:
	case ActionDeny:
		p.DefaultAction = ActionDeny
	default:
		return NetworkPolicy{}, fmt.Errorf("network default_action must be allow or deny, got %q", defaultAction)
	}
	for _, o := range origins {
		prefix, err := parseOrigin(o)
		if err != nil {
			return NetworkPolicy{}, err
		}
		p.AllowedOrigins = append(p.AllowedOrigins, prefix)
	}
	return p, nil
}

func parseOrigin(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		prefix, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid allowed origin %q: %w", s, err)
		}
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid allowed origin %q: %w", s, err)
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// Origin describes where the caller connects from.
type Origin struct {
	Addr            netip.Addr // Zero value = unknown address.
	TrustedPlatform bool
}

// Allows reports whether a caller at origin can reach the store.
func (p NetworkPolicy) Allows(o Origin) bool {
	if o.TrustedPlatform && p.BypassTrustedPlatform {
		return true
	}
	if o.Addr.IsValid() {
		for _, prefix := range p.AllowedOrigins {
			if prefix.Contains(o.Addr.Unmap()) {
				return true
			}
		}
	}
	return p.DefaultAction != ActionDeny
}

// Guard wraps a Store with the network policy and a writer allow-list
// evaluated for a fixed caller. The policy is copied at construction and
// cannot change for the guard's lifetime.
type Guard struct {
	inner   Store
	policy  NetworkPolicy
	origin  Origin
	caller  string
	writers map[string]bool
}

// NewGuard creates a Guard. An empty writers list admits every caller for writes.
func NewGuard(inner Store, policy NetworkPolicy, origin Origin, caller string, writers []string) *Guard {
	cp := policy
	cp.AllowedOrigins = append([]netip.Prefix(nil), policy.AllowedOrigins...)
	var w map[string]bool
	if len(writers) > 0 {
		w = make(map[string]bool, len(writers))
		for _, id := range writers {
			w[id] = true
		}
	}
	return &Guard{inner: inner, policy: cp, origin: origin, caller: caller, writers: w}
}

func (g *Guard) Name() string { return g.inner.Name() }

func (g *Guard) reachable() error {
	if !g.policy.Allows(g.origin) {
		return fmt.Errorf("%w: origin %s is not admitted by the store network policy", ErrNetworkUnreachable, g.describeOrigin())
	}
	return nil
}

func (g *Guard) describeOrigin() string {
	if g.origin.Addr.IsValid() {
		return g.origin.Addr.String()
	}
	if g.origin.TrustedPlatform {
		return "trusted-platform"
	}
	return "unknown"
}

func (g *Guard) Put(ctx context.Context, name string, value []byte) (Reference, error) {
	if err := g.reachable(); err != nil {
		return Reference{}, err
	}
	if g.writers != nil && !g.writers[g.caller] {
		return Reference{}, fmt.Errorf("%w: caller %q has no write capability on the store", ErrAccessDenied, g.caller)
	}
	return g.inner.Put(ctx, name, value)
}

func (g *Guard) Reference(ctx context.Context, name string) (Reference, error) {
	if err := g.reachable(); err != nil {
		return Reference{}, err
	}
	return g.inner.Reference(ctx, name)
}

func (g *Guard) Resolve(ctx context.Context, ref Reference) ([]byte, error) {
	if err := g.reachable(); err != nil {
		return nil, err
	}
	return g.inner.Resolve(ctx, ref)
}

// Ping checks reachability through the policy, then the wrapped store.
func (g *Guard) Ping(ctx context.Context) error {
	if err := g.reachable(); err != nil {
		return err
	}
	if p, ok := g.inner.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Compile-time checks.
var (
	_ Store  = (*Guard)(nil)
	_ Pinger = (*Guard)(nil)
)
