// Package authz resolves caller roles for treasury operations. Administrators
// come from a static allow-list; the system principals are granted only where
// an operation names them explicitly.
package authz

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/daotreasury/internal/domain"
)

// Authorizer checks callers against the administrator allow-list.
type Authorizer struct {
	admins map[domain.Principal]struct{}
}

// New creates an Authorizer. Admin entries are normalized with
// ParsePrincipal; invalid entries are rejected.
func New(admins []string) (*Authorizer, error) {
	a := &Authorizer{admins: make(map[domain.Principal]struct{}, len(admins))}
	for _, raw := range admins {
		p, err := ParsePrincipal(raw)
		if err != nil {
			return nil, fmt.Errorf("authz: admin %q: %w", raw, err)
		}
		a.admins[p] = struct{}{}
	}
	return a, nil
}

// IsAdmin reports whether p is on the allow-list.
func (a *Authorizer) IsAdmin(p domain.Principal) bool {
	_, ok := a.admins[p]
	return ok
}

// Admins returns the number of configured administrators.
func (a *Authorizer) Admins() int {
	return len(a.admins)
}

// RequireCaller fails with ErrUnauthorized for an empty principal.
func (a *Authorizer) RequireCaller(p domain.Principal) error {
	if p == "" {
		return fmt.Errorf("authz: missing caller: %w", domain.ErrUnauthorized)
	}
	return nil
}

// RequireAdmin fails unless p is an administrator.
func (a *Authorizer) RequireAdmin(p domain.Principal) error {
	if err := a.RequireCaller(p); err != nil {
		return err
	}
	if !a.IsAdmin(p) {
		return fmt.Errorf("authz: %s is not an administrator: %w", p, domain.ErrUnauthorized)
	}
	return nil
}

// RequireAdminOr fails unless p is an administrator or one of allowed.
func (a *Authorizer) RequireAdminOr(p domain.Principal, allowed ...domain.Principal) error {
	if err := a.RequireCaller(p); err != nil {
		return err
	}
	for _, s := range allowed {
		if p == s {
			return nil
		}
	}
	if !a.IsAdmin(p) {
		return fmt.Errorf("authz: %s may not perform this operation: %w", p, domain.ErrUnauthorized)
	}
	return nil
}

// ParsePrincipal normalizes an external identity. Hex addresses are returned
// in EIP-55 checksum form; other identities are trimmed. Empty values and
// reserved system principals are rejected.
func ParsePrincipal(raw string) (domain.Principal, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("empty principal: %w", domain.ErrUnauthorized)
	}
	if common.IsHexAddress(s) {
		return domain.Principal(common.HexToAddress(s).Hex()), nil
	}
	p := domain.Principal(s)
	if p.IsSystem() {
		return "", fmt.Errorf("reserved principal %q: %w", s, domain.ErrUnauthorized)
	}
	return p, nil
}
