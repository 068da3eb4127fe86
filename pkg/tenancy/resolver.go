package tenancy

import (
	"fmt"
	"net/http"
	"regexp"

	"github.com/hashplane/hashplane/pkg/authz"
)

// maxTenantIDLen bounds tenant identifiers (DNS-label convention).
const maxTenantIDLen = 63

// tenantIDRe validates tenant format: lowercase alphanumeric and hyphens,
// must start and end with an alphanumeric character.
var tenantIDRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// TenantHeader is the fallback header for tenant resolution when the
// identity carries no tenant (trusted-proxy setups).
const TenantHeader = "X-Tenant"

// TenantResolver resolves the tenant context from an HTTP request.
type TenantResolver interface {
	Resolve(r *http.Request) (TenantContext, error)
}

// SingleTenantResolver always returns the "default" tenant.
type SingleTenantResolver struct{}

// Resolve always returns a TenantContext with TenantID "default".
func (s SingleTenantResolver) Resolve(_ *http.Request) (TenantContext, error) {
	return TenantContext{TenantID: "default"}, nil
}

// IdentityTenantResolver takes the tenant from the authenticated identity,
// falling back to the X-Tenant header. The identity middleware must run
// before tenancy resolution.
type IdentityTenantResolver struct{}

// Resolve extracts the tenant bound to the caller. Returns an error if no
// tenant can be established or the value is malformed.
func (n IdentityTenantResolver) Resolve(r *http.Request) (TenantContext, error) {
	tenant := ""
	if id, ok := authz.IdentityFromContext(r.Context()); ok {
		tenant = id.TenantID
	}
	if tenant == "" {
		tenant = r.Header.Get(TenantHeader)
	}
	if tenant == "" {
		return TenantContext{}, fmt.Errorf("tenant is required in identity mode (tenant claim or %s header)", TenantHeader)
	}
	if err := validateTenantID(tenant); err != nil {
		return TenantContext{}, err
	}
	return TenantContext{TenantID: tenant}, nil
}

// validateTenantID checks that a tenant string conforms to DNS label rules:
// lowercase alphanumeric and hyphens, 1-63 characters, starts and ends with
// an alphanumeric character.
func validateTenantID(id string) error {
	if len(id) > maxTenantIDLen {
		return fmt.Errorf("tenant %q exceeds maximum length of %d characters", id, maxTenantIDLen)
	}
	if !tenantIDRe.MatchString(id) {
		return fmt.Errorf("tenant %q is invalid: must consist of lowercase alphanumeric characters or hyphens, and must start and end with an alphanumeric character", id)
	}
	return nil
}
