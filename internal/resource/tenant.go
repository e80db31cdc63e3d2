package resource

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"pkt.systems/fabric/api"
	"pkt.systems/fabric/internal/clock"
	"pkt.systems/fabric/internal/ids"
	"pkt.systems/fabric/internal/rest"
	"pkt.systems/pslog"
)

// TenantMode selects how resources are scoped to tenants.
type TenantMode string

// Tenant modes.
const (
	// TenantFixed places every resource in one configured tenant.
	TenantFixed TenantMode = "fixed"
	// TenantNone sends no tenant header.
	TenantNone TenantMode = "none"
	// TenantOwner creates one tenant per owning account.
	TenantOwner TenantMode = "owner"
)

// RootTenant is the implicit top-level tenant.
const RootTenant = "root"

// DefaultTenantTTL bounds how long a tenant is remembered as existing.
const DefaultTenantTTL = 5 * time.Minute

// ParseTenantMode validates raw.
func ParseTenantMode(raw string) (TenantMode, error) {
	switch mode := TenantMode(strings.ToLower(strings.TrimSpace(raw))); mode {
	case TenantFixed, TenantNone, TenantOwner:
		return mode, nil
	case "":
		return TenantNone, nil
	default:
		return "", fmt.Errorf("resource: unknown tenant mode %q", raw)
	}
}

// Tenant is a resolved tenant handle. The zero value means unscoped.
type Tenant struct {
	Name string
}

// Scoped reports whether requests carry a tenant header.
func (t Tenant) Scoped() bool {
	return t.Name != ""
}

// Root reports whether t is the top-level tenant.
func (t Tenant) Root() bool {
	return t.Name == RootTenant
}

// Header renders the tenant header value ("/root" or "/root/<name>").
func (t Tenant) Header() string {
	switch t.Name {
	case "":
		return ""
	case RootTenant:
		return "/" + RootTenant
	default:
		return "/" + RootTenant + "/" + t.Name
	}
}

// String implements fmt.Stringer.
func (t Tenant) String() string {
	if !t.Scoped() {
		return "<none>"
	}
	return t.Header()
}

// ParseTenant normalises "root", "/root/x", "root/x" and "x" to a handle.
func ParseTenant(raw string) Tenant {
	name := strings.Trim(strings.TrimSpace(raw), "/")
	if name == "" {
		return Tenant{}
	}
	if name == RootTenant {
		return Tenant{Name: RootTenant}
	}
	name = strings.TrimPrefix(name, RootTenant+"/")
	return Tenant{Name: name}
}

// Issuer sends backend requests. *rest.Executor satisfies it.
type Issuer interface {
	Issue(ctx context.Context, req rest.Request) (*rest.Response, error)
}

// TenantConfig configures a TenantManager.
type TenantConfig struct {
	Mode TenantMode
	// Fixed names the tenant used in TenantFixed mode.
	Fixed  string
	TTL    time.Duration
	Clock  clock.Clock
	Logger pslog.Logger
}

// TenantManager resolves and lazily creates tenants. It is safe for
// concurrent use; concurrent creations of one tenant are tolerated because
// creation swallows conflicts.
type TenantManager struct {
	issuer Issuer
	mode   TenantMode
	fixed  Tenant
	ttl    time.Duration
	clock  clock.Clock
	logger pslog.Logger

	mu    sync.Mutex
	known map[string]time.Time
}

// NewTenantManager constructs a TenantManager.
func NewTenantManager(issuer Issuer, cfg TenantConfig) (*TenantManager, error) {
	mode := cfg.Mode
	if mode == "" {
		mode = TenantNone
	}
	if _, err := ParseTenantMode(string(mode)); err != nil {
		return nil, err
	}
	m := &TenantManager{
		issuer: issuer,
		mode:   mode,
		ttl:    cfg.TTL,
		clock:  cfg.Clock,
		logger: cfg.Logger,
		known:  make(map[string]time.Time),
	}
	if mode == TenantFixed {
		m.fixed = ParseTenant(cfg.Fixed)
		if !m.fixed.Scoped() {
			return nil, fmt.Errorf("resource: tenant mode %q requires a tenant name", mode)
		}
	}
	if m.ttl <= 0 {
		m.ttl = DefaultTenantTTL
	}
	if m.clock == nil {
		m.clock = clock.Real{}
	}
	if m.logger == nil {
		m.logger = pslog.NoopLogger()
	}
	return m, nil
}

// Mode returns the configured tenant mode.
func (m *TenantManager) Mode() TenantMode {
	return m.mode
}

// Resolve returns the tenant for ownerID without touching the backend.
func (m *TenantManager) Resolve(ownerID string) (Tenant, error) {
	switch m.mode {
	case TenantNone:
		return Tenant{}, nil
	case TenantFixed:
		return m.fixed, nil
	}
	owner := strings.TrimSpace(ownerID)
	if owner == "" {
		return Tenant{}, fmt.Errorf("resource: tenant mode %q requires an owner id", m.mode)
	}
	if canonical, ok := ids.CanonicalUUID(owner); ok {
		owner = canonical
	}
	if strings.ContainsAny(owner, "/ ") {
		return Tenant{}, fmt.Errorf("resource: invalid owner id %q", ownerID)
	}
	return Tenant{Name: ManagedName(owner)}, nil
}

// EnsureTenant resolves the tenant for ownerID and creates it when it is not
// known to exist. Creation treats a conflict as success, so repeated calls
// with one owner always yield the same handle.
func (m *TenantManager) EnsureTenant(ctx context.Context, ownerID string, v api.Version) (Tenant, error) {
	tenant, err := m.Resolve(ownerID)
	if err != nil {
		return Tenant{}, err
	}
	if !tenant.Scoped() || tenant.Root() {
		return tenant, nil
	}
	if m.cached(tenant.Name) {
		return tenant, nil
	}
	resp, err := m.issuer.Issue(ctx, rest.Request{
		Method:     http.MethodPost,
		Path:       Tenants,
		Body:       api.CreateTenantRequest{Name: tenant.Name},
		ConflictOK: true,
		Version:    v,
	})
	if err != nil {
		return Tenant{}, fmt.Errorf("ensure tenant %s: %w", tenant.Name, err)
	}
	m.mu.Lock()
	m.known[tenant.Name] = m.clock.Now()
	m.mu.Unlock()
	m.logger.Debug("tenant.ensure", "tenant", tenant.Name, "existed", resp.Conflict())
	return tenant, nil
}

// Forget drops name from the existence cache.
func (m *TenantManager) Forget(name string) {
	name = ParseTenant(name).Name
	m.mu.Lock()
	delete(m.known, name)
	m.mu.Unlock()
}

func (m *TenantManager) cached(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.known[name]
	if !ok {
		return false
	}
	if m.clock.Now().Sub(at) >= m.ttl {
		delete(m.known, name)
		return false
	}
	return true
}
