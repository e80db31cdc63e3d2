// Package negotiate discovers which API revisions the backend serves and
// caches the result for a short window.
package negotiate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"pkt.systems/fabric/api"
	"pkt.systems/fabric/internal/clock"
	"pkt.systems/fabric/internal/rest"
	"pkt.systems/pslog"
)

// DefaultTTL is how long a negotiated version list stays cached.
const DefaultTTL = 20 * time.Second

const discoveryPath = "api_versions"

// Fetcher performs unauthenticated GETs against unversioned paths.
// *rest.Executor satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, path string) (*rest.Response, error)
}

// Option customises a Negotiator.
type Option func(*Negotiator)

// WithTTL overrides the cache window. Non-positive values disable caching.
func WithTTL(ttl time.Duration) Option {
	return func(n *Negotiator) {
		n.ttl = ttl
	}
}

// WithClock injects the clock used for cache expiry.
func WithClock(clk clock.Clock) Option {
	return func(n *Negotiator) {
		if clk != nil {
			n.clock = clk
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger pslog.Logger) Option {
	return func(n *Negotiator) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithKnownVersions restricts the versions the client is willing to speak.
func WithKnownVersions(versions ...api.Version) Option {
	return func(n *Negotiator) {
		if len(versions) > 0 {
			n.known = api.SortNewestFirst(slices.Clone(versions))
		}
	}
}

// Negotiator resolves the ordered list of mutually supported versions.
type Negotiator struct {
	fetcher Fetcher
	known   []api.Version
	ttl     time.Duration
	clock   clock.Clock
	logger  pslog.Logger

	mu       sync.RWMutex
	cached   []api.Version
	cachedAt time.Time
	valid    bool
}

// New returns a Negotiator that discovers through f.
func New(f Fetcher, opts ...Option) *Negotiator {
	n := &Negotiator{
		fetcher: f,
		known:   api.KnownVersions(),
		ttl:     DefaultTTL,
		clock:   clock.Real{},
		logger:  pslog.NoopLogger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(n)
		}
	}
	return n
}

// Known returns the versions this client can speak, newest first.
func (n *Negotiator) Known() []api.Version {
	return slices.Clone(n.known)
}

// Negotiate returns the mutually supported versions, newest first. A cached
// result is returned while it is younger than the TTL.
func (n *Negotiator) Negotiate(ctx context.Context) ([]api.Version, error) {
	if cached, ok := n.fromCache(); ok {
		return cached, nil
	}
	served, err := n.discover(ctx)
	if err != nil {
		return nil, err
	}
	supported := make([]api.Version, 0, len(n.known))
	for _, v := range n.known {
		if slices.Contains(served, v) {
			supported = append(supported, v)
		}
	}
	if len(supported) == 0 {
		return nil, api.NewError(api.ErrProtocol, "no mutually supported api version (backend serves %v, client speaks %v)", served, n.known)
	}
	n.mu.Lock()
	n.cached = supported
	n.cachedAt = n.clock.Now()
	n.valid = true
	n.mu.Unlock()
	n.logger.Debug("negotiate.versions", "versions", versionStrings(supported))
	return slices.Clone(supported), nil
}

// Highest returns the newest mutually supported version.
func (n *Negotiator) Highest(ctx context.Context) (api.Version, error) {
	versions, err := n.Negotiate(ctx)
	if err != nil {
		return api.Version{}, err
	}
	return versions[0], nil
}

// Invalidate drops the cached version list.
func (n *Negotiator) Invalidate() {
	n.mu.Lock()
	n.cached = nil
	n.valid = false
	n.mu.Unlock()
	n.logger.Debug("negotiate.invalidate")
}

func (n *Negotiator) fromCache() ([]api.Version, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.valid || n.ttl <= 0 {
		return nil, false
	}
	if n.clock.Now().Sub(n.cachedAt) >= n.ttl {
		return nil, false
	}
	return slices.Clone(n.cached), true
}

func (n *Negotiator) discover(ctx context.Context) ([]api.Version, error) {
	if n.fetcher == nil {
		return nil, fmt.Errorf("negotiate: no fetcher configured")
	}
	versions, err := n.discoverEndpoint(ctx)
	if err == nil {
		return versions, nil
	}
	if !discoveryMissing(err) {
		return nil, err
	}
	n.logger.Debug("negotiate.discovery.fallback", "reason", err)
	return n.probe(ctx)
}

// discoveryMissing reports whether err means the backend predates the
// discovery endpoint. Transport failures are not.
func discoveryMissing(err error) bool {
	if errors.Is(err, api.ErrNotFound) {
		return true
	}
	var apiErr *api.Error
	return errors.Is(err, api.ErrProtocol) && !(errors.As(err, &apiErr) && apiErr.Cause != nil)
}

func (n *Negotiator) discoverEndpoint(ctx context.Context) ([]api.Version, error) {
	resp, err := n.fetcher.Fetch(ctx, discoveryPath)
	if err != nil {
		return nil, err
	}
	switch {
	case resp.Status == http.StatusNotFound:
		return nil, &api.Error{Kind: api.ErrNotFound, Status: resp.Status, Method: http.MethodGet, Path: discoveryPath, Message: "version discovery not served"}
	case resp.Status == http.StatusUnauthorized || resp.Status == http.StatusForbidden:
		return nil, &api.Error{Kind: api.ErrNotAuthorized, Status: resp.Status, Method: http.MethodGet, Path: discoveryPath, Message: http.StatusText(resp.Status)}
	case resp.Status == http.StatusServiceUnavailable:
		return nil, &api.Error{Kind: api.ErrBackendOverloaded, Status: resp.Status, Method: http.MethodGet, Path: discoveryPath, Message: http.StatusText(resp.Status)}
	case resp.Status < 200 || resp.Status >= 300:
		return nil, &api.Error{Kind: api.ErrProtocol, Status: resp.Status, Method: http.MethodGet, Path: discoveryPath, Message: http.StatusText(resp.Status)}
	}
	var payload api.VersionsResponse
	if err := resp.Decode(&payload); err != nil {
		return nil, err
	}
	out := make([]api.Version, 0, len(payload.APIVersions))
	for _, raw := range payload.APIVersions {
		v, err := api.ParseVersion(raw)
		if err != nil {
			n.logger.Warn("negotiate.discovery.bad_version", "value", raw, "error", err)
			continue
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, &api.Error{Kind: api.ErrProtocol, Status: resp.Status, Method: http.MethodGet, Path: discoveryPath, Message: "empty version list"}
	}
	return api.SortNewestFirst(out), nil
}

// probe asks each known version root in turn. Unauthenticated requests to a
// served version root answer with an api_req description or code 99. An
// overloaded version root is an error rather than a missing version.
func (n *Negotiator) probe(ctx context.Context) ([]api.Version, error) {
	var accepted []api.Version
	for _, v := range n.known {
		resp, err := n.fetcher.Fetch(ctx, v.PathSegment())
		if err != nil {
			return nil, err
		}
		if resp.Status == http.StatusServiceUnavailable {
			return nil, &api.Error{Kind: api.ErrBackendOverloaded, Status: resp.Status, Method: http.MethodGet, Path: v.PathSegment(), Message: "version root overloaded"}
		}
		if recognised(resp.Body) {
			accepted = append(accepted, v)
			n.logger.Debug("negotiate.probe.accepted", "version", v.String(), "status", resp.Status)
			continue
		}
		n.logger.Debug("negotiate.probe.rejected", "version", v.String(), "status", resp.Status)
	}
	if len(accepted) == 0 {
		return nil, api.NewError(api.ErrProtocol, "no version root answered a probe")
	}
	return accepted, nil
}

func recognised(body []byte) bool {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return false
	}
	if _, ok := payload["api_req"]; ok {
		return true
	}
	code, ok := payload["code"]
	return ok && fmt.Sprint(code) == "99"
}

func versionStrings(versions []api.Version) []string {
	out := make([]string, len(versions))
	for i, v := range versions {
		out[i] = v.String()
	}
	return out
}
