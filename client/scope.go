package client

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strings"
	"sync/atomic"

	"pkt.systems/fabric/api"
	"pkt.systems/fabric/internal/poller"
	"pkt.systems/fabric/internal/resource"
	"pkt.systems/fabric/internal/rest"
	"pkt.systems/fabric/internal/svcfields"
	"pkt.systems/fabric/policy"
	"pkt.systems/pslog"
)

const (
	stateOnline    = "online"
	stateOffline   = "offline"
	stateAvailable = "available"
	createMode     = "openstack"
)

// scope is one version-specific invocation of an operation.
type scope struct {
	*Client
	version api.Version
	logger  pslog.Logger
	// changed is set once a mutating request succeeded.
	changed atomic.Bool
}

func (c *Client) scope(v api.Version, logger pslog.Logger) *scope {
	return &scope{Client: c, version: v, logger: svcfields.WithVersion(logger, v.String())}
}

// legacy reports whether the wire shape is the revision 2 name-keyed form.
func (s *scope) legacy() bool {
	return !s.version.AtLeast(api.V2_1)
}

// tenant resolves and lazily creates the tenant owning ownerID. Revision 2
// has no tenants.
func (s *scope) tenant(ctx context.Context, ownerID string) (resource.Tenant, error) {
	if s.legacy() {
		return resource.Tenant{}, nil
	}
	return s.tenants.EnsureTenant(ctx, ownerID, s.version)
}

func (s *scope) do(ctx context.Context, t resource.Tenant, req rest.Request) (*rest.Response, error) {
	req.Version = s.version
	if !s.legacy() {
		req.Tenant = t.Header()
	}
	resp, err := s.exec.Issue(ctx, req)
	if err == nil && req.Method != http.MethodGet {
		s.changed.Store(true)
	}
	return resp, err
}

func (s *scope) get(ctx context.Context, t resource.Tenant, path string, out any) error {
	resp, err := s.do(ctx, t, rest.Request{Method: http.MethodGet, Path: path})
	if err != nil {
		return err
	}
	return s.decode(resp, out)
}

func (s *scope) put(ctx context.Context, t resource.Tenant, path string, body any) (*rest.Response, error) {
	return s.do(ctx, t, rest.Request{Method: http.MethodPut, Path: path, Body: body})
}

func (s *scope) post(ctx context.Context, t resource.Tenant, path string, body any, conflictOK bool) (*rest.Response, error) {
	return s.do(ctx, t, rest.Request{Method: http.MethodPost, Path: path, Body: body, ConflictOK: conflictOK})
}

func (s *scope) remove(ctx context.Context, t resource.Tenant, path string) error {
	_, err := s.do(ctx, t, rest.Request{Method: http.MethodDelete, Path: path})
	return err
}

// decode reads a plain payload on revision 2 and the data envelope on newer
// revisions.
func (s *scope) decode(resp *rest.Response, out any) error {
	if s.legacy() {
		return resp.Decode(out)
	}
	return resp.DecodeData(out)
}

func (s *scope) getAppInstance(ctx context.Context, t resource.Tenant, p resource.Path) (api.AppInstance, error) {
	path := p.AppInstancePath().String()
	if s.legacy() {
		var legacy api.LegacyAppInstance
		if err := s.get(ctx, t, path, &legacy); err != nil {
			return api.AppInstance{}, err
		}
		return legacy.Current(), nil
	}
	var ai api.AppInstance
	if err := s.get(ctx, t, path, &ai); err != nil {
		return api.AppInstance{}, err
	}
	return ai, nil
}

func (s *scope) listAppInstances(ctx context.Context, t resource.Tenant) ([]api.AppInstance, error) {
	if s.legacy() {
		var legacy map[string]api.LegacyAppInstance
		if err := s.get(ctx, t, resource.AppInstances, &legacy); err != nil {
			return nil, err
		}
		out := make([]api.AppInstance, 0, len(legacy))
		for _, key := range slices.Sorted(maps.Keys(legacy)) {
			ai := legacy[key]
			if ai.Name == "" {
				ai.Name = key
			}
			out = append(out, ai.Current())
		}
		return out, nil
	}
	var out []api.AppInstance
	if err := s.get(ctx, t, resource.AppInstances, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *scope) getStorageInstance(ctx context.Context, t resource.Tenant, p resource.Path) (api.StorageInstance, error) {
	path := p.StorageInstancePath().String()
	if s.legacy() {
		var legacy api.LegacyStorageInstance
		if err := s.get(ctx, t, path, &legacy); err != nil {
			return api.StorageInstance{}, err
		}
		return legacy.Current(), nil
	}
	var si api.StorageInstance
	if err := s.get(ctx, t, path, &si); err != nil {
		return api.StorageInstance{}, err
	}
	return si, nil
}

func (s *scope) listSnapshots(ctx context.Context, t resource.Tenant, p resource.Path) ([]api.Snapshot, error) {
	if s.legacy() {
		var legacy map[string]api.Snapshot
		if err := s.get(ctx, t, p.Snapshots(), &legacy); err != nil {
			return nil, err
		}
		out := make([]api.Snapshot, 0, len(legacy))
		for _, key := range slices.Sorted(maps.Keys(legacy)) {
			snap := legacy[key]
			if snap.Timestamp == "" {
				snap.Timestamp = key
			}
			out = append(out, snap)
		}
		return out, nil
	}
	var out []api.Snapshot
	if err := s.get(ctx, t, p.Snapshots(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// layout returns the path of the volume's first storage instance and volume
// as the backend reports them, which differ from the defaults for volumes
// created from a template.
func (s *scope) layout(ctx context.Context, t resource.Tenant, id string) (resource.Path, error) {
	p := resource.ForVolume(id)
	ai, err := s.getAppInstance(ctx, t, p)
	if err != nil {
		return resource.Path{}, err
	}
	return layoutOf(p, ai), nil
}

// volumePath skips the layout lookup for volumes using the default layout.
func (s *scope) volumePath(ctx context.Context, t resource.Tenant, id string, pol policy.Policy) (resource.Path, error) {
	if pol.Template() == "" {
		return resource.ForVolume(id), nil
	}
	return s.layout(ctx, t, id)
}

func layoutOf(p resource.Path, ai api.AppInstance) resource.Path {
	if len(ai.StorageInstances) == 0 {
		return p
	}
	si := ai.StorageInstances[0]
	if si.Name != "" {
		p.StorageInstance = si.Name
	}
	if len(si.Volumes) > 0 && si.Volumes[0].Name != "" {
		p.Volume = si.Volumes[0].Name
	}
	return p
}

func (s *scope) setAdminState(ctx context.Context, t resource.Tenant, p resource.Path, state string, force bool) error {
	_, err := s.put(ctx, t, p.AppInstancePath().String(), api.AppInstanceUpdate{AdminState: state, Force: force})
	return err
}

// offlineFlip takes the app instance offline around fn and brings it back
// online afterwards when it was online before.
func (s *scope) offlineFlip(ctx context.Context, t resource.Tenant, p resource.Path, fn func() error) error {
	ai, err := s.getAppInstance(ctx, t, p)
	if err != nil {
		return err
	}
	reonline := ai.AdminState == stateOnline
	if err := s.setAdminState(ctx, t, p, stateOffline, false); err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	if !reonline {
		return nil
	}
	return s.setAdminState(ctx, t, p, stateOnline, false)
}

// awaitStorageInstance waits for the storage instance to report available.
func (s *scope) awaitStorageInstance(ctx context.Context, t resource.Tenant, p resource.Path) error {
	target := s.timing(PollStorageInstance, s.version).Apply(poller.Target{
		Name:     p.StorageInstancePath().String(),
		Terminal: stateAvailable,
		State: func(ctx context.Context) (string, error) {
			si, err := s.getStorageInstance(ctx, t, p)
			if err != nil {
				return "", err
			}
			return si.OpState, nil
		},
	})
	return s.poller.AwaitState(ctx, target)
}

// awaitSnapshot waits for the snapshot at p to report available.
func (s *scope) awaitSnapshot(ctx context.Context, t resource.Tenant, p resource.Path) error {
	target := s.timing(PollSnapshot, s.version).Apply(poller.Target{
		Name:     p.String(),
		Terminal: stateAvailable,
		State: func(ctx context.Context) (string, error) {
			var snap api.Snapshot
			if err := s.get(ctx, t, p.String(), &snap); err != nil {
				return "", err
			}
			return snap.OpState, nil
		},
	})
	return s.poller.AwaitState(ctx, target)
}

// updateQoS replaces the volume performance policy. Untyped volumes keep
// whatever the backend has unless clearOld is set.
func (s *scope) updateQoS(ctx context.Context, t resource.Tenant, p resource.Path, size int, pol policy.Policy, clearOld bool) error {
	if !pol.Typed() && !clearOld {
		return nil
	}
	limits := pol.PerformanceLimits(size, !s.legacy())
	if len(limits) == 0 && !clearOld {
		return nil
	}
	if err := s.remove(ctx, t, p.PerformancePolicy()); err != nil {
		if !errors.Is(err, api.ErrNotFound) {
			return err
		}
		s.logger.Debug("client.qos.none_existing", "path", p.PerformancePolicy())
	}
	if len(limits) == 0 {
		return nil
	}
	if _, err := s.post(ctx, t, p.PerformancePolicy(), limits, false); err != nil {
		return err
	}
	s.logger.Debug("client.qos.updated", "path", p.PerformancePolicy(), "limits", limits)
	return nil
}

// createAppInstance posts req in the shape of the active revision.
func (s *scope) createAppInstance(ctx context.Context, t resource.Tenant, req api.CreateAppInstanceRequest) error {
	var body any = req
	if s.legacy() {
		body = req.Legacy()
	}
	_, err := s.post(ctx, t, resource.AppInstances, body, false)
	return err
}

// cloneSource sets the clone source of req to the resource at path.
func (s *scope) cloneSource(req *api.CreateAppInstanceRequest, path string, snapshot bool) {
	switch {
	case s.legacy():
		req.CloneSrc = path
	case snapshot:
		req.CloneSnapshotSrc = &api.PathRef{Path: path}
	default:
		req.CloneVolumeSrc = &api.PathRef{Path: path}
	}
}

// ignoreNotFound logs and swallows NotFound, which on removal paths already
// matches the intended state.
func (s *scope) ignoreNotFound(err error, msg string, keyvals ...any) error {
	if err == nil || !errors.Is(err, api.ErrNotFound) {
		return err
	}
	s.logger.Info(msg, append(keyvals, "error", err)...)
	return nil
}

func requireID(kind, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("client: %s id required", kind)
	}
	return nil
}
