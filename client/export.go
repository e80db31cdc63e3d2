package client

import (
	"context"
	"fmt"
	"maps"
	"net"
	"net/netip"
	"slices"
	"strconv"
	"strings"

	"pkt.systems/fabric/api"
	"pkt.systems/fabric/internal/ids"
	"pkt.systems/fabric/internal/resource"
	"pkt.systems/fabric/policy"
)

const defaultIPPool = "default"

// Attach exports vol to the host described by conn and returns the iSCSI
// target to log in to. The volume is onlined, placed on the access network
// matching conn.IP, and conn.Initiator is added to its ACL.
func (c *Client) Attach(ctx context.Context, vol Volume, conn Connector) (ConnectionInfo, error) {
	return invoke[AttachRequest, ConnectionInfo](ctx, c, OpAttach, AttachRequest{Volume: vol, Connector: conn})
}

// Detach takes vol offline and clears its ACL. A volume the backend does not
// know is treated as detached.
func (c *Client) Detach(ctx context.Context, vol Volume) error {
	_, err := invoke[Volume, none](ctx, c, OpDetach, vol)
	return err
}

func attach(ctx context.Context, s *scope, req AttachRequest) (ConnectionInfo, error) {
	vol, conn := req.Volume, req.Connector
	if err := requireID("volume", vol.ID); err != nil {
		return ConnectionInfo{}, err
	}
	pol := s.resolver.Resolve(vol.Type)
	t, err := s.tenant(ctx, vol.OwnerID)
	if err != nil {
		return ConnectionInfo{}, err
	}
	base := resource.ForVolume(vol.ID)
	ai, err := s.getAppInstance(ctx, t, base)
	if err != nil {
		return ConnectionInfo{}, err
	}
	p := layoutOf(base, ai)
	if err := s.setAdminState(ctx, t, p, stateOffline, true); err != nil {
		return ConnectionInfo{}, err
	}
	if conn.IP != "" {
		poolPath, err := s.ipPoolFor(ctx, t, pol, conn.IP)
		if err != nil {
			return ConnectionInfo{}, err
		}
		update := api.StorageInstanceUpdate{IPPool: &api.PathRef{Path: poolPath}}
		if _, err := s.put(ctx, t, p.StorageInstancePath().String(), update); err != nil {
			return ConnectionInfo{}, err
		}
	}
	if err := s.setAdminState(ctx, t, p, stateOnline, false); err != nil {
		return ConnectionInfo{}, err
	}
	if conn.Initiator != "" {
		if err := s.allowInitiator(ctx, t, p, ai, conn.Initiator); err != nil {
			return ConnectionInfo{}, err
		}
	}
	if err := s.awaitStorageInstance(ctx, t, p); err != nil {
		return ConnectionInfo{}, err
	}
	si, err := s.getStorageInstance(ctx, t, p)
	if err != nil {
		return ConnectionInfo{}, err
	}
	info, err := s.connectionInfo(vol.ID, si, pol, conn.Multipath)
	if err != nil {
		return ConnectionInfo{}, err
	}
	s.logger.Info("client.volume.attached", "volume", vol.ID, "initiator", conn.Initiator, "portal", info.TargetPortal, "multipath", conn.Multipath)
	return info, nil
}

// allowInitiator registers iqn and appends it to the ACL of every storage
// instance of the volume, keeping existing entries.
func (s *scope) allowInitiator(ctx context.Context, t resource.Tenant, p resource.Path, ai api.AppInstance, iqn string) error {
	initiator := api.Initiator{ID: iqn, Name: "fabric-" + ids.NewV4()[:8], Force: true}
	if _, err := s.post(ctx, t, resource.Initiators, initiator, true); err != nil {
		return err
	}
	ref := api.PathRef{Path: "/" + resource.Initiator(iqn)}
	for _, name := range storageInstanceNames(p, ai) {
		sp := resource.Path{AppInstance: p.AppInstance, StorageInstance: name}
		var acl api.ACLPolicy
		if err := s.get(ctx, t, sp.ACLPolicy(), &acl); err != nil {
			return err
		}
		next := api.ACLPolicy{
			Initiators:      pathsOnly(acl.Initiators),
			InitiatorGroups: pathsOnly(acl.InitiatorGroups),
		}
		if !slices.Contains(next.Initiators, ref) {
			next.Initiators = append(next.Initiators, ref)
		}
		if _, err := s.put(ctx, t, sp.ACLPolicy(), next); err != nil {
			return err
		}
		s.logger.Debug("client.acl.allowed", "storage_instance", name, "initiator", iqn)
	}
	return nil
}

func detach(ctx context.Context, s *scope, vol Volume) (none, error) {
	if err := requireID("volume", vol.ID); err != nil {
		return none{}, err
	}
	t, err := s.tenant(ctx, vol.OwnerID)
	if err != nil {
		return none{}, err
	}
	base := resource.ForVolume(vol.ID)
	ai, err := s.getAppInstance(ctx, t, base)
	if err == nil {
		err = s.setAdminState(ctx, t, base, stateOffline, true)
	}
	if err == nil {
		err = s.clearACL(ctx, t, layoutOf(base, ai), ai)
	}
	if isNotFound(err) {
		return none{}, s.ignoreNotFound(err, "client.volume.detach_missing", "volume", vol.ID)
	}
	if err != nil {
		return none{}, err
	}
	s.logger.Info("client.volume.detached", "volume", vol.ID)
	return none{}, nil
}

// clearACL empties the ACL of every storage instance and removes the
// initiator groups it referenced.
func (s *scope) clearACL(ctx context.Context, t resource.Tenant, p resource.Path, ai api.AppInstance) error {
	for _, name := range storageInstanceNames(p, ai) {
		sp := resource.Path{AppInstance: p.AppInstance, StorageInstance: name}
		var acl api.ACLPolicy
		if err := s.get(ctx, t, sp.ACLPolicy(), &acl); err != nil {
			return err
		}
		if len(acl.Initiators) == 0 && len(acl.InitiatorGroups) == 0 {
			s.logger.Debug("client.acl.empty", "storage_instance", name)
			continue
		}
		empty := api.ACLPolicy{Initiators: []api.PathRef{}, InitiatorGroups: []api.PathRef{}}
		if _, err := s.put(ctx, t, sp.ACLPolicy(), empty); err != nil {
			return err
		}
		for _, group := range acl.InitiatorGroups {
			err := s.remove(ctx, t, strings.TrimPrefix(group.Path, "/"))
			if err := s.ignoreNotFound(err, "client.acl.group_missing", "group", group.Path); err != nil {
				return err
			}
		}
	}
	return nil
}

// ipPoolFor returns the access network pool path for a host at ip. A pool
// named by the policy wins; otherwise the pool whose network contains ip is
// used, falling back to the default pool.
func (s *scope) ipPoolFor(ctx context.Context, t resource.Tenant, pol policy.Policy, ip string) (string, error) {
	if name := s.pickIPPool(pol); name != defaultIPPool {
		return "/" + resource.IPPool(name), nil
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return "", fmt.Errorf("client: connector ip %q: %w", ip, err)
	}
	pools, err := s.listIPPools(ctx, t)
	if err != nil {
		return "", err
	}
	chosen := api.IPPool{Name: defaultIPPool}
	for _, pool := range pools {
		for _, np := range pool.NetworkPaths {
			if np.StartIP == "" {
				continue
			}
			prefix, err := netip.ParsePrefix(np.StartIP + "/" + strconv.Itoa(np.Netmask))
			if err != nil {
				s.logger.Debug("client.ip_pool.bad_network", "pool", pool.Name, "start_ip", np.StartIP, "netmask", np.Netmask)
				continue
			}
			if prefix.Masked().Contains(addr) {
				chosen = pool
			}
		}
	}
	s.logger.Debug("client.ip_pool.selected", "ip", ip, "pool", chosen.Name)
	if chosen.Path != "" {
		return chosen.Path, nil
	}
	return "/" + resource.IPPool(chosen.Name), nil
}

func (s *scope) listIPPools(ctx context.Context, t resource.Tenant) ([]api.IPPool, error) {
	if s.legacy() {
		var legacy map[string]api.IPPool
		if err := s.get(ctx, t, resource.AccessNetworkIPs, &legacy); err != nil {
			return nil, err
		}
		out := make([]api.IPPool, 0, len(legacy))
		for _, key := range slices.Sorted(maps.Keys(legacy)) {
			pool := legacy[key]
			if pool.Name == "" {
				pool.Name = key
			}
			out = append(out, pool)
		}
		return out, nil
	}
	var out []api.IPPool
	if err := s.get(ctx, t, resource.AccessNetworkIPs, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// connectionInfo builds the iSCSI target description of si. Round robin
// picks a random portal for single-path logins.
func (s *scope) connectionInfo(volumeID string, si api.StorageInstance, pol policy.Policy, multipath bool) (ConnectionInfo, error) {
	ips := si.Access.IPs
	if len(ips) == 0 || si.Access.IQN == "" {
		return ConnectionInfo{}, &api.Error{
			Kind:    api.ErrProtocol,
			Path:    si.Path,
			Message: fmt.Sprintf("storage instance %s reports no iSCSI access", si.Name),
		}
	}
	choice := 0
	if pol.RoundRobin() && len(ips) > 1 {
		choice = s.randIntN(len(ips))
	}
	port := strconv.Itoa(DefaultISCSIPort)
	info := ConnectionInfo{
		VolumeID:     volumeID,
		TargetIQN:    si.Access.IQN,
		TargetPortal: net.JoinHostPort(ips[choice], port),
		TargetLUN:    0,
	}
	if multipath {
		for _, ip := range ips {
			info.TargetPortals = append(info.TargetPortals, net.JoinHostPort(ip, port))
			info.TargetIQNs = append(info.TargetIQNs, si.Access.IQN)
			info.TargetLUNs = append(info.TargetLUNs, 0)
		}
	}
	return info, nil
}

func storageInstanceNames(p resource.Path, ai api.AppInstance) []string {
	if len(ai.StorageInstances) == 0 {
		return []string{p.StorageInstance}
	}
	out := make([]string, 0, len(ai.StorageInstances))
	for _, si := range ai.StorageInstances {
		out = append(out, si.Name)
	}
	return out
}

func pathsOnly(refs []api.PathRef) []api.PathRef {
	out := make([]api.PathRef, 0, len(refs))
	for _, ref := range refs {
		out = append(out, api.PathRef{Path: ref.Path})
	}
	return out
}
