package client

import (
	"context"
	"maps"

	"pkt.systems/fabric/api"
	"pkt.systems/fabric/internal/resource"
)

const gib = 1 << 30

// GetStats returns backend capacity. The last result is reused until
// refresh is set; a failed refresh falls back to it.
func (c *Client) GetStats(ctx context.Context, refresh bool) (Stats, error) {
	if !refresh {
		if cached, ok := c.cachedStats(); ok {
			return cached, nil
		}
	}
	return invoke[bool, Stats](ctx, c, OpGetStats, refresh)
}

// UpdateMetadata replaces the metadata map of vol.
func (c *Client) UpdateMetadata(ctx context.Context, vol Volume, metadata map[string]string) error {
	_, err := invoke[MetadataRequest, none](ctx, c, OpUpdateMetadata, MetadataRequest{Volume: vol, Metadata: metadata})
	return err
}

// GetMetadata returns the metadata map of vol.
func (c *Client) GetMetadata(ctx context.Context, vol Volume) (map[string]string, error) {
	md, err := invoke[Volume, api.Metadata](ctx, c, OpGetMetadata, vol)
	if err != nil {
		return nil, err
	}
	return map[string]string(md), nil
}

func (c *Client) cachedStats() (Stats, bool) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	if c.stats == nil {
		return Stats{}, false
	}
	return *c.stats, true
}

func (c *Client) storeStats(st Stats) {
	c.statsMu.Lock()
	c.stats = &st
	c.statsMu.Unlock()
}

func getStats(ctx context.Context, s *scope, _ bool) (Stats, error) {
	var sys api.System
	if err := s.get(ctx, resource.Tenant{}, resource.System, &sys); err != nil {
		if cached, ok := s.cachedStats(); ok {
			s.logger.Warn("client.stats.refresh_failed", "error", err, "cached_at", cached.UpdatedAt)
			return cached, nil
		}
		return Stats{}, err
	}
	if sys.UUID == "" {
		s.logger.Warn("client.stats.incomplete", "reason", "system response missing uuid")
	}
	st := Stats{
		ClusterName:       sys.Name,
		ClusterUUID:       sys.UUID,
		SoftwareVersion:   sys.SoftwareVersion,
		StorageProtocol:   "iSCSI",
		TotalCapacity:     sys.TotalCapacity,
		AvailableCapacity: sys.AvailableCapacity,
		TotalCapacityGiB:  float64(sys.TotalCapacity) / gib,
		FreeCapacityGiB:   float64(sys.AvailableCapacity) / gib,
		QoSSupport:        true,
		UpdatedAt:         s.clock.Now(),
	}
	s.storeStats(st)
	s.logger.Debug("client.stats.updated", "total_gib", st.TotalCapacityGiB, "free_gib", st.FreeCapacityGiB)
	return st, nil
}

func updateMetadata(ctx context.Context, s *scope, req MetadataRequest) (none, error) {
	if err := requireID("volume", req.Volume.ID); err != nil {
		return none{}, err
	}
	t, err := s.tenant(ctx, req.Volume.OwnerID)
	if err != nil {
		return none{}, err
	}
	body := api.Metadata(maps.Clone(req.Metadata))
	if body == nil {
		body = api.Metadata{}
	}
	if _, err := s.put(ctx, t, resource.ForVolume(req.Volume.ID).Metadata(), body); err != nil {
		return none{}, err
	}
	s.logger.Debug("client.metadata.updated", "volume", req.Volume.ID, "keys", len(body))
	return none{}, nil
}

func getMetadata(ctx context.Context, s *scope, vol Volume) (api.Metadata, error) {
	if err := requireID("volume", vol.ID); err != nil {
		return nil, err
	}
	t, err := s.tenant(ctx, vol.OwnerID)
	if err != nil {
		return nil, err
	}
	md := api.Metadata{}
	if err := s.get(ctx, t, resource.ForVolume(vol.ID).Metadata(), &md); err != nil {
		return nil, err
	}
	return md, nil
}
