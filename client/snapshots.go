package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"pkt.systems/fabric/api"
	"pkt.systems/fabric/internal/resource"
)

// CreateSnapshot snapshots snap.VolumeID under the uuid snap.ID and waits
// for the snapshot to become available. The returned Snapshot carries the
// backend timestamp.
func (c *Client) CreateSnapshot(ctx context.Context, snap Snapshot) (Snapshot, error) {
	return invoke[Snapshot, Snapshot](ctx, c, OpCreateSnapshot, snap)
}

// DeleteSnapshot removes snap. Snapshots or parent volumes the backend does
// not know are treated as deleted.
func (c *Client) DeleteSnapshot(ctx context.Context, snap Snapshot) error {
	_, err := invoke[Snapshot, none](ctx, c, OpDeleteSnapshot, snap)
	return err
}

func createSnapshot(ctx context.Context, s *scope, snap Snapshot) (Snapshot, error) {
	if err := requireID("snapshot", snap.ID); err != nil {
		return Snapshot{}, err
	}
	if err := requireID("snapshot volume", snap.VolumeID); err != nil {
		return Snapshot{}, err
	}
	t, err := s.tenant(ctx, snap.OwnerID)
	if err != nil {
		return Snapshot{}, err
	}
	p, err := s.layout(ctx, t, snap.VolumeID)
	if err != nil {
		return Snapshot{}, err
	}
	resp, err := s.post(ctx, t, p.Snapshots(), api.CreateSnapshotRequest{UUID: snap.ID}, false)
	if err != nil {
		return Snapshot{}, err
	}
	var created api.Snapshot
	if err := s.decode(resp, &created); err != nil {
		return Snapshot{}, err
	}
	if created.Timestamp == "" {
		return Snapshot{}, &api.Error{Kind: api.ErrProtocol, Method: http.MethodPost, Path: p.Snapshots(), Message: "snapshot response missing timestamp"}
	}
	if err := s.awaitSnapshot(ctx, t, p.WithSnapshot(created.Timestamp)); err != nil {
		return Snapshot{}, err
	}
	snap.Timestamp = created.Timestamp
	s.logger.Info("client.snapshot.created", "snapshot", snap.ID, "volume", snap.VolumeID, "timestamp", created.Timestamp)
	return snap, nil
}

func deleteSnapshot(ctx context.Context, s *scope, snap Snapshot) (none, error) {
	if err := requireID("snapshot volume", snap.VolumeID); err != nil {
		return none{}, err
	}
	if snap.Timestamp == "" {
		if err := requireID("snapshot", snap.ID); err != nil {
			return none{}, err
		}
	}
	t, err := s.tenant(ctx, snap.OwnerID)
	if err != nil {
		return none{}, err
	}
	p, err := s.findSnapshot(ctx, t, snap)
	if err != nil {
		return none{}, s.ignoreNotFound(err, "client.snapshot.delete_missing", "snapshot", snap.ID, "volume", snap.VolumeID)
	}
	err = s.remove(ctx, t, p.String())
	if err := s.ignoreNotFound(err, "client.snapshot.delete_missing", "snapshot", snap.ID, "volume", snap.VolumeID); err != nil {
		return none{}, err
	}
	s.logger.Info("client.snapshot.deleted", "snapshot", snap.ID, "volume", snap.VolumeID, "timestamp", p.Snapshot)
	return none{}, nil
}

// findSnapshot resolves snap to its backend path. A known timestamp is used
// directly; otherwise the parent's snapshots are searched by uuid.
func (s *scope) findSnapshot(ctx context.Context, t resource.Tenant, snap Snapshot) (resource.Path, error) {
	p, err := s.layout(ctx, t, snap.VolumeID)
	if err != nil {
		return resource.Path{}, fmt.Errorf("snapshot parent %s: %w", snap.VolumeID, err)
	}
	if snap.Timestamp != "" {
		return p.WithSnapshot(snap.Timestamp), nil
	}
	snaps, err := s.listSnapshots(ctx, t, p)
	if err != nil {
		return resource.Path{}, err
	}
	for _, candidate := range snaps {
		if candidate.UUID != snap.ID {
			continue
		}
		ts := candidate.Timestamp
		if ts == "" {
			ts = candidate.UTCTimestamp
		}
		if ts == "" {
			break
		}
		return p.WithSnapshot(ts), nil
	}
	return resource.Path{}, &api.Error{
		Kind:    api.ErrNotFound,
		Method:  http.MethodGet,
		Path:    p.Snapshots(),
		Message: fmt.Sprintf("snapshot %s not found", snap.ID),
	}
}

// isNotFound is errors.Is(err, api.ErrNotFound).
func isNotFound(err error) bool {
	return errors.Is(err, api.ErrNotFound)
}
