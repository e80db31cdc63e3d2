package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"pkt.systems/fabric/api"
	"pkt.systems/fabric/internal/fakebackend"
	"pkt.systems/fabric/internal/resource"
)

func TestManageRenamesAppInstance(t *testing.T) {
	b := newBackend(t)
	b.Handle(http.MethodPut, "app_instances/legacy-app", fakebackend.Static(fakebackend.Data(map[string]any{})))
	cli, _ := newTestClient(t, b)

	ctx := context.Background()
	cases := []struct {
		ref    string
		tenant string
	}{
		{ref: "legacy-app:storage-1:volume-1", tenant: ""},
		{ref: "team-a:legacy-app:storage-1:volume-1", tenant: "/root/team-a"},
		{ref: "root:legacy-app:storage-1:volume-1", tenant: ""},
	}
	for i, tc := range cases {
		if err := cli.Manage(ctx, ManageRequest{Volume: Volume{ID: "v1"}, Reference: tc.ref}); err != nil {
			t.Fatalf("manage %q: %v", tc.ref, err)
		}
		calls := b.Matching(http.MethodPut, "app_instances/legacy-app")
		if len(calls) != i+1 {
			t.Fatalf("expected %d renames, got %d", i+1, len(calls))
		}
		call := calls[i]
		if call.Tenant != tc.tenant {
			t.Fatalf("%q: tenant header %q want %q", tc.ref, call.Tenant, tc.tenant)
		}
		var body api.AppInstanceUpdate
		if err := call.Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Name != "OS-v1" {
			t.Fatalf("unexpected rename %q", body.Name)
		}
	}
}

func TestManageInvalidReference(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	cli, _ := newTestClient(t, b)
	for _, ref := range []string{"", "app", "app:storage", "app::volume", "a:b:c:d:e", "x:..:vol", "..:storage-1:volume-1", "app:storage-1:.", "..:app:storage-1:volume-1"} {
		err := cli.Manage(ctx, ManageRequest{Volume: Volume{ID: "v1"}, Reference: ref})
		if !errors.Is(err, ErrInvalidReference) {
			t.Fatalf("%q: expected invalid reference, got %v", ref, err)
		}
	}
	if n := len(versioned(b)); n != 0 {
		t.Fatalf("invalid references must not reach the backend, got %d calls", n)
	}

	legacy := newBackend(t, fakebackend.WithVersions("2"))
	legacyCli, _ := newTestClient(t, legacy)
	err := legacyCli.Manage(ctx, ManageRequest{Volume: Volume{ID: "v1"}, Reference: "team-a:app:storage-1:volume-1"})
	if !errors.Is(err, ErrInvalidReference) {
		t.Fatalf("revision 2 has no tenants, got %v", err)
	}
}

func TestManageGetSize(t *testing.T) {
	b := newBackend(t)
	b.Handle(http.MethodGet, "app_instances/legacy-app", fakebackend.Static(fakebackend.Data(api.AppInstance{
		Name: "legacy-app",
		StorageInstances: []api.StorageInstance{{
			Name:    "storage-1",
			Volumes: []api.Volume{{Name: "volume-1", Size: 7}},
		}},
	})))
	cli, _ := newTestClient(t, b)

	ctx := context.Background()
	size, err := cli.ManageGetSize(ctx, ManageRequest{Volume: Volume{ID: "v1"}, Reference: "legacy-app:storage-1:volume-1"})
	if err != nil {
		t.Fatalf("manage get size: %v", err)
	}
	if size != 7 {
		t.Fatalf("expected 7, got %d", size)
	}
	_, err = cli.ManageGetSize(ctx, ManageRequest{Volume: Volume{ID: "v1"}, Reference: "legacy-app:storage-1:volume-9"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListManageable(t *testing.T) {
	b := newBackend(t)
	b.Handle(http.MethodGet, "app_instances", fakebackend.Static(fakebackend.Data([]api.AppInstance{
		{
			Name: "OS-v1",
			StorageInstances: []api.StorageInstance{{
				Name:    "storage-1",
				Volumes: []api.Volume{{Name: "volume-1", Size: 5}},
			}},
		},
		{
			Name: "legacy-app",
			StorageInstances: []api.StorageInstance{{
				Name: "storage-1",
				Volumes: []api.Volume{{
					Name: "volume-1",
					Size: 7,
					Snapshots: []api.Snapshot{
						{Timestamp: "1700000000.1", UTCTimestamp: "1700000000", UUID: "s1"},
						{Timestamp: "1700000100.2"},
					},
				}},
			}},
		},
		{
			Name: "multi",
			StorageInstances: []api.StorageInstance{{
				Name:    "storage-1",
				Volumes: []api.Volume{{Name: "volume-1"}, {Name: "volume-2"}},
			}},
		},
	})))
	cli, _ := newTestClient(t, b, WithTenant(resource.TenantFixed, "team-a"))

	list, err := cli.ListManageable(context.Background(), ManageableQuery{})
	if err != nil {
		t.Fatalf("list manageable: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(list))
	}
	managed, legacy, multi := list[0], list[1], list[2]
	if managed.SafeToManage || managed.LogicalID != "v1" || managed.ReasonNotSafe == "" {
		t.Fatalf("managed volume must be reported unsafe, got %+v", managed)
	}
	if !legacy.SafeToManage || legacy.Size != 7 || legacy.Reference != "team-a:legacy-app:storage-1:volume-1" {
		t.Fatalf("unexpected adoptable entry %+v", legacy)
	}
	if len(legacy.Snapshots) != 2 || legacy.Snapshots[0].Timestamp != "1700000000" || legacy.Snapshots[1].Timestamp != "1700000100.2" {
		t.Fatalf("unexpected snapshots %+v", legacy.Snapshots)
	}
	if multi.SafeToManage {
		t.Fatalf("multi-volume app instance must be unsafe, got %+v", multi)
	}
	for _, call := range b.Matching(http.MethodGet, "app_instances") {
		if call.Tenant != "/root/team-a" {
			t.Fatalf("unexpected tenant header %q", call.Tenant)
		}
	}

	list, err = cli.ListManageable(context.Background(), ManageableQuery{ManagedIDs: []string{"other"}})
	if err != nil {
		t.Fatalf("list manageable: %v", err)
	}
	if !list[0].SafeToManage {
		t.Fatalf("OS- name not in the managed set is adoptable, got %+v", list[0])
	}
}

func TestUnmanage(t *testing.T) {
	b := newBackend(t)
	b.Handle(http.MethodPut, aiPath, fakebackend.Static(fakebackend.Data(map[string]any{})))
	cli, _ := newTestClient(t, b)

	if err := cli.Unmanage(context.Background(), Volume{ID: "v1"}); err != nil {
		t.Fatalf("unmanage: %v", err)
	}
	var body api.AppInstanceUpdate
	if err := b.Matching(http.MethodPut, aiPath)[0].Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Name != "UNMANAGED-v1" {
		t.Fatalf("unexpected rename %q", body.Name)
	}
}

func TestCreateSnapshot(t *testing.T) {
	b := newBackend(t)
	b.Handle(http.MethodGet, aiPath, fakebackend.Static(appInstance("OS-v1", "online")))
	b.Handle(http.MethodPost, volPath+"/snapshots", fakebackend.Static(fakebackend.Data(api.Snapshot{Timestamp: "1700000000.5", UUID: "s1"})))
	b.Handle(http.MethodGet, volPath+"/snapshots/1700000000.5", fakebackend.Sequence(
		fakebackend.Data(api.Snapshot{Timestamp: "1700000000.5", OpState: "creating"}),
		fakebackend.Data(api.Snapshot{Timestamp: "1700000000.5", OpState: "available"}),
	))
	cli, _ := newTestClient(t, b)

	snap, err := cli.CreateSnapshot(context.Background(), Snapshot{ID: "s1", VolumeID: "v1"})
	if err != nil {
		t.Fatalf("create snapshot: %v", err)
	}
	if snap.Timestamp != "1700000000.5" {
		t.Fatalf("expected backend timestamp, got %+v", snap)
	}
	var body api.CreateSnapshotRequest
	if err := b.Matching(http.MethodPost, volPath+"/snapshots")[0].Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.UUID != "s1" {
		t.Fatalf("unexpected snapshot uuid %q", body.UUID)
	}
	if got := b.Count(http.MethodGet, volPath+"/snapshots/1700000000.5"); got != 2 {
		t.Fatalf("expected 2 polls, got %d", got)
	}
}

func TestCreateSnapshotWithoutTimestamp(t *testing.T) {
	b := newBackend(t)
	b.Handle(http.MethodGet, aiPath, fakebackend.Static(appInstance("OS-v1", "online")))
	b.Handle(http.MethodPost, volPath+"/snapshots", fakebackend.Static(fakebackend.Data(api.Snapshot{UUID: "s1"})))
	cli, _ := newTestClient(t, b)

	_, err := cli.CreateSnapshot(context.Background(), Snapshot{ID: "s1", VolumeID: "v1"})
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected protocol error, got %v", err)
	}
}

func TestDeleteSnapshotByUUID(t *testing.T) {
	b := newBackend(t)
	b.Handle(http.MethodGet, aiPath, fakebackend.Static(appInstance("OS-v1", "online")))
	b.Handle(http.MethodGet, volPath+"/snapshots", fakebackend.Static(fakebackend.Data([]api.Snapshot{
		{UTCTimestamp: "1700000000.5", UUID: "s1"},
	})))
	b.Handle(http.MethodDelete, volPath+"/snapshots/1700000000.5", fakebackend.Static(fakebackend.Data(map[string]any{})))
	cli, _ := newTestClient(t, b)

	ctx := context.Background()
	if err := cli.DeleteSnapshot(ctx, Snapshot{ID: "s1", VolumeID: "v1"}); err != nil {
		t.Fatalf("delete snapshot: %v", err)
	}
	if got := b.Count(http.MethodDelete, volPath+"/snapshots/1700000000.5"); got != 1 {
		t.Fatalf("expected one delete, got %d", got)
	}
	if err := cli.DeleteSnapshot(ctx, Snapshot{ID: "unknown", VolumeID: "v1"}); err != nil {
		t.Fatalf("unknown snapshot must be treated as deleted: %v", err)
	}
	if err := cli.DeleteSnapshot(ctx, Snapshot{ID: "s1", VolumeID: "gone"}); err != nil {
		t.Fatalf("missing parent must be treated as deleted: %v", err)
	}
	if got := b.Count(http.MethodDelete, volPath+"/snapshots/1700000000.5"); got != 1 {
		t.Fatalf("no further deletes expected, got %d", got)
	}
}

func TestGetStatsCachesAndFallsBack(t *testing.T) {
	b := newBackend(t)
	b.Handle(http.MethodGet, "system", fakebackend.Sequence(
		fakebackend.Data(api.System{UUID: "c1", Name: "array", TotalCapacity: 10 << 30, AvailableCapacity: 4 << 30}),
		fakebackend.Data(api.System{UUID: "c1", Name: "array", TotalCapacity: 10 << 30, AvailableCapacity: 2 << 30}),
		fakebackend.Fail(http.StatusInternalServerError, "InternalError", "boom"),
	))
	cli, _ := newTestClient(t, b)

	ctx := context.Background()
	first, err := cli.GetStats(ctx, false)
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	if first.TotalCapacityGiB != 10 || first.FreeCapacityGiB != 4 || first.StorageProtocol != "iSCSI" || !first.QoSSupport {
		t.Fatalf("unexpected stats %+v", first)
	}
	if _, err := cli.GetStats(ctx, false); err != nil {
		t.Fatalf("cached stats: %v", err)
	}
	if got := b.Count(http.MethodGet, "system"); got != 1 {
		t.Fatalf("expected cached answer, got %d fetches", got)
	}
	refreshed, err := cli.GetStats(ctx, true)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if refreshed.FreeCapacityGiB != 2 {
		t.Fatalf("expected refreshed free capacity, got %+v", refreshed)
	}
	fallback, err := cli.GetStats(ctx, true)
	if err != nil {
		t.Fatalf("failed refresh must fall back to cache: %v", err)
	}
	if fallback.FreeCapacityGiB != 2 {
		t.Fatalf("expected last good stats, got %+v", fallback)
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	b := newBackend(t)
	b.Handle(http.MethodPut, "app_instances/OS-v1/metadata", fakebackend.Static(fakebackend.Data(map[string]any{})))
	b.Handle(http.MethodGet, "app_instances/OS-v1/metadata", fakebackend.Static(fakebackend.Data(map[string]string{"team": "storage"})))
	cli, _ := newTestClient(t, b)

	ctx := context.Background()
	if err := cli.UpdateMetadata(ctx, Volume{ID: "v1"}, map[string]string{"team": "storage"}); err != nil {
		t.Fatalf("update metadata: %v", err)
	}
	puts := b.Matching(http.MethodPut, "app_instances/OS-v1/metadata")
	if len(puts) != 1 || puts[0].Version != "2.1" {
		t.Fatalf("expected one 2.1 metadata put, got %+v", puts)
	}
	var sent map[string]string
	if err := json.Unmarshal(puts[0].Body, &sent); err != nil {
		t.Fatalf("decode metadata body: %v", err)
	}
	if sent["team"] != "storage" {
		t.Fatalf("unexpected metadata body %v", sent)
	}
	md, err := cli.GetMetadata(ctx, Volume{ID: "v1"})
	if err != nil {
		t.Fatalf("get metadata: %v", err)
	}
	if md["team"] != "storage" {
		t.Fatalf("unexpected metadata %v", md)
	}
}

func TestMetadataUnsupportedOnLegacy(t *testing.T) {
	b := newBackend(t, fakebackend.WithVersions("2"))
	cli, _ := newTestClient(t, b)

	_, err := cli.GetMetadata(context.Background(), Volume{ID: "v1"})
	if !errors.Is(err, api.ErrUnsupportedOperation) {
		t.Fatalf("expected unsupported operation, got %v", err)
	}
}
