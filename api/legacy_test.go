package api

import (
	"encoding/json"
	"testing"
)

func TestLegacyAppInstanceCurrent(t *testing.T) {
	raw := `{
		"name": "OS-v1",
		"admin_state": "online",
		"storage_instances": {
			"storage-1": {
				"name": "storage-1",
				"op_state": "available",
				"access": {"iqn": "iqn.2013-05.com.example:v1", "ips": ["10.0.0.1", "10.0.0.2"]},
				"volumes": {
					"volume-1": {
						"name": "volume-1",
						"size": 5,
						"snapshots": {"1500000000.1": {"uuid": "s1", "op_state": "available"}}
					}
				}
			}
		}
	}`
	var legacy LegacyAppInstance
	if err := json.Unmarshal([]byte(raw), &legacy); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	ai := legacy.Current()
	if len(ai.StorageInstances) != 1 || ai.StorageInstances[0].Name != "storage-1" {
		t.Fatalf("unexpected storage instances %+v", ai.StorageInstances)
	}
	si := ai.StorageInstances[0]
	if si.Access.IQN == "" || len(si.Access.IPs) != 2 {
		t.Fatalf("access lost in conversion: %+v", si.Access)
	}
	if len(si.Volumes) != 1 || si.Volumes[0].Size != 5 {
		t.Fatalf("unexpected volumes %+v", si.Volumes)
	}
	snaps := si.Volumes[0].Snapshots
	if len(snaps) != 1 || snaps[0].Timestamp != "1500000000.1" || snaps[0].UUID != "s1" {
		t.Fatalf("unexpected snapshots %+v", snaps)
	}
}

func TestCreateRequestLegacyShape(t *testing.T) {
	req := CreateAppInstanceRequest{
		CreateMode: "openstack",
		Name:       "OS-v1",
		StorageInstances: []StorageInstanceSpec{{
			Name:    "storage-1",
			Volumes: []VolumeSpec{{Name: "volume-1", Size: 5, ReplicaCount: 3}},
		}},
	}
	data, err := json.Marshal(req.Legacy())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	sis, ok := decoded["storage_instances"].(map[string]any)
	if !ok {
		t.Fatalf("storage_instances must be an object, got %T", decoded["storage_instances"])
	}
	si, ok := sis["storage-1"].(map[string]any)
	if !ok {
		t.Fatalf("missing storage-1 in %v", sis)
	}
	vols, ok := si["volumes"].(map[string]any)
	if !ok || vols["volume-1"] == nil {
		t.Fatalf("volumes must be keyed by name: %v", si["volumes"])
	}
}
