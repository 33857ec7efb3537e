// Helpers and fixtures shared by package tests.
//
// Key utilities:
//   - Descriptor factories: NewTestLab, NewTestDevice, NewTestNIC
//   - Test helpers: MustJSON, TempFile, AssertJSONEqual
//   - Test constants: LabUUID, OwnerUUID, DeviceUUID, NICUUID
//
// Use together with FakeHost to drive the instance manager without a host.
package testing

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remotelabz/remotelabz-worker-sub000/internal/models"
)

// Common identifiers for descriptor fixtures.
const (
	LabUUID     = "0b6f1c2e-4a52-4c1f-9d61-2f0e7a0c5a11"
	OwnerUUID   = "7d1e8a40-95b3-4f7e-8b0c-3c2d1e0f9a22"
	DeviceUUID  = "c3a9e7d2-1f4b-4e8a-b6c5-d0e1f2a3b433"
	DeviceUUID2 = "e5b1c9f4-3d6a-4c0b-8e7f-a1b2c3d4e544"
	NICUUID     = "9f8e7d6c-5b4a-4392-8170-6e5d4c3b2a55"
	NICUUID2    = "1a2b3c4d-5e6f-4a7b-8c9d-0e1f2a3b4c66"
	BridgeName  = "br-lab-0b6f"
)

// NewTestNIC builds a NIC instance. port > 0 tags it for remote display.
func NewTestNIC(id, name, mac string, port int) models.NetworkInterfaceInstance {
	nic := models.NetworkInterfaceInstance{
		UUID:             id,
		MACAddress:       mac,
		NetworkInterface: models.NetworkInterface{Name: name},
	}
	if port > 0 {
		nic.RemotePort = port
		nic.NetworkInterface.AccessType = models.AccessTypeVNC
	}
	return nic
}

// NewTestDevice builds a stopped virtual device booting image.
func NewTestDevice(id, image string, nics ...models.NetworkInterfaceInstance) models.DeviceInstance {
	return models.DeviceInstance{
		UUID:  id,
		State: models.DeviceStopped,
		Device: models.Device{
			Name:   "router",
			Flavor: models.Flavor{Memory: 1024},
			OperatingSystem: models.OperatingSystem{
				Name:       "debian",
				Image:      image,
				Hypervisor: models.Hypervisor{Name: "qemu"},
			},
		},
		NetworkInterfaceInstances: nics,
	}
}

// NewTestLab builds a user-owned lab on 10.1.2.0/24 with the given devices.
func NewTestLab(devices ...models.DeviceInstance) *models.Lab {
	if devices == nil {
		devices = []models.DeviceInstance{}
	}
	return &models.Lab{
		UUID:       LabUUID,
		BridgeName: BridgeName,
		Network: &models.Network{
			IP:      models.Address{Addr: "10.1.2.0"},
			Netmask: models.Address{Addr: "255.255.255.0"},
		},
		Owner:           &models.Owner{UUID: OwnerUUID},
		OwnedBy:         models.OwnedByUser,
		DeviceInstances: devices,
	}
}

// MustJSON marshals v or fails the test.
func MustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err, "failed to marshal fixture")
	return data
}

// AssertJSONEqual asserts that two values marshal to semantically equal JSON.
func AssertJSONEqual(t *testing.T, want, got any, msgAndArgs ...interface{}) {
	t.Helper()
	wantBytes, err := json.Marshal(want)
	require.NoError(t, err, "failed to marshal 'want' to JSON")
	gotBytes, err := json.Marshal(got)
	require.NoError(t, err, "failed to marshal 'got' to JSON")

	var wantAny, gotAny any
	require.NoError(t, json.Unmarshal(wantBytes, &wantAny), "failed to unmarshal 'want'")
	require.NoError(t, json.Unmarshal(gotBytes, &gotAny), "failed to unmarshal 'got'")

	assert.Equal(t, wantAny, gotAny, msgAndArgs...)
}

// TempFile writes content to name inside dir and returns its path.
func TempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o750))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o640), "failed to write temp file")
	return path
}
