package instance

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/remotelabz/remotelabz-worker-sub000/internal/models"
	"github.com/remotelabz/remotelabz-worker-sub000/internal/network"
	testutil "github.com/remotelabz/remotelabz-worker-sub000/internal/testing"
)

const testImage = "debian.qcow2"

type harness struct {
	mgr  *Manager
	host *testutil.FakeHost
	hook *logtest.Hook
	root string
	cfg  Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	cfg := Config{
		ImagesDir:           filepath.Join(root, "images"),
		InstancesDir:        filepath.Join(root, "instances"),
		LabCIDR:             "10.10.0.0/16",
		DataCIDR:            "192.168.0.0/24",
		UplinkBridge:        "br-int",
		UplinkGateway:       "192.0.2.1",
		RoutingTable:        4,
		QEMUBinary:          "qemu-system-x86_64",
		Keymap:              "fr",
		CopyUser:            "worker",
		CopyRemoteImagesDir: "/opt/remotelabz-worker/images",
	}
	host := testutil.NewFakeHost()
	host.AddBridge(cfg.UplinkBridge)
	logger, hook := logtest.NewNullLogger()
	mgr := NewManager(cfg, host, network.NewHost(host, network.Paths{}), logger)
	return &harness{mgr: mgr, host: host, hook: hook, root: root, cfg: cfg}
}

// seedImage places a base image in the cache.
func (h *harness) seedImage(t *testing.T, name string) string {
	t.Helper()
	return testutil.TempFile(t, h.cfg.ImagesDir, name, "base image "+name)
}

func (h *harness) workspace(deviceUUID string) string {
	return filepath.Join(h.cfg.InstancesDir, models.OwnedByUser, testutil.OwnerUUID, testutil.LabUUID, deviceUUID)
}

func requireFile(t *testing.T, path string) {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.True(t, info.Mode().IsRegular(), "%s is not a regular file", path)
}

func requireNoFile(t *testing.T, path string) {
	t.Helper()
	_, err := os.Stat(path)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func runOp(t *testing.T, op Operation, lab any, id string) (Result, error) {
	t.Helper()
	return op(context.Background(), testutil.MustJSON(t, lab), id)
}
