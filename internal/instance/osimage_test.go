package instance

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remotelabz/remotelabz-worker-sub000/internal/models"
)

func osDescriptor(hypervisor, file, dest string) map[string]any {
	d := map[string]any{
		"hypervisor":    map[string]any{"name": hypervisor},
		"imageFilename": file,
	}
	if dest != "" {
		d["workerDestIP"] = dest
	}
	return d
}

func TestDeleteOS(t *testing.T) {
	h := newHarness(t)
	path := h.seedImage(t, "old.qcow2")

	res, err := runOp(t, h.mgr.DeleteOS, osDescriptor("qemu", "old.qcow2", ""), "")
	require.NoError(t, err)
	assert.Equal(t, models.StateOSDeleted, res.State)
	requireNoFile(t, path)

	// already gone is fine
	_, err = runOp(t, h.mgr.DeleteOS, osDescriptor("qemu", "old.qcow2", ""), "")
	require.NoError(t, err)

	_, err = runOp(t, h.mgr.DeleteOS, osDescriptor("lxc", "old", ""), "")
	require.ErrorIs(t, err, ErrUnsupportedHypervisor)

	_, err = runOp(t, h.mgr.DeleteOS, osDescriptor("qemu", "../etc/passwd", ""), "")
	require.ErrorIs(t, err, models.ErrBadDescriptor)
}

func TestRenameOS(t *testing.T) {
	h := newHarness(t)
	h.seedImage(t, "old.qcow2")
	rename := map[string]any{"old_name": "old.qcow2", "new_name": "new.qcow2", "hypervisor": "qemu"}

	res, err := runOp(t, h.mgr.RenameOS, rename, "")
	require.NoError(t, err)
	assert.Equal(t, models.StateOSRenamed, res.State)
	requireFile(t, filepath.Join(h.cfg.ImagesDir, "new.qcow2"))
	requireNoFile(t, filepath.Join(h.cfg.ImagesDir, "old.qcow2"))

	_, err = runOp(t, h.mgr.RenameOS, rename, "")
	require.ErrorIs(t, err, ErrImageMissing)
	var opErr *OperationError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, map[string]any{"old_name": "old.qcow2", "new_name": "new.qcow2", "state": "rename-os"}, opErr.Options)

	h.seedImage(t, "old.qcow2")
	_, err = runOp(t, h.mgr.RenameOS, rename, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestCopyToWorker(t *testing.T) {
	h := newHarness(t)
	h.mgr.cfg.CopyIdentityFile = "/etc/remotelabz-worker/id_ed25519"
	src := h.seedImage(t, "debian.qcow2")

	res, err := runOp(t, h.mgr.CopyToWorker, osDescriptor("qemu", "debian.qcow2", "192.0.2.20"), "")
	require.NoError(t, err)
	assert.Equal(t, models.StateOSCopied, res.State)
	assert.Equal(t, []string{
		"scp -o BatchMode=yes -o StrictHostKeyChecking=accept-new -i /etc/remotelabz-worker/id_ed25519 " +
			src + " worker@192.0.2.20:/opt/remotelabz-worker/images/",
	}, h.host.CommandLines())

	_, err = runOp(t, h.mgr.CopyToWorker, osDescriptor("qemu", "debian.qcow2", ""), "")
	require.ErrorIs(t, err, models.ErrBadDescriptor)

	_, err = runOp(t, h.mgr.CopyToWorker, osDescriptor("qemu", "absent.qcow2", "192.0.2.20"), "")
	require.ErrorIs(t, err, ErrImageMissing)
}

func TestListImages(t *testing.T) {
	h := newHarness(t)
	images, err := h.mgr.ListImages()
	require.NoError(t, err)
	assert.Empty(t, images)

	h.seedImage(t, "b.qcow2")
	h.seedImage(t, "a.qcow2")
	h.seedImage(t, "c.qcow2.part")
	images, err = h.mgr.ListImages()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.qcow2", "b.qcow2"}, images)
}
