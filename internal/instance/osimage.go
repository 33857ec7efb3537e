package instance

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/remotelabz/remotelabz-worker-sub000/internal/models"
)

func imageHypervisor(name string) error {
	switch strings.ToLower(name) {
	case "qemu", "file":
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedHypervisor, name)
}

// DeleteOS removes a cached base image. A missing image is not an error.
func (m *Manager) DeleteOS(ctx context.Context, descriptor []byte, id string) (Result, error) {
	desc, err := models.ParseOS(descriptor, false)
	if err != nil {
		return Result{}, err
	}
	if err := imageHypervisor(desc.Hypervisor.Name); err != nil {
		return Result{}, err
	}
	path := filepath.Join(m.cfg.ImagesDir, desc.ImageFilename)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Result{}, fmt.Errorf("delete image %s: %w", path, err)
	}
	m.logger.WithField("image", path).Info("image deleted")
	return Result{State: models.StateOSDeleted}, nil
}

// RenameOS renames a cached base image without clobbering an existing one.
func (m *Manager) RenameOS(ctx context.Context, descriptor []byte, id string) (Result, error) {
	desc, err := models.ParseRename(descriptor)
	if err != nil {
		return Result{}, err
	}
	options := map[string]any{
		"old_name": desc.OldName,
		"new_name": desc.NewName,
		"state":    string(models.ActionRenameOS),
	}
	if err := imageHypervisor(desc.Hypervisor); err != nil {
		return Result{}, &OperationError{Err: err, Options: options}
	}
	oldPath := filepath.Join(m.cfg.ImagesDir, desc.OldName)
	newPath := filepath.Join(m.cfg.ImagesDir, desc.NewName)
	if !fileExists(oldPath) {
		return Result{}, &OperationError{Err: fmt.Errorf("%w: %s", ErrImageMissing, oldPath), Options: options}
	}
	if _, err := os.Stat(newPath); err == nil {
		return Result{}, &OperationError{Err: fmt.Errorf("image %s already exists", newPath), Options: options}
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		return Result{}, &OperationError{Err: fmt.Errorf("rename image: %w", err), Options: options}
	}
	m.logger.WithFields(logrus.Fields{"from": oldPath, "to": newPath}).Info("image renamed")
	return Result{State: models.StateOSRenamed, Options: options}, nil
}

// CopyToWorker pushes a cached base image to another worker over scp.
func (m *Manager) CopyToWorker(ctx context.Context, descriptor []byte, id string) (Result, error) {
	desc, err := models.ParseOS(descriptor, true)
	if err != nil {
		return Result{}, err
	}
	if err := imageHypervisor(desc.Hypervisor.Name); err != nil {
		return Result{}, err
	}
	src := filepath.Join(m.cfg.ImagesDir, desc.ImageFilename)
	if !fileExists(src) {
		return Result{}, fmt.Errorf("%w: %s", ErrImageMissing, src)
	}
	argv := []string{"scp", "-o", "BatchMode=yes", "-o", "StrictHostKeyChecking=accept-new"}
	if m.cfg.CopyIdentityFile != "" {
		argv = append(argv, "-i", m.cfg.CopyIdentityFile)
	}
	dest := desc.WorkerDestIP + ":" + strings.TrimSuffix(m.cfg.CopyRemoteImagesDir, "/") + "/"
	if m.cfg.CopyUser != "" {
		dest = m.cfg.CopyUser + "@" + dest
	}
	argv = append(argv, src, dest)
	if _, err := m.run(ctx, argv...); err != nil {
		return Result{}, err
	}
	return Result{
		State: models.StateOSCopied,
		Options: map[string]any{
			"imageFilename": desc.ImageFilename,
			"workerDestIP":  desc.WorkerDestIP,
		},
	}, nil
}

// ListImages returns the regular files in the image cache, sorted.
func (m *Manager) ListImages() ([]string, error) {
	entries, err := os.ReadDir(m.cfg.ImagesDir)
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	images := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && !strings.HasSuffix(e.Name(), ".part") {
			images = append(images, e.Name())
		}
	}
	sort.Strings(images)
	return images, nil
}
