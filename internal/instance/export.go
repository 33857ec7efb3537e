package instance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/remotelabz/remotelabz-worker-sub000/internal/models"
)

var ErrNothingToExport = errors.New("no device of the lab is exporting")

// ExportDevice folds the overlay of device id into a new base image named
// by new_os_imagename. The source base image is left untouched.
func (m *Manager) ExportDevice(ctx context.Context, descriptor []byte, id string) (Result, error) {
	lab, err := models.ParseLab(descriptor, models.NeedOwner|models.NeedDevices|models.NeedExport)
	if err != nil {
		return Result{}, err
	}
	options := map[string]any{
		"newOS_id":         rawValue(lab.NewOSID),
		"newDevice_id":     rawValue(lab.NewDeviceID),
		"new_os_name":      lab.NewOSName,
		"new_os_imagename": lab.NewOSImageName,
		"state":            string(models.ActionExportDevice),
	}
	device, ok := lab.DeviceInState(id, models.DeviceExporting)
	if !ok {
		return Result{}, &OperationError{Err: fmt.Errorf("%w: %s", ErrNotExporting, id), Options: options}
	}
	if err := lab.ValidateDevice(device, models.NeedImage); err != nil {
		return Result{}, &OperationError{Err: err, Options: options}
	}
	if err := m.exportImage(ctx, lab, device, lab.NewOSImageName); err != nil {
		return Result{}, &OperationError{Err: err, Options: options}
	}
	return Result{State: models.StateExported, Options: options}, nil
}

// ExportLab exports every exporting device that names its own target image.
func (m *Manager) ExportLab(ctx context.Context, descriptor []byte, id string) (Result, error) {
	lab, err := models.ParseLab(descriptor, models.NeedOwner|models.NeedDevices)
	if err != nil {
		return Result{}, err
	}
	options := map[string]any{
		"newLab_id": rawValue(lab.NewLabID),
		"state":     string(models.ActionExportLab),
	}
	exported := 0
	for _, device := range lab.DeviceInstances {
		if device.State != models.DeviceExporting || device.NewOSImageName == "" {
			continue
		}
		if filepath.Base(device.NewOSImageName) != device.NewOSImageName {
			return Result{}, &models.BadDescriptorError{Problems: []string{fmt.Sprintf("invalid new_os_imagename %q", device.NewOSImageName)}}
		}
		if err := lab.ValidateDevice(device, models.NeedImage); err != nil {
			return Result{}, err
		}
		if err := m.exportImage(ctx, lab, device, device.NewOSImageName); err != nil {
			options["exported"] = exported
			return Result{}, &OperationError{Err: err, Options: options}
		}
		exported++
	}
	options["exported"] = exported
	if exported == 0 {
		return Result{}, &OperationError{Err: ErrNothingToExport, Options: options}
	}
	return Result{State: models.StateExported, Options: options}, nil
}

// exportImage copies the base image to imageName, rebases a scratch copy of
// the overlay onto it and commits the overlay into the new image.
func (m *Manager) exportImage(ctx context.Context, lab *models.Lab, device models.DeviceInstance, imageName string) error {
	switch device.HypervisorName() {
	case "qemu", "file":
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedHypervisor, device.HypervisorName())
	}
	base, _ := m.imageSource(device.Device.OperatingSystem.Image)
	workspace := m.deviceDir(lab, device.UUID)
	overlay := filepath.Join(workspace, filepath.Base(base))
	if !fileExists(overlay) {
		return fmt.Errorf("%w: %s", ErrOverlayMissing, overlay)
	}
	target := filepath.Join(m.cfg.ImagesDir, imageName)
	snapshot := filepath.Join(workspace, "snap-"+filepath.Base(base))
	logger := m.logger.WithFields(logrus.Fields{"device": device.UUID, "image": target})

	if _, err := m.run(ctx, "cp", base, target); err != nil {
		return err
	}
	if _, err := m.run(ctx, "cp", overlay, snapshot); err != nil {
		return err
	}
	defer func() {
		if err := os.Remove(snapshot); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.WithError(err).Warn("remove export snapshot")
		}
	}()
	format, err := m.imageFormat(ctx, target)
	if err != nil {
		return err
	}
	if _, err := m.run(ctx, m.qemuImg(), "rebase", "-F", format, "-b", target, snapshot); err != nil {
		return err
	}
	if _, err := m.run(ctx, m.qemuImg(), "commit", snapshot); err != nil {
		return err
	}
	logger.Info("device exported")
	return nil
}

// rawValue turns an opaque descriptor field back into a plain value for the
// outcome options.
func rawValue(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
