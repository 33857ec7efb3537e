package instance

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/remotelabz/remotelabz-worker-sub000/internal/models"
	"github.com/remotelabz/remotelabz-worker-sub000/internal/network"
)

// CreateLab ensures the lab bridge exists.
func (m *Manager) CreateLab(ctx context.Context, descriptor []byte, id string) (Result, error) {
	lab, err := models.ParseLab(descriptor, models.NeedBridge)
	if err != nil {
		return Result{}, err
	}
	if err := m.reconcile(ctx, m.host.Bridge(lab.BridgeName), network.Present); err != nil {
		return Result{}, fmt.Errorf("create lab bridge %s: %w", lab.BridgeName, err)
	}
	m.logger.WithFields(logrus.Fields{"lab": lab.UUID, "bridge": lab.BridgeName}).Info("lab created")
	return Result{State: models.StateCreated}, nil
}

// DeleteLab removes the lab bridge and, when the owner is known, the lab
// workspace with every device overlay in it.
func (m *Manager) DeleteLab(ctx context.Context, descriptor []byte, id string) (Result, error) {
	lab, err := models.ParseLab(descriptor, models.NeedBridge)
	if err != nil {
		return Result{}, err
	}
	if err := m.host.OVS.DeleteBridge(ctx, lab.BridgeName, true); err != nil {
		return Result{}, fmt.Errorf("delete lab bridge %s: %w", lab.BridgeName, err)
	}
	if lab.Validate(models.NeedOwner) == nil {
		dir := m.labDir(lab)
		if err := os.RemoveAll(dir); err != nil {
			return Result{}, fmt.Errorf("remove lab workspace %s: %w", dir, err)
		}
	}
	m.logger.WithFields(logrus.Fields{"lab": lab.UUID, "bridge": lab.BridgeName}).Info("lab deleted")
	return Result{State: models.StateDeleted}, nil
}

// Interconnect patches the lab bridge to the uplink bridge.
func (m *Manager) Interconnect(ctx context.Context, descriptor []byte, id string) (Result, error) {
	lab, err := models.ParseLab(descriptor, models.NeedBridge)
	if err != nil {
		return Result{}, err
	}
	if err := m.host.OVS.LinkTwoSwitches(ctx, lab.BridgeName, m.cfg.UplinkBridge); err != nil {
		return Result{}, fmt.Errorf("interconnect %s: %w", lab.BridgeName, err)
	}
	return Result{State: models.StateStarted}, nil
}

// Disinterconnect removes the patch pair created by Interconnect.
func (m *Manager) Disinterconnect(ctx context.Context, descriptor []byte, id string) (Result, error) {
	lab, err := models.ParseLab(descriptor, models.NeedBridge)
	if err != nil {
		return Result{}, err
	}
	if err := m.host.OVS.UnlinkTwoSwitches(ctx, lab.BridgeName, m.cfg.UplinkBridge); err != nil {
		return Result{}, fmt.Errorf("disinterconnect %s: %w", lab.BridgeName, err)
	}
	return Result{State: models.StateStopped}, nil
}
