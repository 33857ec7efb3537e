package instance

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/remotelabz/remotelabz-worker-sub000/internal/models"
	"github.com/remotelabz/remotelabz-worker-sub000/internal/network"
)

const (
	nicPrefixLen = 6
	nicSuffixLen = 8
)

// NicName derives the host interface name for a NIC: up to six characters
// of the logical name, a dash, and the first eight characters of the NIC
// uuid. The result fits the kernel's 15-byte interface name limit.
func NicName(name, nicUUID string) string {
	var b strings.Builder
	for _, r := range name {
		if b.Len() == nicPrefixLen {
			break
		}
		if r < 0x80 && (r == '-' || r == '.' || r == '_' ||
			(r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	suffix := nicUUID
	if len(suffix) > nicSuffixLen {
		suffix = suffix[:nicSuffixLen]
	}
	return b.String() + "-" + suffix
}

// labBridgeAddress is the last usable address of the lab network with its
// prefix, e.g. 10.1.2.254/24.
func labBridgeAddress(lab *models.Lab) (string, error) {
	subnet, err := network.SubnetCIDR(lab.Network.IP.Addr, lab.Network.Netmask.Addr)
	if err != nil {
		return "", &models.BadDescriptorError{Problems: []string{"invalid network: " + err.Error()}}
	}
	gw, err := network.LastUsableAddress(subnet)
	if err != nil {
		return "", &models.BadDescriptorError{Problems: []string{"invalid network: " + err.Error()}}
	}
	bits, _ := network.PrefixLength(lab.Network.Netmask.Addr)
	return gw + "/" + strconv.Itoa(bits), nil
}

// prepareBridge ensures the lab bridge exists, carries the gateway address
// and is up.
func (m *Manager) prepareBridge(ctx context.Context, lab *models.Lab) error {
	addr, err := labBridgeAddress(lab)
	if err != nil {
		return err
	}
	if err := m.reconcile(ctx, m.host.Bridge(lab.BridgeName), network.Present); err != nil {
		return fmt.Errorf("lab bridge %s: %w", lab.BridgeName, err)
	}
	if err := m.reconcile(ctx, m.host.Address(lab.BridgeName, addr), network.Present); err != nil {
		return fmt.Errorf("lab bridge address %s: %w", addr, err)
	}
	if err := m.host.IP.LinkSet(ctx, lab.BridgeName, network.LinkUp); err != nil {
		return fmt.Errorf("bring %s up: %w", lab.BridgeName, err)
	}
	return nil
}

const startRequirements = models.NeedBridge | models.NeedOwner | models.NeedNetwork | models.NeedDevices

// StartDevice starts the virtual device id. A device that is already
// started is left alone.
func (m *Manager) StartDevice(ctx context.Context, descriptor []byte, id string) (Result, error) {
	lab, err := models.ParseLab(descriptor, startRequirements)
	if err != nil {
		return Result{}, err
	}
	device, ok := lab.Device(id, models.DeviceStarted)
	if !ok {
		m.logger.WithField("device", id).Debug("no device to start")
		return Result{State: models.StateStarted}, nil
	}
	if err := lab.ValidateDevice(device, models.NeedBoot); err != nil {
		return Result{}, err
	}
	if device.Physical() {
		return m.startPhysical(ctx, lab, device)
	}
	logger := m.logger.WithFields(logrus.Fields{"lab": lab.UUID, "device": device.UUID})
	start := time.Now()

	if err := m.prepareBridge(ctx, lab); err != nil {
		return Result{}, err
	}
	workspace := m.deviceDir(lab, device.UUID)
	if err := ensureDir(workspace); err != nil {
		return Result{}, err
	}
	if err := ensureDir(m.cfg.ImagesDir); err != nil {
		return Result{}, err
	}
	base, err := m.ensureBaseImage(ctx, device.Device.OperatingSystem.Image)
	if err != nil {
		return Result{}, err
	}
	overlay := filepath.Join(workspace, filepath.Base(base))
	if err := m.ensureOverlay(ctx, base, overlay); err != nil {
		return Result{}, err
	}

	netArgs, err := m.attachInterfaces(ctx, lab.BridgeName, device)
	if err != nil {
		return Result{}, err
	}
	accessArgs, localArgs, err := m.startDisplayProxy(ctx, device)
	if err != nil {
		return Result{}, err
	}

	argv := m.qemuCommand(device, overlay, netArgs, accessArgs, localArgs)
	if _, err := m.run(ctx, argv...); err != nil {
		m.stopDisplayProxy(ctx, device, logger)
		return Result{}, err
	}
	logger.WithField("elapsed", since(start)).Info("device started")
	return Result{State: models.StateStarted}, nil
}

// attachInterfaces creates a tap per NIC, plugs it into the lab bridge and
// returns the matching hypervisor network arguments.
func (m *Manager) attachInterfaces(ctx context.Context, bridge string, device models.DeviceInstance) ([]string, error) {
	var args []string
	for _, nic := range device.NetworkInterfaceInstances {
		name := NicName(nic.NetworkInterface.Name, nic.UUID)
		if err := m.reconcile(ctx, m.host.Tap(name), network.Present); err != nil {
			return nil, fmt.Errorf("tap %s: %w", name, err)
		}
		if err := m.reconcile(ctx, m.host.Port(bridge, name, true), network.Present); err != nil {
			return nil, fmt.Errorf("port %s: %w", name, err)
		}
		if err := m.host.IP.LinkSet(ctx, name, network.LinkUp); err != nil {
			return nil, fmt.Errorf("bring %s up: %w", name, err)
		}
		args = append(args,
			"-device", "e1000,netdev="+name+",mac="+nic.MACAddress,
			"-netdev", "tap,ifname="+name+",id="+name+",script=no",
		)
	}
	return args, nil
}

// displayNIC returns the first NIC tagged for remote display.
func displayNIC(device models.DeviceInstance) (models.NetworkInterfaceInstance, bool) {
	for _, nic := range device.NetworkInterfaceInstances {
		if nic.RemoteDisplay() {
			return nic, true
		}
	}
	return models.NetworkInterfaceInstance{}, false
}

func proxyListenAddress(port int) string {
	return anyAddress + ":" + strconv.Itoa(port+proxyPortShift)
}

// startDisplayProxy launches the websocket proxy in front of the VNC port
// and returns the hypervisor access and local arguments.
func (m *Manager) startDisplayProxy(ctx context.Context, device models.DeviceInstance) ([]string, []string, error) {
	nic, ok := displayNIC(device)
	if !ok {
		return nil, nil, nil
	}
	argv := []string{m.websockify(), "-D"}
	if m.cfg.ProxyWSS {
		argv = append(argv, "--cert", m.cfg.ProxyCert, "--key", m.cfg.ProxyKey)
	}
	argv = append(argv, proxyListenAddress(nic.RemotePort), anyAddress+":"+strconv.Itoa(nic.RemotePort))
	if _, err := m.run(ctx, argv...); err != nil {
		return nil, nil, err
	}
	access := []string{"-vnc", anyAddress + ":" + strconv.Itoa(nic.RemotePort-vncBasePort)}
	local := []string{"-k", m.cfg.Keymap}
	return access, local, nil
}

// stopDisplayProxy kills the proxy started for a hypervisor that did not come
// up. Failures are only logged; the launch error is what the caller reports.
func (m *Manager) stopDisplayProxy(ctx context.Context, device models.DeviceInstance, logger logrus.FieldLogger) {
	nic, ok := displayNIC(device)
	if !ok {
		return
	}
	if _, err := m.killMatching(ctx, "websockify", proxyListenAddress(nic.RemotePort)); err != nil {
		logger.WithError(err).Warn("kill orphaned display proxy")
	}
}

func (m *Manager) qemuCommand(device models.DeviceInstance, overlay string, netArgs, accessArgs, localArgs []string) []string {
	argv := []string{
		m.qemuBinary(),
		"-enable-kvm",
		"-machine", "accel=kvm:tcg",
		"-cpu", "max",
		"-display", "none",
		"-daemonize",
		"-name", device.UUID,
		"-m", strconv.Itoa(device.Device.Flavor.Memory),
		"-hda", overlay,
	}
	argv = append(argv, netArgs...)
	argv = append(argv, accessArgs...)
	argv = append(argv, localArgs...)
	return append(argv,
		"-rtc", "base=localtime,clock=host",
		"-smp", "4",
		"-vga", "qxl",
	)
}

// StartPhysicalDevice attaches the host interfaces of device id without
// looking at its virtuality flag; the caller has already chosen.
func (m *Manager) StartPhysicalDevice(ctx context.Context, descriptor []byte, id string) (Result, error) {
	lab, err := models.ParseLab(descriptor, startRequirements)
	if err != nil {
		return Result{}, err
	}
	device, ok := lab.Device(id, models.DeviceStarted)
	if !ok {
		return Result{State: models.StateStarted}, nil
	}
	if err := lab.ValidateDevice(device, models.NeedInterfaces); err != nil {
		return Result{}, err
	}
	return m.startPhysical(ctx, lab, device)
}

// startPhysical attaches the host interfaces of a physical device to the
// lab bridge.
func (m *Manager) startPhysical(ctx context.Context, lab *models.Lab, device models.DeviceInstance) (Result, error) {
	if err := m.prepareBridge(ctx, lab); err != nil {
		return Result{}, err
	}
	for _, nic := range device.NetworkInterfaceInstances {
		iface := nic.NetworkInterface.Name
		if err := m.reconcile(ctx, m.host.Port(lab.BridgeName, iface, false), network.Present); err != nil {
			return Result{}, fmt.Errorf("attach %s: %w", iface, err)
		}
		if err := m.host.IP.LinkSet(ctx, iface, network.LinkUp); err != nil {
			return Result{}, fmt.Errorf("bring %s up: %w", iface, err)
		}
	}
	m.logger.WithFields(logrus.Fields{"lab": lab.UUID, "device": device.UUID}).Info("physical device attached")
	return Result{State: models.StateStarted}, nil
}

// StopDevice kills the device hypervisor and display proxy, then removes
// its interfaces. The lab bridge stays.
func (m *Manager) StopDevice(ctx context.Context, descriptor []byte, id string) (Result, error) {
	lab, err := models.ParseLab(descriptor, models.NeedBridge|models.NeedDevices)
	if err != nil {
		return Result{}, err
	}
	device, ok := lab.Device(id, models.DeviceStopped)
	if !ok {
		m.logger.WithField("device", id).Debug("no device to stop")
		return Result{State: models.StateStopped}, nil
	}
	if err := lab.ValidateDevice(device, models.NeedInterfaces); err != nil {
		return Result{}, err
	}
	logger := m.logger.WithFields(logrus.Fields{"lab": lab.UUID, "device": device.UUID})

	if device.Physical() {
		for _, nic := range device.NetworkInterfaceInstances {
			iface := nic.NetworkInterface.Name
			if err := m.reconcile(ctx, m.host.Port(lab.BridgeName, iface, false), network.Absent); err != nil {
				return Result{}, fmt.Errorf("detach %s: %w", iface, err)
			}
		}
		logger.Info("physical device detached")
		return Result{State: models.StateStopped}, nil
	}

	if err := m.killDevice(ctx, device); err != nil {
		return Result{}, err
	}
	for _, nic := range device.NetworkInterfaceInstances {
		name := NicName(nic.NetworkInterface.Name, nic.UUID)
		if err := m.reconcile(ctx, m.host.Port(lab.BridgeName, name, false), network.Absent); err != nil {
			return Result{}, fmt.Errorf("port %s: %w", name, err)
		}
		if !m.host.IP.LinkExists(ctx, name) {
			continue
		}
		if err := m.host.IP.LinkSet(ctx, name, network.LinkDown); err != nil {
			return Result{}, fmt.Errorf("bring %s down: %w", name, err)
		}
		if err := m.host.IP.LinkDelete(ctx, name); err != nil {
			return Result{}, fmt.Errorf("delete %s: %w", name, err)
		}
	}
	logger.Info("device stopped")
	return Result{State: models.StateStopped}, nil
}

// killDevice kills the hypervisor processes named after the device and
// every display proxy serving its VNC ports.
func (m *Manager) killDevice(ctx context.Context, device models.DeviceInstance) error {
	if _, err := m.killMatching(ctx, device.UUID); err != nil {
		return fmt.Errorf("kill device %s: %w", device.UUID, err)
	}
	for _, nic := range device.NetworkInterfaceInstances {
		if !nic.RemoteDisplay() {
			continue
		}
		if _, err := m.killMatching(ctx, "websockify", proxyListenAddress(nic.RemotePort)); err != nil {
			return fmt.Errorf("kill display proxy: %w", err)
		}
	}
	return nil
}

// ResetDevice kills the device and discards its overlay; the next start
// rebuilds it from the base image.
func (m *Manager) ResetDevice(ctx context.Context, descriptor []byte, id string) (Result, error) {
	lab, err := models.ParseLab(descriptor, models.NeedOwner|models.NeedDevices)
	if err != nil {
		return Result{}, err
	}
	device, ok := lab.Device(id, "")
	if !ok || device.Physical() {
		return Result{State: models.StateReset}, nil
	}
	if err := lab.ValidateDevice(device, models.NeedInterfaces|models.NeedImage); err != nil {
		return Result{}, err
	}
	if err := m.killDevice(ctx, device); err != nil {
		return Result{}, err
	}
	base, _ := m.imageSource(device.Device.OperatingSystem.Image)
	overlay := filepath.Join(m.deviceDir(lab, device.UUID), filepath.Base(base))
	if err := os.Remove(overlay); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Result{}, fmt.Errorf("remove overlay %s: %w", overlay, err)
	}
	m.logger.WithFields(logrus.Fields{"lab": lab.UUID, "device": device.UUID}).Info("device reset")
	return Result{State: models.StateReset}, nil
}

// DeleteDevice removes the device workspace.
func (m *Manager) DeleteDevice(ctx context.Context, descriptor []byte, id string) (Result, error) {
	lab, err := models.ParseLab(descriptor, models.NeedOwner)
	if err != nil {
		return Result{}, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return Result{}, &models.BadDescriptorError{Problems: []string{"invalid device uuid: " + err.Error()}}
	}
	dir := m.deviceDir(lab, id)
	if err := os.RemoveAll(dir); err != nil {
		return Result{}, fmt.Errorf("remove device workspace %s: %w", dir, err)
	}
	return Result{State: models.StateDeleted}, nil
}
