package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Device lifecycle states as recorded upstream.
const (
	DeviceCreated   = "created"
	DeviceStarted   = "started"
	DeviceStopped   = "stopped"
	DeviceExporting = "exporting"
)

// AccessTypeVNC tags the NIC that carries the remote display.
const AccessTypeVNC = "VNC"

// Ownership kinds for the workspace path.
const (
	OwnedByUser  = "user"
	OwnedByGroup = "group"
)

// ErrBadDescriptor matches every BadDescriptorError via errors.Is.
var ErrBadDescriptor = errors.New("bad descriptor")

// BadDescriptorError lists every problem found in one descriptor.
type BadDescriptorError struct {
	Problems []string
}

func (e *BadDescriptorError) Error() string {
	return "bad descriptor: " + strings.Join(e.Problems, "; ")
}

func (e *BadDescriptorError) Is(target error) bool {
	return target == ErrBadDescriptor
}

type problems []string

func (p *problems) missing(field string) {
	*p = append(*p, "missing "+field)
}

func (p *problems) invalid(field, format string, args ...any) {
	*p = append(*p, "invalid "+field+": "+fmt.Sprintf(format, args...))
}

func (p problems) err() error {
	if len(p) == 0 {
		return nil
	}
	return &BadDescriptorError{Problems: p}
}

type Owner struct {
	UUID string `json:"uuid"`
}

type Address struct {
	Addr string `json:"addr"`
}

type Network struct {
	IP      Address `json:"ip"`
	Netmask Address `json:"netmask"`
}

type Hypervisor struct {
	Name string `json:"name"`
}

type Flavor struct {
	Memory int `json:"memory"`
}

type OperatingSystem struct {
	Name       string     `json:"name"`
	Image      string     `json:"image"`
	Hypervisor Hypervisor `json:"hypervisor"`
}

type Device struct {
	Name            string          `json:"name"`
	Virtuality      *int            `json:"virtuality"`
	Flavor          Flavor          `json:"flavor"`
	OperatingSystem OperatingSystem `json:"operatingSystem"`
	Hypervisor      Hypervisor      `json:"hypervisor"`
}

type NetworkInterface struct {
	Name       string `json:"name"`
	AccessType string `json:"accessType"`
}

type NetworkInterfaceInstance struct {
	UUID             string           `json:"uuid"`
	MACAddress       string           `json:"macAddress"`
	RemotePort       int              `json:"remotePort"`
	NetworkInterface NetworkInterface `json:"networkInterface"`
}

// RemoteDisplay reports whether the NIC carries the VNC console.
func (n NetworkInterfaceInstance) RemoteDisplay() bool {
	return strings.EqualFold(n.NetworkInterface.AccessType, AccessTypeVNC)
}

type DeviceInstance struct {
	UUID                      string                     `json:"uuid"`
	State                     string                     `json:"state"`
	Device                    Device                     `json:"device"`
	NetworkInterfaceInstances []NetworkInterfaceInstance `json:"networkInterfaceInstances"`
	NewOSImageName            string                     `json:"new_os_imagename"`
}

// Physical reports whether the device is a physical host port rather than a VM.
// A missing virtuality flag means virtual.
func (d DeviceInstance) Physical() bool {
	return d.Device.Virtuality != nil && *d.Device.Virtuality == 0
}

// HypervisorName prefers the device hypervisor, then the OS one, then qemu.
func (d DeviceInstance) HypervisorName() string {
	if d.Device.Hypervisor.Name != "" {
		return d.Device.Hypervisor.Name
	}
	if d.Device.OperatingSystem.Hypervisor.Name != "" {
		return d.Device.OperatingSystem.Hypervisor.Name
	}
	return "qemu"
}

// Lab is the lab descriptor.
type Lab struct {
	UUID            string           `json:"uuid"`
	BridgeName      string           `json:"bridgeName"`
	Network         *Network         `json:"network"`
	Owner           *Owner           `json:"owner"`
	OwnedBy         string           `json:"ownedBy"`
	DeviceInstances []DeviceInstance `json:"deviceInstances"`

	NewOSID        json.RawMessage `json:"newOS_id,omitempty"`
	NewDeviceID    json.RawMessage `json:"newDevice_id,omitempty"`
	NewOSName      string          `json:"new_os_name,omitempty"`
	NewOSImageName string          `json:"new_os_imagename,omitempty"`
	NewLabID       json.RawMessage `json:"newLab_id,omitempty"`
}

// Requirement selects which parts of a Lab must be present.
type Requirement uint

const (
	NeedBridge Requirement = 1 << iota
	NeedOwner
	NeedNetwork
	NeedDevices
	NeedExport
)

// ParseLab decodes a lab descriptor and checks req. All problems are reported
// together.
func ParseLab(payload []byte, req Requirement) (*Lab, error) {
	if err := requireObject(payload); err != nil {
		return nil, err
	}
	var lab Lab
	if err := json.Unmarshal(payload, &lab); err != nil {
		return nil, &BadDescriptorError{Problems: []string{"malformed lab: " + err.Error()}}
	}
	if err := lab.Validate(req); err != nil {
		return nil, err
	}
	return &lab, nil
}

// Validate checks the fields named by req.
func (l *Lab) Validate(req Requirement) error {
	var p problems
	if req&NeedBridge != 0 && strings.TrimSpace(l.BridgeName) == "" {
		p.missing("bridgeName")
	}
	if req&NeedOwner != 0 {
		checkUUID(&p, "uuid", l.UUID)
		if l.Owner == nil || l.Owner.UUID == "" {
			p.missing("owner.uuid")
		}
		switch l.OwnedBy {
		case OwnedByUser, OwnedByGroup:
		case "":
			p.missing("ownedBy")
		default:
			p.invalid("ownedBy", "%q is neither user nor group", l.OwnedBy)
		}
	}
	if req&NeedNetwork != 0 {
		if l.Network == nil {
			p.missing("network")
		} else {
			if l.Network.IP.Addr == "" {
				p.missing("network.ip.addr")
			}
			if l.Network.Netmask.Addr == "" {
				p.missing("network.netmask.addr")
			}
		}
	}
	if req&NeedDevices != 0 {
		if l.DeviceInstances == nil {
			p.missing("deviceInstances")
		}
	}
	if req&NeedExport != 0 {
		if l.NewOSImageName == "" {
			p.missing("new_os_imagename")
		} else if strings.ContainsRune(l.NewOSImageName, '/') {
			p.invalid("new_os_imagename", "%q must be a file name", l.NewOSImageName)
		}
	}
	return p.err()
}

// DeviceRequirement selects which fields of a single device must be valid.
type DeviceRequirement uint

const (
	// NeedInterfaces covers what tearing a device down reads: its uuid and
	// the names and display ports of its interfaces.
	NeedInterfaces DeviceRequirement = 1 << iota
	// NeedBoot adds the image, flavor and MAC addresses a start reads.
	NeedBoot
	// NeedImage is the base image alone.
	NeedImage
)

// ValidateDevice checks only the device d, which must come from
// l.DeviceInstances. Siblings are not looked at.
func (l *Lab) ValidateDevice(d DeviceInstance, req DeviceRequirement) error {
	path := "deviceInstances[" + d.UUID + "]"
	for i, candidate := range l.DeviceInstances {
		if candidate.UUID == d.UUID && candidate.State == d.State {
			path = fmt.Sprintf("deviceInstances[%d]", i)
			break
		}
	}
	var p problems
	d.validate(&p, path, req)
	return p.err()
}

func (d DeviceInstance) validate(p *problems, path string, req DeviceRequirement) {
	checkUUID(p, path+".uuid", d.UUID)
	if d.Physical() {
		for i, nic := range d.NetworkInterfaceInstances {
			if nic.NetworkInterface.Name == "" {
				p.missing(fmt.Sprintf("%s.networkInterfaceInstances[%d].networkInterface.name", path, i))
			}
		}
		return
	}
	if req&(NeedBoot|NeedImage) != 0 && d.Device.OperatingSystem.Image == "" {
		p.missing(path + ".device.operatingSystem.image")
	}
	if req&NeedBoot != 0 && d.Device.Flavor.Memory <= 0 {
		p.missing(path + ".device.flavor.memory")
	}
	if req&(NeedBoot|NeedInterfaces) == 0 {
		return
	}
	for i, nic := range d.NetworkInterfaceInstances {
		nicPath := fmt.Sprintf("%s.networkInterfaceInstances[%d]", path, i)
		checkUUID(p, nicPath+".uuid", nic.UUID)
		if req&NeedBoot != 0 && nic.MACAddress == "" {
			p.missing(nicPath + ".macAddress")
		}
		if nic.NetworkInterface.Name == "" {
			p.missing(nicPath + ".networkInterface.name")
		}
		if nic.RemoteDisplay() && nic.RemotePort < 5900 {
			p.invalid(nicPath+".remotePort", "%d is below the VNC base port 5900", nic.RemotePort)
		}
	}
}

// Device returns the first device matching uuid whose state differs from
// skipState. An empty skipState matches any state.
func (l *Lab) Device(id, skipState string) (DeviceInstance, bool) {
	for _, d := range l.DeviceInstances {
		if d.UUID != id {
			continue
		}
		if skipState != "" && d.State == skipState {
			continue
		}
		return d, true
	}
	return DeviceInstance{}, false
}

// DeviceInState returns the first device matching uuid in exactly state.
func (l *Lab) DeviceInState(id, state string) (DeviceInstance, bool) {
	for _, d := range l.DeviceInstances {
		if d.UUID == id && d.State == state {
			return d, true
		}
	}
	return DeviceInstance{}, false
}

// OSDescriptor names a cached base image.
type OSDescriptor struct {
	Hypervisor    Hypervisor `json:"hypervisor"`
	ImageFilename string     `json:"imageFilename"`
	WorkerDestIP  string     `json:"workerDestIP"`
}

// ParseOS decodes an OS descriptor. needDest requires workerDestIP.
func ParseOS(payload []byte, needDest bool) (*OSDescriptor, error) {
	if err := requireObject(payload); err != nil {
		return nil, err
	}
	var os OSDescriptor
	if err := json.Unmarshal(payload, &os); err != nil {
		return nil, &BadDescriptorError{Problems: []string{"malformed os: " + err.Error()}}
	}
	var p problems
	if os.Hypervisor.Name == "" {
		p.missing("hypervisor.name")
	}
	checkFileName(&p, "imageFilename", os.ImageFilename)
	if needDest && os.WorkerDestIP == "" {
		p.missing("workerDestIP")
	}
	if err := p.err(); err != nil {
		return nil, err
	}
	return &os, nil
}

// RenameDescriptor renames a cached base image.
type RenameDescriptor struct {
	OldName    string `json:"old_name"`
	NewName    string `json:"new_name"`
	Hypervisor string `json:"hypervisor"`
}

func ParseRename(payload []byte) (*RenameDescriptor, error) {
	if err := requireObject(payload); err != nil {
		return nil, err
	}
	var r RenameDescriptor
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, &BadDescriptorError{Problems: []string{"malformed rename: " + err.Error()}}
	}
	var p problems
	checkFileName(&p, "old_name", r.OldName)
	checkFileName(&p, "new_name", r.NewName)
	if r.Hypervisor == "" {
		p.missing("hypervisor")
	}
	if err := p.err(); err != nil {
		return nil, err
	}
	return &r, nil
}

// PeekVirtuality reports whether the device uuid in payload is physical.
// Undecodable payloads read as virtual; the operation itself reports them.
func PeekVirtuality(payload []byte, id string) bool {
	var lab struct {
		DeviceInstances []DeviceInstance `json:"deviceInstances"`
	}
	if json.Unmarshal(payload, &lab) != nil {
		return false
	}
	for _, d := range lab.DeviceInstances {
		if d.UUID == id {
			return d.Physical()
		}
	}
	return false
}

func requireObject(payload []byte) error {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return &BadDescriptorError{Problems: []string{"payload is not a JSON object"}}
	}
	return nil
}

func checkUUID(p *problems, field, value string) {
	if value == "" {
		p.missing(field)
		return
	}
	if _, err := uuid.Parse(value); err != nil {
		p.invalid(field, "%v", err)
	}
}

func checkFileName(p *problems, field, value string) {
	switch {
	case value == "":
		p.missing(field)
	case strings.ContainsRune(value, '/') || value == "." || value == "..":
		p.invalid(field, "%q must be a file name", value)
	}
}
