// Package models provides the wire and descriptor types exchanged with the
// lab orchestrator.
//
// This package contains:
//   - ActionRequest: an inbound request naming an action, a target and a descriptor
//   - OutcomeReport: the single outbound report produced for every request
//   - Lab, DeviceInstance, NetworkInterfaceInstance: the lab descriptor schema
//   - OSDescriptor, RenameDescriptor: descriptors for image operations
//
// Descriptors are decoded fresh from every request and never cached.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Action is the verb of an inbound request.
type Action string

const (
	// ActionCreate creates the lab bridge.
	ActionCreate Action = "create"
	// ActionDelete removes the lab bridge and workspace.
	ActionDelete Action = "delete"
	// ActionStart starts one device of a lab.
	ActionStart Action = "start"
	// ActionStop stops one device of a lab.
	ActionStop Action = "stop"
	// ActionReset returns a device to its pristine image.
	ActionReset Action = "reset"
	// ActionConnect attaches the lab to the uplink with routing and NAT.
	ActionConnect Action = "connect"
	// ActionExportDevice turns a device overlay into a new base image.
	ActionExportDevice Action = "export-device"
	// ActionExportLab exports every exporting device of a lab.
	ActionExportLab Action = "export-lab"
	// ActionDeleteDevice removes a device workspace.
	ActionDeleteDevice Action = "delete-device"
	// ActionDeleteOS removes a cached base image.
	ActionDeleteOS Action = "delete-os"
	// ActionRenameOS renames a cached base image.
	ActionRenameOS Action = "rename-os"
	// ActionCopyToWorkerDevice copies a base image to another worker.
	ActionCopyToWorkerDevice Action = "copy-to-worker-device"
)

var knownActions = map[Action]bool{
	ActionCreate:             true,
	ActionDelete:             true,
	ActionStart:              true,
	ActionStop:               true,
	ActionReset:              true,
	ActionConnect:            true,
	ActionExportDevice:       true,
	ActionExportLab:          true,
	ActionDeleteDevice:       true,
	ActionDeleteOS:           true,
	ActionRenameOS:           true,
	ActionCopyToWorkerDevice: true,
}

// Valid reports whether a is part of the closed verb set.
func (a Action) Valid() bool {
	return knownActions[a]
}

// State is the result state of an outcome report.
type State string

const (
	StateCreated   State = "created"
	StateDeleted   State = "deleted"
	StateStarted   State = "started"
	StateStopped   State = "stopped"
	StateReset     State = "reset"
	StateExported  State = "exported"
	StateError     State = "error"
	StateOSDeleted State = "os-deleted"
	StateOSRenamed State = "os-renamed"
	StateOSCopied  State = "os-copied"
)

// TargetKind says whether an outcome concerns a lab or a device.
type TargetKind string

const (
	KindLab    TargetKind = "lab"
	KindDevice TargetKind = "device"
)

// ActionRequest is the inbound message.
//
// Content is the descriptor as raw JSON. On the wire it is normally a string
// holding JSON text; an inline object is accepted too.
type ActionRequest struct {
	Action  Action          `json:"action"`
	UUID    string          `json:"uuid"`
	Content json.RawMessage `json:"content"`
}

func (r *ActionRequest) UnmarshalJSON(data []byte) error {
	var wire struct {
		Action  Action          `json:"action"`
		UUID    json.RawMessage `json:"uuid"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	r.Action = wire.Action
	r.UUID = scalarString(wire.UUID)
	r.Content = nil
	content := bytes.TrimSpace(wire.Content)
	if len(content) == 0 || bytes.Equal(content, []byte("null")) {
		return nil
	}
	if content[0] == '"' {
		var text string
		if err := json.Unmarshal(content, &text); err != nil {
			return fmt.Errorf("decode content: %w", err)
		}
		r.Content = json.RawMessage(text)
		return nil
	}
	r.Content = append(json.RawMessage(nil), content...)
	return nil
}

// OutcomeReport is the single outbound message for each request.
type OutcomeReport struct {
	State   State          `json:"state"`
	UUID    string         `json:"uuid"`
	Type    TargetKind     `json:"type"`
	Options map[string]any `json:"options"`
}

// scalarString accepts string or numeric ids; OS operations use numeric ids.
func scalarString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
