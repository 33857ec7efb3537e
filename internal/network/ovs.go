package network

import (
	"context"
	"strings"

	"github.com/remotelabz/remotelabz-worker-sub000/internal/command"
)

const patchPortPrefix = "Patch-ovs-"

// OVS drives ovs-vsctl.
type OVS struct {
	Runner command.Runner // defaults to command.ExecRunner
	Path   string         // defaults to "ovs-vsctl"
}

// AddBridge creates a bridge; mayExist forwards --may-exist.
func (o *OVS) AddBridge(ctx context.Context, bridge string, mayExist bool) error {
	return o.strict(ctx, withFlag(mayExist, "--may-exist", "add-br", bridge)...)
}

// DeleteBridge removes a bridge; ifExists forwards --if-exists.
func (o *OVS) DeleteBridge(ctx context.Context, bridge string, ifExists bool) error {
	return o.strict(ctx, withFlag(ifExists, "--if-exists", "del-br", bridge)...)
}

// BridgeExists reports whether ovs-vsctl knows the bridge.
func (o *OVS) BridgeExists(ctx context.Context, bridge string) bool {
	res, err := o.runner().Run(ctx, o.argv("br-exists", bridge)...)
	return err == nil && res.Success()
}

// AddPort attaches port to bridge. Extra options are appended verbatim.
func (o *OVS) AddPort(ctx context.Context, bridge, port string, mayExist bool, options ...string) error {
	args := withFlag(mayExist, "--may-exist", "add-port", bridge, port)
	return o.strict(ctx, append(args, options...)...)
}

// DeletePort detaches port from bridge. withInterface also removes the system interface.
func (o *OVS) DeletePort(ctx context.Context, bridge, port string, ifExists, withInterface bool) error {
	var args []string
	if ifExists {
		args = append(args, "--if-exists")
	}
	if withInterface {
		args = append(args, "--with-iface")
	}
	args = append(args, "del-port", bridge, port)
	return o.strict(ctx, args...)
}

func (o *OVS) ListPorts(ctx context.Context, bridge string) ([]string, error) {
	res, err := command.RunStrict(ctx, o.runner(), o.argv("list-ports", bridge)...)
	if err != nil {
		return nil, err
	}
	return strings.Fields(res.Stdout), nil
}

// PortExists probes list-ports; a failed listing reads as absent.
func (o *OVS) PortExists(ctx context.Context, bridge, port string) bool {
	ports, err := o.ListPorts(ctx, bridge)
	if err != nil {
		return false
	}
	for _, p := range ports {
		if p == port {
			return true
		}
	}
	return false
}

// SetInterface applies key=value properties to an interface record.
func (o *OVS) SetInterface(ctx context.Context, name string, props ...string) error {
	args := append([]string{"set", "interface", name}, props...)
	return o.strict(ctx, args...)
}

// PatchPortName is the patch port a bridge uses for switch-to-switch links.
func PatchPortName(bridge string) string {
	return patchPortPrefix + bridge
}

// LinkTwoSwitches creates a peered pair of patch ports between a and b.
func (o *OVS) LinkTwoSwitches(ctx context.Context, a, b string) error {
	pairs := [][2]string{{a, b}, {b, a}}
	for _, pair := range pairs {
		port := PatchPortName(pair[0])
		if err := o.AddPort(ctx, pair[0], port, true); err != nil {
			return err
		}
		if err := o.SetInterface(ctx, port, "type=patch", "options:peer="+PatchPortName(pair[1])); err != nil {
			return err
		}
	}
	return nil
}

// UnlinkTwoSwitches removes the patch pair, b's side first, skipping ports
// that are not present.
func (o *OVS) UnlinkTwoSwitches(ctx context.Context, a, b string) error {
	for _, bridge := range []string{b, a} {
		port := PatchPortName(bridge)
		if !o.PortExists(ctx, bridge, port) {
			continue
		}
		if err := o.DeletePort(ctx, bridge, port, true, true); err != nil {
			return err
		}
	}
	return nil
}

func withFlag(set bool, flag string, args ...string) []string {
	if set {
		return append([]string{flag}, args...)
	}
	return args
}

func (o *OVS) strict(ctx context.Context, args ...string) error {
	_, err := command.RunStrict(ctx, o.runner(), o.argv(args...)...)
	return err
}

func (o *OVS) argv(args ...string) []string {
	return append([]string{o.path()}, args...)
}

func (o *OVS) path() string {
	if o.Path == "" {
		return "ovs-vsctl"
	}
	return o.Path
}

func (o *OVS) runner() command.Runner {
	if o.Runner == nil {
		return command.ExecRunner{}
	}
	return o.Runner
}
