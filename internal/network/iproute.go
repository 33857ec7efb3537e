package network

import (
	"context"
	"strconv"
	"strings"

	"github.com/remotelabz/remotelabz-worker-sub000/internal/command"
)

const (
	LinkUp   = "up"
	LinkDown = "down"

	// MainTable is the kernel's default routing table id.
	MainTable = 254
)

// IPRoute drives the iproute2 `ip` tool. It holds no state besides the runner.
type IPRoute struct {
	Runner command.Runner // defaults to command.ExecRunner
	Path   string         // defaults to "ip"
}

func (i *IPRoute) AddrAdd(ctx context.Context, dev, addr string) error {
	return i.strict(ctx, "addr", "add", addr, "dev", dev)
}

func (i *IPRoute) AddrDelete(ctx context.Context, dev, addr string) error {
	return i.strict(ctx, "addr", "del", addr, "dev", dev)
}

// AddrShow returns the raw `ip addr show` output, optionally for one device.
func (i *IPRoute) AddrShow(ctx context.Context, dev string) (string, error) {
	args := []string{"addr", "show"}
	if dev != "" {
		args = append(args, "dev", dev)
	}
	res, err := command.RunStrict(ctx, i.runner(), i.argv(args...)...)
	return res.Stdout, err
}

// AddrExists reports whether dev carries ip. Probe failures read as absent.
func (i *IPRoute) AddrExists(ctx context.Context, dev, ip string) bool {
	out, ok := i.probe(ctx, "addr", "show", "dev", dev)
	if !ok {
		return false
	}
	return strings.Contains(out, "inet "+hostPart(ip)+"/")
}

func (i *IPRoute) LinkSet(ctx context.Context, name, state string) error {
	return i.strict(ctx, "link", "set", name, state)
}

func (i *IPRoute) LinkDelete(ctx context.Context, name string) error {
	return i.strict(ctx, "link", "delete", name)
}

// LinkExists reports whether `ip link show dev name` succeeds.
func (i *IPRoute) LinkExists(ctx context.Context, name string) bool {
	_, ok := i.probe(ctx, "link", "show", "dev", name)
	return ok
}

func (i *IPRoute) TuntapAdd(ctx context.Context, name string) error {
	return i.strict(ctx, "tuntap", "add", name, "mode", "tap")
}

// RouteAdd adds a route given as free-form text ("default via 1.2.3.4") to table.
func (i *IPRoute) RouteAdd(ctx context.Context, route string, table int) error {
	return i.strict(ctx, routeArgs("add", route, table)...)
}

func (i *IPRoute) RouteDelete(ctx context.Context, route string, table int) error {
	return i.strict(ctx, routeArgs("del", route, table)...)
}

// RouteExists matches route against `ip route show table N` as a substring.
func (i *IPRoute) RouteExists(ctx context.Context, route string, table int) bool {
	out, ok := i.probe(ctx, "route", "show", "table", strconv.Itoa(table))
	if !ok {
		return false
	}
	return containsFields(out, route)
}

// RuleAdd adds a policy rule built from a selector ("from 10.0.0.0/24") and
// an action ("lookup 4").
func (i *IPRoute) RuleAdd(ctx context.Context, selector, action string) error {
	return i.strict(ctx, ruleArgs("add", selector, action)...)
}

func (i *IPRoute) RuleDelete(ctx context.Context, selector, action string) error {
	return i.strict(ctx, ruleArgs("del", selector, action)...)
}

// RuleExists matches "selector action" against `ip rule show`.
func (i *IPRoute) RuleExists(ctx context.Context, selector, action string) bool {
	out, ok := i.probe(ctx, "rule", "show")
	if !ok {
		return false
	}
	return containsFields(out, selector+" "+action)
}

func routeArgs(verb, route string, table int) []string {
	args := []string{"route", verb}
	args = append(args, strings.Fields(route)...)
	return append(args, "table", strconv.Itoa(table))
}

func ruleArgs(verb, selector, action string) []string {
	args := []string{"rule", verb}
	args = append(args, strings.Fields(selector)...)
	return append(args, strings.Fields(action)...)
}

// containsFields compares after collapsing whitespace so tabs in tool output
// do not defeat the match.
func containsFields(haystack, needle string) bool {
	needle = strings.Join(strings.Fields(needle), " ")
	for _, line := range strings.Split(haystack, "\n") {
		if strings.Contains(strings.Join(strings.Fields(line), " "), needle) {
			return true
		}
	}
	return false
}

func hostPart(addr string) string {
	if idx := strings.IndexByte(addr, '/'); idx >= 0 {
		return addr[:idx]
	}
	return addr
}

func (i *IPRoute) strict(ctx context.Context, args ...string) error {
	_, err := command.RunStrict(ctx, i.runner(), i.argv(args...)...)
	return err
}

func (i *IPRoute) probe(ctx context.Context, args ...string) (string, bool) {
	res, err := i.runner().Run(ctx, i.argv(args...)...)
	if err != nil || !res.Success() {
		return "", false
	}
	return res.Stdout, true
}

func (i *IPRoute) argv(args ...string) []string {
	return append([]string{i.path()}, args...)
}

func (i *IPRoute) path() string {
	if i.Path == "" {
		return "ip"
	}
	return i.Path
}

func (i *IPRoute) runner() command.Runner {
	if i.Runner == nil {
		return command.ExecRunner{}
	}
	return i.Runner
}
