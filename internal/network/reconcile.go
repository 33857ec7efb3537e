package network

import (
	"context"
	"fmt"

	"github.com/remotelabz/remotelabz-worker-sub000/internal/command"
)

// State is the presence of a host resource, desired or observed.
type State int

const (
	Absent State = iota
	Present
)

func (s State) String() string {
	if s == Present {
		return "present"
	}
	return "absent"
}

// Action is the corrective step Reconcile takes.
type Action int

const (
	NoAction Action = iota
	Create
	Remove
)

func (a Action) String() string {
	switch a {
	case Create:
		return "create"
	case Remove:
		return "remove"
	default:
		return "none"
	}
}

// Plan returns the minimal action that moves observed to desired.
func Plan(desired, observed State) Action {
	switch {
	case desired == observed:
		return NoAction
	case desired == Present:
		return Create
	default:
		return Remove
	}
}

// Resource is one host object that can be probed, created and removed.
// Observe returns an error only for malformed input, never for a failed probe.
type Resource interface {
	fmt.Stringer
	Observe(ctx context.Context) (State, error)
	Create(ctx context.Context) error
	Remove(ctx context.Context) error
}

// Reconcile probes r and applies the action Plan picks.
func Reconcile(ctx context.Context, r Resource, desired State) (Action, error) {
	observed, err := r.Observe(ctx)
	if err != nil {
		return NoAction, fmt.Errorf("observe %s: %w", r, err)
	}
	action := Plan(desired, observed)
	switch action {
	case Create:
		err = r.Create(ctx)
	case Remove:
		err = r.Remove(ctx)
	}
	return action, err
}

// Host bundles the three tool wrappers over one runner.
type Host struct {
	IP       *IPRoute
	OVS      *OVS
	Firewall *IPTables
}

// Paths overrides tool binaries; empty fields keep the defaults.
type Paths struct {
	IP       string
	OVS      string
	IPTables string
}

func NewHost(runner command.Runner, paths Paths) *Host {
	return &Host{
		IP:       &IPRoute{Runner: runner, Path: paths.IP},
		OVS:      &OVS{Runner: runner, Path: paths.OVS},
		Firewall: &IPTables{Runner: runner, Path: paths.IPTables},
	}
}

// Bridge is an OVS bridge, observed through its kernel link.
func (h *Host) Bridge(name string) Resource {
	return bridgeResource{host: h, name: name}
}

// Port is a bridge port. withInterface removes the system interface on removal.
func (h *Host) Port(bridge, name string, withInterface bool) Resource {
	return portResource{host: h, bridge: bridge, name: name, withInterface: withInterface}
}

func (h *Host) Tap(name string) Resource {
	return tapResource{host: h, name: name}
}

// Address is addr (CIDR form) on dev.
func (h *Host) Address(dev, addr string) Resource {
	return addressResource{host: h, dev: dev, addr: addr}
}

func (h *Host) Route(route string, table int) Resource {
	return routeResource{host: h, route: route, table: table}
}

func (h *Host) PolicyRule(selector, action string) Resource {
	return policyRuleResource{host: h, selector: selector, action: action}
}

func (h *Host) FirewallRule(table, chain string, rule Rule) Resource {
	return firewallRuleResource{host: h, table: table, chain: chain, rule: rule}
}

type bridgeResource struct {
	host *Host
	name string
}

func (r bridgeResource) String() string { return "bridge " + r.name }

func (r bridgeResource) Observe(ctx context.Context) (State, error) {
	return presence(r.host.IP.LinkExists(ctx, r.name)), nil
}

func (r bridgeResource) Create(ctx context.Context) error {
	return r.host.OVS.AddBridge(ctx, r.name, true)
}

func (r bridgeResource) Remove(ctx context.Context) error {
	return r.host.OVS.DeleteBridge(ctx, r.name, true)
}

type portResource struct {
	host          *Host
	bridge        string
	name          string
	withInterface bool
}

func (r portResource) String() string { return "port " + r.bridge + "/" + r.name }

func (r portResource) Observe(ctx context.Context) (State, error) {
	return presence(r.host.OVS.PortExists(ctx, r.bridge, r.name)), nil
}

func (r portResource) Create(ctx context.Context) error {
	return r.host.OVS.AddPort(ctx, r.bridge, r.name, true)
}

func (r portResource) Remove(ctx context.Context) error {
	return r.host.OVS.DeletePort(ctx, r.bridge, r.name, true, r.withInterface)
}

type tapResource struct {
	host *Host
	name string
}

func (r tapResource) String() string { return "tap " + r.name }

func (r tapResource) Observe(ctx context.Context) (State, error) {
	return presence(r.host.IP.LinkExists(ctx, r.name)), nil
}

func (r tapResource) Create(ctx context.Context) error {
	return r.host.IP.TuntapAdd(ctx, r.name)
}

func (r tapResource) Remove(ctx context.Context) error {
	return r.host.IP.LinkDelete(ctx, r.name)
}

type addressResource struct {
	host *Host
	dev  string
	addr string
}

func (r addressResource) String() string { return "address " + r.addr + " on " + r.dev }

func (r addressResource) Observe(ctx context.Context) (State, error) {
	return presence(r.host.IP.AddrExists(ctx, r.dev, r.addr)), nil
}

func (r addressResource) Create(ctx context.Context) error {
	return r.host.IP.AddrAdd(ctx, r.dev, r.addr)
}

func (r addressResource) Remove(ctx context.Context) error {
	return r.host.IP.AddrDelete(ctx, r.dev, r.addr)
}

type routeResource struct {
	host  *Host
	route string
	table int
}

func (r routeResource) String() string { return fmt.Sprintf("route %q table %d", r.route, r.table) }

func (r routeResource) Observe(ctx context.Context) (State, error) {
	return presence(r.host.IP.RouteExists(ctx, r.route, r.table)), nil
}

func (r routeResource) Create(ctx context.Context) error {
	return r.host.IP.RouteAdd(ctx, r.route, r.table)
}

func (r routeResource) Remove(ctx context.Context) error {
	return r.host.IP.RouteDelete(ctx, r.route, r.table)
}

type policyRuleResource struct {
	host     *Host
	selector string
	action   string
}

func (r policyRuleResource) String() string { return fmt.Sprintf("rule %q %q", r.selector, r.action) }

func (r policyRuleResource) Observe(ctx context.Context) (State, error) {
	return presence(r.host.IP.RuleExists(ctx, r.selector, r.action)), nil
}

func (r policyRuleResource) Create(ctx context.Context) error {
	return r.host.IP.RuleAdd(ctx, r.selector, r.action)
}

func (r policyRuleResource) Remove(ctx context.Context) error {
	return r.host.IP.RuleDelete(ctx, r.selector, r.action)
}

type firewallRuleResource struct {
	host  *Host
	table string
	chain string
	rule  Rule
}

func (r firewallRuleResource) String() string {
	return fmt.Sprintf("firewall rule %s/%s %+v", r.table, r.chain, r.rule)
}

func (r firewallRuleResource) Observe(ctx context.Context) (State, error) {
	ok, err := r.host.Firewall.Exists(ctx, r.table, r.chain, r.rule)
	if err != nil {
		return Absent, err
	}
	return presence(ok), nil
}

func (r firewallRuleResource) Create(ctx context.Context) error {
	return r.host.Firewall.Append(ctx, r.table, r.chain, r.rule)
}

func (r firewallRuleResource) Remove(ctx context.Context) error {
	return r.host.Firewall.Delete(ctx, r.table, r.chain, r.rule)
}

func presence(ok bool) State {
	if ok {
		return Present
	}
	return Absent
}
