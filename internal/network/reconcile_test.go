package network

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlan(t *testing.T) {
	assert.Equal(t, NoAction, Plan(Present, Present))
	assert.Equal(t, NoAction, Plan(Absent, Absent))
	assert.Equal(t, Create, Plan(Present, Absent))
	assert.Equal(t, Remove, Plan(Absent, Present))
}

func TestReconcileResources(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		resource  func(h *Host) Resource
		desired   State
		responses []runnerResponse
		want      [][]string
		action    Action
	}{
		{
			name:      "bridge created when link missing",
			resource:  func(h *Host) Resource { return h.Bridge("br-lab") },
			desired:   Present,
			responses: []runnerResponse{exit(1), ok("")},
			want: [][]string{
				{"ip", "link", "show", "dev", "br-lab"},
				{"ovs-vsctl", "--may-exist", "add-br", "br-lab"},
			},
			action: Create,
		},
		{
			name:      "bridge left alone when link present",
			resource:  func(h *Host) Resource { return h.Bridge("br-lab") },
			desired:   Present,
			responses: []runnerResponse{ok("3: br-lab")},
			want:      [][]string{{"ip", "link", "show", "dev", "br-lab"}},
			action:    NoAction,
		},
		{
			name:      "port attached",
			resource:  func(h *Host) Resource { return h.Port("br-lab", "eth0-1234abcd", true) },
			desired:   Present,
			responses: []runnerResponse{ok("other\n"), ok("")},
			want: [][]string{
				{"ovs-vsctl", "list-ports", "br-lab"},
				{"ovs-vsctl", "--may-exist", "add-port", "br-lab", "eth0-1234abcd"},
			},
			action: Create,
		},
		{
			name:      "port detached without interface",
			resource:  func(h *Host) Resource { return h.Port("br-lab", "eno2", false) },
			desired:   Absent,
			responses: []runnerResponse{ok("eno2\n"), ok("")},
			want: [][]string{
				{"ovs-vsctl", "list-ports", "br-lab"},
				{"ovs-vsctl", "--if-exists", "del-port", "br-lab", "eno2"},
			},
			action: Remove,
		},
		{
			name:      "tap created",
			resource:  func(h *Host) Resource { return h.Tap("eth0-1234abcd") },
			desired:   Present,
			responses: []runnerResponse{exit(1), ok("")},
			want: [][]string{
				{"ip", "link", "show", "dev", "eth0-1234abcd"},
				{"ip", "tuntap", "add", "eth0-1234abcd", "mode", "tap"},
			},
			action: Create,
		},
		{
			name:      "address added",
			resource:  func(h *Host) Resource { return h.Address("br-lab", "10.0.0.254/24") },
			desired:   Present,
			responses: []runnerResponse{ok("3: br-lab\n"), ok("")},
			want: [][]string{
				{"ip", "addr", "show", "dev", "br-lab"},
				{"ip", "addr", "add", "10.0.0.254/24", "dev", "br-lab"},
			},
			action: Create,
		},
		{
			name:      "route removed",
			resource:  func(h *Host) Resource { return h.Route("default via 192.0.2.1", 4) },
			desired:   Absent,
			responses: []runnerResponse{ok("default via 192.0.2.1 dev br-int\n"), ok("")},
			want: [][]string{
				{"ip", "route", "show", "table", "4"},
				{"ip", "route", "del", "default", "via", "192.0.2.1", "table", "4"},
			},
			action: Remove,
		},
		{
			name:      "policy rule absent stays absent",
			resource:  func(h *Host) Resource { return h.PolicyRule("from 10.0.0.0/24", "lookup 4") },
			desired:   Absent,
			responses: []runnerResponse{ok("0:\tfrom all lookup local\n")},
			want:      [][]string{{"ip", "rule", "show"}},
			action:    NoAction,
		},
		{
			name: "firewall rule appended",
			resource: func(h *Host) Resource {
				return h.FirewallRule(TableNAT, ChainPostrouting, Rule{Source: "10.0.0.0/24", Jump: "MASQUERADE"})
			},
			desired:   Present,
			responses: []runnerResponse{exit(1), ok("")},
			want: [][]string{
				{"iptables", "-t", "nat", "-C", "POSTROUTING", "--source", "10.0.0.0/24", "--jump", "MASQUERADE"},
				{"iptables", "-t", "nat", "-A", "POSTROUTING", "--source", "10.0.0.0/24", "--jump", "MASQUERADE"},
			},
			action: Create,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{responses: tt.responses}
			host := NewHost(runner, Paths{})

			action, err := Reconcile(ctx, tt.resource(host), tt.desired)
			require.NoError(t, err)
			assert.Equal(t, tt.action, action)
			assert.Equal(t, tt.want, runner.calls)
		})
	}
}

func TestReconcileInvalidFirewallRule(t *testing.T) {
	runner := &fakeRunner{}
	host := NewHost(runner, Paths{})

	_, err := Reconcile(context.Background(), host.FirewallRule("", "CUSTOM", Rule{Jump: "ACCEPT"}), Present)
	assert.ErrorIs(t, err, ErrInvalidChain)
	assert.Empty(t, runner.calls)
}
