package network

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuleArgsOrder(t *testing.T) {
	// Fields set in reverse order still export in the fixed order.
	rule := Rule{}
	rule.Fragment = true
	rule.OutInterface = "br-uplink"
	rule.InInterface = "br-lab"
	rule.Goto = "LAB"
	rule.Jump = "ACCEPT"
	rule.Destination = "10.0.0.0/8"
	rule.Source = "192.168.1.0/24"
	rule.Protocol = "tcp"

	args, err := rule.Args()
	require.NoError(t, err)
	assert.Equal(t, []string{
		"--protocol", "tcp",
		"--source", "192.168.1.0/24",
		"--destination", "10.0.0.0/8",
		"--jump", "ACCEPT",
		"--goto", "LAB",
		"--in-interface", "br-lab",
		"--out-interface", "br-uplink",
		"--fragment",
	}, args)
}

func TestRuleProtocol(t *testing.T) {
	args, err := Rule{Jump: "MASQUERADE"}.Args()
	require.NoError(t, err)
	assert.NotContains(t, args, "--protocol")

	for _, proto := range []string{"tcp", "udp", "icmp", "all"} {
		_, err := Rule{Protocol: proto}.Args()
		assert.NoError(t, err, proto)
	}

	_, err = Rule{Protocol: "http"}.Args()
	assert.ErrorIs(t, err, ErrInvalidProtocol)
}

func TestIPTablesArgv(t *testing.T) {
	rule := Rule{Source: "10.0.0.0/24", OutInterface: "br-int", Jump: "MASQUERADE"}
	ruleArgs := []string{"--source", "10.0.0.0/24", "--jump", "MASQUERADE", "--out-interface", "br-int"}

	for _, chain := range []string{ChainInput, ChainOutput, ChainForward, ChainPrerouting, ChainPostrouting} {
		t.Run(chain, func(t *testing.T) {
			runner := &fakeRunner{responses: []runnerResponse{ok(""), ok(""), ok(""), ok("")}}
			fw := &IPTables{Runner: runner}
			ctx := context.Background()

			require.NoError(t, fw.Append(ctx, TableNAT, chain, rule))
			require.NoError(t, fw.Delete(ctx, "", chain, rule))
			exists, err := fw.Exists(ctx, TableNAT, chain, rule)
			require.NoError(t, err)
			assert.True(t, exists)

			want := [][]string{
				append([]string{"iptables", "-t", "nat", "-A", chain}, ruleArgs...),
				append([]string{"iptables", "-D", chain}, ruleArgs...),
				append([]string{"iptables", "-t", "nat", "-C", chain}, ruleArgs...),
			}
			assert.Equal(t, want, runner.calls)
		})
	}
}

func TestIPTablesInvalidChainRunsNothing(t *testing.T) {
	runner := &fakeRunner{}
	fw := &IPTables{Runner: runner}
	ctx := context.Background()

	assert.ErrorIs(t, fw.Append(ctx, "", "LAB-br0", Rule{Jump: "ACCEPT"}), ErrInvalidChain)
	assert.ErrorIs(t, fw.Delete(ctx, "", "forward", Rule{Jump: "ACCEPT"}), ErrInvalidChain)
	_, err := fw.Exists(ctx, "", "", Rule{Jump: "ACCEPT"})
	assert.ErrorIs(t, err, ErrInvalidChain)
	assert.Empty(t, runner.calls)
}

func TestIPTablesExistsNonzeroIsAbsent(t *testing.T) {
	runner := &fakeRunner{responses: []runnerResponse{exit(1), exit(2)}}
	fw := &IPTables{Runner: runner, Path: "/usr/sbin/iptables"}

	for i := 0; i < 2; i++ {
		exists, err := fw.Exists(context.Background(), "", ChainForward, Rule{Jump: "ACCEPT"})
		require.NoError(t, err)
		assert.False(t, exists)
	}
	assert.Equal(t, "/usr/sbin/iptables", runner.calls[0][0])
}
