package network

import (
	"context"
	"fmt"

	"github.com/remotelabz/remotelabz-worker-sub000/internal/command"
)

// Built-in chains accepted by IPTables.
const (
	ChainInput       = "INPUT"
	ChainOutput      = "OUTPUT"
	ChainForward     = "FORWARD"
	ChainPrerouting  = "PREROUTING"
	ChainPostrouting = "POSTROUTING"
)

const TableNAT = "nat"

var validChains = map[string]bool{
	ChainInput:       true,
	ChainOutput:      true,
	ChainForward:     true,
	ChainPrerouting:  true,
	ChainPostrouting: true,
}

var validProtocols = map[string]bool{
	"tcp":  true,
	"udp":  true,
	"icmp": true,
	"all":  true,
}

// Rule is a firewall match/target. Zero fields are omitted on export.
type Rule struct {
	Protocol     string
	Source       string
	Destination  string
	Jump         string
	Goto         string
	InInterface  string
	OutInterface string
	Fragment     bool
}

// Validate checks the protocol invariant.
func (r Rule) Validate() error {
	if r.Protocol != "" && !validProtocols[r.Protocol] {
		return fmt.Errorf("%w: %q", ErrInvalidProtocol, r.Protocol)
	}
	return nil
}

// Args exports the rule in fixed order: protocol, source, destination, jump,
// goto, in-interface, out-interface, fragment.
func (r Rule) Args() ([]string, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	var args []string
	add := func(flag, value string) {
		if value != "" {
			args = append(args, flag, value)
		}
	}
	add("--protocol", r.Protocol)
	add("--source", r.Source)
	add("--destination", r.Destination)
	add("--jump", r.Jump)
	add("--goto", r.Goto)
	add("--in-interface", r.InInterface)
	add("--out-interface", r.OutInterface)
	if r.Fragment {
		args = append(args, "--fragment")
	}
	return args, nil
}

// ValidateChain rejects anything but the five built-in chains.
func ValidateChain(chain string) error {
	if !validChains[chain] {
		return fmt.Errorf("%w: %q", ErrInvalidChain, chain)
	}
	return nil
}

// IPTables drives iptables. Table may be empty to use the filter table.
type IPTables struct {
	Runner command.Runner // defaults to command.ExecRunner
	Path   string         // defaults to "iptables"
}

func (t *IPTables) Append(ctx context.Context, table, chain string, rule Rule) error {
	argv, err := t.build(table, "-A", chain, rule)
	if err != nil {
		return err
	}
	_, err = command.RunStrict(ctx, t.runner(), argv...)
	return err
}

func (t *IPTables) Delete(ctx context.Context, table, chain string, rule Rule) error {
	argv, err := t.build(table, "-D", chain, rule)
	if err != nil {
		return err
	}
	_, err = command.RunStrict(ctx, t.runner(), argv...)
	return err
}

// Exists runs a check (-C). Any nonzero exit reads as absent; only an
// invalid chain or rule returns an error, and it does so without running
// anything.
func (t *IPTables) Exists(ctx context.Context, table, chain string, rule Rule) (bool, error) {
	argv, err := t.build(table, "-C", chain, rule)
	if err != nil {
		return false, err
	}
	res, err := t.runner().Run(ctx, argv...)
	if err != nil {
		return false, nil
	}
	return res.Success(), nil
}

func (t *IPTables) build(table, flag, chain string, rule Rule) ([]string, error) {
	if err := ValidateChain(chain); err != nil {
		return nil, err
	}
	ruleArgs, err := rule.Args()
	if err != nil {
		return nil, err
	}
	argv := []string{t.path()}
	if table != "" {
		argv = append(argv, "-t", table)
	}
	argv = append(argv, flag, chain)
	return append(argv, ruleArgs...), nil
}

func (t *IPTables) path() string {
	if t.Path == "" {
		return "iptables"
	}
	return t.Path
}

func (t *IPTables) runner() command.Runner {
	if t.Runner == nil {
		return command.ExecRunner{}
	}
	return t.Runner
}
