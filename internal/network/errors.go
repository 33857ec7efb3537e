package network

import "errors"

var (
	// ErrInvalidChain is returned before any iptables call when the chain is not a built-in one.
	ErrInvalidChain = errors.New("invalid iptables chain")

	// ErrInvalidProtocol is returned when a firewall rule names a protocol outside tcp, udp, icmp and all.
	ErrInvalidProtocol = errors.New("invalid firewall protocol")

	// ErrInvalidSubnet is returned when a lab subnet cannot yield a usable host address.
	ErrInvalidSubnet = errors.New("invalid subnet")
)
