// Package testing provides shared test utilities for the worker.
package testing

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/remotelabz/remotelabz-worker-sub000/internal/command"
)

// FakeHost is a command.Runner that models the host state the worker
// touches: links, addresses, routes, policy rules, OVS bridges and ports,
// iptables rules and the process table. File-producing tools (qemu-img
// create, cp) write real files so path checks behave as on a host.
type FakeHost struct {
	mu sync.Mutex

	links    map[string]string // name -> "up" | "down"
	addrs    map[string][]string
	routes   map[int][]string
	rules    []string
	bridges  map[string][]string
	ifaces   map[string][]string
	firewall []string
	procs    map[int]string
	nextPID  int

	failures []failure
	calls    [][]string
}

// RawImagePrefix marks a file that qemu-img info reports as raw. Anything
// else reads as qcow2.
const RawImagePrefix = "RAW"

type failure struct {
	prefix string
	res    command.Result
}

// NewFakeHost returns an empty host.
func NewFakeHost() *FakeHost {
	return &FakeHost{
		links:   make(map[string]string),
		addrs:   make(map[string][]string),
		routes:  make(map[int][]string),
		bridges: make(map[string][]string),
		ifaces:  make(map[string][]string),
		procs:   make(map[int]string),
		nextPID: 1000,
	}
}

// Fail makes every command whose joined argv starts with prefix exit with
// code and stderr instead of running.
func (h *FakeHost) Fail(prefix string, code int, stderr string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = append(h.failures, failure{prefix: prefix, res: command.Result{ExitCode: code, Stderr: stderr}})
}

// Calls returns a copy of every argv run so far.
func (h *FakeHost) Calls() [][]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([][]string, len(h.calls))
	for i, c := range h.calls {
		out[i] = append([]string(nil), c...)
	}
	return out
}

// CommandLines returns Calls joined with spaces.
func (h *FakeHost) CommandLines() []string {
	calls := h.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = strings.Join(c, " ")
	}
	return out
}

// CountPrefix counts recorded commands starting with prefix.
func (h *FakeHost) CountPrefix(prefix string) int {
	n := 0
	for _, line := range h.CommandLines() {
		if strings.HasPrefix(line, prefix) {
			n++
		}
	}
	return n
}

// AddLink registers a pre-existing kernel link, such as a physical NIC.
func (h *FakeHost) AddLink(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.links[name] = "down"
}

// AddBridge registers a pre-existing OVS bridge and its kernel link.
func (h *FakeHost) AddBridge(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, found := h.bridges[name]; !found {
		h.bridges[name] = nil
	}
	h.links[name] = "up"
}

// AddProcess registers a running process and returns its pid.
func (h *FakeHost) AddProcess(args string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.spawn(args)
}

func (h *FakeHost) LinkState(name string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	state, ok := h.links[name]
	return state, ok
}

func (h *FakeHost) HasBridge(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.bridges[name]
	return ok
}

func (h *FakeHost) Ports(bridge string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.bridges[bridge]...)
}

func (h *FakeHost) Addresses(dev string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.addrs[dev]...)
}

func (h *FakeHost) Routes(table int) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.routes[table]...)
}

func (h *FakeHost) Rules() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.rules...)
}

func (h *FakeHost) FirewallRules() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.firewall...)
}

// Processes returns the command lines of running processes, sorted.
func (h *FakeHost) Processes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.procs))
	for _, args := range h.procs {
		out = append(out, args)
	}
	sort.Strings(out)
	return out
}

// Run implements command.Runner.
func (h *FakeHost) Run(ctx context.Context, argv ...string) (command.Result, error) {
	if err := ctx.Err(); err != nil {
		return command.Result{}, err
	}
	if len(argv) == 0 {
		return command.Result{}, fmt.Errorf("empty command")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, append([]string(nil), argv...))

	line := strings.Join(argv, " ")
	for _, f := range h.failures {
		if strings.HasPrefix(line, f.prefix) {
			return f.res, nil
		}
	}

	tool := filepath.Base(argv[0])
	args := argv[1:]
	switch {
	case tool == "ip":
		return h.ip(args), nil
	case tool == "ovs-vsctl":
		return h.ovs(args), nil
	case tool == "iptables":
		return h.iptables(args), nil
	case tool == "ps":
		return h.ps(), nil
	case tool == "kill":
		return h.kill(args), nil
	case tool == "qemu-img":
		return h.qemuImg(args), nil
	case strings.HasPrefix(tool, "qemu-system-"), tool == "websockify":
		h.spawn(line)
		return ok(""), nil
	case tool == "cp":
		return h.cp(args), nil
	case tool == "scp":
		return ok(""), nil
	case tool == "systemctl":
		return ok("Active: active (running)\n"), nil
	}
	return exit(127, tool+": command not found"), nil
}

func ok(stdout string) command.Result {
	return command.Result{Stdout: stdout}
}

func exit(code int, stderr string) command.Result {
	return command.Result{ExitCode: code, Stderr: stderr}
}

func (h *FakeHost) spawn(args string) int {
	pid := h.nextPID
	h.nextPID++
	h.procs[pid] = args
	return pid
}

func (h *FakeHost) ip(args []string) command.Result {
	if len(args) < 2 {
		return exit(255, "usage")
	}
	switch args[0] + " " + args[1] {
	case "link show":
		name := args[len(args)-1]
		if _, found := h.links[name]; !found {
			return exit(1, fmt.Sprintf("Device %q does not exist.", name))
		}
		return ok(fmt.Sprintf("1: %s: <BROADCAST> state %s\n", name, strings.ToUpper(h.links[name])))
	case "link set":
		if len(args) < 4 {
			return exit(255, "usage")
		}
		if _, found := h.links[args[2]]; !found {
			return exit(1, "Cannot find device "+args[2])
		}
		h.links[args[2]] = args[3]
	case "link delete":
		if _, found := h.links[args[2]]; !found {
			return exit(1, "Cannot find device "+args[2])
		}
		delete(h.links, args[2])
		delete(h.addrs, args[2])
	case "tuntap add":
		if _, found := h.links[args[2]]; found {
			return exit(1, "ioctl(TUNSETIFF): Device or resource busy")
		}
		h.links[args[2]] = "down"
	case "addr add":
		addr, dev := args[2], args[4]
		if _, found := h.links[dev]; !found {
			return exit(1, "Cannot find device "+dev)
		}
		if indexOf(h.addrs[dev], addr) >= 0 {
			return exit(2, "RTNETLINK answers: File exists")
		}
		h.addrs[dev] = append(h.addrs[dev], addr)
	case "addr del":
		addr, dev := args[2], args[4]
		i := indexOf(h.addrs[dev], addr)
		if i < 0 {
			return exit(2, "RTNETLINK answers: Cannot assign requested address")
		}
		h.addrs[dev] = append(h.addrs[dev][:i], h.addrs[dev][i+1:]...)
	case "addr show":
		var b strings.Builder
		devs := []string{}
		if len(args) == 4 {
			if _, found := h.links[args[3]]; !found {
				return exit(1, fmt.Sprintf("Device %q does not exist.", args[3]))
			}
			devs = append(devs, args[3])
		} else {
			for dev := range h.addrs {
				devs = append(devs, dev)
			}
			sort.Strings(devs)
		}
		for _, dev := range devs {
			fmt.Fprintf(&b, "2: %s: <BROADCAST,UP>\n", dev)
			for _, a := range h.addrs[dev] {
				fmt.Fprintf(&b, "    inet %s scope global %s\n", a, dev)
			}
		}
		return ok(b.String())
	case "route add", "route del", "route show":
		return h.route(args)
	case "rule add":
		rule := strings.Join(args[2:], " ")
		h.rules = append(h.rules, rule)
	case "rule del":
		rule := strings.Join(args[2:], " ")
		i := indexOf(h.rules, rule)
		if i < 0 {
			return exit(2, "RTNETLINK answers: No such file or directory")
		}
		h.rules = append(h.rules[:i], h.rules[i+1:]...)
	case "rule show":
		var b strings.Builder
		b.WriteString("0:\tfrom all lookup local\n")
		for i, r := range h.rules {
			fmt.Fprintf(&b, "%d:\t%s\n", 32000+i, r)
		}
		b.WriteString("32766:\tfrom all lookup main\n")
		return ok(b.String())
	default:
		return exit(255, "unsupported ip command")
	}
	return ok("")
}

func (h *FakeHost) route(args []string) command.Result {
	fields := args[2:]
	table := 254
	if n := len(fields); n >= 2 && fields[n-2] == "table" {
		t, err := strconv.Atoi(fields[n-1])
		if err != nil {
			return exit(255, "invalid table")
		}
		table = t
		fields = fields[:n-2]
	}
	route := strings.Join(fields, " ")
	switch args[1] {
	case "add":
		if indexOf(h.routes[table], route) >= 0 {
			return exit(2, "RTNETLINK answers: File exists")
		}
		h.routes[table] = append(h.routes[table], route)
	case "del":
		i := indexOf(h.routes[table], route)
		if i < 0 {
			return exit(2, "RTNETLINK answers: No such process")
		}
		h.routes[table] = append(h.routes[table][:i], h.routes[table][i+1:]...)
	case "show":
		return ok(strings.Join(h.routes[table], "\n"))
	}
	return ok("")
}

func (h *FakeHost) ovs(args []string) command.Result {
	var mayExist, ifExists, withIface bool
	for len(args) > 0 && strings.HasPrefix(args[0], "--") {
		switch args[0] {
		case "--may-exist":
			mayExist = true
		case "--if-exists":
			ifExists = true
		case "--with-iface":
			withIface = true
		}
		args = args[1:]
	}
	if len(args) < 2 {
		return exit(1, "ovs-vsctl: missing command")
	}
	switch args[0] {
	case "add-br":
		br := args[1]
		if _, found := h.bridges[br]; found {
			if mayExist {
				return ok("")
			}
			return exit(1, "ovs-vsctl: cannot create a bridge named "+br+" because a bridge named "+br+" already exists")
		}
		h.bridges[br] = nil
		h.links[br] = "down"
	case "del-br":
		br := args[1]
		ports, found := h.bridges[br]
		if !found {
			if ifExists {
				return ok("")
			}
			return exit(1, "ovs-vsctl: no bridge named "+br)
		}
		for _, p := range ports {
			delete(h.ifaces, p)
		}
		delete(h.bridges, br)
		delete(h.links, br)
		delete(h.addrs, br)
	case "br-exists":
		if _, found := h.bridges[args[1]]; !found {
			return exit(2, "")
		}
	case "add-port":
		if len(args) < 3 {
			return exit(1, "ovs-vsctl: 'add-port' command requires at least 2 arguments")
		}
		br, port := args[1], args[2]
		if _, found := h.bridges[br]; !found {
			return exit(1, "ovs-vsctl: no bridge named "+br)
		}
		if indexOf(h.bridges[br], port) >= 0 {
			if mayExist {
				return ok("")
			}
			return exit(1, "ovs-vsctl: cannot create a port named "+port+" because a port named "+port+" already exists on bridge "+br)
		}
		h.bridges[br] = append(h.bridges[br], port)
	case "del-port":
		if len(args) < 3 {
			return exit(1, "ovs-vsctl: 'del-port' command requires at least 2 arguments")
		}
		br, port := args[1], args[2]
		i := indexOf(h.bridges[br], port)
		if i < 0 {
			if ifExists {
				return ok("")
			}
			return exit(1, "ovs-vsctl: no port named "+port)
		}
		h.bridges[br] = append(h.bridges[br][:i], h.bridges[br][i+1:]...)
		delete(h.ifaces, port)
		if withIface {
			delete(h.links, port)
			delete(h.addrs, port)
		}
	case "list-ports":
		ports, found := h.bridges[args[1]]
		if !found {
			return exit(1, "ovs-vsctl: no bridge named "+args[1])
		}
		sorted := append([]string(nil), ports...)
		sort.Strings(sorted)
		return ok(strings.Join(sorted, "\n") + "\n")
	case "set":
		if len(args) < 3 || args[1] != "interface" {
			return exit(1, "ovs-vsctl: unsupported set")
		}
		h.ifaces[args[2]] = append([]string(nil), args[3:]...)
	default:
		return exit(1, "ovs-vsctl: unknown command '"+args[0]+"'")
	}
	return ok("")
}

func (h *FakeHost) iptables(args []string) command.Result {
	table := "filter"
	if len(args) >= 2 && args[0] == "-t" {
		table, args = args[1], args[2:]
	}
	if len(args) < 2 {
		return exit(2, "iptables: bad arguments")
	}
	flag := args[0]
	key := table + " " + strings.Join(args[1:], " ")
	i := indexOf(h.firewall, key)
	switch flag {
	case "-A":
		h.firewall = append(h.firewall, key)
	case "-D":
		if i < 0 {
			return exit(1, "iptables: Bad rule (does a matching rule exist in that chain?).")
		}
		h.firewall = append(h.firewall[:i], h.firewall[i+1:]...)
	case "-C":
		if i < 0 {
			return exit(1, "iptables: Bad rule (does a matching rule exist in that chain?).")
		}
	default:
		return exit(2, "iptables: unknown flag "+flag)
	}
	return ok("")
}

func (h *FakeHost) ps() command.Result {
	pids := make([]int, 0, len(h.procs))
	for pid := range h.procs {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	var b strings.Builder
	for _, pid := range pids {
		fmt.Fprintf(&b, "%7d %s\n", pid, h.procs[pid])
	}
	return ok(b.String())
}

func (h *FakeHost) kill(args []string) command.Result {
	if len(args) == 0 {
		return exit(2, "kill: usage")
	}
	pid, err := strconv.Atoi(args[len(args)-1])
	if err != nil {
		return exit(1, "kill: invalid pid")
	}
	if _, found := h.procs[pid]; !found {
		return exit(1, fmt.Sprintf("kill: (%d) - No such process", pid))
	}
	delete(h.procs, pid)
	return ok("")
}

func (h *FakeHost) qemuImg(args []string) command.Result {
	if len(args) == 0 {
		return exit(1, "qemu-img: missing command")
	}
	switch args[0] {
	case "create":
		target := args[len(args)-1]
		if err := os.WriteFile(target, []byte("qcow2 overlay"), 0o640); err != nil {
			return exit(1, "qemu-img: "+err.Error())
		}
	case "rebase", "commit":
		target := args[len(args)-1]
		if _, err := os.Stat(target); err != nil {
			return exit(1, "qemu-img: Could not open '"+target+"'")
		}
	case "info":
		target := args[len(args)-1]
		data, err := os.ReadFile(target)
		if err != nil {
			return exit(1, "qemu-img: Could not open '"+target+"'")
		}
		format := "qcow2"
		if strings.HasPrefix(string(data), RawImagePrefix) {
			format = "raw"
		}
		return ok(fmt.Sprintf(`{"filename": %q, "format": %q}`, target, format))
	default:
		return exit(1, "qemu-img: unknown command "+args[0])
	}
	return ok("")
}

func (h *FakeHost) cp(args []string) command.Result {
	if len(args) != 2 {
		return exit(1, "cp: usage")
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return exit(1, "cp: cannot stat '"+args[0]+"': No such file or directory")
	}
	if err := os.WriteFile(args[1], data, 0o640); err != nil {
		return exit(1, "cp: "+err.Error())
	}
	return ok("")
}

func indexOf(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}
