package network

import (
	"context"
	"reflect"
	"testing"
)

func TestOVSBridgeAndPortFlags(t *testing.T) {
	runner := &fakeRunner{responses: []runnerResponse{ok(""), ok(""), ok(""), ok(""), ok(""), ok(""), ok("")}}
	ovs := &OVS{Runner: runner}
	ctx := context.Background()

	_ = ovs.AddBridge(ctx, "br-lab", true)
	_ = ovs.AddBridge(ctx, "br-lab", false)
	_ = ovs.DeleteBridge(ctx, "br-lab", true)
	_ = ovs.AddPort(ctx, "br-lab", "eth0-1234abcd", true)
	_ = ovs.DeletePort(ctx, "br-lab", "eth0-1234abcd", true, true)
	_ = ovs.DeletePort(ctx, "br-lab", "eno2", false, false)
	_ = ovs.SetInterface(ctx, "Patch-ovs-br-lab", "type=patch", "options:peer=Patch-ovs-br-int")

	want := [][]string{
		{"ovs-vsctl", "--may-exist", "add-br", "br-lab"},
		{"ovs-vsctl", "add-br", "br-lab"},
		{"ovs-vsctl", "--if-exists", "del-br", "br-lab"},
		{"ovs-vsctl", "--may-exist", "add-port", "br-lab", "eth0-1234abcd"},
		{"ovs-vsctl", "--if-exists", "--with-iface", "del-port", "br-lab", "eth0-1234abcd"},
		{"ovs-vsctl", "del-port", "br-lab", "eno2"},
		{"ovs-vsctl", "set", "interface", "Patch-ovs-br-lab", "type=patch", "options:peer=Patch-ovs-br-int"},
	}
	if !reflect.DeepEqual(runner.calls, want) {
		t.Fatalf("calls = %#v, want %#v", runner.calls, want)
	}
}

func TestOVSLinkTwoSwitches(t *testing.T) {
	runner := &fakeRunner{responses: []runnerResponse{ok(""), ok(""), ok(""), ok("")}}
	ovs := &OVS{Runner: runner}

	if err := ovs.LinkTwoSwitches(context.Background(), "br-lab", "br-int"); err != nil {
		t.Fatalf("LinkTwoSwitches() error = %v", err)
	}

	want := [][]string{
		{"ovs-vsctl", "--may-exist", "add-port", "br-lab", "Patch-ovs-br-lab"},
		{"ovs-vsctl", "set", "interface", "Patch-ovs-br-lab", "type=patch", "options:peer=Patch-ovs-br-int"},
		{"ovs-vsctl", "--may-exist", "add-port", "br-int", "Patch-ovs-br-int"},
		{"ovs-vsctl", "set", "interface", "Patch-ovs-br-int", "type=patch", "options:peer=Patch-ovs-br-lab"},
	}
	if !reflect.DeepEqual(runner.calls, want) {
		t.Fatalf("calls = %#v, want %#v", runner.calls, want)
	}
}

func TestOVSUnlinkTwoSwitchesProbesFirst(t *testing.T) {
	runner := &fakeRunner{responses: []runnerResponse{
		ok("Patch-ovs-br-int\neno1\n"),
		ok(""),
		exit(1),
	}}
	ovs := &OVS{Runner: runner}

	if err := ovs.UnlinkTwoSwitches(context.Background(), "br-lab", "br-int"); err != nil {
		t.Fatalf("UnlinkTwoSwitches() error = %v", err)
	}

	want := [][]string{
		{"ovs-vsctl", "list-ports", "br-int"},
		{"ovs-vsctl", "--if-exists", "--with-iface", "del-port", "br-int", "Patch-ovs-br-int"},
		{"ovs-vsctl", "list-ports", "br-lab"},
	}
	if !reflect.DeepEqual(runner.calls, want) {
		t.Fatalf("calls = %#v, want %#v", runner.calls, want)
	}
}

func TestOVSListPorts(t *testing.T) {
	runner := &fakeRunner{responses: []runnerResponse{ok("a\nb\n\n"), ok("")}}
	ovs := &OVS{Runner: runner, Path: "/usr/bin/ovs-vsctl"}

	ports, err := ovs.ListPorts(context.Background(), "br0")
	if err != nil {
		t.Fatalf("ListPorts() error = %v", err)
	}
	if !reflect.DeepEqual(ports, []string{"a", "b"}) {
		t.Fatalf("ports = %#v", ports)
	}
	if !ovs.BridgeExists(context.Background(), "br0") {
		t.Fatal("BridgeExists() = false")
	}
	if runner.calls[1][0] != "/usr/bin/ovs-vsctl" || runner.calls[1][1] != "br-exists" {
		t.Fatalf("br-exists argv = %#v", runner.calls[1])
	}
}
