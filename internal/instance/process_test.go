package instance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProcessTable(t *testing.T) {
	out := "    1 /sbin/init\n" +
		"  742 qemu-system-x86_64 -name d1 -m 1024\n" +
		"\n" +
		"  pid garbage\n" +
		"  810\n" +
		"  915 websockify -D 0.0.0.0:6901 0.0.0.0:5901\n"
	procs := parseProcessTable(out)
	require.Len(t, procs, 3)
	assert.Equal(t, process{PID: 742, Args: "qemu-system-x86_64 -name d1 -m 1024"}, procs[1])
	assert.Equal(t, 915, procs[2].PID)
}

func TestKillMatching(t *testing.T) {
	h := newHarness(t)
	h.host.AddProcess("websockify -D 0.0.0.0:6902 0.0.0.0:5902")
	h.host.AddProcess("websockify -D 0.0.0.0:6901 0.0.0.0:5901")
	h.host.AddProcess("qemu-system-x86_64 -name d1")

	killed, err := h.mgr.killMatching(context.Background(), "websockify", "0.0.0.0:6901")
	require.NoError(t, err)
	assert.Equal(t, 1, killed)
	assert.Len(t, h.host.Processes(), 2)

	killed, err = h.mgr.killMatching(context.Background(), "no-such-process")
	require.NoError(t, err)
	assert.Zero(t, killed)
}
