package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remotelabz/remotelabz-worker-sub000/internal/instance"
	"github.com/remotelabz/remotelabz-worker-sub000/internal/models"
	"github.com/remotelabz/remotelabz-worker-sub000/internal/network"
	testutil "github.com/remotelabz/remotelabz-worker-sub000/internal/testing"
)

type recordingPublisher struct {
	mu      sync.Mutex
	reports []models.OutcomeReport
	err     error
}

func (p *recordingPublisher) Publish(ctx context.Context, report models.OutcomeReport) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reports = append(p.reports, report)
	return p.err
}

type fixture struct {
	dispatcher *Dispatcher
	host       *testutil.FakeHost
	pub        *recordingPublisher
	metrics    *Metrics
	hook       *logtest.Hook
	imagesDir  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	host := testutil.NewFakeHost()
	host.AddBridge("br-int")
	logger, hook := logtest.NewNullLogger()
	cfg := instance.Config{
		ImagesDir:     filepath.Join(root, "images"),
		InstancesDir:  filepath.Join(root, "instances"),
		LabCIDR:       "10.10.0.0/16",
		DataCIDR:      "192.168.0.0/24",
		UplinkBridge:  "br-int",
		UplinkGateway: "192.0.2.1",
		QEMUBinary:    "qemu-system-x86_64",
	}
	mgr := instance.NewManager(cfg, host, network.NewHost(host, network.Paths{}), logger)
	pub := &recordingPublisher{}
	metrics := NewMetrics()
	return &fixture{
		dispatcher: New(mgr, pub, logger, metrics),
		host:       host,
		pub:        pub,
		metrics:    metrics,
		hook:       hook,
		imagesDir:  cfg.ImagesDir,
	}
}

func request(t *testing.T, action models.Action, id string, descriptor any) models.ActionRequest {
	return models.ActionRequest{Action: action, UUID: id, Content: testutil.MustJSON(t, descriptor)}
}

func startableLab() *models.Lab {
	return testutil.NewTestLab(testutil.NewTestDevice(testutil.DeviceUUID, "debian.qcow2",
		testutil.NewTestNIC(testutil.NICUUID, "eth0", "52:54:00:00:00:01", 5901)))
}

func TestKind(t *testing.T) {
	for _, a := range []models.Action{models.ActionCreate, models.ActionDelete, models.ActionConnect, models.ActionExportLab} {
		assert.Equal(t, models.KindLab, Kind(a), a)
	}
	for _, a := range []models.Action{models.ActionStart, models.ActionStop, models.ActionReset, models.ActionExportDevice, models.ActionDeleteDevice, models.ActionDeleteOS} {
		assert.Equal(t, models.KindDevice, Kind(a), a)
	}
}

func TestHandleSuccess(t *testing.T) {
	f := newFixture(t)
	lab := testutil.NewTestLab()

	require.NoError(t, f.dispatcher.Handle(context.Background(), request(t, models.ActionCreate, lab.UUID, lab)))
	require.Len(t, f.pub.reports, 1)
	assert.Equal(t, models.OutcomeReport{State: models.StateCreated, UUID: lab.UUID, Type: models.KindLab}, f.pub.reports[0])
	assert.True(t, f.host.HasBridge(testutil.BridgeName))
	assert.Equal(t, float64(1), promtest.ToFloat64(f.metrics.actionsTotal.WithLabelValues("create", "created")))
}

func TestHandleProcessFailureYieldsOneErrorReport(t *testing.T) {
	tests := []struct {
		name   string
		action models.Action
		id     string
		fail   string
		lab    func() *models.Lab
	}{
		{"create", models.ActionCreate, testutil.LabUUID, "ovs-vsctl", func() *models.Lab { return testutil.NewTestLab() }},
		{"start", models.ActionStart, testutil.DeviceUUID, "qemu-system-x86_64", startableLab},
		{"connect", models.ActionConnect, testutil.LabUUID, "iptables", func() *models.Lab { return testutil.NewTestLab() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			testutil.TempFile(t, f.imagesDir, "debian.qcow2", "base")
			f.host.Fail(tt.fail, 1, "simulated failure")
			if tt.action == models.ActionConnect {
				f.host.AddBridge(testutil.BridgeName)
			}

			require.NoError(t, f.dispatcher.Handle(context.Background(), request(t, tt.action, tt.id, tt.lab())))
			require.Len(t, f.pub.reports, 1)
			report := f.pub.reports[0]
			assert.Equal(t, models.StateError, report.State)
			assert.Equal(t, tt.id, report.UUID)
			assert.Equal(t, string(tt.action), report.Options["state"])

			var logged bool
			for _, entry := range f.hook.AllEntries() {
				if entry.Message == "action failed" {
					logged = true
					assert.Contains(t, entry.Data["command"], tt.fail)
					assert.Equal(t, 1, entry.Data["exit_code"])
					assert.Equal(t, "simulated failure", entry.Data["stderr"])
				}
			}
			assert.True(t, logged)
		})
	}
}

func TestHandleBadDescriptor(t *testing.T) {
	f := newFixture(t)
	req := models.ActionRequest{Action: models.ActionStart, UUID: testutil.DeviceUUID, Content: []byte(`"not an object"`)}

	require.NoError(t, f.dispatcher.Handle(context.Background(), req))
	require.Len(t, f.pub.reports, 1)
	assert.Equal(t, models.StateError, f.pub.reports[0].State)
	assert.Equal(t, models.KindDevice, f.pub.reports[0].Type)
	assert.Empty(t, f.host.Calls())
}

func TestHandleUnknownAction(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.dispatcher.Handle(context.Background(), models.ActionRequest{Action: "reboot", UUID: "x"}))
	require.Len(t, f.pub.reports, 1)
	assert.Equal(t, models.StateError, f.pub.reports[0].State)
	assert.Equal(t, "reboot", f.pub.reports[0].Options["state"])
	assert.Equal(t, float64(1), promtest.ToFloat64(f.metrics.actionsTotal.WithLabelValues("unknown", "error")))
}

func TestHandleRecoversPanic(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.WithOperation(models.ActionStop, func(ctx context.Context, descriptor []byte, id string) (instance.Result, error) {
		panic("boom")
	})

	require.NoError(t, f.dispatcher.Handle(context.Background(), request(t, models.ActionStop, testutil.DeviceUUID, startableLab())))
	require.Len(t, f.pub.reports, 1)
	assert.Equal(t, models.StateError, f.pub.reports[0].State)
	assert.Equal(t, "stop", f.pub.reports[0].Options["state"])
}

func TestHandleMergesOperationOptions(t *testing.T) {
	f := newFixture(t)
	lab := testutil.NewTestLab(testutil.NewTestDevice(testutil.DeviceUUID, "debian.qcow2"))
	lab.DeviceInstances[0].State = models.DeviceExporting
	lab.NewOSImageName = "custom.qcow2"
	lab.NewOSName = "custom"

	require.NoError(t, f.dispatcher.Handle(context.Background(), request(t, models.ActionExportDevice, testutil.DeviceUUID, lab)))
	require.Len(t, f.pub.reports, 1)
	report := f.pub.reports[0]
	assert.Equal(t, models.StateError, report.State)
	assert.Equal(t, "export-device", report.Options["state"])
	assert.Equal(t, "custom.qcow2", report.Options["new_os_imagename"])
	assert.Equal(t, "custom", report.Options["new_os_name"])
}

func TestHandlePhysicalStart(t *testing.T) {
	f := newFixture(t)
	f.host.AddLink("enp3s0")
	virtuality := 0
	lab := testutil.NewTestLab(models.DeviceInstance{
		UUID:   testutil.DeviceUUID,
		State:  models.DeviceStopped,
		Device: models.Device{Name: "switch", Virtuality: &virtuality},
		NetworkInterfaceInstances: []models.NetworkInterfaceInstance{
			{NetworkInterface: models.NetworkInterface{Name: "enp3s0"}},
		},
	})

	require.NoError(t, f.dispatcher.Handle(context.Background(), request(t, models.ActionStart, testutil.DeviceUUID, lab)))
	require.Len(t, f.pub.reports, 1)
	assert.Equal(t, models.StateStarted, f.pub.reports[0].State)
	assert.Equal(t, []string{"enp3s0"}, f.host.Ports(testutil.BridgeName))
}

func TestHandlePublishFailure(t *testing.T) {
	f := newFixture(t)
	f.pub.err = errors.New("bus down")
	lab := testutil.NewTestLab()

	err := f.dispatcher.Handle(context.Background(), request(t, models.ActionCreate, lab.UUID, lab))
	require.Error(t, err)
	assert.Len(t, f.pub.reports, 1)
	assert.Equal(t, float64(1), promtest.ToFloat64(f.metrics.publishFailuresTotal))
}
