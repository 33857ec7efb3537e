// Package instance realizes lab and device descriptors on the host: OVS
// bridges, tap interfaces, policy routing, NAT and hypervisor processes.
//
// The manager keeps no state between calls. Every operation decodes its
// descriptor, probes the host and converges it.
package instance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/remotelabz/remotelabz-worker-sub000/internal/command"
	"github.com/remotelabz/remotelabz-worker-sub000/internal/models"
	"github.com/remotelabz/remotelabz-worker-sub000/internal/network"
)

var (
	ErrUnsupportedHypervisor = errors.New("unsupported hypervisor")
	ErrOverlayMissing        = errors.New("device overlay missing; start the device at least once")
	ErrDownloadIncomplete    = errors.New("image download incomplete")
	ErrImageMissing          = errors.New("base image missing")
	ErrNotExporting          = errors.New("device is not in exporting state")
	ErrUplinkGateway         = errors.New("uplink gateway is not configured")
)

const (
	dirPerms       = 0o750
	downloadChunk  = 1 << 20
	vncBasePort    = 5900
	proxyPortShift = 1000
	anyAddress     = "0.0.0.0"
)

// Config carries the host layout the manager needs.
type Config struct {
	ImagesDir    string
	InstancesDir string

	LabCIDR       string
	DataCIDR      string
	UplinkBridge  string
	UplinkGateway string
	RoutingTable  int

	QEMUBinary     string
	QEMUImgPath    string
	WebsockifyPath string
	Keymap         string

	ProxyWSS  bool
	ProxyCert string
	ProxyKey  string

	CopyUser            string
	CopyIdentityFile    string
	CopyRemoteImagesDir string
}

// Result is the success shape of every operation.
type Result struct {
	State   models.State
	Options map[string]any
}

// OperationError is a failure that carries outcome options for the caller.
type OperationError struct {
	Err     error
	Options map[string]any
}

func (e *OperationError) Error() string { return e.Err.Error() }

func (e *OperationError) Unwrap() error { return e.Err }

// Operation is the uniform signature the dispatcher calls.
type Operation func(ctx context.Context, descriptor []byte, id string) (Result, error)

// Manager drives the host through a command runner.
type Manager struct {
	cfg        Config
	runner     command.Runner
	host       *network.Host
	logger     logrus.FieldLogger
	httpClient *http.Client
}

func NewManager(cfg Config, runner command.Runner, host *network.Host, logger logrus.FieldLogger) *Manager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.RoutingTable == 0 {
		cfg.RoutingTable = 4
	}
	if cfg.Keymap == "" {
		cfg.Keymap = "fr"
	}
	return &Manager{
		cfg:        cfg,
		runner:     runner,
		host:       host,
		logger:     logger,
		httpClient: &http.Client{Timeout: 0},
	}
}

// WithHTTPClient swaps the client used for image downloads.
func (m *Manager) WithHTTPClient(client *http.Client) *Manager {
	if m == nil || client == nil {
		return m
	}
	m.httpClient = client
	return m
}

// Host exposes the tool wrappers the manager uses.
func (m *Manager) Host() *network.Host {
	return m.host
}

func (m *Manager) run(ctx context.Context, argv ...string) (command.Result, error) {
	m.logger.WithField("command", argv).Debug("running command")
	return command.RunStrict(ctx, m.runner, argv...)
}

func (m *Manager) reconcile(ctx context.Context, r network.Resource, desired network.State) error {
	action, err := network.Reconcile(ctx, r, desired)
	if err != nil {
		return err
	}
	if action != network.NoAction {
		m.logger.WithFields(logrus.Fields{"resource": r.String(), "action": action.String()}).Debug("reconciled host resource")
	}
	return nil
}

// labDir is instances/{user|group}/<owner>/<lab>.
func (m *Manager) labDir(lab *models.Lab) string {
	kind := models.OwnedByUser
	if lab.OwnedBy == models.OwnedByGroup {
		kind = models.OwnedByGroup
	}
	return filepath.Join(m.cfg.InstancesDir, kind, lab.Owner.UUID, lab.UUID)
}

func (m *Manager) deviceDir(lab *models.Lab, deviceUUID string) string {
	return filepath.Join(m.labDir(lab), deviceUUID)
}

func (m *Manager) qemuBinary() string {
	if m.cfg.QEMUBinary != "" {
		return m.cfg.QEMUBinary
	}
	arch := runtime.GOARCH
	switch arch {
	case "amd64":
		arch = "x86_64"
	case "arm64":
		arch = "aarch64"
	case "386":
		arch = "i386"
	}
	return "qemu-system-" + arch
}

func (m *Manager) qemuImg() string {
	if m.cfg.QEMUImgPath != "" {
		return m.cfg.QEMUImgPath
	}
	return "qemu-img"
}

func (m *Manager) websockify() string {
	if m.cfg.WebsockifyPath != "" {
		return m.cfg.WebsockifyPath
	}
	return "websockify"
}

func ensureDir(path string) error {
	if err := os.MkdirAll(path, dirPerms); err != nil {
		return fmt.Errorf("create dir %s: %w", path, err)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func since(start time.Time) string {
	return time.Since(start).Round(time.Millisecond).String()
}
