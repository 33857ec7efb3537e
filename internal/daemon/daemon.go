// Package daemon wires the worker together: the bus consumer feeding the
// dispatcher, and the local HTTP surface.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/remotelabz/remotelabz-worker-sub000/internal/buildinfo"
	"github.com/remotelabz/remotelabz-worker-sub000/internal/bus"
	"github.com/remotelabz/remotelabz-worker-sub000/internal/command"
	"github.com/remotelabz/remotelabz-worker-sub000/internal/config"
	"github.com/remotelabz/remotelabz-worker-sub000/internal/dispatch"
	"github.com/remotelabz/remotelabz-worker-sub000/internal/instance"
	"github.com/remotelabz/remotelabz-worker-sub000/internal/network"
)

const (
	shutdownTimeout = 5 * time.Second
	dataDirPerms    = 0o750
)

// Consumer feeds decoded requests to a handler until ctx is done.
type Consumer interface {
	Consume(ctx context.Context, h bus.Handler) error
}

// Service runs the bus consumer and the HTTP listener side by side.
type Service struct {
	consumer Consumer
	handler  bus.Handler
	listener net.Listener
	server   *http.Server
	logger   logrus.FieldLogger
}

// Run connects to the bus, binds the HTTP listener and serves until ctx is
// canceled.
func Run(ctx context.Context, cfg config.Config, logger logrus.FieldLogger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	for _, dir := range []string{cfg.ImagesDir(), cfg.InstancesDir()} {
		if err := ensureDir(dir, dataDirPerms); err != nil {
			return err
		}
	}

	runner := command.ExecRunner{}
	host := network.NewHost(runner, network.Paths{
		IP:       cfg.IPPath,
		OVS:      cfg.OVSVsctlPath,
		IPTables: cfg.IPTablesPath,
	})
	mgr := instance.NewManager(ManagerConfig(cfg), runner, host, logger.WithField("component", "instance"))
	metrics := dispatch.NewMetrics()

	nc, err := bus.Connect(cfg.NATSURL, buildinfo.ClientName(cfg.WorkerName), logger)
	if err != nil {
		return err
	}
	defer nc.Close()
	b := bus.New(nc, BusConfig(cfg), logger.WithField("component", "bus"), metrics)
	dispatcher := dispatch.New(mgr, b, logger.WithField("component", "dispatch"), metrics)
	api := NewAPI(OperationsFor(mgr), runner, host, metrics.Handler(), cfg.ServiceName, cfg.LabInterface, logger.WithField("component", "http"))

	service, err := NewService(b, dispatcher, cfg.HTTPListen, api.Routes(), logger)
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"worker":  cfg.WorkerName,
		"nats":    nc.ConnectedUrl(),
		"workers": cfg.Workers,
	}).Info("worker started")
	serveErr := service.Serve(ctx)
	if err := nc.FlushTimeout(shutdownTimeout); err != nil {
		logger.WithError(err).Warn("flush pending outcomes")
	}
	return serveErr
}

// ManagerConfig maps worker settings onto the orchestrator.
func ManagerConfig(cfg config.Config) instance.Config {
	return instance.Config{
		ImagesDir:           cfg.ImagesDir(),
		InstancesDir:        cfg.InstancesDir(),
		LabCIDR:             cfg.LabCIDR,
		DataCIDR:            cfg.DataCIDR,
		UplinkBridge:        cfg.UplinkBridge,
		UplinkGateway:       cfg.UplinkGateway,
		RoutingTable:        cfg.RoutingTable,
		QEMUBinary:          cfg.QEMUBinary,
		QEMUImgPath:         cfg.QEMUImgPath,
		WebsockifyPath:      cfg.WebsockifyPath,
		Keymap:              cfg.Keymap,
		ProxyWSS:            cfg.ProxyWSS,
		ProxyCert:           cfg.ProxyCert,
		ProxyKey:            cfg.ProxyKey,
		CopyUser:            cfg.CopyUser,
		CopyIdentityFile:    cfg.CopyIdentityFile,
		CopyRemoteImagesDir: cfg.CopyRemoteImagesDir,
	}
}

func BusConfig(cfg config.Config) bus.Config {
	return bus.Config{
		ActionSubject:    cfg.ActionSubject,
		StateSubject:     cfg.StateSubject,
		HandshakeSubject: cfg.HandshakeSubject,
		QueueGroup:       cfg.QueueGroup,
		Workers:          cfg.Workers,
		WorkerName:       cfg.WorkerName,
		Version:          buildinfo.Version,
	}
}

// NewService binds the HTTP listener. An empty listen address disables HTTP.
func NewService(consumer Consumer, handler bus.Handler, listen string, routes http.Handler, logger logrus.FieldLogger) (*Service, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Service{consumer: consumer, handler: handler, logger: logger}
	if listen == "" {
		return s, nil
	}
	listener, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, fmt.Errorf("listen http %s: %w", listen, err)
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           routes,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	return s, nil
}

// Addr is the bound HTTP address, or nil when HTTP is disabled.
func (s *Service) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve blocks until ctx is canceled or either side fails. Requests already
// being handled run to completion before Serve returns.
func (s *Service) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	remaining := 1
	go func() {
		if err := s.consumer.Consume(ctx, s.handler); err != nil {
			errCh <- fmt.Errorf("consume: %w", err)
			return
		}
		errCh <- nil
	}()
	if s.server != nil {
		remaining++
		s.logger.WithField("addr", s.listener.Addr().String()).Info("http listening")
		go func() { errCh <- s.server.Serve(s.listener) }()
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		remaining--
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}

	cancel()
	s.shutdown()
	for i := 0; i < remaining; i++ {
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) && serveErr == nil {
			serveErr = err
		}
	}
	s.logger.Info("worker stopped")
	return serveErr
}

func (s *Service) shutdown() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Warn("http shutdown")
	}
}

func ensureDir(path string, perms os.FileMode) error {
	if path == "" {
		return errors.New("directory path is required")
	}
	if err := os.MkdirAll(path, perms); err != nil {
		return fmt.Errorf("create dir %s: %w", path, err)
	}
	return nil
}
