// Package dispatch turns action requests into orchestrator calls and
// exactly one outcome report each.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/remotelabz/remotelabz-worker-sub000/internal/command"
	"github.com/remotelabz/remotelabz-worker-sub000/internal/instance"
	"github.com/remotelabz/remotelabz-worker-sub000/internal/models"
)

var ErrUnknownAction = errors.New("unknown action")

// Publisher delivers an outcome report upstream.
type Publisher interface {
	Publish(ctx context.Context, report models.OutcomeReport) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, report models.OutcomeReport) error

func (f PublisherFunc) Publish(ctx context.Context, report models.OutcomeReport) error {
	return f(ctx, report)
}

// Dispatcher maps each action verb to an orchestrator operation.
type Dispatcher struct {
	ops           map[models.Action]instance.Operation
	physicalStart instance.Operation
	publisher     Publisher
	logger        logrus.FieldLogger
	metrics       *Metrics
}

// New wires the dispatch table to mgr.
func New(mgr *instance.Manager, publisher Publisher, logger logrus.FieldLogger, metrics *Metrics) *Dispatcher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Dispatcher{
		ops: map[models.Action]instance.Operation{
			models.ActionCreate:             mgr.CreateLab,
			models.ActionDelete:             mgr.DeleteLab,
			models.ActionStart:              mgr.StartDevice,
			models.ActionStop:               mgr.StopDevice,
			models.ActionReset:              mgr.ResetDevice,
			models.ActionConnect:            mgr.ConnectToInternet,
			models.ActionExportDevice:       mgr.ExportDevice,
			models.ActionExportLab:          mgr.ExportLab,
			models.ActionDeleteDevice:       mgr.DeleteDevice,
			models.ActionDeleteOS:           mgr.DeleteOS,
			models.ActionRenameOS:           mgr.RenameOS,
			models.ActionCopyToWorkerDevice: mgr.CopyToWorker,
		},
		physicalStart: mgr.StartPhysicalDevice,
		publisher:     publisher,
		logger:        logger,
		metrics:       metrics,
	}
}

// WithOperation overrides the operation bound to action.
func (d *Dispatcher) WithOperation(action models.Action, op instance.Operation) *Dispatcher {
	if d == nil || op == nil {
		return d
	}
	d.ops[action] = op
	return d
}

// Kind reports whether action targets a lab or a device.
func Kind(action models.Action) models.TargetKind {
	switch action {
	case models.ActionCreate, models.ActionDelete, models.ActionConnect, models.ActionExportLab:
		return models.KindLab
	default:
		return models.KindDevice
	}
}

// Handle dispatches req and publishes its outcome. It returns only the
// publish error; operation failures are carried by the report.
func (d *Dispatcher) Handle(ctx context.Context, req models.ActionRequest) error {
	report := d.Dispatch(ctx, req)
	if err := d.publisher.Publish(ctx, report); err != nil {
		d.metrics.IncPublishFailure()
		d.logger.WithFields(logrus.Fields{"uuid": req.UUID, "action": req.Action}).WithError(err).Error("publish outcome failed")
		return fmt.Errorf("publish outcome for %s: %w", req.UUID, err)
	}
	return nil
}

// Dispatch runs req and converts any result or failure into one report.
func (d *Dispatcher) Dispatch(ctx context.Context, req models.ActionRequest) models.OutcomeReport {
	start := time.Now()
	logger := d.logger.WithFields(logrus.Fields{"uuid": req.UUID, "action": req.Action})
	logger.Debug("received action")

	report := models.OutcomeReport{UUID: req.UUID, Type: Kind(req.Action)}
	res, err := d.invoke(ctx, req, logger)
	if err != nil {
		report.State = models.StateError
		report.Options = errorOptions(req.Action, err)
		logFailure(logger, err)
	} else {
		report.State = res.State
		report.Options = res.Options
		logger.WithField("state", res.State).Info("action executed")
	}
	d.metrics.IncAction(req.Action, report.State)
	d.metrics.ObserveAction(req.Action, time.Since(start))
	return report
}

func (d *Dispatcher) invoke(ctx context.Context, req models.ActionRequest, logger logrus.FieldLogger) (res instance.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("stack", string(debug.Stack())).Error("action panicked")
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	op, ok := d.ops[req.Action]
	if !ok {
		return instance.Result{}, fmt.Errorf("%w: %q", ErrUnknownAction, req.Action)
	}
	if req.Action == models.ActionStart {
		if models.PeekVirtuality(req.Content, req.UUID) {
			logger.Debug("physical device")
			op = d.physicalStart
		} else {
			logger.Debug("virtual device")
		}
	}
	return op(ctx, req.Content, req.UUID)
}

// errorOptions records the attempted verb, plus whatever the operation
// attached to its failure.
func errorOptions(action models.Action, err error) map[string]any {
	options := map[string]any{}
	var opErr *instance.OperationError
	if errors.As(err, &opErr) {
		for k, v := range opErr.Options {
			options[k] = v
		}
	}
	options["state"] = string(action)
	return options
}

func logFailure(logger logrus.FieldLogger, err error) {
	fields := logrus.Fields{}
	if procErr, ok := command.AsProcessError(err); ok {
		fields["command"] = procErr.CommandLine()
		fields["exit_code"] = procErr.ExitCode
		fields["stderr"] = strings.TrimSpace(procErr.Stderr)
	}
	var bad *models.BadDescriptorError
	if errors.As(err, &bad) {
		fields["problems"] = bad.Problems
	}
	logger.WithFields(fields).WithError(err).Error("action failed")
}
