package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/remotelabz/remotelabz-worker-sub000/internal/command"
	"github.com/remotelabz/remotelabz-worker-sub000/internal/instance"
	"github.com/remotelabz/remotelabz-worker-sub000/internal/models"
	"github.com/remotelabz/remotelabz-worker-sub000/internal/network"
)

const maxJSONBytes = 8 << 20 // Lab descriptors can list many devices

var inetAddr = regexp.MustCompile(`inet ([0-9.]+)/[0-9]+`)

// Operations is the subset of the orchestrator reachable over HTTP.
type Operations struct {
	StartDevice         instance.Operation
	StartPhysicalDevice instance.Operation
	StopDevice          instance.Operation
	ConnectToInternet   instance.Operation
	Disconnect          instance.Operation
	Interconnect        instance.Operation
	Disinterconnect     instance.Operation
	ListImages          func() ([]string, error)
}

// OperationsFor binds every route to mgr.
func OperationsFor(mgr *instance.Manager) Operations {
	return Operations{
		StartDevice:         mgr.StartDevice,
		StartPhysicalDevice: mgr.StartPhysicalDevice,
		StopDevice:          mgr.StopDevice,
		ConnectToInternet:   mgr.ConnectToInternet,
		Disconnect:          mgr.DisconnectFromInternet,
		Interconnect:        mgr.Interconnect,
		Disinterconnect:     mgr.Disinterconnect,
		ListImages:          mgr.ListImages,
	}
}

// API serves the worker's local HTTP surface.
//
// Endpoints:
//   - GET  /healthcheck                  - systemd state of the worker service
//   - GET  /os                           - cached images and the lab interface address
//   - GET  /metrics                      - Prometheus metrics
//   - POST /lab/device/{uuid}/start      - start one device of the posted lab
//   - POST /lab/device/{uuid}/stop       - stop one device of the posted lab
//   - POST /lab/connect/internet         - NAT the lab network through the uplink
//   - POST /lab/disconnect/internet      - undo /lab/connect/internet
//   - POST /lab/interconnect             - patch the lab bridge to the uplink bridge
//   - POST /lab/disinterconnect          - remove the patch
type API struct {
	ops          Operations
	runner       command.Runner
	host         *network.Host
	metrics      http.Handler
	serviceName  string
	labInterface string
	logger       logrus.FieldLogger
}

func NewAPI(ops Operations, runner command.Runner, host *network.Host, metrics http.Handler, serviceName, labInterface string, logger logrus.FieldLogger) *API {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if metrics == nil {
		metrics = http.NotFoundHandler()
	}
	return &API{
		ops:          ops,
		runner:       runner,
		host:         host,
		metrics:      metrics,
		serviceName:  serviceName,
		labInterface: labInterface,
		logger:       logger,
	}
}

// Routes builds the router.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthcheck", a.handleHealthcheck)
	r.Get("/os", a.handleOS)
	r.Method(http.MethodGet, "/metrics", a.metrics)

	r.Route("/lab", func(lab chi.Router) {
		lab.Post("/device/{uuid}/start", a.handleDevice(a.startOperation))
		lab.Post("/device/{uuid}/stop", a.handleDevice(func([]byte, string) instance.Operation { return a.ops.StopDevice }))
		lab.Post("/connect/internet", a.handleLab(a.ops.ConnectToInternet))
		lab.Post("/disconnect/internet", a.handleLab(a.ops.Disconnect))
		lab.Post("/interconnect", a.handleLab(a.ops.Interconnect))
		lab.Post("/disinterconnect", a.handleLab(a.ops.Disinterconnect))
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	return r
}

func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start).String(),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("http request")
	})
}

type serviceState struct {
	IsStarted bool `json:"isStarted"`
}

func (a *API) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	started := false
	res, err := a.runner.Run(r.Context(), "systemctl", "status", a.serviceName)
	if err != nil {
		a.logger.WithError(err).Warn("systemctl status failed")
	} else {
		started = res.Success()
	}
	writeJSON(w, http.StatusOK, map[string]serviceState{a.serviceName: {IsStarted: started}})
}

type osResponse struct {
	IP   string   `json:"IP"`
	LXC  []string `json:"lxc"`
	QEMU []string `json:"qemu"`
}

func (a *API) handleOS(w http.ResponseWriter, r *http.Request) {
	images, err := a.ops.ListImages()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list images", err)
		return
	}
	resp := osResponse{LXC: []string{}, QEMU: images}
	if a.host != nil && a.labInterface != "" {
		out, err := a.host.IP.AddrShow(r.Context(), a.labInterface)
		if err != nil {
			a.logger.WithError(err).WithField("interface", a.labInterface).Warn("lab interface address unavailable")
		} else if m := inetAddr.FindStringSubmatch(out); m != nil {
			resp.IP = m[1]
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// startOperation picks the physical path when the target device is not virtual.
func (a *API) startOperation(descriptor []byte, id string) instance.Operation {
	if models.PeekVirtuality(descriptor, id) {
		return a.ops.StartPhysicalDevice
	}
	return a.ops.StartDevice
}

func (a *API) handleDevice(pick func(descriptor []byte, id string) instance.Operation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "uuid")
		if _, err := uuid.Parse(id); err != nil {
			writeError(w, http.StatusBadRequest, "invalid device uuid", err)
			return
		}
		descriptor, ok := readDescriptor(w, r)
		if !ok {
			return
		}
		a.run(w, r, pick(descriptor, id), descriptor, id)
	}
}

func (a *API) handleLab(op instance.Operation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		descriptor, ok := readDescriptor(w, r)
		if !ok {
			return
		}
		a.run(w, r, op, descriptor, "")
	}
}

type stateResponse struct {
	State   models.State   `json:"state"`
	Options map[string]any `json:"options,omitempty"`
}

type processFailureResponse struct {
	Code   int `json:"code"`
	Output struct {
		Standard string `json:"standard"`
		Error    string `json:"error"`
	} `json:"output"`
}

func (a *API) run(w http.ResponseWriter, r *http.Request, op instance.Operation, descriptor []byte, id string) {
	if op == nil {
		writeError(w, http.StatusNotImplemented, "operation not available")
		return
	}
	logger := a.logger.WithFields(logrus.Fields{"path": r.URL.Path, "uuid": id})
	// Host commands run to completion even if the client goes away.
	res, err := op(context.WithoutCancel(r.Context()), descriptor, id)
	if err == nil {
		logger.WithField("state", res.State).Info("http action executed")
		writeJSON(w, http.StatusOK, stateResponse{State: res.State, Options: res.Options})
		return
	}
	logger.WithError(err).Error("http action failed")
	if procErr, ok := command.AsProcessError(err); ok {
		var resp processFailureResponse
		resp.Code = procErr.ExitCode
		resp.Output.Standard = procErr.Stdout
		resp.Output.Error = procErr.Stderr
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}
	if errors.Is(err, models.ErrBadDescriptor) {
		writeError(w, http.StatusBadRequest, "bad descriptor", err)
		return
	}
	writeError(w, http.StatusInternalServerError, "operation failed", err)
}

// readDescriptor enforces a JSON body and returns it raw. Failures are
// written to w.
func readDescriptor(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		return nil, false
	}
	defer r.Body.Close()
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large", err)
		return nil, false
	}
	if !json.Valid(data) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return nil, false
	}
	return data, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string, err ...error) {
	payload := map[string]string{"error": msg}
	if len(err) > 0 && err[0] != nil {
		payload["details"] = err[0].Error()
	}
	writeJSON(w, status, payload)
}
