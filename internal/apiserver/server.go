// Package apiserver is the HTTP/WebSocket surface (spec §6): an external
// collaborator to the orchestrator core, implemented here so the rest of
// the module is actually exercised end to end.
//
// Routing follows the teacher's internal/server/server.go idiom: a plain
// http.ServeMux with the method check inline in each handler, rather than
// a router framework or per-method multiplexing.
package apiserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klipperfleet/klipperfleet-go/internal/buildsys"
	"github.com/klipperfleet/klipperfleet-go/internal/busarbiter"
	"github.com/klipperfleet/klipperfleet-go/internal/discovery"
	"github.com/klipperfleet/klipperfleet-go/internal/flasher"
	"github.com/klipperfleet/klipperfleet-go/internal/fleet"
	"github.com/klipperfleet/klipperfleet-go/internal/identity"
	"github.com/klipperfleet/klipperfleet-go/internal/orchestrator"
	"github.com/klipperfleet/klipperfleet-go/internal/servicectl"
	"github.com/klipperfleet/klipperfleet-go/internal/taskstore"
	"github.com/klipperfleet/klipperfleet-go/internal/transition"
)

// Server holds every dependency the HTTP surface dispatches to.
type Server struct {
	mux *http.ServeMux

	fleet        *fleet.Registry
	discoverer   *discovery.Discoverer
	transitioner *transition.Transitioner
	orch         *orchestrator.Orchestrator
	services     *servicectl.Controller
	build        *buildsys.Driver
	flasherD     *flasher.Flasher
	tasks        *taskstore.Store
	arbiter      *busarbiter.Arbiter
	moonrakerURL string
	artifactsDir string
	profilesDir  string

	taskHub *WSHub
	log     *slog.Logger
}

// Deps bundles everything New needs.
type Deps struct {
	Fleet        *fleet.Registry
	Discoverer   *discovery.Discoverer
	Transitioner *transition.Transitioner
	Orchestrator *orchestrator.Orchestrator
	Services     *servicectl.Controller
	Build        *buildsys.Driver
	Flasher      *flasher.Flasher
	Tasks        *taskstore.Store
	Arbiter      *busarbiter.Arbiter
	MoonrakerURL string
	ArtifactsDir string
	ProfilesDir  string
	Log          *slog.Logger
}

// New builds a Server with every route registered, mirroring the
// teacher's New(webDir string) constructor shape.
func New(d Deps) *Server {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	s := &Server{
		mux: http.NewServeMux(),

		fleet: d.Fleet, discoverer: d.Discoverer, transitioner: d.Transitioner,
		orch: d.Orchestrator, services: d.Services, build: d.Build, flasherD: d.Flasher, tasks: d.Tasks,
		arbiter: d.Arbiter, moonrakerURL: d.MoonrakerURL, artifactsDir: d.ArtifactsDir, profilesDir: d.ProfilesDir,

		taskHub: NewWSHub(),
		log:     d.Log,
	}

	s.mux.HandleFunc("/fleet", s.handleFleet)
	s.mux.HandleFunc("/fleet/device", s.handleFleetDevice)
	s.mux.HandleFunc("/fleet/versions", s.handleFleetVersions)
	s.mux.HandleFunc("/fleet/attach", s.handleFleetAttach)
	s.mux.HandleFunc("/devices/discover", s.handleDiscover)
	s.mux.HandleFunc("/flash", s.handleFlash)
	s.mux.HandleFunc("/flash/reboot", s.handleFlashReboot)
	s.mux.HandleFunc("/batch/", s.handleBatch)
	s.mux.HandleFunc("/task/status/", s.handleTaskStatus)
	s.mux.HandleFunc("/task/cancel/", s.handleTaskCancel)
	s.mux.HandleFunc("/services/status", s.handleServicesStatus)
	s.mux.HandleFunc("/services/manage", s.handleServicesManage)
	s.mux.HandleFunc("/build/", s.handleBuildProfile)
	s.mux.HandleFunc("/klipper/version", s.handleKlipperVersion)
	s.mux.HandleFunc("/ws/tasks", s.handleWSTasks)
	s.mux.HandleFunc("/api/status", s.handleHealth)

	return s
}

// ServeHTTP satisfies http.Handler so Server can be passed directly to
// http.Serve/httptest.NewServer.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, APIError{Error: err.Error()})
}

// readJSON decodes the request body into v, capping it at 2MiB the way
// the teacher's readJSON does (internal/server/server.go).
func readJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(io.LimitReader(r.Body, 2<<20)).Decode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleFleet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	fast := r.URL.Query().Get("fast") == "true"
	ctx := r.Context()
	configured := discovery.ConfiguredMCUs(ctx, s.moonrakerURL)
	busTasksRunning := s.tasks.AnyBusTaskRunning()

	devices := s.fleet.List()
	out := make([]FleetDeviceResponse, 0, len(devices))
	for _, d := range devices {
		mode, _ := s.discoverer.CheckDeviceStatus(ctx, d, configured, busTasksRunning, fast)
		out = append(out, FleetDeviceResponse{Device: *d, Status: string(mode)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleFleetDevice(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var dev fleet.Device
		if err := readJSON(r, &dev); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := s.fleet.Save(dev); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	case http.MethodDelete:
		id := r.URL.Query().Get("device_id")
		if id == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("missing device_id"))
			return
		}
		if err := s.fleet.Remove(id); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleFleetVersions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	devices := s.fleet.List()
	out := make([]VersionsResponse, 0, len(devices))
	for _, d := range devices {
		out = append(out, VersionsResponse{
			ID: d.ID, FlashedVersion: d.FlashedVersion, FlashedCommit: d.FlashedCommit, LiveVersion: d.LiveVersion,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleFleetAttach(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req AttachRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	dev := fleet.Device{ID: req.DiscoveredID, Profile: req.Profile, Method: fleet.Method(req.Method)}
	if err := s.fleet.Save(dev); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	ctx := r.Context()
	configured := discovery.ConfiguredMCUs(ctx, s.moonrakerURL)

	serial := s.discoverer.DiscoverSerial(configured)
	dfu, _ := s.discoverer.DiscoverDFU(ctx, false)
	linux := s.discoverer.DiscoverHostProcess()

	var can []any
	for _, iface := range canInterfaces(s.fleet) {
		recs, err := s.discoverer.DiscoverCAN(ctx, iface, configured, false)
		if err == nil {
			for _, rec := range recs {
				can = append(can, rec)
			}
		}
	}

	writeJSON(w, http.StatusOK, DiscoverResponse{Serial: serial, CAN: can, DFU: dfu, Linux: linux})
}

func canInterfaces(reg *fleet.Registry) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, d := range reg.List() {
		if d.Method == fleet.MethodCAN {
			if _, ok := seen[d.Interface]; !ok {
				seen[d.Interface] = struct{}{}
				out = append(out, d.Interface)
			}
		}
	}
	if len(out) == 0 {
		out = []string{fleet.DefaultInterface}
	}
	return out
}

func (s *Server) handleFlash(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req FlashRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	dev := s.fleet.Get(req.DeviceID)
	if dev == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown device %s", req.DeviceID))
		return
	}

	taskID := s.tasks.Create(true)
	s.log.Info("flash requested", "task_id", taskID, "device_id", dev.ID, "method", dev.Method)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				s.tasks.AppendLog(taskID, fmt.Sprintf("!!! CRITICAL ERROR: %v", rec))
				s.tasks.Complete(taskID, taskstore.StatusFailed)
			}
		}()
		s.flashSingleDevice(context.Background(), taskID, dev)
	}()

	writeJSON(w, http.StatusOK, TaskStartedResponse{TaskID: taskID})
}

func (s *Server) flashSingleDevice(ctx context.Context, taskID string, dev *fleet.Device) {
	onLog := func(l string) {
		s.tasks.AppendLog(taskID, l)
		s.taskHub.Broadcast(WSMessage{Type: "log", Data: map[string]string{"task_id": taskID, "line": l}})
	}
	artifact := filepath.Join(s.artifactsDir, dev.Profile+".bin")

	var err error
	switch dev.Method {
	case fleet.MethodSerial:
		err = s.flasherD.FlashSerial(ctx, dev.ID, artifact, dev.Baudrate, onLog)
	case fleet.MethodCAN:
		err = s.flasherD.FlashCAN(ctx, dev.ID, artifact, dev.Interface, onLog)
	case fleet.MethodDFU:
		resolve := func(rctx context.Context) (string, []identity.DFUDevice) {
			dfus, derr := s.discoverer.DiscoverDFU(rctx, false)
			if derr != nil {
				return dev.DFUID, nil
			}
			return dev.DFUID, dfus
		}
		address := flasher.FlashAddressHex(flasher.FlashAddress(s.readProfileConfig(dev.Profile)))
		err = s.flasherD.FlashDFU(ctx, dev.ID, artifact, address, dev.UseDFUExit, resolve, onLog)
	case fleet.MethodLinux:
		err = s.flasherD.FlashLinux(ctx, artifact, filepath.Join("/usr/local/bin", dev.Profile), onLog)
	}

	if err != nil {
		onLog(fmt.Sprintf(">>> flash failed: %v\n", err))
		s.tasks.Complete(taskID, taskstore.StatusFailed)
		return
	}
	info, haveInfo := s.build.LastBuildInfo(dev.Profile)
	if haveInfo {
		if saveErr := s.fleet.RecordFlashSuccess(dev.ID, info.Version, info.Commit, info.BuiltAt); saveErr != nil {
			onLog(fmt.Sprintf(">>> warning: failed to record flash success: %v\n", saveErr))
		}
	}
	s.tasks.Complete(taskID, taskstore.StatusCompleted)
}

func (s *Server) handleFlashReboot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req RebootRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	dev := s.fleet.Get(req.DeviceID)
	if dev == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown device %s", req.DeviceID))
		return
	}

	taskID := s.tasks.Create(true)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		onLog := func(l string) { s.tasks.AppendLog(taskID, l) }

		var err error
		switch {
		case req.Mode == "katapult" && dev.Method == fleet.MethodCAN:
			err = s.transitioner.ToKatapultCAN(ctx, dev.Interface, dev.ID, onLog)
		case req.Mode == "katapult" && dev.Method == fleet.MethodDFU:
			err = s.transitioner.ToDFU(ctx, dev.ID, onLog)
		case req.Mode == "katapult":
			err = s.transitioner.ToKatapultSerial(ctx, dev.ID, dev.Baudrate, onLog)
		case req.Mode == "application" && dev.Method == fleet.MethodCAN:
			err = s.transitioner.ToApplicationCAN(ctx, dev.Interface, dev.ID, onLog)
		case req.Mode == "application" && dev.Method == fleet.MethodDFU:
			address := flasher.FlashAddressHex(flasher.FlashAddress(s.readProfileConfig(dev.Profile)))
			err = s.transitioner.ToApplicationDFU(ctx, dev.ID, address, filepath.Join("/tmp", "klipperfleet-dfu-sink"), onLog)
		case req.Mode == "application":
			err = s.transitioner.ToApplicationSerial(onLog)
		default:
			err = fmt.Errorf("unknown mode %q", req.Mode)
		}

		if err != nil {
			s.tasks.Complete(taskID, taskstore.StatusFailed)
			return
		}
		s.tasks.Complete(taskID, taskstore.StatusCompleted)
	}()

	writeJSON(w, http.StatusOK, TaskStartedResponse{TaskID: taskID})
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	action := strings.TrimPrefix(r.URL.Path, "/batch/")
	if action == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("missing batch action"))
		return
	}
	taskID := s.orch.Run(context.Background(), orchestrator.Action(action))
	s.log.Info("batch action dispatched", "task_id", taskID, "action", action)
	writeJSON(w, http.StatusOK, TaskStartedResponse{TaskID: taskID})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/task/status/")
	snap, ok := s.tasks.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown task %s", id))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/task/cancel/")
	s.tasks.Cancel(id)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleServicesStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	status, err := s.services.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleServicesManage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req struct {
		Action string `json:"action"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	summary := s.services.Apply(r.Context(), servicectl.Action(req.Action))
	writeJSON(w, http.StatusOK, map[string]string{"result": summary})
}

func (s *Server) handleBuildProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	profile := strings.TrimPrefix(r.URL.Path, "/build/")
	if profile == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("missing profile"))
		return
	}
	taskID := s.tasks.Create(false)
	go func() {
		configPath := filepath.Join(s.profilesDir, profile+".config")
		_, err := s.build.RunBuild(context.Background(), configPath, func(l string) { s.tasks.AppendLog(taskID, l) })
		if err != nil {
			s.tasks.Complete(taskID, taskstore.StatusFailed)
			return
		}
		s.tasks.Complete(taskID, taskstore.StatusCompleted)
	}()
	writeJSON(w, http.StatusOK, TaskStartedResponse{TaskID: taskID})
}

// readProfileConfig loads the profile's saved Kconfig text for flash-address
// derivation (spec §4.5); a missing file falls back to the default address.
func (s *Server) readProfileConfig(profile string) string {
	data, err := os.ReadFile(filepath.Join(s.profilesDir, profile+".config"))
	if err != nil {
		return ""
	}
	return string(data)
}

func (s *Server) handleKlipperVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	v := s.build.GitVersion(r.Context())
	writeJSON(w, http.StatusOK, v)
}
