// Command klipperfleetd runs the flash orchestrator HTTP API.
//
// It wires every component together the way the teacher's
// cmd/server/main.go does: flag.String plus an env override helper, a
// plain net.Listen + http.Serve, and no dependency-injection framework.
//
// Flags:
//
//	-addr:     TCP address to listen on (default 127.0.0.1:8080)
//	-data-dir: root for fleet.json, profiles/, artifacts/ (default ./data)
//
// Env (override the corresponding flag default, spec §6):
//
//	KLIPPER_DIR, KATAPULT_DIR, DATA_DIR, MOONRAKER_URL
package main

import (
	"flag"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"github.com/klipperfleet/klipperfleet-go/internal/apiserver"
	"github.com/klipperfleet/klipperfleet-go/internal/buildsys"
	"github.com/klipperfleet/klipperfleet-go/internal/busarbiter"
	"github.com/klipperfleet/klipperfleet-go/internal/discovery"
	"github.com/klipperfleet/klipperfleet-go/internal/fleet"
	"github.com/klipperfleet/klipperfleet-go/internal/flasher"
	"github.com/klipperfleet/klipperfleet-go/internal/orchestrator"
	"github.com/klipperfleet/klipperfleet-go/internal/servicectl"
	"github.com/klipperfleet/klipperfleet-go/internal/taskstore"
	"github.com/klipperfleet/klipperfleet-go/internal/transition"
)

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	var (
		addr        = flag.String("addr", "127.0.0.1:8080", "http listen address")
		dataDir     = flag.String("data-dir", envOrDefault("DATA_DIR", "./data"), "root for fleet.json, profiles/, artifacts/")
		klipperDir  = flag.String("klipper-dir", envOrDefault("KLIPPER_DIR", "/home/pi/klipper"), "path to the Klipper checkout built against")
		katapultDir = flag.String("katapult-dir", envOrDefault("KATAPULT_DIR", "/home/pi/katapult"), "path to the vendor Katapult tool checkout")
		moonraker   = flag.String("moonraker-url", envOrDefault("MOONRAKER_URL", "http://localhost:7125"), "base URL of the host Moonraker instance")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	dataAbs, err := filepath.Abs(*dataDir)
	if err != nil {
		log.Fatalf("resolve data dir: %v", err)
	}
	profilesDir := filepath.Join(dataAbs, "profiles")
	artifactsDir := filepath.Join(dataAbs, "artifacts")
	if err := os.MkdirAll(profilesDir, 0o755); err != nil {
		log.Fatalf("create profiles dir: %v", err)
	}

	fleetReg, err := fleet.NewRegistry(filepath.Join(dataAbs, "fleet.json"), logger)
	if err != nil {
		log.Fatalf("load fleet registry: %v", err)
	}

	arbiter := busarbiter.New()
	tasks := taskstore.New(logger)
	discoverer := discovery.New(arbiter, *katapultDir, *moonraker, logger)
	transitioner := transition.New(arbiter, *katapultDir, logger)
	flasherD := flasher.New(arbiter, *katapultDir, logger)
	services := servicectl.New(logger)
	build, err := buildsys.New(*klipperDir, artifactsDir, logger)
	if err != nil {
		log.Fatalf("init build driver: %v", err)
	}

	orch := orchestrator.New(orchestrator.Deps{
		Fleet: fleetReg, Discoverer: discoverer, Transitioner: transitioner,
		Flasher: flasherD, Services: services, Build: build, Tasks: tasks,
		Arbiter: arbiter, ProfilesDir: profilesDir, ArtifactsDir: artifactsDir,
		MoonrakerURL: *moonraker, Log: logger,
	})

	srv := apiserver.New(apiserver.Deps{
		Fleet: fleetReg, Discoverer: discoverer, Transitioner: transitioner,
		Orchestrator: orch, Services: services, Build: build, Flasher: flasherD,
		Tasks: tasks, Arbiter: arbiter, MoonrakerURL: *moonraker,
		ArtifactsDir: artifactsDir, ProfilesDir: profilesDir, Log: logger,
	})

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatalf("listen on %s: %v", *addr, err)
	}

	logger.Info("klipperfleetd starting", "addr", *addr, "data_dir", dataAbs, "klipper_dir", *klipperDir, "katapult_dir", *katapultDir)
	if err := http.Serve(ln, srv); err != nil {
		logger.Error("http server exited", "error", err)
	}
}
