// Command uwb-locator receives UWB ranging reports, solves tag positions,
// projects them onto the calibrated screen and serves the result over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/uwb.locator/internal/api"
	"github.com/banshee-data/uwb.locator/internal/calibration"
	"github.com/banshee-data/uwb.locator/internal/config"
	"github.com/banshee-data/uwb.locator/internal/db"
	"github.com/banshee-data/uwb.locator/internal/fsutil"
	"github.com/banshee-data/uwb.locator/internal/geometry"
	"github.com/banshee-data/uwb.locator/internal/monitoring"
	"github.com/banshee-data/uwb.locator/internal/network"
	"github.com/banshee-data/uwb.locator/internal/push"
	"github.com/banshee-data/uwb.locator/internal/serialsource"
	"github.com/banshee-data/uwb.locator/internal/timeutil"
	"github.com/banshee-data/uwb.locator/internal/tracking"
	"github.com/banshee-data/uwb.locator/internal/version"
)

var (
	listen       = flag.String("listen", "", "HTTP listen address (overrides settings, default :5001)")
	udpListen    = flag.String("udp", "", "UDP report listen address (overrides settings, default :16061)")
	sitePath     = flag.String("config", config.DefaultSitePath, "Site file with anchor positions and screen plane (cm)")
	settingsPath = flag.String("settings", "", "Optional JSON file with runtime settings")
	dbPath       = flag.String("db", db.DefaultPath, "Calibration history database (empty disables history)")
	logFile      = flag.String("log-file", "app.log", "Also append logs to this file (empty for stderr only)")
	pcapFile     = flag.String("pcap", "", "Replay reports from a pcap/pcapng capture instead of listening on UDP")
	pcapRealtime = flag.Bool("pcap-realtime", false, "Pace the pcap replay by capture timestamps")
	serialPort   = flag.String("serial", "", "Also read newline-delimited reports from this serial port")
	serialBaud   = flag.Int("serial-baud", serialsource.DefaultBaudRate, "Serial port baud rate")
	printVersion = flag.Bool("version", false, "Print version and exit")
)

// applyFlagOverrides copies explicitly set address flags over the settings.
func applyFlagOverrides(s *config.Settings, httpAddr, udpAddr string) {
	if httpAddr != "" {
		s.HTTPListen = &httpAddr
	}
	if udpAddr != "" {
		s.UDPListen = &udpAddr
	}
}

func loadSettings(path string) (*config.Settings, error) {
	if path == "" {
		return &config.Settings{}, nil
	}
	return config.LoadSettings(fsutil.OSFileSystem{}, path)
}

func solverConfig(s *config.Settings) geometry.SolverConfig {
	cfg := geometry.DefaultSolverConfig()
	cfg.Bound = s.GetSolverBound()
	cfg.MaxIterations = s.GetSolverMaxIterations()
	return cfg
}

func main() {
	flag.Parse()

	if *printVersion {
		fmt.Println(version.String())
		return
	}

	if *logFile != "" {
		closer, err := monitoring.OpenLogFile(*logFile)
		if err != nil {
			log.Fatalf("failed to open log file: %v", err)
		}
		defer closer.Close()
	}
	log.Printf("starting %s", version.String())

	settings, err := loadSettings(*settingsPath)
	if err != nil {
		log.Fatalf("failed to load settings: %v", err)
	}
	applyFlagOverrides(settings, *listen, *udpListen)
	if err := settings.Validate(); err != nil {
		log.Fatalf("invalid settings: %v", err)
	}

	clock := timeutil.RealClock{}
	store := tracking.NewStore(tracking.StoreConfig{Solver: solverConfig(settings), Clock: clock})
	hub := push.NewHub[tracking.Snapshot]()
	defer hub.Close()
	pipeline := tracking.NewPipeline(store, hub)

	site, err := config.NewManager(fsutil.OSFileSystem{}, *sitePath, store)
	if err != nil {
		log.Fatalf("failed to load site configuration: %v", err)
	}
	s := site.Site()
	log.Printf("loaded %d anchors from %s (screen calibrated: %t)", len(s.Anchors), *sitePath, s.Screen != nil)

	var (
		historyDB *db.DB
		recorder  calibration.RunRecorder
		history   api.History
	)
	if *dbPath != "" {
		historyDB, err = db.Open(*dbPath)
		if err != nil {
			log.Fatalf("failed to open history database: %v", err)
		}
		defer historyDB.Close()
		recorder, history = historyDB, historyDB
	}

	session := calibration.NewSession(calibration.Config{
		Window:       settings.GetCalibrationWindow(),
		PollInterval: settings.GetCalibrationPollInterval(),
		Clock:        clock,
	}, store, site, recorder)

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stats := map[string]api.StatsFunc{}

	// eviction sweeper
	sweeper := &tracking.Sweeper{
		Store:    store,
		Pub:      hub,
		Clock:    clock,
		Interval: settings.GetSweepInterval(),
		Timeout:  settings.GetTagTimeout(),
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("sweeper error: %v", err)
		}
		log.Print("sweeper routine terminated")
	}()

	// reports come from a capture replay or from the live UDP socket
	if *pcapFile != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := network.ReplayPCAPFile(ctx, *pcapFile, pipeline, network.ReplayOptions{
				Realtime: *pcapRealtime,
				Clock:    clock,
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("pcap replay error: %v", err)
			}
			log.Printf("pcap replay finished: %d packets, %d reports, %d rejected in %v",
				res.Packets, res.Reports, res.Rejected, res.Duration)
		}()
	} else {
		listener := network.NewUDPListener(network.UDPListenerConfig{
			Address: settings.GetUDPListen(),
			RcvBuf:  settings.GetUDPReceiveBuffer(),
			Ingest:  pipeline,
		})
		stats["udp"] = func() any { return listener.Stats() }
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := listener.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("UDP listener error: %v", err)
			}
			log.Print("UDP listener routine terminated")
		}()
	}

	if *serialPort != "" {
		src, err := serialsource.Open(*serialPort, serialsource.PortOptions{BaudRate: *serialBaud}, pipeline)
		if err != nil {
			log.Fatalf("failed to open serial port: %v", err)
		}
		stats["serial"] = func() any { return src.Stats() }
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := src.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("serial source error: %v", err)
			}
			log.Print("serial routine terminated")
		}()
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		apiServer := api.NewServer(api.Config{
			Store:       store,
			Pipeline:    pipeline,
			Site:        site,
			Calibration: session,
			History:     history,
			Hub:         hub,
			Clock:       clock,
			Stats:       stats,
		})
		mux := apiServer.ServeMux()
		apiServer.AttachDebugRoutes(mux)
		if historyDB != nil {
			if err := historyDB.AttachAdminRoutes(mux); err != nil {
				log.Printf("failed to attach database admin routes: %v", err)
			}
		}

		server := &http.Server{
			Addr:    settings.GetHTTPListen(),
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			log.Printf("HTTP server listening on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("HTTP server error: %v", err)
				stop()
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		// Websocket connections are hijacked and not closed by Shutdown.
		hub.Close()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
