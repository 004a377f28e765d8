package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/CINPLA/tracking-plugin/internal/api"
	"github.com/CINPLA/tracking-plugin/internal/config"
	"github.com/CINPLA/tracking-plugin/internal/db"
	"github.com/CINPLA/tracking-plugin/internal/host"
	"github.com/CINPLA/tracking-plugin/internal/monitoring"
	"github.com/CINPLA/tracking-plugin/internal/network"
	"github.com/CINPLA/tracking-plugin/internal/osc"
	"github.com/CINPLA/tracking-plugin/internal/publish"
	"github.com/CINPLA/tracking-plugin/internal/pulsegen"
	"github.com/CINPLA/tracking-plugin/internal/serialmux"
	"github.com/CINPLA/tracking-plugin/internal/stim"
	"github.com/CINPLA/tracking-plugin/internal/timeutil"
	"github.com/CINPLA/tracking-plugin/internal/tracking"
	"github.com/CINPLA/tracking-plugin/internal/version"
)

var (
	configPath    = flag.String("config", config.DefaultConfigPath, "Path to the JSON or YAML configuration file")
	listen        = flag.String("listen", ":8080", "HTTP listen address")
	grpcListen    = flag.String("grpc-listen", ":50051", "gRPC health listen address (empty to disable)")
	dbPath        = flag.String("db", "tracking.db", "SQLite database for recorded sessions (empty to disable)")
	statsInterval = flag.Duration("stats-interval", 10*time.Second, "Interval between message-rate log lines (0 to disable)")
	acquire       = flag.Bool("acquire", false, "Start acquisition immediately")
	showVersion   = flag.Bool("version", false, "Print the version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	log.Printf("tracking %s", version.String())

	clock := timeutil.RealClock{}
	statusLog := monitoring.NewStatusLog(monitoring.DefaultStatusHistory, clock)
	stats := monitoring.NewMessageStats(clock)
	cfg := config.LoadOrDefault(*configPath, statusLog)

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := network.NewRegistry(network.ListenerConfig{
		Host:   cfg.GetListenHost(),
		Decode: decodeOptions(cfg),
		Stats:  stats,
	})
	defer registry.Close()

	node, err := tracking.NewNode(tracking.Config{
		Registry:  registry,
		Clock:     clock,
		Status:    statusLog,
		Stats:     stats,
		QueueMode: cfg.GetQueueMode(),
	})
	if err != nil {
		log.Fatalf("failed to create tracking node: %v", err)
	}
	defer node.Close()

	pulseMux, gen := openGenerator(ctx, cfg, &wg)
	defer pulseMux.Close()

	settings, err := cfg.StimSettings()
	if err != nil {
		log.Fatalf("invalid stimulator settings: %v", err)
	}
	stimulator, err := stim.New(stim.Config{
		Status:    statusLog,
		Stats:     stats,
		Generator: gen,
		Settings:  settings,
	})
	if err != nil {
		log.Fatalf("failed to create stimulator: %v", err)
	}
	if err := errors.Join(cfg.ApplySources(node), cfg.ApplyStimulator(stimulator)); err != nil {
		log.Printf("configuration partially applied: %v", err)
	}

	graph := host.NewGraph(host.Config{
		Clock:      clock,
		SampleRate: cfg.GetSampleRate(),
		CycleHz:    cfg.GetCycleHz(),
	})
	graph.Add(node)
	graph.Add(stimulator)

	var (
		store    *db.DB
		recorder *db.Recorder
	)
	if *dbPath != "" {
		store, err = db.NewDB(*dbPath)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer store.Close()

		recorder = db.NewRecorder(store, clock, graph.SampleRate())
		graph.AddSink(recorder)
		statusLog.Forward(recorder)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := recorder.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("recorder: %v", err)
			}
			log.Printf("recorder routine stopped (%d written, %d dropped)", recorder.Written(), recorder.Dropped())
		}()
	}

	if cfg.MQTT != nil && cfg.MQTT.Broker != "" {
		client, err := publish.Connect(ctx, publish.MQTTOptions{Broker: cfg.MQTT.Broker, ClientID: cfg.MQTT.ClientID})
		if err != nil {
			log.Printf("mqtt disabled: %v", err)
		} else {
			defer client.Disconnect()
			sink := publish.NewSink(client, cfg.MQTT.TopicPrefix)
			graph.AddSink(sink)
			wg.Add(1)
			go func() {
				defer wg.Done()
				sink.Run(ctx)
				st := sink.Stats()
				log.Printf("publish routine stopped (%d published, %d failed, %d dropped)", st.Published, st.Failed, st.Dropped)
			}()
		}
	}

	srv, err := api.NewServer(api.Config{
		Graph:      graph,
		Node:       node,
		Stimulator: stimulator,
		Status:     statusLog,
		Stats:      stats,
		DB:         store,
		Recorder:   recorder,
		ConfigPath: *configPath,
		Base:       cfg,
	})
	if err != nil {
		log.Fatalf("failed to create API server: %v", err)
	}

	if *statsInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			(&monitoring.Sampler{Stats: stats, Clock: clock, Interval: *statsInterval}).Run(ctx)
		}()
	}

	// processing cycle
	wg.Add(1)
	go func() {
		defer wg.Done()
		if *acquire {
			graph.SetAcquisition(true)
		}
		if err := graph.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("graph: %v", err)
		}
		graph.SetAcquisition(false)
		log.Printf("processing routine stopped")
	}()

	if *grpcListen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := serveHealth(ctx, *grpcListen, node, clock); err != nil {
				log.Printf("health server: %v", err)
			}
			log.Printf("health routine stopped")
		}()
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		routes := srv.ServeMux()
		pulseMux.AttachAdminRoutes(routes)

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(routes),
		}

		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}

// openGenerator connects to the pulse generator named in cfg. Without a
// serial path, or when the port cannot be opened, the stimulator runs with a
// disconnected generator and the returned mux is inert.
func openGenerator(ctx context.Context, cfg *config.Config, wg *sync.WaitGroup) (serialmux.SerialMuxInterface, pulsegen.Generator) {
	if cfg.Serial == nil || cfg.Serial.Path == "" {
		log.Printf("no pulse generator configured")
		return serialmux.NewDisabledSerialMux(), pulsegen.Disconnected{}
	}
	m, err := serialmux.Open(cfg.Serial.Path, cfg.Serial.PortOptions, nil)
	if err != nil {
		log.Printf("pulse generator unavailable: %v", err)
		return serialmux.NewDisabledSerialMux(), pulsegen.Disconnected{}
	}

	// run the monitor routine to manage IO on the serial port
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := m.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor serial port: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	dev := pulsegen.NewDevice(m)
	if _, err := dev.Connect(ctx); err != nil {
		log.Printf("%v; stimulation hardware disabled until reconnect", err)
	}
	return m, dev
}

func decodeOptions(cfg *config.Config) osc.DecodeOptions {
	return osc.DecodeOptions{AcceptInt32: cfg.GetAcceptIntArgs()}
}

func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags]\n\nClosed-loop position tracking and stimulation service.\n\n", os.Args[0])
		flag.PrintDefaults()
	}
}
