// Command observatoryd is the daemon entry point: it wires the packet
// source, decoder pipeline, aggregation stores, snapshot builder and
// fanout hub together, serves the HTTP/WebSocket surface, and handles
// SIGUSR1/SIGUSR2 pause/resume and SIGINT/SIGTERM shutdown (§6).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/packetgraph/observatory/api"
	"github.com/packetgraph/observatory/capture"
	"github.com/packetgraph/observatory/config"
	"github.com/packetgraph/observatory/decode"
	"github.com/packetgraph/observatory/fanout"
	"github.com/packetgraph/observatory/graph"
	"github.com/packetgraph/observatory/pipeline"
	"github.com/packetgraph/observatory/replay"
	"github.com/packetgraph/observatory/resolve"
	"github.com/packetgraph/observatory/ring"
	"github.com/packetgraph/observatory/snapshot"
	"github.com/packetgraph/observatory/stream"
	"github.com/packetgraph/observatory/threat"
)

// Decay cadence and thresholds per §4.D: edges go stale faster than
// nodes, whose longer threshold matches the UI's slower fade tier.
const (
	decayInterval       = 1 * time.Minute
	edgeDecayThreshold  = 60 * time.Second
	nodeDecayThreshold  = 5 * time.Minute
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	v := viper.New()
	root := &cobra.Command{
		Use:   "observatoryd",
		Short: "real-time network traffic observatory daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v, log)
		},
	}
	config.Flags(root, v)

	if err := root.Execute(); err != nil {
		log.Fatal("observatoryd exited with error", zap.Error(err))
	}
}

func run(ctx context.Context, v *viper.Viper, log *zap.Logger) error {
	cfg, err := config.Load(v)
	if err != nil {
		return errors.Wrap(err, "load configuration")
	}

	decode.SetLogger(log)
	resolve.SetLogger(log)
	fanout.SetLogger(log)
	snapshot.SetLogger(log)
	pipeline.SetLogger(log)
	replay.SetLogger(log)
	api.SetLogger(log)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g := graph.New()
	r := ring.New(0)
	sm := stream.New(0)
	td := threat.New()
	resolver := resolve.New(0)
	defer resolver.Close()

	var src capture.Source
	liveConfigured := cfg.Interface != ""

	if liveConfigured {
		src, err = capture.NewLive(capture.DefaultConfig(cfg.Interface), log)
	} else {
		src, err = capture.NewOffline(cfg.ReplayFile)
	}
	if err != nil {
		return errors.Wrap(err, "start packet source")
	}

	dec := decode.New(decode.DefaultConfig())
	recorder := capture.NewFrameBuffer()

	pipe := pipeline.New(pipeline.Config{
		Source:   src,
		Decoder:  dec,
		Graph:    g,
		Ring:     r,
		Streams:  sm,
		Threats:  td,
		Resolver: resolver,
		Recorder: recorder,
		Debug:    cfg.Debug,
	})

	sb := snapshot.New(snapshot.Sources{Graph: g, Ring: r, Streams: sm, Threats: td, Resolve: resolver}, snapshot.DefaultInterval)

	// hub is constructed below, after the command handler closure; the
	// closure captures this variable by reference so forward-declaring
	// it here lets restartFn broadcast pcap_saved without a cycle.
	var hub *fanout.Hub

	restartFn := func() error {
		filename := fmt.Sprintf("capture-%d.pcap", time.Now().Unix())
		path := filepath.Join(cfg.CaptureDir, filename)

		n, err := recorder.Flush(path)
		if err != nil {
			return errors.Wrap(err, "flush capture buffer")
		}

		g.Reset()
		r.Clear()
		sm.Reset()
		td.Reset()

		log.Info("save_and_restart_capture flushed buffer and cleared aggregated state",
			zap.String("filename", filename), zap.Int("packetCount", n))
		hub.Broadcast(fanout.EventPcapSaved, fanout.PcapSavedPayload{Filename: filename, PacketCount: n})
		return nil
	}
	controller := replay.NewController(restartFn)

	onCommand := func(cmd fanout.Command) {
		switch cmd {
		case fanout.CommandStartCapture:
			if _, err := controller.Fire(replay.EventStartCapture); err != nil {
				log.Warn("rejected start_capture command", zap.Error(err))
				return
			}
			src.Resume()
			hub.SetCaptureActive(true)
			hub.Broadcast(fanout.EventCaptureStarted, nil)
			if _, err := controller.Fire(replay.EventInterfaceReady); err != nil {
				log.Warn("failed to report interface ready after start_capture", zap.Error(err))
			}

		case fanout.CommandStopCapture:
			if _, err := controller.Fire(replay.EventStopCapture); err != nil {
				log.Warn("rejected stop_capture command", zap.Error(err))
				return
			}
			src.Pause()
			hub.SetCaptureActive(false)
			hub.Broadcast(fanout.EventCaptureStopped, nil)

		case fanout.CommandSaveAndRestartCapture:
			if _, err := controller.Fire(replay.EventSaveAndRestartCapture); err != nil {
				log.Warn("rejected save_and_restart_capture command", zap.Error(err))
				return
			}
			// the live source never actually stopped, so the interface is
			// ready again immediately and the controller returns to running.
			if _, err := controller.Fire(replay.EventInterfaceReady); err != nil {
				log.Warn("failed to return to running after save_and_restart_capture", zap.Error(err))
			}
			hub.Broadcast(fanout.EventCaptureRestarted, nil)
		}
	}

	hub = fanout.New(onCommand, liveConfigured)
	hub.SetCaptureActive(liveConfigured)
	if liveConfigured {
		controller.Fire(replay.EventStartCapture)
		controller.Fire(replay.EventInterfaceReady)
	}

	if liveConfigured {
		snapCh, unsubscribe := sb.Subscribe(4)
		defer unsubscribe()
		go func() {
			for snap := range snapCh {
				hub.BroadcastSnapshot(snap)
			}
		}()
	}

	sigPause := make(chan os.Signal, 1)
	signal.Notify(sigPause, syscall.SIGUSR1, syscall.SIGUSR2)
	go func() {
		for sig := range sigPause {
			switch sig {
			case syscall.SIGUSR1:
				src.Pause()
				log.Info("capture paused via SIGUSR1")
			case syscall.SIGUSR2:
				src.Resume()
				log.Info("capture resumed via SIGUSR2")
			}
		}
	}()

	// §4.J: the Batcher only runs for live capture; a replay-only run
	// produces snapshots on demand via the /api/replay path instead.
	if liveConfigured {
		go sb.Run()
		defer sb.Stop()
	}

	decayTicker := time.NewTicker(decayInterval)
	defer decayTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-decayTicker.C:
				nodesRemoved, edgesRemoved := g.Decay(nodeDecayThreshold, edgeDecayThreshold, now)
				if nodesRemoved > 0 || edgesRemoved > 0 {
					log.Info("decay evicted stale graph entries",
						zap.Int("nodesRemoved", nodesRemoved),
						zap.Int("edgesRemoved", edgesRemoved),
						zap.Int("nodesRemaining", g.NodeCount()),
						zap.Int("edgesRemaining", g.EdgeCount()))
				}
			}
		}
	}()

	pipelineDone := make(chan error, 1)
	go func() { pipelineDone <- pipe.Run(ctx) }()

	apiServer := &api.Server{
		CaptureDir: cfg.CaptureDir,
		Latest:     sb.Latest,
		Graph:      g,
		Streams:    sm,
		Decoder:    dec,
	}
	mux := apiServer.Router()
	mux.HandleFunc("/ws", hub.ServeHTTP)
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:         cfg.Bind + ":" + strconv.Itoa(cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server stopped", zap.Error(err))
		}
	}()

	sigStop := make(chan os.Signal, 1)
	signal.Notify(sigStop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigStop:
		log.Info("shutdown signal received")
	case err := <-pipelineDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("pipeline exited", zap.Error(err))
		}
	}

	cancel()
	hub.Broadcast(fanout.EventCaptureStopped, nil)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	src.Close()

	return nil
}
