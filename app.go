package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kwv/covimesh/slam"
	"gonum.org/v1/gonum/mat"
)

// loopRequest is a loop candidate pair received over MQTT
type loopRequest struct {
	current   slam.KeyframeID
	candidate slam.KeyframeID
}

// App encapsulates the application state and dependencies
type App struct {
	Config     *slam.Config
	Scene      *slam.SyntheticScene
	Map        *slam.Map
	Closer     *slam.LoopCloser
	Publisher  *slam.LoopPublisher
	MQTTClient *slam.MQTTClient

	out io.Writer

	// CLI Flags (effectively dependencies)
	ConfigFile    string
	Keyframes     int
	Seed          int64
	HttpPort      int
	MqttMode      bool
	HttpMode      bool
	StatsInterval time.Duration
}

// NewApp creates a new App writing its reports to out
func NewApp(out io.Writer) *App {
	return &App{
		out:           out,
		ConfigFile:    "config.yaml",
		HttpPort:      8080,
		StatsInterval: 30 * time.Second,
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.Keyframes = opts.Keyframes
	a.Seed = opts.Seed
	a.HttpPort = opts.HttpPort
	a.MqttMode = opts.MqttMode
	a.HttpMode = opts.HttpMode
}

// loadConfig reads ConfigFile, or the defaults when it does not exist, and
// applies the flag overrides.
func (a *App) loadConfig() error {
	cfg := slam.DefaultConfig()
	if _, err := os.Stat(a.ConfigFile); err == nil {
		loaded, err := slam.LoadConfig(a.ConfigFile)
		if err != nil {
			return err
		}
		cfg = loaded
		log.Printf("Loaded config from %s", a.ConfigFile)
	} else if os.IsNotExist(err) {
		log.Printf("Config %s not found, using defaults", a.ConfigFile)
	} else {
		return fmt.Errorf("checking config file: %w", err)
	}

	if a.Keyframes > 0 {
		cfg.Simulation.Keyframes = a.Keyframes
	}
	if a.Seed != 0 {
		cfg.Simulation.Seed = a.Seed
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.Config = cfg
	return nil
}

// setup builds the scene, an empty map and a loop closer that records events
// in a publisher. The publisher has no broker until RunService connects one.
func (a *App) setup() error {
	if err := a.loadConfig(); err != nil {
		return err
	}

	cam, err := slam.NewCamera(a.Config.Camera)
	if err != nil {
		return fmt.Errorf("camera: %w", err)
	}
	pyramid := slam.NewScalePyramid(a.Config.Pyramid.Levels, a.Config.Pyramid.ScaleFactor)
	scene, err := slam.NewSyntheticScene(a.Config.Simulation, cam, pyramid)
	if err != nil {
		return fmt.Errorf("synthetic scene: %w", err)
	}

	a.Scene = scene
	a.Map = slam.NewMap(a.Config.Graph)
	a.Publisher = slam.NewLoopPublisher(nil, a.Config.MQTT.PublishPrefix)
	a.Closer = slam.NewLoopCloser(a.Map, a.Config.Solver, a.Publisher)
	return nil
}

// RunSimulate runs tracking, local mapping and loop closing over the
// synthetic scene and prints the resulting graph
func (a *App) RunSimulate() error {
	if err := a.setup(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	report, err := slam.NewPipeline(a.Map, a.Scene, a.Closer).Run(ctx)
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	treeErr := a.Map.ValidateSpanningTree()

	fmt.Fprintf(a.out, "\nSimulation (%d keyframes, %d landmarks, %s)\n",
		a.Config.Simulation.Keyframes, a.Config.Simulation.Landmarks, time.Since(start).Round(time.Millisecond))
	fmt.Fprintln(a.out, "==========")
	fmt.Fprintf(a.out, "Inserted:        %d\n", report.Inserted)
	fmt.Fprintf(a.out, "Culled:          %d (%d deferred)\n", report.Culled, report.CullsDeferred)
	fmt.Fprintf(a.out, "Loops:           %d accepted, %d rejected, %d skipped\n",
		report.LoopsAccepted, report.LoopsRejected, report.LoopsSkipped)
	fmt.Fprintf(a.out, "Keyframes:       %d\n", report.Stats.Keyframes)
	fmt.Fprintf(a.out, "Landmarks:       %d\n", report.Stats.Landmarks)
	fmt.Fprintf(a.out, "Covisibilities:  %d\n", report.Stats.Connections)
	fmt.Fprintf(a.out, "Spanning edges:  %d\n", report.Stats.SpanningEdges)
	fmt.Fprintf(a.out, "Loop edges:      %d\n", report.Stats.LoopEdges)
	fmt.Fprintf(a.out, "Components:      %d\n", report.Components)
	if treeErr != nil {
		fmt.Fprintf(a.out, "Spanning tree:   INVALID (%v)\n", treeErr)
	} else {
		fmt.Fprintln(a.out, "Spanning tree:   ok")
	}

	for _, ev := range a.Publisher.RecentEvents() {
		fmt.Fprintf(a.out, "  loop %d -> %d: %d/%d inliers, scale %.4f\n",
			ev.Current, ev.Candidate, ev.Inliers, ev.CommonPoints, ev.Scale)
	}
	return treeErr
}

// RunVerify populates the map with the whole scene and verifies the loop
// candidate of one keyframe
func (a *App) RunVerify(current slam.KeyframeID) error {
	if err := a.setup(); err != nil {
		return err
	}
	if err := a.Scene.Populate(a.Map); err != nil {
		return fmt.Errorf("populating map: %w", err)
	}

	cand, ok := a.Scene.LoopCandidate(a.Map, current)
	if !ok {
		return fmt.Errorf("keyframe %d has no loop candidate in the synthetic scene", current)
	}
	result, err := a.Closer.Verify(cand)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "\nLoop %d -> %d\n", cand.Current, cand.Candidate)
	fmt.Fprintln(a.out, "==========")
	fmt.Fprintf(a.out, "Valid:    %v\n", result.Valid)
	fmt.Fprintf(a.out, "Inliers:  %d/%d\n", result.NumInliers, len(result.Inliers))
	if !result.Valid {
		return nil
	}
	fmt.Fprintf(a.out, "Scale:    %.6f\n", result.Scale21)
	fmt.Fprintf(a.out, "t21:      (%.4f, %.4f, %.4f)\n", result.Trans21.X, result.Trans21.Y, result.Trans21.Z)
	fmt.Fprintf(a.out, "R21:      %.4f\n", mat.Formatted(result.Rot21, mat.Prefix("          ")))
	return nil
}

// RunService populates the map from the synthetic scene, then serves loop
// requests over MQTT and the graph over HTTP until interrupted
func (a *App) RunService() error {
	if !a.MqttMode && !a.HttpMode {
		return errors.New("service mode needs --mqtt or --http")
	}
	if err := a.setup(); err != nil {
		return err
	}
	if err := a.Scene.Populate(a.Map); err != nil {
		return fmt.Errorf("populating map: %w", err)
	}
	stats := a.Map.Stats()
	log.Printf("Map populated: %d keyframes, %d landmarks, %d covisibilities",
		stats.Keyframes, stats.Landmarks, stats.Connections)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if a.MqttMode {
		requests := make(chan loopRequest, 16)
		client, err := slam.InitMQTT(a.Config.MQTT, func(current, candidate slam.KeyframeID) {
			select {
			case requests <- loopRequest{current: current, candidate: candidate}:
			default:
				log.Printf("[MQTT] dropping loop request %d -> %d: queue full", current, candidate)
			}
		})
		if err != nil {
			return fmt.Errorf("initializing MQTT: %w", err)
		}
		if client == nil {
			return errors.New("MQTT broker not configured (set mqtt.broker or MQTT_BROKER)")
		}
		a.MQTTClient = client
		a.Publisher = slam.NewLoopPublisher(client.GetClient(), a.Config.MQTT.PublishPrefix)
		a.Closer = slam.NewLoopCloser(a.Map, a.Config.Solver, a.Publisher)

		go a.serveLoopRequests(ctx, requests)
		go a.publishStats(ctx, a.StatsInterval)
		fmt.Fprintln(a.out, "MQTT loop publisher initialized")
	}

	var server *http.Server
	if a.HttpMode {
		server = &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%d", a.HttpPort),
			Handler:           newHTTPServer(a.Map, a.Publisher),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Printf("[HTTP] Starting server on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("[HTTP] Server error: %v", err)
				stop()
			}
		}()
	}

	fmt.Fprintln(a.out, "\nService Running")
	fmt.Fprintln(a.out, "===============")
	if a.MqttMode {
		prefix := a.Publisher.Prefix()
		fmt.Fprintln(a.out, "\nMQTT:")
		fmt.Fprintf(a.out, "  Subscribed to:  %s\n", a.MQTTClient.RequestTopic())
		fmt.Fprintf(a.out, "  Loop closures:  %s/loops\n", prefix)
		fmt.Fprintf(a.out, "  Graph stats:    %s/stats\n", prefix)
	}
	if a.HttpMode {
		fmt.Fprintf(a.out, "\nHTTP endpoints (port %d):\n", a.HttpPort)
		fmt.Fprintln(a.out, "  GET /health          - Health check")
		fmt.Fprintln(a.out, "  GET /graph           - Map and graph statistics")
		fmt.Fprintln(a.out, "  GET /keyframes/{id}  - Covisibility and spanning tree of one keyframe")
		fmt.Fprintln(a.out, "  GET /loops           - Recent loop closures")
		fmt.Fprintln(a.out, "  GET /metrics         - Prometheus metrics")
	}
	fmt.Fprintln(a.out, "\nPress Ctrl+C to stop")

	<-ctx.Done()

	fmt.Fprintln(a.out, "\nShutting down service...")
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[HTTP] Shutdown: %v", err)
		}
	}
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	fmt.Fprintln(a.out, "Service stopped")
	return nil
}

// loopCandidate builds the candidate for a requested pair. A loop known to the
// synthetic scene uses its matches; any other pair matches every landmark of
// current that candidate also observes.
func (a *App) loopCandidate(current, candidate slam.KeyframeID) (slam.LoopCandidate, error) {
	if cand, ok := a.Scene.LoopCandidate(a.Map, current); ok && cand.Candidate == candidate {
		return cand, nil
	}
	kf, ok := a.Map.Keyframe(current)
	if !ok {
		return slam.LoopCandidate{}, fmt.Errorf("keyframe %d: %w", current, slam.ErrKeyframeNotFound)
	}
	cand := slam.LoopCandidate{
		Current:   current,
		Candidate: candidate,
		Matches:   make([]*slam.Landmark, kf.NumFeatures()),
	}
	for idx := range cand.Matches {
		if lm := kf.LandmarkAt(idx); lm != nil && lm.IsObservedIn(candidate) {
			cand.Matches[idx] = lm
		}
	}
	return cand, nil
}

func (a *App) verifyRequest(req loopRequest) {
	cand, err := a.loopCandidate(req.current, req.candidate)
	if err != nil {
		log.Printf("[LOOP] request %d -> %d: %v", req.current, req.candidate, err)
		return
	}
	if _, err := a.Closer.Verify(cand); err != nil {
		log.Printf("[LOOP] request %d -> %d: %v", req.current, req.candidate, err)
	}
}

// serveLoopRequests verifies requests one at a time in arrival order
func (a *App) serveLoopRequests(ctx context.Context, requests <-chan loopRequest) {
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-requests:
			if !ok {
				return
			}
			a.verifyRequest(req)
		}
	}
}

func (a *App) publishStats(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Publisher.PublishStats(a.Map.Stats()); err != nil {
				log.Printf("[MQTT] publishing stats: %v", err)
			}
		}
	}
}
