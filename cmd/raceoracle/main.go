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

	"github.com/banshee-data/race.oracle/internal/catalog"
	"github.com/banshee-data/race.oracle/internal/config"
	"github.com/banshee-data/race.oracle/internal/httputil"
	"github.com/banshee-data/race.oracle/internal/link"
	"github.com/banshee-data/race.oracle/internal/playback"
	"github.com/banshee-data/race.oracle/internal/render"
	"github.com/banshee-data/race.oracle/internal/security"
	"github.com/banshee-data/race.oracle/internal/track"
	"github.com/banshee-data/race.oracle/internal/version"
)

var (
	configFile  = flag.String("config", "", "Path to a JSON config file (see config/raceoracle.defaults.json)")
	engineURL   = flag.String("engine", "", "Simulation engine base URL (overrides engine_url)")
	listen      = flag.String("listen", ":8088", "Dashboard listen address")
	scenarioID  = flag.Int("scenario", -1, "Scenario to select on connect (-1 picks one matching num_drivers)")
	trackFile   = flag.String("track", "", "Track document to load (defaults to the configured circuit)")
	snapshot    = flag.String("snapshot", "", "Write the last frame to this .png or .svg file on exit")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

const (
	fetchTimeout       = 10 * time.Second
	catalogRetryPeriod = 5 * time.Second
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("raceoracle %s\n", version.String())
		return
	}

	cfg := &config.Config{}
	if *configFile != "" {
		var err error
		cfg, err = config.Load(*configFile)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}
	client, sim := &cfg.Client, &cfg.Simulation
	if *snapshot != "" {
		if err := security.ValidateExportPath(*snapshot); err != nil {
			log.Fatalf("refusing -snapshot: %v", err)
		}
	}

	base := client.GetEngineURL()
	if *engineURL != "" {
		base = *engineURL
	}
	sessionURL, err := link.SessionURL(base)
	if err != nil {
		log.Fatalf("bad engine URL: %v", err)
	}
	log.Printf("raceoracle %s: engine %s, circuit %s, %s weather, chaos %d, %s tires",
		version.Version, base, sim.GetCircuit(), sim.GetWeather(), sim.GetChaosLevel(), sim.GetTireCompound())

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cat := catalog.New(base, httputil.NewStandardClient(&http.Client{Timeout: fetchTimeout}))

	file := *trackFile
	if file == "" {
		file = sim.GetCircuit().TrackFile()
	}
	mapper := track.NewMapper(nil, client.GetPadding())
	viewport := track.Viewport{Width: client.GetViewportWidth(), Height: client.GetViewportHeight()}

	l := link.New(sessionURL,
		link.WithWriteTimeout(client.GetWriteTimeout()),
		link.WithHandshakeTimeout(client.GetHandshakeTimeout()),
	)
	ctl := playback.New(l, cat,
		playback.WithAckTimeout(client.GetAckTimeout()),
		playback.WithSpeedRange(client.GetMinSpeed(), client.GetMaxSpeed()),
		playback.WithRejectRegressions(client.GetRejectRegressions()),
	)
	ctl.OnEvent(func(ev playback.Event) {
		switch ev.Kind {
		case playback.ScenarioConfirmed:
			log.Printf("engine confirmed scenario %d", ev.ScenarioID)
		case playback.Failure:
			log.Printf("playback error: %v", ev.Err)
			var ce *link.ConnectionError
			if errors.As(ev.Err, &ce) {
				// No automatic reconnect: a lost engine ends the run.
				stop()
			}
		}
	})

	if err := ctl.Connect(ctx); err != nil {
		log.Fatalf("failed to connect to engine: %v", err)
	}

	// Load the catalog and track, retrying until both arrive, then pick a
	// scenario. Playback controls stay disabled until the catalog is in.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if !loadDocuments(ctx, cat, mapper, file, catalogRetryPeriod) {
			log.Print("catalog routine terminated")
			return
		}
		id, ok := chooseScenario(cat, *scenarioID, sim.GetNumDrivers())
		if !ok {
			log.Print("engine offers no scenarios")
			return
		}
		if err := ctl.SelectScenario(id); err != nil {
			log.Printf("failed to select scenario %d: %v", id, err)
		}
	}()

	dashboard := render.NewDashboard(ctl, mapper, viewport, client.GetInterpolate())
	if err := dashboard.SetSpeedUnit(client.GetSpeedUnit()); err != nil {
		log.Fatalf("invalid speed unit: %v", err)
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()
		dashboard.Routes(mux)
		dashboard.AttachAdminRoutes(mux)

		server := &http.Server{
			Addr:    *listen,
			Handler: mux,
		}

		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()
		log.Printf("dashboard listening on %s", *listen)

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
	}()

	<-ctx.Done()

	if *snapshot != "" {
		if err := render.SaveImage(*snapshot, dashboard.Frame()); err != nil {
			log.Printf("failed to write snapshot: %v", err)
		} else {
			log.Printf("wrote %s", *snapshot)
		}
	}
	if err := ctl.Close(); err != nil {
		log.Printf("failed to close engine session: %v", err)
	}

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}

// loadDocuments fetches the scenario catalog and the track document,
// retrying whichever is still missing every period. The track is swapped
// into mapper when it arrives. It returns false if ctx ends first.
func loadDocuments(ctx context.Context, cat *catalog.Catalog, mapper *track.Mapper, file string, period time.Duration) bool {
	for {
		if !cat.Loaded() {
			if _, err := cat.Load(ctx); err != nil {
				log.Printf("scenario catalog unavailable, controls disabled: %v", err)
			}
		}
		if !mapper.Ready() {
			if g, err := cat.FetchTrack(ctx, file); err != nil {
				log.Printf("failed to load track %s, vehicles will not be placed: %v", file, err)
			} else {
				mapper.SetGeometry(g)
				log.Printf("loaded track %s (%d points)", g.Name(), g.Len())
			}
		}
		if cat.Loaded() && mapper.Ready() {
			return true
		}
		select {
		case <-time.After(period):
		case <-ctx.Done():
			return false
		}
	}
}

// chooseScenario returns the scenario to select on startup: the explicit
// id when one was given, else the first whose field size best matches
// numDrivers (0 means the first offered).
func chooseScenario(cat *catalog.Catalog, explicit, numDrivers int) (int, bool) {
	if explicit >= 0 {
		return explicit, true
	}
	if numDrivers <= 0 {
		scenarios := cat.Scenarios()
		if len(scenarios) == 0 {
			return 0, false
		}
		return scenarios[0].ScenarioID, true
	}
	s, ok := cat.FirstWithDrivers(numDrivers)
	return s.ScenarioID, ok
}
