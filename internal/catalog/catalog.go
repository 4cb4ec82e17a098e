// Package catalog fetches the engine's scenario list and track documents.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/banshee-data/race.oracle/internal/httputil"
	"github.com/banshee-data/race.oracle/internal/monitoring"
	"github.com/banshee-data/race.oracle/internal/race"
	"github.com/banshee-data/race.oracle/internal/track"
)

// Engine document paths.
const (
	ScenariosPath = "/data/scenarios"
	TracksPath    = "/data/tracks"
	TrackFilePath = "/tracks/"
)

var logf = monitoring.Component("catalog")

// LoadError reports a failed document fetch. The catalog stays empty and
// Load may be retried.
type LoadError struct {
	URL string
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("catalog load %s: %v", e.URL, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

type scenariosDoc struct {
	Scenarios []race.Scenario `json:"scenarios"`
}

type tracksDoc struct {
	Tracks []race.TrackInfo `json:"tracks"`
}

// Catalog holds the scenarios offered by one engine. It is filled by the
// first successful Load and never refreshed afterwards.
type Catalog struct {
	baseURL string
	client  httputil.HTTPClient

	mu        sync.RWMutex
	loaded    bool
	scenarios []race.Scenario
	byID      map[int]int
}

// New returns an empty catalog for the engine at baseURL. A nil client
// uses http.DefaultClient.
func New(baseURL string, client httputil.HTTPClient) *Catalog {
	if client == nil {
		client = httputil.NewStandardClient(nil)
	}
	return &Catalog{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

// BaseURL returns the engine's http base URL.
func (c *Catalog) BaseURL() string { return c.baseURL }

// Load fetches the scenario list once. Later calls return the cached list
// without a request.
func (c *Catalog) Load(ctx context.Context) ([]race.Scenario, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return cloneScenarios(c.scenarios), nil
	}

	u := c.baseURL + ScenariosPath
	var doc scenariosDoc
	if err := httputil.FetchJSON(ctx, c.client, u, &doc); err != nil {
		logf("failed to load scenarios: %v", err)
		return nil, &LoadError{URL: u, Err: err}
	}
	if doc.Scenarios == nil {
		err := errors.New(`missing "scenarios" field`)
		return nil, &LoadError{URL: u, Err: err}
	}

	byID := make(map[int]int, len(doc.Scenarios))
	for i, s := range doc.Scenarios {
		if _, dup := byID[s.ScenarioID]; dup {
			logf("duplicate scenario id %d, keeping the first", s.ScenarioID)
			continue
		}
		byID[s.ScenarioID] = i
	}
	c.scenarios = doc.Scenarios
	c.byID = byID
	c.loaded = true
	logf("loaded %d scenarios from %s", len(doc.Scenarios), u)
	return cloneScenarios(c.scenarios), nil
}

// Loaded reports whether a Load has succeeded.
func (c *Catalog) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded
}

// Scenarios returns the cached list in engine order, or nil before Load.
func (c *Catalog) Scenarios() []race.Scenario {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneScenarios(c.scenarios)
}

// Lookup returns the scenario with id.
func (c *Catalog) Lookup(id int) (race.Scenario, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, ok := c.byID[id]
	if !ok {
		return race.Scenario{}, false
	}
	return c.scenarios[i], true
}

// Contains reports whether id is in the catalog.
func (c *Catalog) Contains(id int) bool {
	_, ok := c.Lookup(id)
	return ok
}

// FirstWithDrivers returns the first scenario with exactly n drivers. When
// none matches it falls back to the scenario whose field size is closest
// to n, preferring the earlier one. ok is false only for an empty catalog.
func (c *Catalog) FirstWithDrivers(n int) (race.Scenario, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.scenarios) == 0 {
		return race.Scenario{}, false
	}
	best := 0
	bestDiff := -1
	for i, s := range c.scenarios {
		diff := s.NumDrivers - n
		if diff < 0 {
			diff = -diff
		}
		if bestDiff < 0 || diff < bestDiff {
			best, bestDiff = i, diff
		}
		if diff == 0 {
			break
		}
	}
	return c.scenarios[best], true
}

// Tracks lists the track documents the engine can serve.
func (c *Catalog) Tracks(ctx context.Context) ([]race.TrackInfo, error) {
	u := c.baseURL + TracksPath
	var doc tracksDoc
	if err := httputil.FetchJSON(ctx, c.client, u, &doc); err != nil {
		return nil, &LoadError{URL: u, Err: err}
	}
	return doc.Tracks, nil
}

// FetchTrack downloads and validates the geometry document named file.
func (c *Catalog) FetchTrack(ctx context.Context, file string) (*track.Geometry, error) {
	if file == "" || strings.ContainsAny(file, "/\\") {
		return nil, fmt.Errorf("invalid track file name %q", file)
	}
	u := c.baseURL + TrackFilePath + url.PathEscape(file)
	var g track.Geometry
	if err := httputil.FetchJSON(ctx, c.client, u, &g); err != nil {
		return nil, &LoadError{URL: u, Err: err}
	}
	logf("loaded track %q: %d points, %.0fm", g.Name(), g.Len(), g.TotalLength())
	return &g, nil
}

func cloneScenarios(in []race.Scenario) []race.Scenario {
	if in == nil {
		return nil
	}
	out := make([]race.Scenario, len(in))
	copy(out, in)
	return out
}
