package render

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"tailscale.com/tsweb"

	"github.com/banshee-data/race.oracle/internal/httputil"
	"github.com/banshee-data/race.oracle/internal/playback"
	"github.com/banshee-data/race.oracle/internal/race"
	"github.com/banshee-data/race.oracle/internal/track"
	"github.com/banshee-data/race.oracle/internal/units"
)

// EchartsAssetsHost is where rendered pages load the echarts scripts from.
var EchartsAssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

// Controls is the playback surface the dashboard reads and drives.
// *playback.Controller satisfies it.
type Controls interface {
	State() playback.State
	RaceState() *race.RaceState
	SelectScenario(id int) error
	Play() error
	Pause() error
	Seek(t float64) error
	SetSpeed(s float64) error
}

// Dashboard serves the live race view.
type Dashboard struct {
	ctl         Controls
	mapper      *track.Mapper
	viewport    track.Viewport
	interpolate bool
	speedUnit   string
}

// NewDashboard returns a Dashboard drawing ctl's race state on m.
// Driver speeds are shown in km/h until SetSpeedUnit says otherwise.
func NewDashboard(ctl Controls, m *track.Mapper, vp track.Viewport, interpolate bool) *Dashboard {
	return &Dashboard{ctl: ctl, mapper: m, viewport: vp, interpolate: interpolate, speedUnit: units.KPH}
}

// SetSpeedUnit selects the unit driver speeds are displayed in.
func (d *Dashboard) SetSpeedUnit(unit string) error {
	if !units.IsValid(unit) {
		return fmt.Errorf("invalid speed unit %q, want one of %s", unit, units.GetValidUnitsString())
	}
	d.speedUnit = unit
	return nil
}

// Frame builds the frame for the current race state.
func (d *Dashboard) Frame() Frame {
	return BuildFrame(d.ctl.RaceState(), d.mapper, d.viewport, d.interpolate)
}

type stateResponse struct {
	State string `json:"state"`
	Frame Frame  `json:"frame"`
}

// Routes registers the public pages on mux.
func (d *Dashboard) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/", d.handleChart)
	mux.HandleFunc("/api/state", d.handleState)
	mux.HandleFunc("/api/control", d.handleControl)
	mux.HandleFunc("/frame.png", d.handleImage(FormatPNG))
	mux.HandleFunc("/frame.svg", d.handleImage(FormatSVG))
}

func (d *Dashboard) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stateResponse{State: d.ctl.State().String(), Frame: d.Frame()})
}

func (d *Dashboard) handleImage(format string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}
		var buf bytes.Buffer
		if err := WriteImage(&buf, d.Frame(), format); err != nil {
			httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render error: %v", err))
			return
		}
		if format == FormatSVG {
			w.Header().Set("Content-Type", "image/svg+xml")
		} else {
			w.Header().Set("Content-Type", "image/png")
		}
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write(buf.Bytes())
	}
}

// handleChart renders the track and vehicles as an echarts scatter page.
func (d *Dashboard) handleChart(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	f := d.Frame()

	subtitle := "waiting for race"
	if !f.Waiting {
		subtitle = fmt.Sprintf("scenario=%d t=%.1f/%.1fs speed=%gx state=%s",
			f.ScenarioID, f.Time, f.MaxTime, f.Speed, d.ctl.State())
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			PageTitle:  "race.oracle",
			Theme:      "dark",
			Width:      fmt.Sprintf("%.0fpx", f.Viewport.Width),
			Height:     fmt.Sprintf("%.0fpx", f.Viewport.Height),
			AssetsHost: EchartsAssetsHost,
		}),
		charts.WithTitleOpts(opts.Title{Title: f.TrackName, Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: 0, Max: f.Viewport.Width, Show: opts.Bool(false)}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: f.Viewport.Height, Show: opts.Bool(false)}),
	)

	// echarts' y axis grows upwards; screen coordinates grow downwards.
	flipY := func(y float64) float64 { return f.Viewport.Height - y }

	outline := make([]opts.ScatterData, 0, len(f.Path))
	for _, p := range f.Path {
		outline = append(outline, opts.ScatterData{Value: []interface{}{p.X, flipY(p.Y)}})
	}
	scatter.AddSeries("track", outline,
		charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 3}),
		charts.WithItemStyleOpts(opts.ItemStyle{Color: "#5a5a5a"}),
	)

	for _, m := range f.Markers {
		scatter.AddSeries(m.DriverID, []opts.ScatterData{{
			Name: fmt.Sprintf("P%d %s %.0f %s lap %d", m.Position, m.Name,
				units.FromKPH(m.SpeedKph, d.speedUnit), units.Label(d.speedUnit), m.Lap),
			Value: []interface{}{m.Screen.X, flipY(m.Screen.Y)},
		}},
			charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 14}),
			charts.WithItemStyleOpts(opts.ItemStyle{Color: m.Color}),
		)
	}

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleControl applies one playback command from a form POST:
// command=select|play|pause|seek|speed with value for the ones that take one.
func (d *Dashboard) handleControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	command := strings.TrimSpace(r.FormValue("command"))
	value := strings.TrimSpace(r.FormValue("value"))
	if err := d.apply(command, value); err != nil {
		status := http.StatusConflict
		if isBadRequest(err) {
			status = http.StatusBadRequest
		}
		httputil.WriteJSONError(w, status, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"state": d.ctl.State().String()})
}

type badRequest struct{ msg string }

func (e badRequest) Error() string { return e.msg }

func isBadRequest(err error) bool {
	var br badRequest
	return errors.As(err, &br) ||
		errors.Is(err, playback.ErrInvalidSeek) ||
		errors.Is(err, playback.ErrInvalidSpeed) ||
		errors.Is(err, playback.ErrUnknownScenario)
}

func (d *Dashboard) apply(command, value string) error {
	switch strings.ToLower(command) {
	case "play":
		return d.ctl.Play()
	case "pause":
		return d.ctl.Pause()
	case "select":
		id, err := strconv.Atoi(value)
		if err != nil {
			return badRequest{fmt.Sprintf("invalid scenario id %q", value)}
		}
		return d.ctl.SelectScenario(id)
	case "seek":
		t, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return badRequest{fmt.Sprintf("invalid time %q", value)}
		}
		return d.ctl.Seek(t)
	case "speed":
		s, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return badRequest{fmt.Sprintf("invalid speed %q", value)}
		}
		return d.ctl.SetSpeed(s)
	case "":
		return badRequest{"missing command"}
	}
	return badRequest{fmt.Sprintf("unknown command %q", command)}
}

var sendCommandTemplate = template.Must(template.New("send-command").Parse(`<!DOCTYPE html>
<html>
<head><title>race.oracle: send command</title></head>
<body>
<h1>Playback</h1>
<p>State: {{.State}}</p>
<form method="POST" action="send-command-api">
  <select name="command">
    <option value="play">play</option>
    <option value="pause">pause</option>
    <option value="select">select scenario</option>
    <option value="seek">seek (s)</option>
    <option value="speed">speed (x)</option>
  </select>
  <input name="value" placeholder="value">
  <button type="submit">Send</button>
</form>
</body>
</html>
`))

// AttachAdminRoutes registers the debug pages under /debug/ via tsweb,
// which limits them to local and tailnet callers.
func (d *Dashboard) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("race-state", "current race snapshot as JSON", func(w http.ResponseWriter, r *http.Request) {
		state := d.ctl.RaceState()
		if state == nil {
			httputil.WriteJSONError(w, http.StatusNotFound, "no race in progress")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, state)
	})

	debug.HandleFunc("send-command", "send a playback command to the engine", func(w http.ResponseWriter, r *http.Request) {
		buf := bytes.NewBuffer(nil)
		if err := sendCommandTemplate.Execute(buf, struct{ State string }{d.ctl.State().String()}); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = buf.WriteTo(w)
	})

	debug.HandleSilentFunc("send-command-api", d.handleControl)
}
