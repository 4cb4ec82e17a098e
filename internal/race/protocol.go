package race

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ErrMalformedMessage is wrapped by every decode failure.
var ErrMalformedMessage = errors.New("malformed message")

// Message type tags used on the wire.
const (
	TypeSelectScenario   = "SELECT_SCENARIO"
	TypePlay             = "PLAY"
	TypePause            = "PAUSE"
	TypeSeek             = "SEEK"
	TypeSetSpeed         = "SET_SPEED"
	TypeScenarioSelected = "SCENARIO_SELECTED"
	TypePlaying          = "PLAYING"
	TypePaused           = "PAUSED"
	TypeSeeked           = "SEEKED"
	TypeSpeedChanged     = "SPEED_CHANGED"
)

// Command is an outbound instruction to the engine. The set of
// implementations is closed: SelectScenario, Play, Pause, Seek, SetSpeed.
type Command interface {
	Type() string
	command()
}

// SelectScenario asks the engine to load a scenario.
type SelectScenario struct{ ScenarioID int }

// Play resumes playback.
type Play struct{}

// Pause halts playback.
type Pause struct{}

// Seek moves playback to Time seconds.
type Seek struct{ Time float64 }

// SetSpeed changes the playback rate multiplier.
type SetSpeed struct{ Speed float64 }

func (SelectScenario) Type() string { return TypeSelectScenario }
func (Play) Type() string           { return TypePlay }
func (Pause) Type() string          { return TypePause }
func (Seek) Type() string           { return TypeSeek }
func (SetSpeed) Type() string       { return TypeSetSpeed }

func (SelectScenario) command() {}
func (Play) command()           {}
func (Pause) command()          {}
func (Seek) command()           {}
func (SetSpeed) command()       {}

type commandJSON struct {
	Type       string   `json:"type"`
	ScenarioID *int     `json:"scenario_id,omitempty"`
	Time       *float64 `json:"time,omitempty"`
	Speed      *float64 `json:"speed,omitempty"`
}

// EncodeCommand renders cmd as one JSON frame.
func EncodeCommand(cmd Command) ([]byte, error) {
	wire := commandJSON{}
	switch c := cmd.(type) {
	case SelectScenario:
		wire.Type = TypeSelectScenario
		wire.ScenarioID = &c.ScenarioID
	case Play:
		wire.Type = TypePlay
	case Pause:
		wire.Type = TypePause
	case Seek:
		wire.Type = TypeSeek
		wire.Time = &c.Time
	case SetSpeed:
		wire.Type = TypeSetSpeed
		wire.Speed = &c.Speed
	default:
		return nil, fmt.Errorf("unsupported command %T", cmd)
	}
	return json.Marshal(wire)
}

// DecodeCommand parses a client frame. It is the engine-side counterpart of
// EncodeCommand.
func DecodeCommand(data []byte) (Command, error) {
	var wire commandJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	switch wire.Type {
	case TypeSelectScenario:
		if wire.ScenarioID == nil {
			return nil, fmt.Errorf("%w: %s without scenario_id", ErrMalformedMessage, wire.Type)
		}
		return SelectScenario{ScenarioID: *wire.ScenarioID}, nil
	case TypePlay:
		return Play{}, nil
	case TypePause:
		return Pause{}, nil
	case TypeSeek:
		if wire.Time == nil {
			return nil, fmt.Errorf("%w: %s without time", ErrMalformedMessage, wire.Type)
		}
		return Seek{Time: *wire.Time}, nil
	case TypeSetSpeed:
		if wire.Speed == nil {
			return nil, fmt.Errorf("%w: %s without speed", ErrMalformedMessage, wire.Type)
		}
		return SetSpeed{Speed: *wire.Speed}, nil
	default:
		return nil, fmt.Errorf("%w: unknown command type %q", ErrMalformedMessage, wire.Type)
	}
}

// Inbound is a decoded engine frame: *Snapshot, ScenarioSelected, Ack or
// Unknown.
type Inbound interface {
	inbound()
}

// Snapshot wraps a RaceState frame (a frame without a type tag).
type Snapshot struct {
	State *RaceState
}

// ScenarioSelected acknowledges SelectScenario. MaxTime is zero when the
// engine did not report it.
type ScenarioSelected struct {
	ScenarioID int
	MaxTime    float64
}

// Ack is one of the engine's other typed replies (PLAYING, PAUSED, SEEKED,
// SPEED_CHANGED). Value carries SEEKED's time or SPEED_CHANGED's speed.
type Ack struct {
	Kind  string
	Value float64
}

// Unknown is a tagged frame whose tag this client does not recognise.
type Unknown struct {
	Type string
}

func (*Snapshot) inbound()        {}
func (ScenarioSelected) inbound() {}
func (Ack) inbound()              {}
func (Unknown) inbound()          {}

type inboundJSON struct {
	Type       *string  `json:"type"`
	ScenarioID *int     `json:"scenario_id"`
	MaxTime    *float64 `json:"max_time"`
	Time       *float64 `json:"time"`
	Speed      *float64 `json:"speed"`
}

// DecodeInbound classifies an engine frame by the presence of its "type"
// field. A frame without one (or with an empty one) is a RaceState.
func DecodeInbound(data []byte) (Inbound, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: expected a JSON object", ErrMalformedMessage)
	}
	var probe inboundJSON
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	if probe.Type == nil || *probe.Type == "" {
		var state RaceState
		if err := json.Unmarshal(trimmed, &state); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		if err := validateState(&state); err != nil {
			return nil, err
		}
		return &Snapshot{State: &state}, nil
	}

	switch kind := *probe.Type; kind {
	case TypeScenarioSelected:
		if probe.ScenarioID == nil {
			return nil, fmt.Errorf("%w: %s without scenario_id", ErrMalformedMessage, kind)
		}
		msg := ScenarioSelected{ScenarioID: *probe.ScenarioID}
		if probe.MaxTime != nil {
			msg.MaxTime = *probe.MaxTime
		}
		return msg, nil
	case TypePlaying, TypePaused:
		return Ack{Kind: kind}, nil
	case TypeSeeked:
		ack := Ack{Kind: kind}
		if probe.Time != nil {
			ack.Value = *probe.Time
		}
		return ack, nil
	case TypeSpeedChanged:
		ack := Ack{Kind: kind}
		if probe.Speed != nil {
			ack.Value = *probe.Speed
		}
		return ack, nil
	default:
		return Unknown{Type: kind}, nil
	}
}

func validateState(s *RaceState) error {
	for _, v := range []float64{s.Time, s.MaxTime, s.PlaybackSpeed} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite snapshot field", ErrMalformedMessage)
		}
	}
	if s.Time < 0 || s.MaxTime < 0 {
		return fmt.Errorf("%w: negative time (time=%.3f max_time=%.3f)", ErrMalformedMessage, s.Time, s.MaxTime)
	}
	if s.Time > s.MaxTime+1e-9 {
		return fmt.Errorf("%w: time %.3f beyond max_time %.3f", ErrMalformedMessage, s.Time, s.MaxTime)
	}
	return nil
}

// EncodeInbound renders an engine frame. It is used by engine doubles.
func EncodeInbound(msg Inbound) ([]byte, error) {
	switch m := msg.(type) {
	case *Snapshot:
		if m == nil || m.State == nil {
			return nil, errors.New("nil snapshot")
		}
		return json.Marshal(m.State)
	case ScenarioSelected:
		return json.Marshal(struct {
			Type       string  `json:"type"`
			ScenarioID int     `json:"scenario_id"`
			MaxTime    float64 `json:"max_time"`
		}{TypeScenarioSelected, m.ScenarioID, m.MaxTime})
	case Ack:
		wire := map[string]interface{}{"type": m.Kind}
		switch m.Kind {
		case TypeSeeked:
			wire["time"] = m.Value
		case TypeSpeedChanged:
			wire["speed"] = m.Value
		}
		return json.Marshal(wire)
	case Unknown:
		return json.Marshal(map[string]string{"type": m.Type})
	default:
		return nil, fmt.Errorf("unsupported inbound message %T", msg)
	}
}
