// Recording captures an interactive session as a sequence of timestamped
// input/output events so it can be replayed later, and Player drives a vt
// emulator from a captured recording to reproduce the session frame by
// frame.
package terminal

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"sandboxd/internal/terminal/vt"
)

// EventKind distinguishes bytes written to the client from bytes the client
// sent in.
type EventKind string

const (
	EventOutput EventKind = "output"
	EventInput  EventKind = "input"
)

// Event is the internal representation of one recorded event: what kind of
// traffic it was, its payload, and its offset from the start of the
// recording.
type Event struct {
	Kind    EventKind
	Payload []byte
	Offset  time.Duration
}

// wireEvent is the JSON-serialized form of Event. Field names intentionally
// differ from the Go struct: this is the on-disk/over-the-wire recording
// format, kept stable independent of internal naming.
type wireEvent struct {
	Type string  `json:"type"`
	Data string  `json:"data"` // base64-encoded payload
	Time float64 `json:"time"` // seconds since recording start
}

// Recording is the JSON document a Recorder produces and a Player consumes.
type Recording struct {
	Rows     int         `json:"rows"`
	Cols     int         `json:"cols"`
	Duration float64     `json:"duration"`
	Events   []wireEvent `json:"events"`
}

// Recorder accumulates events as a session runs. It is installed as a pair
// of callbacks on the session transport: one fed every chunk of PTY output,
// one fed every chunk of client input.
type Recorder struct {
	mu     sync.Mutex
	rows   int
	cols   int
	start  time.Time
	events []Event
}

// NewRecorder starts a recording at the given terminal dimensions.
func NewRecorder(rows, cols int) *Recorder {
	return &Recorder{rows: rows, cols: cols, start: time.Now()}
}

// RecordOutput appends an output event at the current monotonic offset.
func (r *Recorder) RecordOutput(payload []byte) {
	r.record(EventOutput, payload)
}

// RecordInput appends an input event at the current monotonic offset.
func (r *Recorder) RecordInput(payload []byte) {
	r.record(EventInput, payload)
}

func (r *Recorder) record(kind EventKind, payload []byte) {
	cp := make([]byte, len(payload))
	copy(cp, payload)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{
		Kind:    kind,
		Payload: cp,
		Offset:  time.Since(r.start),
	})
}

// Events returns a snapshot of the recorded events so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Recording builds the serializable document for everything recorded so
// far. duration is the caller-supplied total session length; if zero, the
// offset of the last event is used.
func (r *Recorder) Recording(duration time.Duration) *Recording {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := &Recording{Rows: r.rows, Cols: r.cols}
	for _, e := range r.events {
		rec.Events = append(rec.Events, wireEvent{
			Type: string(e.Kind),
			Data: base64.StdEncoding.EncodeToString(e.Payload),
			Time: e.Offset.Seconds(),
		})
	}
	if duration > 0 {
		rec.Duration = duration.Seconds()
	} else if len(r.events) > 0 {
		rec.Duration = r.events[len(r.events)-1].Offset.Seconds()
	}
	return rec
}

// JSON marshals the current recording.
func (r *Recorder) JSON(duration time.Duration) ([]byte, error) {
	return json.Marshal(r.Recording(duration))
}

// Player replays a recording through a vt.Terminal, one event at a time,
// either at a fixed wall-clock rate or jumped to an arbitrary offset.
type Player struct {
	mu      sync.Mutex
	rec     *Recording
	events  []Event
	term    *vt.Terminal
	pos     time.Duration
	speed   float64
	playing bool
	stopCh  chan struct{}
}

// NewPlayer parses a recording document and prepares a player for it.
func NewPlayer(data []byte) (*Player, error) {
	var rec Recording
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse recording: %w", err)
	}

	events := make([]Event, 0, len(rec.Events))
	for _, we := range rec.Events {
		payload, err := base64.StdEncoding.DecodeString(we.Data)
		if err != nil {
			return nil, fmt.Errorf("decode event payload: %w", err)
		}
		events = append(events, Event{
			Kind:    EventKind(we.Type),
			Payload: payload,
			Offset:  time.Duration(we.Time * float64(time.Second)),
		})
	}

	return &Player{
		rec:   &rec,
		events: events,
		term:  vt.New(rec.Rows, rec.Cols),
		speed: 1.0,
	}, nil
}

// Duration returns the recording's total length.
func (p *Player) Duration() time.Duration {
	return time.Duration(p.rec.Duration * float64(time.Second))
}

// SetSpeed adjusts playback rate; 1.0 is real time, 2.0 is double speed.
func (p *Player) SetSpeed(speed float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if speed <= 0 {
		speed = 1.0
	}
	p.speed = speed
}

// Seek resets the emulator and fast-forwards through every event whose
// offset is at most t, without any real-time delay.
func (p *Player) Seek(t time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.term = vt.New(p.rec.Rows, p.rec.Cols)
	for _, e := range p.events {
		if e.Offset > t {
			break
		}
		if e.Kind == EventOutput {
			p.term.Write(e.Payload)
		}
	}
	p.pos = t
}

// TickFunc is invoked once per replayed event with the current playback
// position and the emulator's current HTML rendering.
type TickFunc func(position time.Duration, html string)

// Play resumes playback from the current position, firing output events
// into the emulator and calling onTick after each one, until the context is
// canceled, Stop is called, or the recording ends. Calling Stop and then
// Play again resumes from wherever playback had reached.
func (p *Player) Play(ctx context.Context, onTick TickFunc) {
	p.mu.Lock()
	if p.playing {
		p.mu.Unlock()
		return
	}
	p.playing = true
	stopCh := make(chan struct{})
	p.stopCh = stopCh
	startPos := p.pos
	speed := p.speed
	p.mu.Unlock()

	go func() {
		defer func() {
			p.mu.Lock()
			p.playing = false
			p.mu.Unlock()
		}()

		wallStart := time.Now()
		for _, e := range p.events {
			if e.Offset < startPos || (startPos > 0 && e.Offset == startPos) {
				continue
			}

			wait := time.Duration(float64(e.Offset-startPos) / speed)
			deadline := wallStart.Add(wait)
			if d := time.Until(deadline); d > 0 {
				timer := time.NewTimer(d)
				select {
				case <-timer.C:
				case <-stopCh:
					timer.Stop()
					return
				case <-ctx.Done():
					timer.Stop()
					return
				}
			}

			p.mu.Lock()
			if e.Kind == EventOutput {
				p.term.Write(e.Payload)
			}
			p.pos = e.Offset
			html := p.term.HTML()
			p.mu.Unlock()

			if onTick != nil {
				onTick(e.Offset, html)
			}
		}
	}()
}

// Stop halts playback. Position is preserved so a later Play resumes where
// this left off.
func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.playing || p.stopCh == nil {
		return
	}
	close(p.stopCh)
	p.stopCh = nil
}

// Position returns the current playback offset.
func (p *Player) Position() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pos
}

// HTML returns the emulator's current rendering.
func (p *Player) HTML() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.term.HTML()
}
