// Package player schedules a compiled song onto a synthesizer. A 5 ms
// ticker advances the playhead by speed-scaled wall-clock time and
// dispatches every timeline event that has come due; transport operations
// (play, pause, stop, seek, speed, per-track mute and volume) are
// serialized with tick processing through one mutex, so no two events are
// ever dispatched concurrently and no transport change races the cursor.
package player

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/2018x5zzt/midi-music/pkg/logger"
	"github.com/2018x5zzt/midi-music/pkg/song"
	"github.com/2018x5zzt/midi-music/pkg/synth"
)

// State is the transport state of the player.
type State int

const (
	StateStopped State = iota
	StatePlaying
	StatePaused
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "Stopped"
	case StatePlaying:
		return "Playing"
	case StatePaused:
		return "Paused"
	}
	return "Unknown"
}

// Playback speed bounds. SetSpeed clamps into this range.
const (
	MinSpeed = 0.25
	MaxSpeed = 4.0
)

// tickInterval is the nominal ticker cadence.
const tickInterval = 5 * time.Millisecond

// activeKey identifies a note currently sounding, by the track that
// dispatched it. Needed so muting one track can silence exactly its own
// notes: real-world files put several logical tracks on one MIDI channel,
// and a per-channel cut would silence siblings.
type activeKey struct {
	trackIndex int
	channel    int
	note       int
}

// Player drives a synthesizer from a compiled song's timeline.
type Player struct {
	mu  sync.Mutex
	syn synth.Synth
	log *slog.Logger

	song     *song.Song
	tempoMap *song.TempoMap

	state          State
	currentSeconds float64
	cursor         int
	speed          float64
	lastTickWall   time.Time

	activeNotes map[activeKey]struct{}

	quit chan struct{}

	onStateChanged func(State)
}

// New creates a stopped player over the given synthesizer.
func New(syn synth.Synth) *Player {
	return &Player{
		syn:         syn,
		log:         logger.Component("player"),
		speed:       1.0,
		activeNotes: make(map[activeKey]struct{}),
	}
}

// SetOnStateChanged registers a notification for transport state changes.
// It is invoked outside the player's lock; the handler must not block.
func (p *Player) SetOnStateChanged(fn func(State)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onStateChanged = fn
}

// LoadSong installs a compiled song, stopping any current playback first.
func (p *Player) LoadSong(s *song.Song) error {
	tm, err := song.NewTempoMap(s.TicksPerBeat, s.TempoChanges)
	if err != nil {
		return err
	}

	p.mu.Lock()
	notify := p.stopLocked()
	p.song = s
	p.tempoMap = tm
	p.mu.Unlock()

	p.notify(notify)
	p.log.Info("loaded song",
		"file", s.FileName,
		"tracks", len(s.Tracks),
		"duration", s.TotalSeconds)
	return nil
}

// LoadSoundFont loads a SoundFont into the synthesizer. Failure is surfaced
// to the caller; while the synthesizer reports not ready, Play is rejected.
func (p *Player) LoadSoundFont(path string) error {
	return p.syn.LoadSoundFont(path)
}

// Play starts or resumes playback. Rejected silently when no song is loaded
// or the synthesizer is not ready; a no-op when already playing.
func (p *Player) Play() {
	p.mu.Lock()
	if p.state == StatePlaying {
		p.mu.Unlock()
		return
	}
	if p.song == nil || !p.syn.IsReady() {
		p.mu.Unlock()
		p.log.Debug("play rejected", "songLoaded", p.song != nil, "synthReady", p.syn.IsReady())
		return
	}

	p.state = StatePlaying
	p.lastTickWall = time.Now()
	if p.quit == nil {
		p.quit = make(chan struct{})
		go p.run(p.quit)
	}
	p.mu.Unlock()

	p.notify(true)
}

// Pause halts the playhead and silences hanging notes. Position is kept.
func (p *Player) Pause() {
	p.mu.Lock()
	if p.state != StatePlaying {
		p.mu.Unlock()
		return
	}
	p.haltTickerLocked()
	p.state = StatePaused
	p.allNotesOffLocked()
	p.mu.Unlock()

	p.notify(true)
}

// Stop halts playback and rewinds to the beginning.
func (p *Player) Stop() {
	p.mu.Lock()
	notify := p.stopLocked()
	p.mu.Unlock()

	p.notify(notify)
}

// stopLocked performs the Stop transition. Returns whether the state
// actually changed.
func (p *Player) stopLocked() bool {
	p.haltTickerLocked()
	changed := p.state != StateStopped
	p.state = StateStopped
	p.currentSeconds = 0
	p.cursor = 0
	p.allNotesOffLocked()
	return changed
}

// haltTickerLocked signals the ticker goroutine to exit. Dispatch is
// serialized by p.mu, so once the caller's transition completes no further
// event can be dispatched even if the goroutine has not drained yet.
func (p *Player) haltTickerLocked() {
	if p.quit != nil {
		close(p.quit)
		p.quit = nil
	}
}

func (p *Player) allNotesOffLocked() {
	p.syn.AllNotesOff()
	clear(p.activeNotes)
}

// Seek repositions the playhead, silences hanging notes, and reapplies the
// program changes before the new position so every channel carries the
// right instrument afterwards.
func (p *Player) Seek(seconds float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.song == nil {
		return
	}

	p.currentSeconds = math.Min(math.Max(seconds, 0), p.song.TotalSeconds)
	p.allNotesOffLocked()

	timeline := p.song.Timeline
	p.cursor = sort.Search(len(timeline), func(i int) bool {
		return timeline[i].Seconds > p.currentSeconds
	})

	for i := 0; i < p.cursor; i++ {
		if timeline[i].Kind == song.KindProgramChange {
			p.syn.SetInstrument(timeline[i].Channel, 0, timeline[i].Data1)
		}
	}

	p.lastTickWall = time.Now()
}

// SetSpeed sets the playback speed factor, clamped to [MinSpeed, MaxSpeed].
// Takes effect on the next tick. Safe to call from any goroutine.
func (p *Player) SetSpeed(factor float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.speed = math.Min(math.Max(factor, MinSpeed), MaxSpeed)
}

// Speed returns the current playback speed factor.
func (p *Player) Speed() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.speed
}

// ToggleTrackMute flips a track's mute flag. Muting silences exactly the
// notes that track started; other tracks sharing the channel keep sounding.
func (p *Player) ToggleTrackMute(trackIndex int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.song == nil {
		return
	}
	track := p.song.Track(trackIndex)
	if track == nil {
		return
	}

	track.Muted = !track.Muted
	if track.Muted {
		for key := range p.activeNotes {
			if key.trackIndex == trackIndex {
				p.syn.NoteOff(key.channel, key.note)
				delete(p.activeNotes, key)
			}
		}
	}
}

// SetTrackVolume sets a track's volume, clamped to [0, 1].
func (p *Player) SetTrackVolume(trackIndex int, volume float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.song == nil {
		return
	}
	track := p.song.Track(trackIndex)
	if track == nil {
		return
	}
	track.Volume = math.Min(math.Max(volume, 0), 1)
}

// State returns the transport state.
func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// CurrentSeconds returns the playhead position.
func (p *Player) CurrentSeconds() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentSeconds
}

// Progress returns the playhead position as a fraction of the song length.
func (p *Player) Progress() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.song == nil || p.song.TotalSeconds <= 0 {
		return 0
	}
	return p.currentSeconds / p.song.TotalSeconds
}

// CurrentBPM returns the tempo at the playhead.
func (p *Player) CurrentBPM() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.tempoMap == nil {
		return 0
	}
	return p.tempoMap.BPMAtTick(p.tempoMap.SecondsToTick(p.currentSeconds))
}

// Song returns the loaded song, or nil.
func (p *Player) Song() *song.Song {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.song
}

// Shutdown stops playback and releases the synthesizer.
func (p *Player) Shutdown() {
	p.Stop()
	p.syn.Shutdown()
}

// run is the ticker goroutine.
func (p *Player) run(quit chan struct{}) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			return
		case now := <-ticker.C:
			if p.tick(now) {
				return
			}
		}
	}
}

// tick handles one ticker wake-up. Returns true once the song has finished
// and the goroutine should exit.
func (p *Player) tick(now time.Time) bool {
	p.mu.Lock()
	if p.state != StatePlaying {
		p.mu.Unlock()
		return false
	}
	delta := now.Sub(p.lastTickWall).Seconds()
	p.lastTickWall = now
	finished := p.advanceLocked(delta * p.speed)
	p.mu.Unlock()

	p.notify(finished)
	return finished
}

// advance moves the playhead by a wall-clock delta, applying the speed
// factor, exactly as one ticker wake-up would. Used by tests to drive the
// player deterministically.
func (p *Player) advance(wallDelta float64) {
	p.mu.Lock()
	if p.state != StatePlaying {
		p.mu.Unlock()
		return
	}
	finished := p.advanceLocked(wallDelta * p.speed)
	p.mu.Unlock()

	p.notify(finished)
}

// advanceLocked adds the speed-scaled delta to the playhead and dispatches
// every due event in timeline order. Returns true when the song end was
// reached; the player is then already stopped.
func (p *Player) advanceLocked(delta float64) bool {
	p.currentSeconds += delta

	if p.currentSeconds >= p.song.TotalSeconds {
		p.haltTickerLocked()
		p.state = StateStopped
		p.currentSeconds = 0
		p.cursor = 0
		p.allNotesOffLocked()
		return true
	}

	timeline := p.song.Timeline
	for p.cursor < len(timeline) && timeline[p.cursor].Seconds <= p.currentSeconds {
		p.dispatchLocked(timeline[p.cursor])
		p.cursor++
	}
	return false
}

// dispatchLocked sends one timeline event to the synthesizer. Failures in
// the synth are its own business; the playhead advances regardless.
func (p *Player) dispatchLocked(ev song.TimelineEvent) {
	switch ev.Kind {
	case song.KindNoteOn:
		track := p.song.Track(ev.TrackIndex)
		if track == nil || track.Muted {
			return
		}
		velocity := int(math.Round(float64(ev.Data2) * track.Volume))
		if velocity <= 0 {
			return
		}
		if velocity > 127 {
			velocity = 127
		}
		p.syn.NoteOn(ev.Channel, ev.Data1, velocity)
		p.activeNotes[activeKey{trackIndex: ev.TrackIndex, channel: ev.Channel, note: ev.Data1}] = struct{}{}

	case song.KindNoteOff:
		// Unconditional, muted or not: a mute toggled mid-note must not
		// leave the note hanging.
		p.syn.NoteOff(ev.Channel, ev.Data1)
		delete(p.activeNotes, activeKey{trackIndex: ev.TrackIndex, channel: ev.Channel, note: ev.Data1})

	case song.KindProgramChange:
		p.syn.SetInstrument(ev.Channel, 0, ev.Data1)

	default:
		// Control changes, pitch bends and meta events are dropped; the
		// synth abstraction is intentionally minimal.
	}
}

// notify invokes the state-change callback outside the lock.
func (p *Player) notify(changed bool) {
	if !changed {
		return
	}
	p.mu.Lock()
	fn := p.onStateChanged
	st := p.state
	p.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}
