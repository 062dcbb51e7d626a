// Package follow adjusts the playback speed of the accompaniment to match
// a human performer. It consumes the onset stream of a melody played into
// the microphone, compares each onset against the melody line of the score,
// and maintains an EMA-smoothed speed factor that the playback scheduler
// applies on its next tick.
package follow

import (
	"errors"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/2018x5zzt/midi-music/pkg/logger"
	"github.com/2018x5zzt/midi-music/pkg/pitch"
	"github.com/2018x5zzt/midi-music/pkg/song"
)

// ErrNoScore is returned by Start when no melody has been loaded.
var ErrNoScore = errors.New("no score loaded")

// minInterval is the shortest interval, in seconds, that contributes to the
// speed estimate. Anything shorter is noise.
const minInterval = 0.01

// lookAhead is how many score positions past the expected one are searched
// when an onset does not match; the performer may have skipped notes.
const lookAhead = 3

// State is the controller's lifecycle state.
type State int

const (
	// StateIdle means not started; no subscription is held.
	StateIdle State = iota
	// StateFollowing means onsets are being matched and the speed factor
	// is live.
	StateFollowing
	// StateWaitingForOnset means the score just crossed a rest; speed
	// updates pause until the performer comes back in.
	StateWaitingForOnset
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateFollowing:
		return "Following"
	case StateWaitingForOnset:
		return "WaitingForOnset"
	}
	return "Unknown"
}

// Config tunes the controller.
type Config struct {
	// EMAAlpha is the smoothing factor of the speed estimate.
	EMAAlpha float64
	// MinSpeed and MaxSpeed bound the speed factor.
	MinSpeed float64
	MaxSpeed float64
	// NoteMatchTolerance is the accepted distance, in semitones, between
	// an onset and the expected score note.
	NoteMatchTolerance int
	// RestThresholdSeconds is the gap between score notes treated as a
	// rest.
	RestThresholdSeconds float64
	// UnmatchedThreshold is how many consecutive unmatched onsets trigger
	// the speed decay.
	UnmatchedThreshold int
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		EMAAlpha:             0.3,
		MinSpeed:             0.25,
		MaxSpeed:             4.0,
		NoteMatchTolerance:   2,
		RestThresholdSeconds: 1.0,
		UnmatchedThreshold:   3,
	}
}

// Controller is the follow-mode state machine. Callbacks fire synchronously
// on the goroutine that delivers onsets and must not block; the scheduler
// receiving SetSpeed tolerates arbitrary goroutines.
type Controller struct {
	mu     sync.Mutex
	cfg    Config
	onsets pitch.OnsetSource
	sub    pitch.Subscription
	log    *slog.Logger

	scoreNotes     []song.Note
	state          State
	expectedIndex  int
	speedFactor    float64
	lastOnsetTime  time.Time
	hasLastOnset   bool
	unmatchedCount int

	onSpeedChanged func(float64)
	onStateChanged func(State)
}

// NewController creates an idle controller reading from the given onset
// source.
func NewController(cfg Config, onsets pitch.OnsetSource) *Controller {
	return &Controller{
		cfg:         cfg,
		onsets:      onsets,
		log:         logger.Component("follow"),
		state:       StateIdle,
		speedFactor: 1.0,
	}
}

// SetOnSpeedChanged registers the speed callback.
func (c *Controller) SetOnSpeedChanged(fn func(float64)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSpeedChanged = fn
}

// SetOnStateChanged registers the state callback.
func (c *Controller) SetOnStateChanged(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStateChanged = fn
}

// LoadScore stores a copy of the melody notes, sorted by start time.
func (c *Controller) LoadScore(notes []song.Note) {
	sorted := make([]song.Note, len(notes))
	copy(sorted, notes)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].StartSeconds < sorted[j].StartSeconds
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	c.scoreNotes = sorted
}

// Start resets the matcher and subscribes to the onset stream.
func (c *Controller) Start() error {
	c.mu.Lock()
	if len(c.scoreNotes) == 0 {
		c.mu.Unlock()
		return ErrNoScore
	}
	if c.sub != nil {
		c.mu.Unlock()
		return nil
	}

	c.expectedIndex = 0
	c.speedFactor = 1.0
	c.unmatchedCount = 0
	c.hasLastOnset = false
	c.state = StateFollowing
	stateCb := c.onStateChanged
	c.mu.Unlock()

	if stateCb != nil {
		stateCb(StateFollowing)
	}

	sub := c.onsets.Subscribe(c.handleOnset)

	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()

	c.log.Info("follow mode started", "scoreNotes", len(c.scoreNotes))
	return nil
}

// Stop unsubscribes, restores speed 1.0 (with a final speed callback) and
// goes Idle. The cancellation is synchronous.
func (c *Controller) Stop() {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	changed := c.state != StateIdle
	c.state = StateIdle
	c.speedFactor = 1.0
	speedCb := c.onSpeedChanged
	stateCb := c.onStateChanged
	c.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
	if changed {
		if speedCb != nil {
			speedCb(1.0)
		}
		if stateCb != nil {
			stateCb(StateIdle)
		}
		c.log.Info("follow mode stopped")
	}
}

// ResumeFromIndex repositions the matcher after a seek. The next matched
// onset starts a fresh interval measurement.
func (c *Controller) ResumeFromIndex(index int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if index < 0 {
		index = 0
	}
	if index > len(c.scoreNotes) {
		index = len(c.scoreNotes)
	}
	c.expectedIndex = index
	c.hasLastOnset = false
	c.unmatchedCount = 0
}

// State returns the controller state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SpeedFactor returns the current speed estimate.
func (c *Controller) SpeedFactor() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speedFactor
}

// handleOnset advances the matcher by one detected onset.
func (c *Controller) handleOnset(o pitch.Onset) {
	c.mu.Lock()

	if c.state == StateIdle {
		c.mu.Unlock()
		return
	}

	if c.expectedIndex >= len(c.scoreNotes) {
		c.mu.Unlock()
		c.Stop()
		return
	}

	var callbacks []func()

	matchAt := c.findMatchLocked(o.MidiNote)
	if matchAt >= 0 {
		c.expectedIndex = matchAt
		callbacks = c.processMatchLocked(o)
	} else {
		callbacks = c.processUnmatchedLocked()
	}

	c.mu.Unlock()
	for _, cb := range callbacks {
		cb()
	}
}

// findMatchLocked returns the score position the onset matches: the
// expected one, or one of the next lookAhead positions, or -1.
func (c *Controller) findMatchLocked(midiNote int) int {
	if c.matchesLocked(midiNote, c.expectedIndex) {
		return c.expectedIndex
	}
	limit := c.expectedIndex + 1 + lookAhead
	if limit > len(c.scoreNotes) {
		limit = len(c.scoreNotes)
	}
	for i := c.expectedIndex + 1; i < limit; i++ {
		if c.matchesLocked(midiNote, i) {
			return i
		}
	}
	return -1
}

func (c *Controller) matchesLocked(midiNote, index int) bool {
	diff := midiNote - c.scoreNotes[index].Number
	if diff < 0 {
		diff = -diff
	}
	return diff <= c.cfg.NoteMatchTolerance
}

// processMatchLocked updates the speed estimate from a matched onset and
// advances the expected position.
func (c *Controller) processMatchLocked(o pitch.Onset) []func() {
	var callbacks []func()

	c.unmatchedCount = 0

	if c.state == StateWaitingForOnset {
		c.state = StateFollowing
		if cb := c.onStateChanged; cb != nil {
			callbacks = append(callbacks, func() { cb(StateFollowing) })
		}
	}

	if c.hasLastOnset && c.expectedIndex > 0 {
		actual := o.Timestamp.Sub(c.lastOnsetTime).Seconds()
		expected := c.scoreNotes[c.expectedIndex].StartSeconds - c.scoreNotes[c.expectedIndex-1].StartSeconds
		if actual > minInterval && expected > minInterval {
			raw := expected / actual
			clamped := math.Min(math.Max(raw, c.cfg.MinSpeed), c.cfg.MaxSpeed)
			c.speedFactor = c.cfg.EMAAlpha*clamped + (1-c.cfg.EMAAlpha)*c.speedFactor
			if cb, v := c.onSpeedChanged, c.speedFactor; cb != nil {
				callbacks = append(callbacks, func() { cb(v) })
			}
		}
	}

	c.lastOnsetTime = o.Timestamp
	c.hasLastOnset = true
	c.expectedIndex++

	// Rest check: a long gap before the next score note parks the matcher
	// until the performer comes back in.
	if c.expectedIndex > 0 && c.expectedIndex < len(c.scoreNotes) {
		gap := c.scoreNotes[c.expectedIndex].StartSeconds - c.scoreNotes[c.expectedIndex-1].EndSeconds
		if gap >= c.cfg.RestThresholdSeconds && c.state == StateFollowing {
			c.state = StateWaitingForOnset
			if cb := c.onStateChanged; cb != nil {
				callbacks = append(callbacks, func() { cb(StateWaitingForOnset) })
			}
		}
	}

	return callbacks
}

// processUnmatchedLocked counts a miss and, past the threshold, decays the
// speed estimate toward a 10%-slower target through the same EMA. The
// effective drop per trigger is small (alpha times 10%); that is the
// intended gentleness, not an error.
func (c *Controller) processUnmatchedLocked() []func() {
	var callbacks []func()

	c.unmatchedCount++
	if c.unmatchedCount >= c.cfg.UnmatchedThreshold {
		target := c.speedFactor * 0.9
		c.speedFactor = c.cfg.EMAAlpha*target + (1-c.cfg.EMAAlpha)*c.speedFactor
		if c.speedFactor < c.cfg.MinSpeed {
			c.speedFactor = c.cfg.MinSpeed
		}
		if cb, v := c.onSpeedChanged, c.speedFactor; cb != nil {
			callbacks = append(callbacks, func() { cb(v) })
		}
	}

	return callbacks
}
