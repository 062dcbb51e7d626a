package song

import (
	"fmt"
	"math"
	"sort"
)

// TempoMap converts between MIDI ticks and wall-clock seconds under
// piecewise-constant tempo. The absolute second at which each tempo change
// occurs is precomputed at construction, so both directions of the mapping
// are a binary search plus one linear interpolation inside a segment.
//
// All internal computation is in float64.
type TempoMap struct {
	ticksPerBeat int
	changes      []TempoChange
}

// NewTempoMap builds a tempo map from the MIDI resolution and a sorted list
// of tempo changes. An empty list gets the 120 BPM default; a list whose
// first change is after tick 0 gets the default prepended. Ticks must be
// strictly increasing.
func NewTempoMap(ticksPerBeat int, changes []TempoChange) (*TempoMap, error) {
	if ticksPerBeat <= 0 {
		return nil, fmt.Errorf("invalid ticks per beat: %d (must be positive)", ticksPerBeat)
	}

	cs := make([]TempoChange, len(changes))
	copy(cs, changes)

	if len(cs) == 0 {
		cs = []TempoChange{{Tick: 0, MicrosPerBeat: DefaultMicrosPerBeat}}
	} else if cs[0].Tick > 0 {
		cs = append([]TempoChange{{Tick: 0, MicrosPerBeat: DefaultMicrosPerBeat}}, cs...)
	}

	for i := range cs {
		if cs[i].MicrosPerBeat <= 0 {
			return nil, fmt.Errorf("invalid tempo at tick %d: %d µs/beat", cs[i].Tick, cs[i].MicrosPerBeat)
		}
		if i > 0 && cs[i].Tick <= cs[i-1].Tick {
			return nil, fmt.Errorf("tempo changes not strictly increasing at tick %d", cs[i].Tick)
		}
	}

	tm := &TempoMap{ticksPerBeat: ticksPerBeat, changes: cs}

	// Absolute second of each change, using the tempo of the preceding
	// segment.
	tm.changes[0].Seconds = 0
	for i := 1; i < len(tm.changes); i++ {
		prev := tm.changes[i-1]
		ticks := float64(tm.changes[i].Tick - prev.Tick)
		tm.changes[i].Seconds = prev.Seconds + ticks*tm.secondsPerTick(prev.MicrosPerBeat)
	}

	return tm, nil
}

// TicksPerBeat returns the MIDI resolution the map was built with.
func (tm *TempoMap) TicksPerBeat() int {
	return tm.ticksPerBeat
}

// Changes returns the tempo changes with their precomputed seconds.
func (tm *TempoMap) Changes() []TempoChange {
	return tm.changes
}

func (tm *TempoMap) secondsPerTick(microsPerBeat int) float64 {
	return float64(microsPerBeat) / (float64(tm.ticksPerBeat) * 1e6)
}

// segmentForTick returns the index of the last change with Tick <= tick.
func (tm *TempoMap) segmentForTick(tick int64) int {
	i := sort.Search(len(tm.changes), func(i int) bool {
		return tm.changes[i].Tick > tick
	})
	if i == 0 {
		return 0
	}
	return i - 1
}

// segmentForSeconds returns the index of the last change with Seconds <= s.
func (tm *TempoMap) segmentForSeconds(s float64) int {
	i := sort.Search(len(tm.changes), func(i int) bool {
		return tm.changes[i].Seconds > s
	})
	if i == 0 {
		return 0
	}
	return i - 1
}

// TickToSeconds converts a tick position to wall-clock seconds.
func (tm *TempoMap) TickToSeconds(tick int64) float64 {
	if tick < 0 {
		return 0
	}
	seg := tm.changes[tm.segmentForTick(tick)]
	return seg.Seconds + float64(tick-seg.Tick)*tm.secondsPerTick(seg.MicrosPerBeat)
}

// SecondsToTick converts wall-clock seconds to the tick position, inverting
// the segment's linear mapping.
func (tm *TempoMap) SecondsToTick(s float64) int64 {
	if s < 0 {
		return 0
	}
	seg := tm.changes[tm.segmentForSeconds(s)]
	ticks := (s - seg.Seconds) / tm.secondsPerTick(seg.MicrosPerBeat)
	// Floor with an epsilon comfortably above the rounding noise of the
	// forward conversion but far below one tick, so a tick's own seconds
	// value maps back to exactly that tick.
	return seg.Tick + int64(math.Floor(ticks+1e-4))
}

// BPMAtTick returns the tempo in beats per minute in effect at tick.
func (tm *TempoMap) BPMAtTick(tick int64) float64 {
	seg := tm.changes[tm.segmentForTick(tick)]
	return 6e7 / float64(seg.MicrosPerBeat)
}

// ApplyTimesToEvents fills the Seconds field of already-sorted events with a
// single sequential walk, advancing the segment cursor monotonically. This
// is O(N + S) and is the path compilation uses.
func (tm *TempoMap) ApplyTimesToEvents(events []TimelineEvent) {
	cursor := 0
	for i := range events {
		cursor = tm.advance(cursor, events[i].Tick)
		seg := tm.changes[cursor]
		events[i].Seconds = seg.Seconds + float64(events[i].Tick-seg.Tick)*tm.secondsPerTick(seg.MicrosPerBeat)
	}
}

// ApplyTimesToNotes fills StartSeconds and EndSeconds of notes sorted by
// start tick. The segment cursor advances monotonically with the start
// ticks (O(N + S)); each end time scans forward from the note's own start
// segment, which adds, per note, the number of tempo changes it spans.
func (tm *TempoMap) ApplyTimesToNotes(notes []Note) {
	cursor := 0
	for i := range notes {
		cursor = tm.advance(cursor, notes[i].StartTick)
		seg := tm.changes[cursor]
		notes[i].StartSeconds = seg.Seconds + float64(notes[i].StartTick-seg.Tick)*tm.secondsPerTick(seg.MicrosPerBeat)

		end := tm.advance(cursor, notes[i].EndTick)
		endSeg := tm.changes[end]
		notes[i].EndSeconds = endSeg.Seconds + float64(notes[i].EndTick-endSeg.Tick)*tm.secondsPerTick(endSeg.MicrosPerBeat)
	}
}

// advance moves the segment cursor forward until it covers tick.
func (tm *TempoMap) advance(cursor int, tick int64) int {
	for cursor+1 < len(tm.changes) && tm.changes[cursor+1].Tick <= tick {
		cursor++
	}
	return cursor
}
