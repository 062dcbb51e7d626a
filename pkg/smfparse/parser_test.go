package smfparse

import (
	"bytes"
	"errors"
	"sort"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/2018x5zzt/midi-music/pkg/song"
)

// encodeVarInt encodes an integer as a variable-length quantity.
func encodeVarInt(value int) []byte {
	if value == 0 {
		return []byte{0}
	}

	var result []byte
	for value > 0 {
		b := byte(value & 0x7F)
		value >>= 7
		if len(result) > 0 {
			b |= 0x80
		}
		result = append([]byte{b}, result...)
	}
	return result
}

// trackBuilder accumulates delta-timed raw events for one MTrk chunk.
type trackBuilder struct {
	buf bytes.Buffer
}

func (tb *trackBuilder) event(delta int, data ...byte) *trackBuilder {
	tb.buf.Write(encodeVarInt(delta))
	tb.buf.Write(data)
	return tb
}

func (tb *trackBuilder) noteOn(delta, ch, note, vel int) *trackBuilder {
	return tb.event(delta, byte(0x90|ch), byte(note), byte(vel))
}

func (tb *trackBuilder) noteOff(delta, ch, note int) *trackBuilder {
	return tb.event(delta, byte(0x80|ch), byte(note), 0)
}

func (tb *trackBuilder) programChange(delta, ch, program int) *trackBuilder {
	return tb.event(delta, byte(0xC0|ch), byte(program))
}

func (tb *trackBuilder) tempo(delta, microsPerBeat int) *trackBuilder {
	return tb.event(delta, 0xFF, 0x51, 0x03,
		byte(microsPerBeat>>16), byte(microsPerBeat>>8), byte(microsPerBeat))
}

func (tb *trackBuilder) timeSignature(delta, num, denomPow int) *trackBuilder {
	return tb.event(delta, 0xFF, 0x58, 0x04, byte(num), byte(denomPow), 24, 8)
}

func (tb *trackBuilder) trackName(delta int, name string) *trackBuilder {
	data := append([]byte{0xFF, 0x03, byte(len(name))}, []byte(name)...)
	return tb.event(delta, data...)
}

func (tb *trackBuilder) endOfTrack(delta int) *trackBuilder {
	return tb.event(delta, 0xFF, 0x2F, 0x00)
}

// buildSMF assembles a format-1 file at 480 PPQ from finished tracks.
func buildSMF(tracks ...*trackBuilder) []byte {
	var buf bytes.Buffer

	buf.Write([]byte("MThd"))
	buf.Write([]byte{0x00, 0x00, 0x00, 0x06})
	buf.Write([]byte{0x00, 0x01})              // format 1
	buf.Write([]byte{0x00, byte(len(tracks))}) // track count
	buf.Write([]byte{0x01, 0xE0})              // 480 PPQ
	for _, tb := range tracks {
		buf.Write([]byte("MTrk"))
		trackLen := tb.buf.Len()
		buf.Write([]byte{
			byte(trackLen >> 24),
			byte(trackLen >> 16),
			byte(trackLen >> 8),
			byte(trackLen),
		})
		buf.Write(tb.buf.Bytes())
	}

	return buf.Bytes()
}

// TestParse_RejectsBadHeader verifies that garbage input surfaces ErrHeader.
func TestParse_RejectsBadHeader(t *testing.T) {
	_, err := Parse([]byte("not a midi file at all"), "bad.mid")
	if !errors.Is(err, ErrHeader) {
		t.Errorf("expected ErrHeader, got %v", err)
	}

	_, err = Parse(nil, "empty.mid")
	if !errors.Is(err, ErrHeader) {
		t.Errorf("expected ErrHeader for empty input, got %v", err)
	}
}

// TestParse_Truncated verifies that a file cut off mid-track surfaces
// ErrTruncated.
func TestParse_Truncated(t *testing.T) {
	track := (&trackBuilder{}).noteOn(0, 0, 60, 100).noteOff(480, 0, 60).endOfTrack(0)
	data := buildSMF(track)

	_, err := Parse(data[:len(data)-6], "cut.mid")
	if !errors.Is(err, ErrTruncated) {
		t.Errorf("expected ErrTruncated, got %v", err)
	}
}

// TestParse_NotePairing verifies the basic pairing of a note-on with its
// velocity-0 note-off: one Note spanning one beat at the default tempo.
func TestParse_NotePairing(t *testing.T) {
	track := (&trackBuilder{}).
		noteOn(0, 0, 60, 100).
		noteOn(480, 0, 60, 0). // velocity 0 = note-off
		endOfTrack(0)

	s, err := Parse(buildSMF(track), "pair.mid")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if len(s.Tracks) != 1 {
		t.Fatalf("expected 1 track, got %d", len(s.Tracks))
	}
	notes := s.Tracks[0].Notes
	if len(notes) != 1 {
		t.Fatalf("expected 1 note, got %d", len(notes))
	}

	note := notes[0]
	if note.Number != 60 || note.Velocity != 100 || note.Channel != 0 {
		t.Errorf("unexpected note: %+v", note)
	}
	if note.StartTick != 0 || note.EndTick != 480 {
		t.Errorf("unexpected ticks: start=%d end=%d", note.StartTick, note.EndTick)
	}
	if note.StartSeconds != 0.0 || note.EndSeconds != 0.5 {
		t.Errorf("unexpected seconds: start=%v end=%v", note.StartSeconds, note.EndSeconds)
	}
}

// TestParse_DefaultTempo verifies the synthesized 120 BPM default when the
// file carries no SetTempo.
func TestParse_DefaultTempo(t *testing.T) {
	track := (&trackBuilder{}).noteOn(0, 0, 60, 100).noteOff(960, 0, 60).endOfTrack(0)

	s, err := Parse(buildSMF(track), "notempo.mid")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if len(s.TempoChanges) != 1 {
		t.Fatalf("expected 1 tempo change, got %d", len(s.TempoChanges))
	}
	if s.TempoChanges[0].Tick != 0 || s.TempoChanges[0].MicrosPerBeat != song.DefaultMicrosPerBeat {
		t.Errorf("unexpected default tempo: %+v", s.TempoChanges[0])
	}
	if s.TotalSeconds != 1.0 {
		t.Errorf("TotalSeconds = %v, want 1.0 (960 ticks at 120 BPM)", s.TotalSeconds)
	}
}

// TestParse_TempoChanges verifies tempo collection across tracks and the
// resulting conversion: 120 BPM for two beats, then 240 BPM.
func TestParse_TempoChanges(t *testing.T) {
	tempoTrack := (&trackBuilder{}).
		tempo(0, 500000).
		tempo(960, 250000).
		endOfTrack(0)
	noteTrack := (&trackBuilder{}).
		noteOn(0, 0, 60, 100).
		noteOff(1440, 0, 60).
		endOfTrack(0)

	s, err := Parse(buildSMF(tempoTrack, noteTrack), "tempos.mid")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if len(s.TempoChanges) != 2 {
		t.Fatalf("expected 2 tempo changes, got %d: %+v", len(s.TempoChanges), s.TempoChanges)
	}
	if s.TempoChanges[1].Tick != 960 || s.TempoChanges[1].MicrosPerBeat != 250000 {
		t.Errorf("unexpected second tempo: %+v", s.TempoChanges[1])
	}
	if s.TotalSeconds != 1.25 {
		t.Errorf("TotalSeconds = %v, want 1.25", s.TotalSeconds)
	}

	note := s.Tracks[1].Notes[0]
	if note.EndSeconds != 1.25 {
		t.Errorf("note EndSeconds = %v, want 1.25", note.EndSeconds)
	}
}

// TestParse_ReattackAbandonsPending verifies the documented policy for
// badly formed files: a second note-on for an already-open key abandons the
// first one, which never produces a paired Note.
func TestParse_ReattackAbandonsPending(t *testing.T) {
	track := (&trackBuilder{}).
		noteOn(0, 0, 60, 100).
		noteOn(240, 0, 60, 90). // re-attack without release
		noteOff(240, 0, 60).
		endOfTrack(0)

	s, err := Parse(buildSMF(track), "reattack.mid")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	notes := s.Tracks[0].Notes
	if len(notes) != 1 {
		t.Fatalf("expected 1 paired note, got %d", len(notes))
	}
	if notes[0].StartTick != 240 || notes[0].EndTick != 480 || notes[0].Velocity != 90 {
		t.Errorf("expected the re-attacked note to survive, got %+v", notes[0])
	}

	// Both note-ons are still on the timeline.
	noteOns := 0
	for _, ev := range s.Timeline {
		if ev.Kind == song.KindNoteOn {
			noteOns++
		}
	}
	if noteOns != 2 {
		t.Errorf("expected 2 note-on events on the timeline, got %d", noteOns)
	}
}

// TestParse_UnpairedNotesTolerated verifies that dangling note-ons and
// note-offs parse without error and without fabricated Notes.
func TestParse_UnpairedNotesTolerated(t *testing.T) {
	track := (&trackBuilder{}).
		noteOff(0, 0, 55).       // off with no on
		noteOn(480, 0, 60, 100). // on with no off
		endOfTrack(480)

	s, err := Parse(buildSMF(track), "unpaired.mid")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(s.Tracks[0].Notes) != 0 {
		t.Errorf("expected no paired notes, got %d", len(s.Tracks[0].Notes))
	}
}

// TestParse_TrackNameFirstWins verifies that only the first TrackName meta
// sets the name.
func TestParse_TrackNameFirstWins(t *testing.T) {
	track := (&trackBuilder{}).
		trackName(0, "Melody").
		trackName(0, "Renamed").
		noteOn(0, 0, 60, 100).
		noteOff(480, 0, 60).
		endOfTrack(0)

	s, err := Parse(buildSMF(track), "named.mid")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if s.Tracks[0].Name != "Melody" {
		t.Errorf("track name = %q, want %q", s.Tracks[0].Name, "Melody")
	}
}

// TestParse_ProgramAndTimeSignature verifies program recording and
// time-signature collection.
func TestParse_ProgramAndTimeSignature(t *testing.T) {
	track := (&trackBuilder{}).
		timeSignature(0, 3, 2). // 3/4
		programChange(0, 0, 41).
		noteOn(0, 0, 60, 100).
		noteOff(480, 0, 60).
		endOfTrack(0)

	s, err := Parse(buildSMF(track), "program.mid")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if got := s.Tracks[0].ProgramByChannel[0]; got != 41 {
		t.Errorf("program on channel 0 = %d, want 41", got)
	}
	if len(s.TimeSignatureChanges) != 1 {
		t.Fatalf("expected 1 time signature, got %d", len(s.TimeSignatureChanges))
	}
	ts := s.TimeSignatureChanges[0]
	if ts.Numerator != 3 || ts.Denominator != 4 {
		t.Errorf("time signature = %d/%d, want 3/4", ts.Numerator, ts.Denominator)
	}

	// The program change must be on the timeline ahead of the note-on at
	// the same tick.
	var programIndex, noteOnIndex int
	for i, ev := range s.Timeline {
		switch ev.Kind {
		case song.KindProgramChange:
			programIndex = i
		case song.KindNoteOn:
			noteOnIndex = i
		}
	}
	if programIndex > noteOnIndex {
		t.Errorf("program change at %d dispatched after note-on at %d", programIndex, noteOnIndex)
	}
}

// TestParse_MultiTrackSameChannel verifies that tracks sharing a MIDI
// channel keep their own identity on the timeline.
func TestParse_MultiTrackSameChannel(t *testing.T) {
	trackA := (&trackBuilder{}).noteOn(0, 0, 60, 100).noteOff(480, 0, 60).endOfTrack(0)
	trackB := (&trackBuilder{}).noteOn(240, 0, 64, 100).noteOff(480, 0, 64).endOfTrack(0)

	s, err := Parse(buildSMF(trackA, trackB), "shared.mid")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	for _, ev := range s.Timeline {
		if ev.Kind != song.KindNoteOn {
			continue
		}
		switch ev.Data1 {
		case 60:
			if ev.TrackIndex != 0 {
				t.Errorf("note 60 carries track %d, want 0", ev.TrackIndex)
			}
		case 64:
			if ev.TrackIndex != 1 {
				t.Errorf("note 64 carries track %d, want 1", ev.TrackIndex)
			}
		}
		if ev.Channel != 0 {
			t.Errorf("note %d on channel %d, want 0", ev.Data1, ev.Channel)
		}
	}
}

// TestParse_TimelineOrderProperty checks, for arbitrary note sets, that the
// compiled timeline is sorted and that every note-off at a tick precedes
// every note-on at that tick.
func TestParse_TimelineOrderProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	type genNote struct {
		note     int
		start    int
		duration int
	}

	properties.Property("timeline sorted with offs before ons", prop.ForAll(
		func(rawNotes []int) bool {
			// Three ints per note: pitch, start, duration.
			var notes []genNote
			for i := 0; i+2 < len(rawNotes); i += 3 {
				notes = append(notes, genNote{
					note:     rawNotes[i]%88 + 21,
					start:    (rawNotes[i+1] % 16) * 240,
					duration: (rawNotes[i+2]%8 + 1) * 240,
				})
			}

			// Emit as a delta stream sorted by absolute time.
			type rawEvent struct {
				tick int
				on   bool
				note int
			}
			var stream []rawEvent
			for _, n := range notes {
				stream = append(stream, rawEvent{tick: n.start, on: true, note: n.note})
				stream = append(stream, rawEvent{tick: n.start + n.duration, on: false, note: n.note})
			}
			sort.SliceStable(stream, func(i, j int) bool { return stream[i].tick < stream[j].tick })

			tb := &trackBuilder{}
			lastTick := 0
			for _, ev := range stream {
				delta := ev.tick - lastTick
				lastTick = ev.tick
				if ev.on {
					tb.noteOn(delta, 0, ev.note, 100)
				} else {
					tb.noteOff(delta, 0, ev.note)
				}
			}
			tb.endOfTrack(0)

			s, err := Parse(buildSMF(tb), "prop.mid")
			if err != nil {
				return false
			}

			for i := 1; i < len(s.Timeline); i++ {
				prev, cur := s.Timeline[i-1], s.Timeline[i]
				if cur.Before(prev) {
					return false
				}
				if prev.Seconds > cur.Seconds {
					return false
				}
				if prev.Tick == cur.Tick && prev.Kind == song.KindNoteOn && cur.Kind == song.KindNoteOff {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 10_000)),
	))

	properties.TestingRun(t)
}
