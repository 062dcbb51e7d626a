// Package smfparse compiles a Standard MIDI File into a song.Song.
//
// Byte-level SMF decoding (chunks, variable-length deltas, running status) is
// delegated to gomidi's smf package; this package owns the normalization on
// top of it: absolute-time accumulation, note pairing, the global tempo map,
// and the sorted, dispatchable timeline.
package smfparse

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"sort"

	"gitlab.com/gomidi/midi/v2/smf"

	"github.com/2018x5zzt/midi-music/pkg/fileutil"
	"github.com/2018x5zzt/midi-music/pkg/song"
)

// Parse failure kinds. All are surfaced to the caller; no recovery is
// attempted.
var (
	ErrHeader            = errors.New("invalid MIDI header")
	ErrTruncated         = errors.New("unexpected end of MIDI data")
	ErrUnsupportedFormat = errors.New("unsupported MIDI format")
)

// pendingKey identifies an open note awaiting its note-off.
type pendingKey struct {
	channel int
	note    int
}

type pendingNote struct {
	velocity  int
	startTick int64
}

// Parse compiles raw SMF bytes into a fully populated Song.
func Parse(data []byte, fileName string) (*song.Song, error) {
	if len(data) < 14 || string(data[0:4]) != "MThd" {
		return nil, fmt.Errorf("%w: %s", ErrHeader, fileName)
	}

	smfData, err := smf.ReadFrom(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrTruncated, fileName, err)
	}

	format := int(smfData.Format())
	if format > 2 {
		return nil, fmt.Errorf("%w: format %d", ErrUnsupportedFormat, format)
	}

	metricTicks, ok := smfData.TimeFormat.(smf.MetricTicks)
	if !ok {
		return nil, fmt.Errorf("%w: expected metric ticks, got %v", ErrUnsupportedFormat, smfData.TimeFormat)
	}
	ticksPerBeat := int(metricTicks)

	// Pass 1: global timing. Every SetTempo and TimeSignature across all
	// tracks, tagged with its absolute tick.
	tempoChanges, timeSignatures := collectTimingEvents(smfData)

	tempoMap, err := song.NewTempoMap(ticksPerBeat, tempoChanges)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHeader, err)
	}

	s := &song.Song{
		FileName:     fileName,
		Format:       format,
		TicksPerBeat: ticksPerBeat,
		TempoChanges: tempoMap.Changes(),
	}

	for i := range timeSignatures {
		timeSignatures[i].Seconds = tempoMap.TickToSeconds(timeSignatures[i].Tick)
	}
	s.TimeSignatureChanges = timeSignatures

	// Pass 2: per-track compilation.
	var totalTicks int64
	for i, rawTrack := range smfData.Tracks {
		track, lastTick := compileTrack(i, rawTrack)

		sort.SliceStable(track.Notes, func(a, b int) bool {
			return track.Notes[a].StartTick < track.Notes[b].StartTick
		})
		sort.SliceStable(track.Events, func(a, b int) bool {
			return track.Events[a].Before(track.Events[b])
		})

		tempoMap.ApplyTimesToEvents(track.Events)
		tempoMap.ApplyTimesToNotes(track.Notes)

		s.Tracks = append(s.Tracks, track)
		if lastTick > totalTicks {
			totalTicks = lastTick
		}
	}

	// Merge per-track events into the global timeline, same ordering.
	for _, track := range s.Tracks {
		s.Timeline = append(s.Timeline, track.Events...)
	}
	sort.SliceStable(s.Timeline, func(a, b int) bool {
		return s.Timeline[a].Before(s.Timeline[b])
	})

	s.TotalTicks = totalTicks
	s.TotalSeconds = tempoMap.TickToSeconds(totalTicks)

	return s, nil
}

// ParseFile reads name through the given file system and compiles it.
func ParseFile(fsys fileutil.FileSystem, name string) (*song.Song, error) {
	data, err := fsys.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("failed to read MIDI file %s: %w", name, err)
	}
	return Parse(data, name)
}

// NewTempoMap rebuilds the tempo map of a compiled song, for callers that
// need tick↔seconds conversion after parsing.
func NewTempoMap(s *song.Song) (*song.TempoMap, error) {
	return song.NewTempoMap(s.TicksPerBeat, s.TempoChanges)
}

// collectTimingEvents walks every track accumulating absolute ticks and
// returns all tempo and time-signature changes, sorted. Tempo entries are
// deduplicated per tick (last one wins) so the list is strictly increasing.
func collectTimingEvents(smfData *smf.SMF) ([]song.TempoChange, []song.TimeSignatureChange) {
	var tempos []song.TempoChange
	var timeSigs []song.TimeSignatureChange

	for _, track := range smfData.Tracks {
		var absTick int64
		for _, event := range track {
			absTick += int64(event.Delta)
			msg := event.Message

			var bpm float64
			if msg.GetMetaTempo(&bpm) && bpm > 0 {
				tempos = append(tempos, song.TempoChange{
					Tick:          absTick,
					MicrosPerBeat: int(math.Round(6e7 / bpm)),
				})
				continue
			}

			var num, denomPow uint8
			if msg.GetMetaTimeSig(&num, &denomPow, nil, nil) {
				timeSigs = append(timeSigs, song.TimeSignatureChange{
					Tick:        absTick,
					Numerator:   int(num),
					Denominator: 1 << denomPow,
				})
			}
		}
	}

	sort.SliceStable(tempos, func(a, b int) bool { return tempos[a].Tick < tempos[b].Tick })
	sort.SliceStable(timeSigs, func(a, b int) bool { return timeSigs[a].Tick < timeSigs[b].Tick })

	// Same-tick duplicates collapse to the last one, matching what a real
	// synth would end up playing.
	deduped := tempos[:0]
	for i := range tempos {
		if len(deduped) > 0 && deduped[len(deduped)-1].Tick == tempos[i].Tick {
			deduped[len(deduped)-1] = tempos[i]
		} else {
			deduped = append(deduped, tempos[i])
		}
	}

	return deduped, timeSigs
}

// compileTrack walks one raw track, pairing notes and emitting timeline
// events. Returns the track and its final accumulated tick.
func compileTrack(index int, rawTrack smf.Track) (*song.Track, int64) {
	track := song.NewTrack(index)
	pending := make(map[pendingKey]pendingNote)

	var absTick int64
	for _, event := range rawTrack {
		absTick += int64(event.Delta)
		msg := event.Message

		var ch, data1, data2 uint8
		var bend int16
		var bpm float64
		var num, denomPow uint8
		var text string

		switch {
		case msg.GetNoteOn(&ch, &data1, &data2):
			if data2 > 0 {
				noteOn(track, pending, absTick, int(ch), int(data1), int(data2))
			} else {
				// Velocity 0 is a note-off in disguise.
				noteOff(track, pending, absTick, int(ch), int(data1))
			}

		case msg.GetNoteOff(&ch, &data1, &data2):
			noteOff(track, pending, absTick, int(ch), int(data1))

		case msg.GetProgramChange(&ch, &data1):
			track.Channels[int(ch)] = true
			track.ProgramByChannel[int(ch)] = int(data1)
			track.Events = append(track.Events, song.TimelineEvent{
				Kind:       song.KindProgramChange,
				Tick:       absTick,
				Channel:    int(ch),
				TrackIndex: index,
				Data1:      int(data1),
			})

		case msg.GetControlChange(&ch, &data1, &data2):
			track.Channels[int(ch)] = true
			track.Events = append(track.Events, song.TimelineEvent{
				Kind:       song.KindControlChange,
				Tick:       absTick,
				Channel:    int(ch),
				TrackIndex: index,
				Data1:      int(data1),
				Data2:      int(data2),
			})

		case msg.GetPitchBend(&ch, &bend, nil):
			track.Channels[int(ch)] = true
			track.Events = append(track.Events, song.TimelineEvent{
				Kind:       song.KindPitchBend,
				Tick:       absTick,
				Channel:    int(ch),
				TrackIndex: index,
				Data1:      int(bend),
			})

		case msg.GetMetaTempo(&bpm):
			track.Events = append(track.Events, song.TimelineEvent{
				Kind:       song.KindTempo,
				Tick:       absTick,
				Channel:    -1,
				TrackIndex: index,
				Data1:      int(math.Round(6e7 / bpm)),
			})

		case msg.GetMetaTimeSig(&num, &denomPow, nil, nil):
			track.Events = append(track.Events, song.TimelineEvent{
				Kind:       song.KindTimeSignature,
				Tick:       absTick,
				Channel:    -1,
				TrackIndex: index,
				Data1:      int(num),
				Data2:      1 << denomPow,
			})

		case msg.GetMetaTrackName(&text):
			// First occurrence wins.
			if track.Name == "" {
				track.Name = text
			}

		case msg.Is(smf.MetaEndOfTrackMsg):
			track.Events = append(track.Events, song.TimelineEvent{
				Kind:       song.KindEndOfTrack,
				Tick:       absTick,
				Channel:    -1,
				TrackIndex: index,
			})

		default:
			// Everything else (aftertouch, sysex, lyrics, markers) is
			// dropped.
		}
	}

	return track, absTick
}

// noteOn records a pending note and emits the timeline event. A pending
// entry already open for the same key is abandoned and replaced; badly
// formed files re-attack without releasing.
func noteOn(track *song.Track, pending map[pendingKey]pendingNote, tick int64, ch, note, velocity int) {
	track.Channels[ch] = true
	pending[pendingKey{channel: ch, note: note}] = pendingNote{velocity: velocity, startTick: tick}
	track.Events = append(track.Events, song.TimelineEvent{
		Kind:       song.KindNoteOn,
		Tick:       tick,
		Channel:    ch,
		TrackIndex: track.Index,
		Data1:      note,
		Data2:      velocity,
	})
}

// noteOff closes the pending note if one is open, producing a paired Note,
// and always emits the timeline event. Unpaired note-offs are tolerated
// silently.
func noteOff(track *song.Track, pending map[pendingKey]pendingNote, tick int64, ch, note int) {
	track.Channels[ch] = true
	key := pendingKey{channel: ch, note: note}
	if open, ok := pending[key]; ok {
		delete(pending, key)
		track.Notes = append(track.Notes, song.Note{
			Number:    note,
			Velocity:  open.velocity,
			Channel:   ch,
			StartTick: open.startTick,
			EndTick:   tick,
		})
	}
	track.Events = append(track.Events, song.TimelineEvent{
		Kind:       song.KindNoteOff,
		Tick:       tick,
		Channel:    ch,
		TrackIndex: track.Index,
		Data1:      note,
	})
}
