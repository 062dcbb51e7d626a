// Package synth abstracts the MIDI synthesizer the playback engine drives.
// The engine only needs note-on/note-off/program-change and the SoundFont
// lifecycle; everything else about audio rendering stays behind this
// interface.
package synth

import "errors"

// ErrNoSoundFont is returned by LoadSoundFont on a synth that has been shut
// down. Realtime operations return no error; before a SoundFont is loaded
// they are no-ops.
var ErrNoSoundFont = errors.New("no SoundFont loaded")

// ErrSoundFontNotFound is returned when the SoundFont file cannot be found.
var ErrSoundFontNotFound = errors.New("SoundFont file not found")

// ErrInvalidSoundFont is returned when the SoundFont file cannot be parsed.
var ErrInvalidSoundFont = errors.New("invalid SoundFont file")

// Synth is the sink for MIDI commands. The three realtime operations
// (NoteOn, NoteOff, AllNotesOff) must be non-blocking; before a SoundFont is
// loaded they are no-ops. LoadSoundFont failure is returned to the caller;
// a synth without a SoundFont reports IsReady false, and the scheduler does
// not start playback on a synth that is not ready.
type Synth interface {
	// LoadSoundFont loads an .sf2 file and readies the synthesizer.
	LoadSoundFont(path string) error
	// SetInstrument selects bank/program on a channel.
	SetInstrument(channel, bank, program int)
	// NoteOn starts a note. Velocity is 1-127.
	NoteOn(channel, note, velocity int)
	// NoteOff releases a note.
	NoteOff(channel, note int)
	// AllNotesOff releases every sounding note on every channel.
	AllNotesOff()
	// IsReady reports whether a SoundFont is loaded and notes will sound.
	IsReady() bool
	// Shutdown silences the synth, releases audio resources and
	// invalidates the instance. Safe to call more than once.
	Shutdown()
}
