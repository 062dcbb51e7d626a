package synth

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/hajimehoshi/ebiten/v2/audio"
	"github.com/sinshu/go-meltysynth/meltysynth"

	"github.com/2018x5zzt/midi-music/pkg/fileutil"
	"github.com/2018x5zzt/midi-music/pkg/logger"
)

// SampleRate is the audio sample rate used for MIDI synthesis.
const SampleRate = 44100

// MIDI status bytes forwarded to the synthesizer.
const (
	cmdNoteOff       = 0x80
	cmdNoteOn        = 0x90
	cmdControlChange = 0xB0
	cmdProgramChange = 0xC0
)

// Control change numbers.
const (
	ccBankSelect  = 0x00
	ccAllNotesOff = 0x7B
)

var (
	// Ebitengine allows only one audio context per process.
	globalAudioContext *audio.Context
	audioContextMutex  sync.Mutex
)

func getAudioContext() *audio.Context {
	audioContextMutex.Lock()
	defer audioContextMutex.Unlock()

	if globalAudioContext == nil {
		globalAudioContext = audio.NewContext(SampleRate)
	}
	return globalAudioContext
}

// MeltySynth renders MIDI commands through a go-meltysynth software
// synthesizer and streams the output via Ebitengine's audio player.
//
// The instance is created idle; LoadSoundFont builds the synthesizer and
// starts the output stream. Until then every realtime operation is a no-op.
type MeltySynth struct {
	mu          sync.Mutex
	fsys        fileutil.FileSystem
	soundFont   *meltysynth.SoundFont
	synthesizer *meltysynth.Synthesizer
	player      *audio.Player
	stream      *synthStream
	muted       bool
	shutdown    bool
	log         *slog.Logger
}

// NewMeltySynth creates an idle synthesizer. fsys resolves relative
// SoundFont paths; nil means plain OS paths.
func NewMeltySynth(fsys fileutil.FileSystem) *MeltySynth {
	return &MeltySynth{
		fsys: fsys,
		log:  logger.Component("synth"),
	}
}

// SetMuted silences the audio output without stopping synthesis. Used for
// headless runs; time-keeping callers keep working.
func (ms *MeltySynth) SetMuted(muted bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.muted = muted
	if ms.player != nil {
		if muted {
			ms.player.SetVolume(0)
		} else {
			ms.player.SetVolume(1)
		}
	}
}

// LoadSoundFont loads an .sf2 file, builds the synthesizer and starts the
// output stream. A read or parse failure leaves the synth as it was: a synth
// with no SoundFont stays not ready, and a previously loaded one keeps playing.
func (ms *MeltySynth) LoadSoundFont(path string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.shutdown {
		return fmt.Errorf("%w: synth is shut down", ErrNoSoundFont)
	}

	data, err := ms.readSoundFont(path)
	if err != nil {
		return err
	}

	sf, err := meltysynth.NewSoundFont(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidSoundFont, path, err)
	}

	settings := meltysynth.NewSynthesizerSettings(SampleRate)
	synthesizer, err := meltysynth.NewSynthesizer(sf, settings)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidSoundFont, path, err)
	}

	// Replace any previous stream before swapping the synthesizer in.
	if ms.player != nil {
		ms.player.Close()
		ms.player = nil
	}

	ms.soundFont = sf
	ms.synthesizer = synthesizer
	ms.stream = &synthStream{owner: ms}

	player, err := getAudioContext().NewPlayer(ms.stream)
	if err != nil {
		ms.synthesizer = nil
		return fmt.Errorf("failed to create audio player: %w", err)
	}
	ms.player = player
	if ms.muted {
		ms.player.SetVolume(0)
	}
	ms.player.Play()

	ms.log.Info("loaded SoundFont", "path", path)
	return nil
}

func (ms *MeltySynth) readSoundFont(path string) ([]byte, error) {
	if filepath.IsAbs(path) || ms.fsys == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%w: %s", ErrSoundFontNotFound, path)
			}
			return nil, fmt.Errorf("failed to read SoundFont %s: %w", path, err)
		}
		return data, nil
	}

	data, err := ms.fsys.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSoundFontNotFound, path)
	}
	return data, nil
}

// SetInstrument selects bank and program on a channel.
func (ms *MeltySynth) SetInstrument(channel, bank, program int) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.synthesizer == nil {
		return
	}
	ms.synthesizer.ProcessMidiMessage(int32(channel), cmdControlChange, ccBankSelect, int32(bank))
	ms.synthesizer.ProcessMidiMessage(int32(channel), cmdProgramChange, int32(program), 0)
}

// NoteOn starts a note. A no-op until a SoundFont is loaded.
func (ms *MeltySynth) NoteOn(channel, note, velocity int) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.synthesizer == nil {
		return
	}
	ms.synthesizer.ProcessMidiMessage(int32(channel), cmdNoteOn, int32(note), int32(velocity))
}

// NoteOff releases a note.
func (ms *MeltySynth) NoteOff(channel, note int) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.synthesizer == nil {
		return
	}
	ms.synthesizer.ProcessMidiMessage(int32(channel), cmdNoteOff, int32(note), 0)
}

// AllNotesOff releases every sounding note on every channel.
func (ms *MeltySynth) AllNotesOff() {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.allNotesOffLocked()
}

func (ms *MeltySynth) allNotesOffLocked() {
	if ms.synthesizer == nil {
		return
	}
	for ch := int32(0); ch < 16; ch++ {
		ms.synthesizer.ProcessMidiMessage(ch, cmdControlChange, ccAllNotesOff, 0)
	}
}

// IsReady reports whether notes will sound.
func (ms *MeltySynth) IsReady() bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.synthesizer != nil
}

// Shutdown silences everything and releases the audio player. The instance
// is unusable afterwards.
func (ms *MeltySynth) Shutdown() {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.shutdown {
		return
	}
	ms.allNotesOffLocked()
	if ms.player != nil {
		ms.player.Close()
		ms.player = nil
	}
	ms.stream = nil
	ms.synthesizer = nil
	ms.soundFont = nil
	ms.shutdown = true
}

// synthStream implements io.Reader for Ebitengine's audio player, rendering
// float32 frames from the synthesizer into interleaved 16-bit stereo.
type synthStream struct {
	owner *MeltySynth
}

func (s *synthStream) Read(p []byte) (int, error) {
	// 2 channels * 2 bytes per sample.
	sampleCount := len(p) / 4
	if sampleCount == 0 {
		return 0, nil
	}

	left := make([]float32, sampleCount)
	right := make([]float32, sampleCount)

	s.owner.mu.Lock()
	synthesizer := s.owner.synthesizer
	if synthesizer != nil {
		synthesizer.Render(left, right)
	}
	s.owner.mu.Unlock()

	for i := 0; i < sampleCount; i++ {
		l := int16(clamp(left[i], -1, 1) * 32767)
		r := int16(clamp(right[i], -1, 1) * 32767)
		binary.LittleEndian.PutUint16(p[i*4:], uint16(l))
		binary.LittleEndian.PutUint16(p[i*4+2:], uint16(r))
	}

	return sampleCount * 4, nil
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
