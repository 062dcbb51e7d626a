package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/2018x5zzt/midi-music/pkg/cli"
	"github.com/2018x5zzt/midi-music/pkg/fileutil"
	"github.com/2018x5zzt/midi-music/pkg/logger"
	"github.com/2018x5zzt/midi-music/pkg/player"
	"github.com/2018x5zzt/midi-music/pkg/smfparse"
	"github.com/2018x5zzt/midi-music/pkg/song"
	"github.com/2018x5zzt/midi-music/pkg/synth"
)

// DefaultSoundFontName is the SoundFont filename searched for when none is
// given explicitly.
const DefaultSoundFontName = "GeneralUser-GS.sf2"

func main() {
	config, err := cli.ParseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cli.PrintHelp()
		os.Exit(1)
	}

	if config.ShowHelp || config.MIDIPath == "" {
		cli.PrintHelp()
		if config.ShowHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if err := logger.InitLogger(config.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	log := logger.GetLogger()

	fsys := fileutil.NewRealFS("")
	s, err := smfparse.ParseFile(fsys, config.MIDIPath)
	if err != nil {
		log.Error("failed to parse MIDI file", "path", config.MIDIPath, "error", err)
		os.Exit(1)
	}

	printSongInfo(s)
	if config.ListTracks {
		return
	}

	soundFontPath := findSoundFont(config.SoundFont, config.MIDIPath)
	if soundFontPath == "" {
		log.Error("no SoundFont found", "hint", "pass -sf2 or place "+DefaultSoundFontName+" next to the MIDI file")
		os.Exit(1)
	}

	syn := synth.NewMeltySynth(fsys)
	if config.Headless {
		syn.SetMuted(true)
	}

	p := player.New(syn)
	defer p.Shutdown()

	if err := p.LoadSoundFont(soundFontPath); err != nil {
		log.Error("failed to load SoundFont", "path", soundFontPath, "error", err)
		os.Exit(1)
	}
	if err := p.LoadSong(s); err != nil {
		log.Error("failed to load song", "error", err)
		os.Exit(1)
	}

	p.SetSpeed(config.Speed)
	p.Play()

	// Ctrl-C stops playback cleanly.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-sigChan:
			fmt.Println()
			log.Info("interrupted")
			p.Stop()
			return
		case <-ticker.C:
			if p.State() == player.StateStopped {
				fmt.Println()
				log.Info("playback finished")
				return
			}
			fmt.Printf("\r%6.1fs / %6.1fs  %5.1f%%  %6.1f BPM",
				p.CurrentSeconds(), s.TotalSeconds, p.Progress()*100, p.CurrentBPM())
		}
	}
}

// printSongInfo logs the song header and prints the track table.
func printSongInfo(s *song.Song) {
	log := logger.GetLogger()
	log.Info("MIDI file",
		"path", s.FileName,
		"format", s.Format,
		"ppq", s.TicksPerBeat,
		"totalTicks", s.TotalTicks,
		"duration", fmt.Sprintf("%.2fs", s.TotalSeconds))

	for _, track := range s.Tracks {
		name := track.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Printf("Track %2d  %-24s  channels=%v  notes=%d\n",
			track.Index, name, track.ChannelList(), len(track.Notes))
	}
}

// findSoundFont resolves the SoundFont path: the explicit one first, then
// the default name in the working directory, then next to the MIDI file
// (case-insensitive).
func findSoundFont(explicit, midiPath string) string {
	if explicit != "" {
		return explicit
	}

	if _, err := os.Stat(DefaultSoundFontName); err == nil {
		return DefaultSoundFontName
	}

	dir := filepath.Dir(midiPath)
	if path, err := fileutil.FindFileCaseInsensitive(dir, DefaultSoundFontName); err == nil {
		return path
	}

	return ""
}
