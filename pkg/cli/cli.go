// Package cli parses the command line of the demo player.
package cli

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds the options parsed from the command line.
type Config struct {
	MIDIPath   string  // path of the MIDI file to play (positional)
	SoundFont  string  // path of the SoundFont (.sf2) file
	Speed      float64 // initial playback speed factor
	LogLevel   string  // debug, info, warn, error
	Headless   bool    // mute audio output
	ListTracks bool    // print the track table and exit
	ShowHelp   bool    // help flag
}

// ParseArgs parses command-line arguments into a Config. Flags may appear
// before or after the positional MIDI path; environment variables
// (SOUNDFONT, LOG_LEVEL, HEADLESS) fill in options the flags leave at their
// defaults.
func ParseArgs(args []string) (*Config, error) {
	reorderedArgs := reorderArgs(args)

	fs := flag.NewFlagSet("midi-music", flag.ContinueOnError)

	config := &Config{}

	fs.StringVar(&config.SoundFont, "sf2", "", "SoundFont (.sf2) file")
	fs.Float64Var(&config.Speed, "speed", 1.0, "initial playback speed factor")
	fs.StringVar(&config.LogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	fs.StringVar(&config.LogLevel, "l", "info", "log level (short form)")
	fs.BoolVar(&config.Headless, "headless", false, "mute audio output")
	fs.BoolVar(&config.ListTracks, "list", false, "print the track table and exit")
	fs.BoolVar(&config.ShowHelp, "help", false, "show help")
	fs.BoolVar(&config.ShowHelp, "h", false, "show help (short form)")

	if err := fs.Parse(reorderedArgs); err != nil {
		return nil, err
	}

	// Environment variables; command-line flags win.
	if config.SoundFont == "" {
		config.SoundFont = os.Getenv("SOUNDFONT")
	}
	if !config.Headless {
		if headlessEnv := os.Getenv("HEADLESS"); headlessEnv != "" {
			config.Headless = headlessEnv == "1" || strings.ToLower(headlessEnv) == "true"
		}
	}
	if config.LogLevel == "info" {
		if logLevelEnv := os.Getenv("LOG_LEVEL"); logLevelEnv != "" {
			config.LogLevel = strings.ToLower(logLevelEnv)
		}
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[config.LogLevel] {
		return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.LogLevel)
	}

	if config.Speed <= 0 {
		return nil, fmt.Errorf("speed must be positive, got %s", strconv.FormatFloat(config.Speed, 'g', -1, 64))
	}

	if fs.NArg() > 0 {
		config.MIDIPath = fs.Arg(0)
	}

	return config, nil
}

// reorderArgs moves flags ahead of positional arguments so both orders
// parse.
func reorderArgs(args []string) []string {
	var flags []string
	var positional []string

	boolFlags := map[string]bool{
		"-h": true, "--help": true,
		"-headless": true, "--headless": true,
		"-list": true, "--list": true,
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]

		if len(arg) > 0 && arg[0] == '-' {
			flags = append(flags, arg)

			// A value-taking flag consumes the next argument unless the
			// value was attached with '='.
			if !boolFlags[arg] && !strings.Contains(arg, "=") &&
				i+1 < len(args) && len(args[i+1]) > 0 && args[i+1][0] != '-' {
				i++
				flags = append(flags, args[i])
			}
		} else {
			positional = append(positional, arg)
		}
	}

	return append(flags, positional...)
}

// PrintHelp writes the usage message.
func PrintHelp() {
	fmt.Fprintf(os.Stdout, `midi-music - MIDI accompaniment player

Usage:
  midi-music [options] <file.mid>

Arguments:
  file.mid      Standard MIDI File to play

Options:
  -sf2 <file>             SoundFont (.sf2) file (default: search the working directory, then next to the MIDI file)
  -speed <factor>         initial playback speed factor (default: 1.0)
  -l, --log-level <level> log level: debug, info, warn, error (default: info)
  --headless              mute audio output
  --list                  print the track table and exit
  -h, --help              show this help

Environment Variables:
  SOUNDFONT=<file>        SoundFont file
  LOG_LEVEL=<level>       log level
  HEADLESS=1              mute audio output

Examples:
  midi-music song.mid
  midi-music -sf2 GeneralUser-GS.sf2 song.mid
  midi-music -speed 0.5 song.mid
  midi-music --list song.mid
`)
}
