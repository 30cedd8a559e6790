package playback

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrNoCommand is returned when no synthesizer command is configured.
var ErrNoCommand = errors.New("no device synthesizer command configured")

// DefaultDeviceCommand speaks with espeak-ng.
var DefaultDeviceCommand = []string{"espeak-ng", "-v", "{voice}", "{text}"}

// CommandSpeaker runs a local synthesizer. Arguments may contain the
// placeholders {text}, {lang} (the full tag) and {voice} (the primary
// subtag).
type CommandSpeaker struct {
	Args []string
}

// Speak runs the command and waits for it to finish.
func (c CommandSpeaker) Speak(ctx context.Context, text, languageTag string) error {
	args := c.expand(text, languageTag)
	if len(args) == 0 {
		return ErrNoCommand
	}
	out, err := exec.CommandContext(ctx, args[0], args[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (c CommandSpeaker) expand(text, languageTag string) []string {
	r := strings.NewReplacer("{text}", text, "{lang}", languageTag, "{voice}", primarySubtag(languageTag))
	out := make([]string, 0, len(c.Args))
	for _, a := range c.Args {
		out = append(out, r.Replace(a))
	}
	return out
}
