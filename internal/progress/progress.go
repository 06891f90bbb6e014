// Package progress renders the master's progress indication on stderr.
// No file data flows through the master, so this is a liveness indicator
// (spinner or periodic text), not a byte-accurate bar.
package progress

import (
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

// Type mirrors --progress-type.
type Type string

const (
	TypeAuto        Type = "Auto"
	TypeProgressBar Type = "ProgressBar"
	TypeTextUpdates Type = "TextUpdates"
)

// Start begins rendering and returns a stop function. With TypeAuto a
// spinner is shown on a terminal and text updates otherwise.
func Start(typ Type, label string) (stop func()) {
	resolved := typ
	if resolved == TypeAuto || resolved == "" {
		if term.IsTerminal(int(os.Stderr.Fd())) {
			resolved = TypeProgressBar
		} else {
			resolved = TypeTextUpdates
		}
	}
	done := make(chan struct{})
	switch resolved {
	case TypeProgressBar:
		bar := progressbar.NewOptions(-1,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription(label),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionClearOnFinish(),
		)
		go func() {
			t := time.NewTicker(120 * time.Millisecond)
			defer t.Stop()
			for {
				select {
				case <-done:
					bar.Finish()
					return
				case <-t.C:
					bar.Add(1)
				}
			}
		}()
	default:
		start := time.Now()
		go func() {
			t := time.NewTicker(5 * time.Second)
			defer t.Stop()
			for {
				select {
				case <-done:
					return
				case <-t.C:
					fmt.Fprintf(os.Stderr, "%s... %s elapsed\n",
						label, time.Since(start).Round(time.Second))
				}
			}
		}()
	}
	return func() { close(done) }
}
