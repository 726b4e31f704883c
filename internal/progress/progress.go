// Package progress reports case-level and artifact-level progress, as terminal
// bars in the CLI and as events on the event bus otherwise.
package progress

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"

	"github.com/rescale/mission-int/internal/events"
)

// Reporter counts finished cases against a total.
type Reporter interface {
	Start(total int64, description string)
	Increment()
	Finish()
	Error(err error)
}

// Discard is a Reporter that ignores everything.
var Discard Reporter = discard{}

type discard struct{}

func (discard) Start(int64, string) {}
func (discard) Increment()          {}
func (discard) Finish()             {}
func (discard) Error(error)         {}

// CLIProgress draws a single counting bar on stderr.
type CLIProgress struct {
	out io.Writer
	bar *progressbar.ProgressBar
}

func NewCLIProgress() *CLIProgress {
	return &CLIProgress{out: os.Stderr}
}

func (p *CLIProgress) Start(total int64, description string) {
	p.bar = progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(p.out),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionThrottle(100),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(p.out) }),
	)
}

func (p *CLIProgress) Increment() {
	if p.bar != nil {
		_ = p.bar.Add(1)
	}
}

func (p *CLIProgress) Finish() {
	if p.bar != nil {
		_ = p.bar.Finish()
	}
}

// Error prints err on its own line below the bar.
func (p *CLIProgress) Error(err error) {
	if err != nil {
		fmt.Fprintf(p.out, "\nError: %v\n", err)
	}
}

// EventProgress publishes mission-level progress events with an empty case ID.
type EventProgress struct {
	bus     *events.EventBus
	mission string
	stage   string
	total   int64
	done    atomic.Int64
}

func NewEventProgress(bus *events.EventBus, mission string) *EventProgress {
	return &EventProgress{bus: bus, mission: mission}
}

// Start resets the counter; description becomes the event stage.
func (p *EventProgress) Start(total int64, description string) {
	p.total, p.stage = total, description
	p.done.Store(0)
	p.bus.PublishProgress(p.mission, "", p.stage, 0, description)
}

func (p *EventProgress) Increment() {
	n := p.done.Add(1)
	frac := 1.0
	if p.total > 0 {
		frac = float64(n) / float64(p.total)
	}
	p.bus.PublishProgress(p.mission, "", p.stage, frac, fmt.Sprintf("%d/%d", n, p.total))
}

func (p *EventProgress) Finish() {
	p.bus.PublishProgress(p.mission, "", p.stage, 1, "done")
}

func (p *EventProgress) Error(err error) {
	if err != nil {
		p.bus.PublishLog(zerolog.ErrorLevel, err.Error(), p.stage, "", err)
	}
}

// BarWriter passes writes through and moves a file bar to the fraction of
// total written so far.
type BarWriter struct {
	w       io.Writer
	bar     FileBarHandle
	total   int64
	written int64
}

func NewBarWriter(w io.Writer, total int64, bar FileBarHandle) *BarWriter {
	return &BarWriter{w: w, bar: bar, total: total}
}

func (bw *BarWriter) Write(p []byte) (int, error) {
	n, err := bw.w.Write(p)
	bw.written += int64(n)
	if bw.total > 0 {
		bw.bar.UpdateProgress(float64(bw.written) / float64(bw.total))
	}
	return n, err
}
