// Package report gives the dump, check, restore and generate
// collaborators a single place to emit progress and warnings without
// depending directly on logrus or mpb themselves.
package report

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/vbauerster/mpb/v5"
	"github.com/vbauerster/mpb/v5/decor"
)

// Logger is the subset of logging behaviour every collaborator needs,
// with debug/info output gated behind explicit flags rather than a
// global level so a library caller can silence a run entirely.
type Logger interface {
	Debugf(format string, x ...interface{})
	Errorf(format string, x ...interface{})
	Infof(format string, x ...interface{})
	Printf(format string, x ...interface{})
	Warnf(format string, x ...interface{})
	IsInfoEnabled() bool
	IsDebugEnabled() bool
}

// Progress tracks a single long-running operation, such as a block
// scan or a tree walk over a large number of entries.
type Progress interface {
	Finish(success bool)
	Increment(n int64)
	Write(p []byte) (n int, err error)
	Seek(offset int64, whence int) (int64, error)
}

// ProgressReporter creates Progress bars for a labelled unit of work.
type ProgressReporter interface {
	NewProgress(label string, units string, total int64) Progress
}

// Report is the full sink a collaborator is handed: a Logger plus the
// ability to report progress on whatever it is currently doing.
type Report interface {
	Logger
	ProgressReporter
}

// CLI is the terminal-backed Report used by cmd/tpmeta. Debug/Info
// output is gated by IsDebug/IsVerbose rather than a global logrus
// level, so multiple CLI values in the same process (e.g. in tests)
// don't fight over logrus's package-level state beyond the shared
// output redirection used while a progress bar is active.
type CLI struct {
	DisableColors bool
	DisableTTY    bool
	IsDebug       bool
	IsVerbose     bool

	lock               sync.Mutex
	isTrackingProgress bool
	bars               map[*mpb.Bar]bool
	buffer             *bytes.Buffer
	progressContainer  *mpb.Progress
}

// Debugf logs at trace level, only when IsDebug is set.
func (r *CLI) Debugf(format string, x ...interface{}) {
	if r.IsDebug {
		logrus.Tracef(format, x...)
	}
}

// Errorf logs at error level.
func (r *CLI) Errorf(format string, x ...interface{}) {
	logrus.Errorf(format, x...)
}

// Infof logs at debug level, only when IsVerbose is set.
func (r *CLI) Infof(format string, x ...interface{}) {
	if r.IsVerbose {
		logrus.Debugf(format, x...)
	}
}

// Printf logs unconditionally.
func (r *CLI) Printf(format string, x ...interface{}) {
	logrus.Printf(format, x...)
}

// Warnf logs at warn level.
func (r *CLI) Warnf(format string, x ...interface{}) {
	logrus.Warnf(format, x...)
}

// IsInfoEnabled reports whether info-level logrus output is enabled.
func (r *CLI) IsInfoEnabled() bool {
	return logrus.IsLevelEnabled(logrus.InfoLevel)
}

// IsDebugEnabled reports whether debug-level logrus output is enabled.
func (r *CLI) IsDebugEnabled() bool {
	return logrus.IsLevelEnabled(logrus.DebugLevel)
}

// NewProgress returns a Progress bar for label. While DisableTTY is
// set (non-interactive runs, piped output) it returns a no-op bar that
// still tracks its cursor so callers can Seek against it.
func (r *CLI) NewProgress(label string, units string, total int64) Progress {
	if r.DisableTTY {
		return &nilProgress{total: total}
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	if !r.isTrackingProgress {
		r.isTrackingProgress = true
		r.buffer = new(bytes.Buffer)
		logrus.SetOutput(r.buffer)
		r.progressContainer = mpb.New(mpb.WithWidth(80))
		r.bars = make(map[*mpb.Bar]bool)
	}

	var decorators []decor.Decorator
	switch units {
	case "blocks":
		decorators = append(decorators, decor.Counters(0, "% d / % d"))
	default:
		decorators = append(decorators, decor.Percentage())
	}

	var bar *mpb.Bar
	if total == 0 {
		bar = r.progressContainer.AddSpinner(0, mpb.SpinnerOnLeft,
			mpb.PrependDecorators(
				decor.Name(label, decor.WC{W: len(label) + 1, C: decor.DidentRight}),
			),
		)
	} else {
		bar = r.progressContainer.AddBar(total,
			mpb.PrependDecorators(
				decor.Name(label, decor.WC{W: len(label) + 1, C: decor.DidentRight}),
				decor.OnComplete(
					decor.AverageETA(decor.ET_STYLE_GO, decor.WC{W: 4}), "done",
				),
			),
			mpb.AppendDecorators(decorators...),
		)
	}

	r.bars[bar] = true

	p := &pb{
		report:   r,
		bar:      bar,
		total:    total,
		interval: 100 * time.Millisecond,
	}
	p.nextUpdate = time.Now().Add(p.interval)

	return p
}

// Format renders a logrus entry with ANSI colour coding by level, the
// way the teacher's CLI formatter does, unless colours are disabled.
func (r *CLI) Format(entry *logrus.Entry) ([]byte, error) {
	faint := color.New(color.Faint).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	blue := color.New(color.FgBlue).SprintFunc()

	x := entry.Message
	if !r.DisableColors {
		switch entry.Level {
		case logrus.TraceLevel:
			x = fmt.Sprintf("%s\n", faint(x))
		case logrus.DebugLevel:
			x = fmt.Sprintf("%s\n", blue(x))
		case logrus.InfoLevel:
			x = fmt.Sprintf("%s\n", x)
		case logrus.WarnLevel:
			x = fmt.Sprintf("%s\n", yellow(x))
		case logrus.ErrorLevel:
			x = fmt.Sprintf("%s\n", red(x))
		default:
			x = fmt.Sprintf("%s\n", x)
		}
	} else {
		x = fmt.Sprintf("%s\n", x)
	}

	return []byte(x), nil
}

type nilProgress struct {
	cursor int64
	total  int64
}

func (np *nilProgress) Increment(n int64) {}

func (np *nilProgress) Finish(success bool) {}

func (np *nilProgress) Write(p []byte) (n int, err error) {
	n = len(p)
	np.cursor += int64(n)
	return
}

func (np *nilProgress) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekCurrent:
		abs = np.cursor + offset
	case io.SeekStart:
		abs = offset
	case io.SeekEnd:
		abs = np.total + offset
	default:
		return 0, errors.New("report: invalid whence")
	}
	np.cursor = abs
	return abs, nil
}

type pb struct {
	report *CLI
	bar    *mpb.Bar
	closed bool
	total  int64
	cursor int64
	done   int64

	buffered   int64
	interval   time.Duration
	nextUpdate time.Time
}

// Increment advances the bar by n, throttled to at most one redraw per
// interval so a tight per-block loop doesn't spend its time redrawing.
func (p *pb) Increment(n int64) {
	p.buffered += n
	p.done += n
	if !time.Now().Before(p.nextUpdate) {
		p.flush()
	}
}

func (p *pb) flush() {
	p.nextUpdate = time.Now().Add(p.interval)
	p.bar.IncrInt64(p.buffered)
	p.buffered = 0
}

// Finish closes the bar. Once the last outstanding bar in the
// container finishes, logging is restored to stdout and anything
// buffered while bars were active is flushed out after them.
func (p *pb) Finish(success bool) {
	if p.closed {
		return
	}
	p.flush()
	p.closed = true
	if p.done != p.total || p.total == 0 || !success {
		p.bar.Abort(false)
	}

	p.report.lock.Lock()
	defer p.report.lock.Unlock()
	delete(p.report.bars, p.bar)

	if len(p.report.bars) == 0 {
		p.report.bars = nil
		p.report.isTrackingProgress = false
		p.report.progressContainer.Wait()
		p.report.progressContainer = nil
		logrus.SetOutput(os.Stdout)
		_, _ = p.report.buffer.WriteTo(os.Stdout)
		p.report.buffer = nil
	}
}

// Write lets a Progress stand in for an io.Writer, advancing the bar
// by however much the cursor moved forward.
func (p *pb) Write(buf []byte) (n int, err error) {
	n = len(buf)
	p.cursor += int64(n)
	if p.done < p.cursor {
		p.Increment(p.cursor - p.done)
	}
	return
}

// Seek lets a Progress stand in for an io.Seeker over a block range,
// advancing the bar when the new position moves forward.
func (p *pb) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekCurrent:
		abs = p.cursor + offset
	case io.SeekStart:
		abs = offset
	case io.SeekEnd:
		abs = p.total + offset
	default:
		return 0, errors.New("report: invalid whence")
	}

	p.cursor = abs
	if p.done < p.cursor {
		p.Increment(p.cursor - p.done)
	}
	return abs, nil
}
