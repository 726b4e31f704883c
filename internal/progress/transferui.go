package progress

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"golang.org/x/term"
)

const (
	barRefresh = 300 * time.Millisecond
	mib        = 1 << 20
)

// MultiBarUI draws one mpb bar per downloading artifact on stderr. When
// stderr is not a terminal it prints a line per artifact instead.
type MultiBarUI struct {
	p     *mpb.Progress
	out   io.Writer
	tty   bool
	total int
}

var _ TransferUI = (*MultiBarUI)(nil)

// NewMultiBarUI creates the UI; totalFiles is zero when not known up front.
func NewMultiBarUI(totalFiles int) *MultiBarUI {
	u := &MultiBarUI{out: os.Stdout, total: totalFiles}
	u.tty = term.IsTerminal(int(os.Stderr.Fd()))
	if u.tty {
		enableANSIOnWindows(os.Stderr)
		u.p = mpb.New(mpb.WithOutput(os.Stderr), mpb.WithRefreshRate(barRefresh), mpb.WithWidth(100))
	} else {
		u.p = mpb.New(mpb.WithOutput(io.Discard))
	}
	return u
}

func (u *MultiBarUI) caption(index int, local, remote string, size int64) string {
	pos := fmt.Sprintf("[%d]", index)
	if u.total > 0 {
		pos = fmt.Sprintf("[%d/%d]", index, u.total)
	}
	return fmt.Sprintf("%s %s (%.1f MiB) ← %s", pos, truncatePath(local, 2), float64(size)/mib, remote)
}

// AddFileBar registers one artifact download.
func (u *MultiBarUI) AddFileBar(index int, remoteName, localPath string, size int64) FileBarHandle {
	fb := &FileBar{ui: u, remote: remoteName, local: localPath, size: size, started: time.Now()}
	fb.lastTick = fb.started
	caption := u.caption(index, localPath, remoteName, size)

	if !u.tty {
		fmt.Fprintln(u.out, caption)
		return fb
	}

	label := decor.Any(func(decor.Statistics) string {
		if n := fb.retries.Load(); n > 0 {
			return fmt.Sprintf("%s (retry %d)", caption, n)
		}
		return caption
	}, decor.WCSyncSpace)
	percent := decor.Any(func(s decor.Statistics) string {
		if s.Total == 0 {
			return "100.00%"
		}
		return fmt.Sprintf("%6.2f%%", 100*float64(s.Current)/float64(s.Total))
	}, decor.WCSyncSpace)

	fb.bar = u.p.New(size,
		mpb.BarStyle().Lbound("[").Filler("█").Tip("█").Padding("░").Rbound("]"),
		mpb.PrependDecorators(label),
		mpb.AppendDecorators(
			decor.CountersKibiByte("% .1f / % .1f", decor.WCSyncSpace),
			decor.Name("  "),
			percent,
			decor.Name("  "),
			decor.EwmaSpeed(decor.SizeB1024(0), "% .1f", 60, decor.WCSyncSpace),
		),
		mpb.BarRemoveOnComplete(),
	)
	return fb
}

// Wait blocks until every bar has completed or aborted.
func (u *MultiBarUI) Wait() {
	u.p.Wait()
}

// Writer prints above the bars on a terminal, to stderr otherwise.
func (u *MultiBarUI) Writer() io.Writer {
	if u.tty {
		return u.p
	}
	return os.Stderr
}

// FileBar is the handle for one artifact. bar is nil without a terminal.
type FileBar struct {
	ui      *MultiBarUI
	bar     *mpb.Bar
	remote  string
	local   string
	size    int64
	started time.Time
	retries atomic.Int32

	lastTick  time.Time
	lastBytes int64
}

// UpdateProgress moves the bar to fraction of the size, at most once per refresh period.
func (f *FileBar) UpdateProgress(fraction float64) {
	if f.bar == nil {
		return
	}
	now := time.Now()
	elapsed := now.Sub(f.lastTick)
	if elapsed < barRefresh {
		return
	}
	cur := int64(fraction * float64(f.size))
	f.bar.EwmaIncrBy(int(cur-f.lastBytes), elapsed)
	f.lastBytes, f.lastTick = cur, now
}

// SetRetry shows the retry count and refills the bar up to the bytes already seen.
func (f *FileBar) SetRetry(count int) {
	f.retries.Store(int32(count))
	if f.bar != nil && count > 0 {
		f.bar.SetRefill(f.lastBytes)
	}
}

// Complete ends the bar and prints a one line result.
func (f *FileBar) Complete(err error) {
	name := truncatePath(f.local, 2)
	var line string
	if err != nil {
		if f.bar != nil {
			f.bar.Abort(false)
		}
		line = fmt.Sprintf("✗ %s ← %s: %v (after %d retries)\n", name, f.remote, err, f.retries.Load())
	} else {
		if f.bar != nil {
			f.bar.SetCurrent(f.size)
			f.bar.SetTotal(f.size, true)
		}
		line = fmt.Sprintf("✓ %s ← %s (%.1f MiB, %s)\n", name, f.remote, float64(f.size)/mib,
			time.Since(f.started).Round(time.Millisecond))
	}
	if f.ui.tty {
		_, _ = f.ui.p.Write([]byte(line))
		return
	}
	fmt.Fprint(f.ui.out, line)
}

// truncatePath keeps the last keep components of path behind an ellipsis.
// Paths no longer than that shrink to their base name.
func truncatePath(path string, keep int) string {
	parts := strings.Split(filepath.ToSlash(path), "/")
	if len(parts) <= keep {
		return filepath.Base(path)
	}
	return "…/" + strings.Join(parts[len(parts)-keep:], "/")
}
