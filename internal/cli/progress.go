package cli

import (
	"io"
	"path"
	"time"

	"github.com/schollz/progressbar/v3"
)

// Progress shows a spinner with a running count of processed files. A
// disabled Progress does nothing.
type Progress struct {
	bar *progressbar.ProgressBar
}

func NewProgress(w io.Writer, enabled bool) *Progress {
	if !enabled {
		return &Progress{}
	}
	return &Progress{bar: progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("loading"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("files"),
		progressbar.OptionThrottle(200*time.Millisecond),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetRenderBlankState(true),
	)}
}

// File counts one processed file. It matches loader.Options.OnFile.
func (p *Progress) File(name string) {
	if p.bar == nil {
		return
	}
	p.bar.Describe(path.Base(name))
	_ = p.bar.Add(1)
}

func (p *Progress) Finish() {
	if p.bar == nil {
		return
	}
	_ = p.bar.Finish()
}
