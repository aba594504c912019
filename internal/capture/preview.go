package capture

import (
	"bufio"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/andresmejia3/firm/internal/types"
)

// Preview is the live display fed by the capture loop. ExitRequested is
// closed when the operator asks to quit.
type Preview interface {
	Show(f types.Frame)
	ExitRequested() <-chan struct{}
	Close() error
}

// TerminalPreview renders a frame-counting spinner and, when given a key
// source, watches it for the exit key: a line consisting of "q" or ESC.
type TerminalPreview struct {
	bar *progressbar.ProgressBar

	exit     chan struct{}
	exitOnce sync.Once

	closeOnce sync.Once
}

// StdinKeys returns os.Stdin when it is an interactive terminal, nil otherwise.
func StdinKeys() io.Reader {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		return os.Stdin
	}
	return nil
}

func NewTerminalPreview(out io.Writer, keys io.Reader) *TerminalPreview {
	p := &TerminalPreview{
		bar: progressbar.NewOptions(-1,
			progressbar.OptionSetDescription("📷 FIRM live (q + Enter to quit)"),
			progressbar.OptionSetWriter(out),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("frames"),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionThrottle(100*time.Millisecond),
		),
		exit: make(chan struct{}),
	}
	if keys != nil {
		go p.watch(keys)
	}
	return p
}

func (p *TerminalPreview) watch(keys io.Reader) {
	lines := bufio.NewScanner(keys)
	for lines.Scan() {
		switch strings.TrimSpace(lines.Text()) {
		case "q", "Q", "\x1b":
			p.exitOnce.Do(func() { close(p.exit) })
			return
		}
	}
}

func (p *TerminalPreview) Show(types.Frame) {
	p.bar.Add(1)
}

func (p *TerminalPreview) ExitRequested() <-chan struct{} {
	return p.exit
}

// Close finishes the spinner line. Safe to call more than once.
func (p *TerminalPreview) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.bar.Finish()
	})
	return err
}

// NopPreview is used when the preview is disabled. It never requests exit.
type NopPreview struct{}

func (NopPreview) Show(types.Frame)               {}
func (NopPreview) ExitRequested() <-chan struct{} { return nil }
func (NopPreview) Close() error                   { return nil }
