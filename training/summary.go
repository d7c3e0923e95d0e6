package training

import (
	"bufio"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/go-sapcn/sapcn/checkpoints"
)

// ScalarWriter records named scalar series, in the manner of a TensorBoard
// summary writer.
type ScalarWriter interface {
	AddScalar(tag string, value float64, step int) error
	Close() error
}

// ScalarEvent is one line of a scalars.jsonl file.
type ScalarEvent struct {
	Tag      string            `json:"tag"`
	Value    checkpoints.Score `json:"value"`
	Step     int               `json:"step"`
	WallTime time.Time         `json:"wall_time"`
}

// SummaryWriter appends scalar events to <dir>/scalars.jsonl and, on Close,
// renders one line plot per tag next to it.
type SummaryWriter struct {
	dir string

	mu     sync.Mutex
	file   *os.File
	buf    *bufio.Writer
	enc    *json.Encoder
	series map[string]plotter.XYs
	tags   []string
	closed bool
}

// NewSummaryWriter creates dir and opens its event file for appending.
func NewSummaryWriter(dir string) (*SummaryWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create summary directory")
	}
	f, err := os.OpenFile(filepath.Join(dir, "scalars.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open summary file")
	}
	buf := bufio.NewWriter(f)
	return &SummaryWriter{
		dir:    dir,
		file:   f,
		buf:    buf,
		enc:    json.NewEncoder(buf),
		series: make(map[string]plotter.XYs),
	}, nil
}

func (w *SummaryWriter) AddScalar(tag string, value float64, step int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("summary writer is closed")
	}
	ev := ScalarEvent{Tag: tag, Value: checkpoints.Score(value), Step: step, WallTime: time.Now().UTC()}
	if err := w.enc.Encode(ev); err != nil {
		return errors.Wrapf(err, "failed to record %s", tag)
	}
	if _, ok := w.series[tag]; !ok {
		w.tags = append(w.tags, tag)
	}
	// plotter rejects non-finite points
	if !math.IsNaN(value) && !math.IsInf(value, 0) {
		w.series[tag] = append(w.series[tag], plotter.XY{X: float64(step), Y: value})
	}
	return nil
}

// Flush pushes buffered events to disk.
func (w *SummaryWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Flush()
}

// Close flushes the event file and renders the plots.
func (w *SummaryWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.buf.Flush(); err != nil {
		w.file.Close()
		return errors.Wrap(err, "failed to flush summary file")
	}
	if err := w.file.Close(); err != nil {
		return errors.Wrap(err, "failed to close summary file")
	}
	for i, tag := range w.tags {
		if len(w.series[tag]) == 0 {
			continue
		}
		if err := w.render(tag, w.series[tag], seriesColor(i, len(w.tags))); err != nil {
			return err
		}
	}
	return nil
}

// PlotPath is where Close renders the plot for tag.
func (w *SummaryWriter) PlotPath(tag string) string {
	name := strings.NewReplacer("/", "_", " ", "_", "\\", "_").Replace(tag)
	return filepath.Join(w.dir, name+".png")
}

func (w *SummaryWriter) render(tag string, xys plotter.XYs, c colorful.Color) error {
	p := plot.New()
	p.Title.Text = tag
	p.X.Label.Text = "step"
	p.Y.Label.Text = "value"
	p.Add(plotter.NewGrid())

	line, err := plotter.NewLine(xys)
	if err != nil {
		return errors.Wrapf(err, "failed to plot %s", tag)
	}
	line.Color = c
	line.Width = vg.Points(1.5)
	p.Add(line)

	if err := p.Save(8*vg.Inch, 5*vg.Inch, w.PlotPath(tag)); err != nil {
		return errors.Wrapf(err, "failed to save plot for %s", tag)
	}
	return nil
}

// seriesColor spreads n hues evenly around the HCL wheel.
func seriesColor(i, n int) colorful.Color {
	if n <= 0 {
		n = 1
	}
	return colorful.Hcl(float64(i)*360/float64(n), 0.55, 0.55).Clamped()
}

// discardWriter drops every scalar.
type discardWriter struct{}

func (discardWriter) AddScalar(string, float64, int) error { return nil }
func (discardWriter) Close() error                         { return nil }
