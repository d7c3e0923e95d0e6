package training

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/go-sapcn/sapcn/layers"
)

const barCells = 40

// ProgressBar redraws a single status line per batch:
//
//	[Epoch 3/400]:  42%|████████        | 21/50 [00:12<00:16, 1.71it/s, cd_fine=0.8123]
//
// A nil writer turns every call into a no-op.
type ProgressBar struct {
	w      io.Writer
	label  string
	steps  int
	done   int
	began  time.Time
	values map[string]float64
}

func NewProgressBar(w io.Writer, label string, steps int) *ProgressBar {
	return &ProgressBar{w: w, label: label, steps: steps, began: time.Now()}
}

// SetDescription replaces the label shown before the bar.
func (pb *ProgressBar) SetDescription(label string) {
	pb.label = label
}

// Update moves the bar to done and replaces the trailing values when
// values is non-nil.
func (pb *ProgressBar) Update(done int, values map[string]float64) {
	pb.done = done
	if values != nil {
		pb.values = values
	}
	pb.draw()
}

// Finish fills the bar and ends the line.
func (pb *ProgressBar) Finish() {
	if pb.w == nil {
		return
	}
	pb.done = pb.steps
	pb.draw()
	io.WriteString(pb.w, "\n")
}

// fraction is the completed share, clamped to [0, 1]. An empty bar counts
// as complete.
func (pb *ProgressBar) fraction() float64 {
	if pb.steps <= 0 {
		return 1
	}
	return min(float64(pb.done)/float64(pb.steps), 1)
}

// timing returns the elapsed time, the estimate of what remains and the
// throughput in steps per second.
func (pb *ProgressBar) timing(frac float64) (elapsed, left time.Duration, rate float64) {
	elapsed = time.Since(pb.began)
	if pb.done == 0 || elapsed <= 0 {
		return elapsed, 0, 0
	}
	rate = float64(pb.done) / elapsed.Seconds()
	if frac > 0 {
		left = max(time.Duration(float64(elapsed)/frac)-elapsed, 0)
	}
	return elapsed, left, rate
}

func (pb *ProgressBar) draw() {
	if pb.w == nil {
		return
	}
	frac := pb.fraction()
	elapsed, left, rate := pb.timing(frac)
	cells := int(frac * barCells)

	var sb strings.Builder
	fmt.Fprintf(&sb, "\r%s: %3.0f%%|%s%s| %d/%d [%s<%s",
		pb.label, frac*100,
		strings.Repeat("█", cells), strings.Repeat(" ", barCells-cells),
		pb.done, pb.steps, clock(elapsed), clock(left))
	if rate > 0 {
		fmt.Fprintf(&sb, ", %.2fit/s", rate)
	}
	for _, name := range sortedKeys(pb.values) {
		fmt.Fprintf(&sb, ", %s=%.4f", name, pb.values[name])
	}
	sb.WriteByte(']')
	io.WriteString(pb.w, sb.String())
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// clock renders d as MM:SS; minutes keep counting past the hour.
func clock(d time.Duration) string {
	secs := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}

// PrintArchitecture lists every named tensor of m with its shape and
// whether the optimizer sees it, followed by the parameter totals.
func PrintArchitecture(out io.Writer, name string, m layers.Module) {
	if out == nil {
		return
	}
	var total, frozen int
	var sb strings.Builder
	sb.WriteString(name + "(\n")
	for _, p := range m.Parameters() {
		n := p.Tensor.NumElems
		total += n
		state := "trainable"
		if !p.Tensor.RequiresGrad() {
			state = "frozen"
			frozen += n
		}
		fmt.Fprintf(&sb, "  (%s): %v %s\n", p.Name, p.Tensor.Shape, state)
	}
	sb.WriteString(")\n")
	for _, row := range []struct {
		label string
		count int
	}{
		{"Total parameters", total},
		{"Trainable parameters", total - frozen},
		{"Non-trainable parameters", frozen},
	} {
		fmt.Fprintf(&sb, "%s: %s\n", row.label, formatParameterCount(row.count))
	}
	fmt.Fprintf(&sb, "Params size (MB): %.3f\n\n", float64(total)*4/(1<<20))
	io.WriteString(out, sb.String())
}

// formatParameterCount abbreviates count with a K or M suffix, one decimal.
func formatParameterCount(count int) string {
	for _, unit := range []struct {
		scale  float64
		suffix string
	}{
		{1e6, "M"},
		{1e3, "K"},
	} {
		if float64(count) >= unit.scale {
			return fmt.Sprintf("%.1f%s", float64(count)/unit.scale, unit.suffix)
		}
	}
	return fmt.Sprint(count)
}
