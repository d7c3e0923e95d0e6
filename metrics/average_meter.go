// Package metrics accumulates running averages over named channels and
// scores completed point clouds against their ground truth.
package metrics

import "fmt"

// AverageMeter keeps a running mean per named channel.
type AverageMeter struct {
	items  []string
	vals   []float64
	sums   []float64
	counts []float64
}

func NewAverageMeter(items []string) *AverageMeter {
	n := len(items)
	return &AverageMeter{
		items:  append([]string(nil), items...),
		vals:   make([]float64, n),
		sums:   make([]float64, n),
		counts: make([]float64, n),
	}
}

// Reset clears every channel.
func (m *AverageMeter) Reset() {
	for i := range m.items {
		m.vals[i], m.sums[i], m.counts[i] = 0, 0, 0
	}
}

// Update records one value per channel, in channel order. Passing fewer
// values than channels updates only the leading ones.
func (m *AverageMeter) Update(values ...float64) error {
	if len(values) > len(m.items) {
		return fmt.Errorf("meter has %d channels, got %d values", len(m.items), len(values))
	}
	for i, v := range values {
		m.vals[i] = v
		m.sums[i] += v
		m.counts[i]++
	}
	return nil
}

func (m *AverageMeter) Items() []string { return append([]string(nil), m.items...) }

func (m *AverageMeter) Len() int { return len(m.items) }

// Val is the most recent value of channel i.
func (m *AverageMeter) Val(i int) float64 { return m.vals[i] }

func (m *AverageMeter) Vals() []float64 { return append([]float64(nil), m.vals...) }

// Count is the number of updates channel i has seen.
func (m *AverageMeter) Count(i int) int { return int(m.counts[i]) }

// Avg is the mean of channel i, 0 before its first update.
func (m *AverageMeter) Avg(i int) float64 {
	if m.counts[i] == 0 {
		return 0
	}
	return m.sums[i] / m.counts[i]
}

func (m *AverageMeter) Avgs() []float64 {
	avgs := make([]float64, len(m.items))
	for i := range avgs {
		avgs[i] = m.Avg(i)
	}
	return avgs
}
