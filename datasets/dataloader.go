package datasets

import (
	"context"
	"math/rand"

	"github.com/pkg/errors"
)

// DataLoaderConfig holds configuration for the data loader
type DataLoaderConfig struct {
	BatchSize     int
	Shuffle       bool
	Workers       int // background workers, default 1
	PrefetchDepth int // batches loaded ahead, default 2 per worker
	DropLast      bool
	Seed          int64
}

// DataLoader batches a dataset. Batches are built by background workers and
// delivered in order.
type DataLoader struct {
	dataset Dataset
	config  DataLoaderConfig
	rng     *rand.Rand
}

// NewDataLoader creates a new DataLoader
func NewDataLoader(dataset Dataset, config DataLoaderConfig) (*DataLoader, error) {
	if dataset == nil {
		return nil, errors.New("dataset cannot be nil")
	}
	if config.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.PrefetchDepth <= 0 {
		config.PrefetchDepth = 2 * config.Workers
	}
	return &DataLoader{
		dataset: dataset,
		config:  config,
		rng:     rand.New(rand.NewSource(config.Seed)),
	}, nil
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	n := dl.dataset.Len()
	if dl.config.DropLast {
		return n / dl.config.BatchSize
	}
	return (n + dl.config.BatchSize - 1) / dl.config.BatchSize
}

// NumSamples is the size of the underlying dataset.
func (dl *DataLoader) NumSamples() int { return dl.dataset.Len() }

type batchResult struct {
	batch *Batch
	err   error
}

type batchJob struct {
	indices []int
	seed    int64
	out     chan batchResult
}

// Epoch is one pass over the dataset.
type Epoch struct {
	ctx    context.Context
	cancel context.CancelFunc
	queue  chan chan batchResult
	done   chan struct{}
}

// Epoch starts loading one pass. The order of samples, and every sample's
// augmentation, depend only on the seed and the number of epochs started
// before. Close must be called when the caller stops early.
func (dl *DataLoader) Epoch(ctx context.Context) *Epoch {
	indices := make([]int, dl.dataset.Len())
	for i := range indices {
		indices[i] = i
	}
	if dl.config.Shuffle {
		dl.rng.Shuffle(len(indices), func(i, j int) { indices[i], indices[j] = indices[j], indices[i] })
	}

	var jobs []batchJob
	for start := 0; start < len(indices); start += dl.config.BatchSize {
		end := start + dl.config.BatchSize
		if end > len(indices) {
			if dl.config.DropLast {
				break
			}
			end = len(indices)
		}
		jobs = append(jobs, batchJob{indices: indices[start:end], seed: dl.rng.Int63(), out: make(chan batchResult, 1)})
	}

	ctx, cancel := context.WithCancel(ctx)
	e := &Epoch{
		ctx:    ctx,
		cancel: cancel,
		queue:  make(chan chan batchResult, dl.config.PrefetchDepth),
		done:   make(chan struct{}),
	}

	work := make(chan batchJob)
	workersDone := make(chan struct{}, dl.config.Workers)
	for w := 0; w < dl.config.Workers; w++ {
		go func() {
			defer func() { workersDone <- struct{}{} }()
			for job := range work {
				batch, err := dl.loadBatch(job.indices, rand.New(rand.NewSource(job.seed)))
				job.out <- batchResult{batch: batch, err: err}
			}
		}()
	}

	go func() {
		defer func() {
			close(work)
			for w := 0; w < dl.config.Workers; w++ {
				<-workersDone
			}
			close(e.queue)
			close(e.done)
		}()
		for _, job := range jobs {
			select {
			case e.queue <- job.out:
			case <-ctx.Done():
				return
			}
			select {
			case work <- job:
			case <-ctx.Done():
				return
			}
		}
	}()
	return e
}

// Next returns the next batch, or nil at the end of the epoch.
func (e *Epoch) Next() (*Batch, error) {
	select {
	case out, ok := <-e.queue:
		if !ok {
			return nil, e.ctx.Err()
		}
		select {
		case res := <-out:
			return res.batch, res.err
		case <-e.ctx.Done():
			return nil, e.ctx.Err()
		}
	case <-e.ctx.Done():
		return nil, e.ctx.Err()
	}
}

// Close stops the background workers and waits for them.
func (e *Epoch) Close() {
	e.cancel()
	<-e.done
}

// loadBatch loads a batch of samples and combines them into batched tensors
func (dl *DataLoader) loadBatch(indices []int, rng *rand.Rand) (*Batch, error) {
	samples := make([]*Sample, len(indices))
	for i, idx := range indices {
		s, err := dl.dataset.Get(idx, rng)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load sample %d", idx)
		}
		samples[i] = s
	}
	return Collate(samples)
}
