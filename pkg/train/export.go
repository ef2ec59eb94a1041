package train

import (
	"fmt"
	"sync"

	"gosplat/pkg/splat"
)

// Exporter writes PLY checkpoints off the training goroutine. Tasks
// run strictly in submission order on one worker, so a later
// checkpoint can never be overwritten by an earlier slow write, and
// Close joins all pending work.
type Exporter struct {
	tasks chan exportTask
	done  chan struct{}

	mu       sync.Mutex
	firstErr error
}

type exportTask struct {
	data *splat.Data
	path string
}

// NewExporter starts the export worker. The buffer bounds how many
// snapshots can be queued before Save blocks.
func NewExporter(buffer int) *Exporter {
	e := &Exporter{
		tasks: make(chan exportTask, buffer),
		done:  make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *Exporter) run() {
	defer close(e.done)
	for task := range e.tasks {
		if err := task.data.SavePLY(task.path); err != nil {
			e.mu.Lock()
			if e.firstErr == nil {
				e.firstErr = fmt.Errorf("exporting %s: %w", task.path, err)
			}
			e.mu.Unlock()
		}
	}
}

// Save enqueues a checkpoint write. The population must be a snapshot
// the caller will not mutate; the trainer hands over deep copies.
func (e *Exporter) Save(data *splat.Data, path string) {
	e.tasks <- exportTask{data: data, path: path}
}

// Err returns the first export failure observed so far.
func (e *Exporter) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.firstErr
}

// Close drains the queue, stops the worker and returns the first
// export error, if any.
func (e *Exporter) Close() error {
	close(e.tasks)
	<-e.done
	return e.Err()
}
