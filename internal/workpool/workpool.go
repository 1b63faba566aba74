// Package workpool provides a fixed-size set of long-lived workers shared by
// every page of a run.
package workpool

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"
)

// DefaultSize is the worker count used when none is configured.
const DefaultSize = 20

// Task is one deferred unit of work.
type Task[T any] func(ctx context.Context) (T, error)

// Pool runs submitted jobs on a fixed number of goroutines. Submission blocks
// while every worker is busy.
type Pool struct {
	size int
	jobs chan func()
	g    errgroup.Group
	once sync.Once
}

// New starts a pool with size workers.
func New(size int) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	p := &Pool{size: size, jobs: make(chan func())}
	for range size {
		p.g.Go(func() error {
			for job := range p.jobs {
				job()
			}
			return nil
		})
	}
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.size
}

// Close stops accepting work and waits for the workers to exit.
func (p *Pool) Close() error {
	p.once.Do(func() { close(p.jobs) })
	return p.g.Wait()
}

// Run executes tasks on the pool and returns their results in input order.
// errs[i] is non-nil when task i failed, panicked, or was never started
// because ctx ended. A failing task never affects its siblings.
func Run[T any](ctx context.Context, p *Pool, tasks []Task[T]) (results []T, errs []error) {
	results = make([]T, len(tasks))
	errs = make([]error, len(tasks))

	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		job := func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errs[i] = eris.Errorf("workpool: task %d panicked: %v", i, r)
				}
			}()
			results[i], errs[i] = task(ctx)
		}

		select {
		case p.jobs <- job:
		case <-ctx.Done():
			errs[i] = eris.Wrap(ctx.Err(), "workpool: not started")
			wg.Done()
		}
	}
	wg.Wait()
	return results, errs
}
