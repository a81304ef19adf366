package orchestrator

import (
	"context"
	"sync"
)

// hostJob is one unit of phase-2 work: enumerate a single discovered host.
type hostJob struct {
	ip string
}

// hostResult is the outcome of enumerating one host.
type hostResult struct {
	ip      string
	xmlPath string
	err     error
}

// pool runs phase-2 host enumeration with a fixed width W, one dedicated job
// channel per worker assigned up front by the dispatcher. This replaces the
// teacher worker pool's single shared job channel drained by a
// `getAvailableWorker` goroutine that polled each worker's availability with
// a non-blocking select — a real race, since two dispatch iterations could
// both see the same worker as available before either claimed it. Per-worker
// channels make "is this worker free" a property of the channel itself
// (unbuffered, blocking send) rather than something the dispatcher has to
// poll for.
type pool struct {
	width   int
	work    func(ctx context.Context, ip string) (string, error)
	workers []chan hostJob
	results chan hostResult
	wg      sync.WaitGroup
}

func newPool(width int, work func(ctx context.Context, ip string) (string, error)) *pool {
	if width < 1 {
		width = 1
	}
	p := &pool{
		width:   width,
		work:    work,
		workers: make([]chan hostJob, width),
		results: make(chan hostResult),
	}
	for i := range p.workers {
		p.workers[i] = make(chan hostJob)
	}
	return p
}

// run starts the worker goroutines, feeds every ip in ips round-robin across
// the per-worker channels, and returns all results once every host has been
// processed. Blocks until done; ctx cancellation stops dispatch and workers
// drain their in-flight job before exiting.
func (p *pool) run(ctx context.Context, ips []string) []hostResult {
	for i, ch := range p.workers {
		p.wg.Add(1)
		go p.runWorker(ctx, i, ch)
	}

	go func() {
		defer func() {
			for _, ch := range p.workers {
				close(ch)
			}
		}()
		for i, ip := range ips {
			worker := p.workers[i%p.width]
			select {
			case worker <- hostJob{ip: ip}:
			case <-ctx.Done():
				return
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(p.results)
		close(done)
	}()

	var results []hostResult
	for r := range p.results {
		results = append(results, r)
	}
	<-done
	return results
}

func (p *pool) runWorker(ctx context.Context, id int, jobs <-chan hostJob) {
	defer p.wg.Done()
	_ = id
	for job := range jobs {
		path, err := p.work(ctx, job.ip)
		select {
		case p.results <- hostResult{ip: job.ip, xmlPath: path, err: err}:
		case <-ctx.Done():
			return
		}
	}
}
