package regiongc

import "sync"

// workerPool is the fixed set of goroutines that executes marking,
// evacuation, and reference-update tasks. One pool is shared by every
// phase; a phase hands the same function to all workers and blocks
// until the last one drains.
type workerPool struct {
	n     int
	tasks chan poolTask
	wg    sync.WaitGroup
}

type poolTask struct {
	fn   func(worker int)
	id   int
	done *sync.WaitGroup
}

func newWorkerPool(n int) *workerPool {
	p := &workerPool{n: n, tasks: make(chan poolTask)}
	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.worker()
	}
	return p
}

func (p *workerPool) worker() {
	defer p.wg.Done()
	for t := range p.tasks {
		t.fn(t.id)
		t.done.Done()
	}
}

// run executes fn on every worker with a distinct worker id and waits
// for all of them.
func (p *workerPool) run(fn func(worker int)) {
	var done sync.WaitGroup
	done.Add(p.n)
	for i := 0; i < p.n; i++ {
		p.tasks <- poolTask{fn: fn, id: i, done: &done}
	}
	done.Wait()
}

// shutdown stops the pool after in-flight tasks finish.
func (p *workerPool) shutdown() {
	close(p.tasks)
	p.wg.Wait()
}
