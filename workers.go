package lightforker

import (
	"runtime"
	"sync"
)

// ParallelFor calls a job function for every index in
// [0, n), spreading the indices over up to GOMAXPROCS
// goroutines.
//
// Each goroutine calls newJob once and reuses the result
// for all of its indices, so per-worker scratch space can
// live in the closure. Every index is handled by exactly
// one goroutine. ParallelFor returns once all jobs are
// done.
func ParallelFor(n int, newJob func() func(i int)) {
	if n == 0 {
		return
	}
	numWorkers := runtime.GOMAXPROCS(0)
	if numWorkers > n {
		numWorkers = n
	}
	if numWorkers == 1 {
		job := newJob()
		for i := 0; i < n; i++ {
			job(i)
		}
		return
	}

	jobs := make(chan int, n)
	for i := 0; i < n; i++ {
		jobs <- i
	}
	close(jobs)

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job := newJob()
			for idx := range jobs {
				job(idx)
			}
		}()
	}
	wg.Wait()
}
