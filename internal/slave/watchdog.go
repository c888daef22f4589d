package slave

import (
	"runtime/metrics"
	"sync"
	"time"
)

// DefaultWatchInterval is the heap watchdog poll interval.
const DefaultWatchInterval = 5 * time.Millisecond

// heapMetric counts bytes occupied by live and not-yet-swept heap objects.
const heapMetric = "/memory/classes/heap/objects:bytes"

// HeapBytes returns the current heap object bytes.
func HeapBytes() int64 {
	s := []metrics.Sample{{Name: heapMetric}}
	metrics.Read(s)
	if s[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return int64(s[0].Value.Uint64())
}

// StartWatchdog polls the heap and calls onExceed once when it grows past
// limit. The returned func stops polling.
func StartWatchdog(limit int64, interval time.Duration, onExceed func(used int64)) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if used := HeapBytes(); used > limit {
					onExceed(used)
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}
