package gateway

import (
	"hash/fnv"
	"sync"
)

type fanoutJob struct {
	conns   []*Client
	payload []byte
}

// Fanout spreads broadcast work over a pool of workers. Jobs are sharded
// by room key: one room always lands on the same worker queue, so two
// broadcasts to the same room are delivered in submission order while
// unrelated rooms proceed in parallel.
type Fanout struct {
	queues []chan fanoutJob

	mu     sync.RWMutex
	closed bool

	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewFanout(workers, queue int) *Fanout {
	if workers <= 0 {
		workers = 4
	}
	if queue <= 0 {
		queue = 256
	}
	f := &Fanout{queues: make([]chan fanoutJob, workers)}
	for i := range f.queues {
		ch := make(chan fanoutJob, queue)
		f.queues[i] = ch
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			for job := range ch {
				for _, c := range job.conns {
					c.enqueue(job.payload)
				}
			}
		}()
	}
	return f
}

// Broadcast queues payload delivery to conns on the shard owned by key.
// A broadcast arriving after Close is dropped, not a panic: late teardown
// work may still race the worker shutdown.
func (f *Fanout) Broadcast(key string, conns []*Client, payload []byte) {
	if len(conns) == 0 || len(payload) == 0 {
		return
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	f.queues[f.shard(key)] <- fanoutJob{conns: conns, payload: payload}
}

func (f *Fanout) shard(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(f.queues)))
}

// Close drains the workers. Pending jobs are still delivered.
func (f *Fanout) Close() {
	f.stopOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		for _, ch := range f.queues {
			close(ch)
		}
		f.wg.Wait()
	})
}
