package validation

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/strom-network/strom/crypto"
	"github.com/strom-network/strom/lib"
)

/* This file implements the key-sharded worker pool: jobs are routed by a hash of the
   signer address so two validations for the same signer never execute concurrently,
   while distinct signers run in parallel */

// workerPool is a fixed set of shard goroutines each draining its own FIFO queue
type workerPool struct {
	sync.RWMutex                // guards closed against late submissions
	shards       []chan func()  // one queue per shard goroutine
	wg           sync.WaitGroup // tracks the shard goroutines for close
	closed       bool
}

// newWorkerPool() starts the shard goroutines
func newWorkerPool(shards int) *workerPool {
	p := &workerPool{shards: make([]chan func(), shards)}
	for i := range p.shards {
		queue := make(chan func(), 256)
		p.shards[i] = queue
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for job := range queue {
				job()
			}
		}()
	}
	return p
}

// shardFor() picks the shard deterministically from the signer address
func (p *workerPool) shardFor(signer common.Address) int {
	return int(crypto.Hash(signer.Bytes())[0]) % len(p.shards)
}

// submit() queues a job on the signer's shard, serializing it behind any job already
// queued for the same signer
func (p *workerPool) submit(signer common.Address, job func()) lib.ErrorI {
	p.RLock()
	defer p.RUnlock()
	if p.closed {
		return ErrPipelineClosed()
	}
	p.shards[p.shardFor(signer)] <- job
	return nil
}

// close() stops intake, drains every queue, and waits for the shards to exit
func (p *workerPool) close() {
	p.Lock()
	if p.closed {
		p.Unlock()
		return
	}
	p.closed = true
	p.Unlock()
	for _, queue := range p.shards {
		close(queue)
	}
	p.wg.Wait()
}
