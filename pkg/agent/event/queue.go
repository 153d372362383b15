// Copyright 2024 Accessflow Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package event provides a per-key serialized task queue: tasks with the
// same logical key run one at a time in dispatch order, tasks on
// distinct keys run in parallel on a small worker pool, and a pending
// task for a key is coalesced with a newer dispatch for that key.
package event

import (
	"sync"

	"k8s.io/client-go/util/workqueue"
	"k8s.io/klog/v2"
)

// KeyedQueue dispatches closures keyed by a logical identifier. The
// underlying workqueue guarantees that a key is never processed by two
// workers at once and that a key re-added during processing is handled
// again afterwards.
type KeyedQueue struct {
	queue   workqueue.TypedInterface[string]
	workers int

	mu      sync.Mutex
	pending map[string]func()

	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewKeyedQueue returns a queue drained by the given number of workers.
func NewKeyedQueue(workers int) *KeyedQueue {
	if workers <= 0 {
		workers = 1
	}
	return &KeyedQueue{
		queue:   workqueue.NewTyped[string](),
		workers: workers,
		pending: make(map[string]func()),
	}
}

// Run starts the worker pool. It returns immediately.
func (q *KeyedQueue) Run() {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for q.processNext() {
			}
		}()
	}
}

// Dispatch enqueues task under key. If a task for the key is already
// pending (not yet started), the new task replaces it. Dispatches after
// Stop are silently dropped.
func (q *KeyedQueue) Dispatch(key string, task func()) {
	if q.queue.ShuttingDown() {
		return
	}
	q.mu.Lock()
	q.pending[key] = task
	q.mu.Unlock()
	q.queue.Add(key)
}

// Stop shuts the queue down and waits for in-flight tasks to finish.
func (q *KeyedQueue) Stop() {
	q.stopOnce.Do(func() {
		q.queue.ShutDown()
	})
	q.wg.Wait()
}

func (q *KeyedQueue) processNext() bool {
	key, quit := q.queue.Get()
	if quit {
		return false
	}
	defer q.queue.Done(key)

	q.mu.Lock()
	task, ok := q.pending[key]
	delete(q.pending, key)
	q.mu.Unlock()
	if !ok {
		return true
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				klog.ErrorS(nil, "Recovered panic in keyed task", "key", key, "panic", r)
			}
		}()
		task()
	}()
	return true
}
