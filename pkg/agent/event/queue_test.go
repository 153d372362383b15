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

package event

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSameKeySerialized(t *testing.T) {
	q := NewKeyedQueue(4)
	q.Run()
	defer q.Stop()

	started := make(chan struct{})
	var running, overlap atomic.Bool
	var wg sync.WaitGroup
	wg.Add(2)

	// Re-dispatching the same key while a task runs must serialize,
	// never run concurrently.
	q.Dispatch("ep-1", func() {
		defer wg.Done()
		running.Store(true)
		close(started)
		time.Sleep(20 * time.Millisecond)
		running.Store(false)
	})
	<-started
	q.Dispatch("ep-1", func() {
		defer wg.Done()
		if running.Load() {
			overlap.Store(true)
		}
	})
	wg.Wait()

	assert.False(t, overlap.Load())
}

func TestDistinctKeysParallel(t *testing.T) {
	q := NewKeyedQueue(4)
	q.Run()
	defer q.Stop()

	start := make(chan struct{})
	var both sync.WaitGroup
	both.Add(2)
	arrived := make(chan struct{}, 2)
	task := func() {
		arrived <- struct{}{}
		<-start
		both.Done()
	}
	q.Dispatch("ep-1", task)
	q.Dispatch("ep-2", task)

	// Both tasks must be in flight at the same time.
	for i := 0; i < 2; i++ {
		select {
		case <-arrived:
		case <-time.After(2 * time.Second):
			t.Fatal("tasks did not run in parallel")
		}
	}
	close(start)
	both.Wait()
}

func TestPendingTaskCoalesced(t *testing.T) {
	q := NewKeyedQueue(1)

	var first, second atomic.Int32
	q.Dispatch("ep-1", func() { first.Add(1) })
	q.Dispatch("ep-1", func() { second.Add(1) })

	q.Run()
	require.Eventually(t, func() bool { return second.Load() == 1 },
		2*time.Second, time.Millisecond)
	assert.Equal(t, int32(0), first.Load(), "stale pending task must be replaced")
	q.Stop()
}

func TestDispatchAfterStopDropped(t *testing.T) {
	q := NewKeyedQueue(1)
	q.Run()
	q.Stop()

	var ran atomic.Bool
	q.Dispatch("ep-1", func() { ran.Store(true) })
	time.Sleep(20 * time.Millisecond)
	assert.False(t, ran.Load())
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	q := NewKeyedQueue(1)
	q.Run()
	defer q.Stop()

	var ran atomic.Bool
	q.Dispatch("ep-1", func() { panic("boom") })
	q.Dispatch("ep-2", func() { ran.Store(true) })
	require.Eventually(t, func() bool { return ran.Load() },
		2*time.Second, time.Millisecond)
}
