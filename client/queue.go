// Copyright 2025 Edgeo SCADA
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

package client

import "sync"

// changeQueue buffers notifications of one monitored item. When full, the
// oldest entry is dropped.
type changeQueue struct {
	mu      sync.Mutex
	items   []DataValue
	depth   int
	dropped uint64
	closed  bool
	signal  chan struct{}
	onDrop  func()
}

func newChangeQueue(depth int, onDrop func()) *changeQueue {
	if depth < 1 {
		depth = 1
	}
	return &changeQueue{
		items:  make([]DataValue, 0, depth),
		depth:  depth,
		signal: make(chan struct{}, 1),
		onDrop: onDrop,
	}
}

// Push appends a value, discarding the oldest one on overflow.
func (q *changeQueue) Push(v DataValue) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	dropped := false
	if len(q.items) == q.depth {
		copy(q.items, q.items[1:])
		q.items = q.items[:len(q.items)-1]
		q.dropped++
		dropped = true
	}
	q.items = append(q.items, v)
	q.mu.Unlock()

	if dropped && q.onDrop != nil {
		q.onDrop()
	}
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Pop blocks until a value is available. It returns false once the queue is
// closed and drained.
func (q *changeQueue) Pop() (DataValue, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return v, true
		}
		if q.closed {
			q.mu.Unlock()
			return DataValue{}, false
		}
		q.mu.Unlock()
		<-q.signal
	}
}

// Len returns the number of buffered values.
func (q *changeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns the number of discarded values.
func (q *changeQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Close wakes up a blocked Pop. Buffered values are still delivered.
func (q *changeQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
