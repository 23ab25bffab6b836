// Copyright (c) 2019 Red Hat and/or its affiliates.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at:
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package taskqueue implements the single-writer work queue that serializes
// flow synthesis and tracked state mutation.
package taskqueue

import (
	"context"
	"strconv"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Queue runs tasks one at a time in FIFO order. A task dispatched with the
// key of a task that has not started yet replaces it in place.
type Queue struct {
	mu      sync.Mutex
	idle    *sync.Cond
	keys    []string
	tasks   map[string]func()
	seq     uint64
	running bool
	wake    chan struct{}
}

// New returns an empty queue. Call Run to start processing.
func New() *Queue {
	q := &Queue{
		tasks: make(map[string]func()),
		wake:  make(chan struct{}, 1),
	}
	q.idle = sync.NewCond(&q.mu)
	return q
}

// Dispatch enqueues fn under key. An empty key is never coalesced.
func (q *Queue) Dispatch(key string, fn func()) {
	q.mu.Lock()
	if key == "" {
		q.seq++
		key = "\x00" + strconv.FormatUint(q.seq, 10)
	}
	if _, ok := q.tasks[key]; !ok {
		q.keys = append(q.keys, key)
	}
	q.tasks[key] = fn
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of tasks waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.keys)
}

// Run processes tasks until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	for {
		for q.runOne() {
		}
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.idle.Broadcast()
			q.mu.Unlock()
			return
		case <-q.wake:
		}
	}
}

func (q *Queue) runOne() (ran bool) {
	q.mu.Lock()
	if len(q.keys) == 0 {
		q.running = false
		q.idle.Broadcast()
		q.mu.Unlock()
		return false
	}
	key := q.keys[0]
	q.keys = q.keys[1:]
	fn := q.tasks[key]
	delete(q.tasks, key)
	q.running = true
	q.mu.Unlock()

	ran = true
	defer func() {
		if r := recover(); r != nil {
			log.WithField("task", key).Errorf("Task panicked: %v", r)
		}
	}()
	fn()
	return ran
}

// Idle reports whether no task is queued or running.
func (q *Queue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.keys) == 0 && !q.running
}

// Wait blocks until the queue is empty and no task is running.
func (q *Queue) Wait() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.keys) > 0 || q.running {
		q.idle.Wait()
	}
}
