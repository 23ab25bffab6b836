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

package taskqueue

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueueRunsInOrder(t *testing.T) {
	q := New()
	var got []int
	block := make(chan struct{})
	q.Dispatch("", func() { <-block })
	for i := 0; i < 5; i++ {
		i := i
		q.Dispatch("", func() { got = append(got, i) })
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)
	close(block)
	q.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestQueueCoalescesPendingKey(t *testing.T) {
	q := New()
	var got []string
	q.Dispatch("ep0", func() { got = append(got, "ep0-v1") })
	q.Dispatch("ep1", func() { got = append(got, "ep1") })
	q.Dispatch("ep0", func() { got = append(got, "ep0-v2") })
	assert.Equal(t, 2, q.Len())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)
	q.Wait()
	assert.Equal(t, []string{"ep0-v2", "ep1"}, got)
}

func TestQueueSurvivesPanic(t *testing.T) {
	q := New()
	done := false
	q.Dispatch("bad", func() { panic("boom") })
	q.Dispatch("good", func() { done = true })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)
	q.Wait()
	assert.True(t, done)
}

func TestQueueConcurrentDispatch(t *testing.T) {
	q := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	count := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Dispatch("", func() { count++ })
		}()
	}
	wg.Wait()
	q.Wait()
	assert.Equal(t, 50, count)
}
