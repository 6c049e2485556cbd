//
// Copyright (C) 2020 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package llrp

import (
	"sync"
	"testing"
)

func TestIDGenerator_unique(t *testing.T) {
	const workers, perWorker = 16, 1000

	g := NewIDGenerator(0)
	ids := make(chan MessageID, workers*perWorker)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				ids <- g.Next()
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[MessageID]bool, workers*perWorker)
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate ID %d", id)
		}
		seen[id] = true
	}

	if len(seen) != workers*perWorker {
		t.Errorf("expected %d IDs; got %d", workers*perWorker, len(seen))
	}

	if next := g.Next(); next != MessageID(workers*perWorker+1) {
		t.Errorf("expected next ID %d; got %d", workers*perWorker+1, next)
	}
}

func TestIDGenerator_wraps(t *testing.T) {
	g := NewIDGenerator(1<<32 - 2)
	if id := g.Next(); id != 1<<32-1 {
		t.Errorf("expected max ID; got %d", id)
	}
	if id := g.Next(); id != 0 {
		t.Errorf("expected wrap to 0; got %d", id)
	}
}
