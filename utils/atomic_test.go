/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package utils

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestAtomicBoolCompareFalseAndSetTrue(t *testing.T) {
	var b AtomicBool

	var wg sync.WaitGroup
	var winners int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.CompareFalseAndSetTrue() {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("expected exactly one winner, got %d", winners)
	}
	if !b.IsSet() {
		t.Error("expected value to be set")
	}
	b.SetFalse()
	if !b.CompareFalseAndSetTrue() {
		t.Error("expected swap after reset")
	}
}
