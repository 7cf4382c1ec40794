// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package bufq_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"code.hybscloud.com/bufq"
)

// =============================================================================
// Fence
// =============================================================================

func TestFenceSignal(t *testing.T) {
	f := bufq.NewFence()
	if f.Signaled() {
		t.Fatal("new fence must be pending")
	}
	if got := f.SignalTime(); got != bufq.SignalTimePending {
		t.Fatalf("SignalTime: got %d, want SignalTimePending", got)
	}

	before := bufq.Now()
	if !f.Signal() {
		t.Fatal("first Signal must report true")
	}
	if f.Signal() {
		t.Fatal("second Signal must report false")
	}
	if !f.Signaled() {
		t.Fatal("fence must be signalled")
	}
	if got := f.SignalTime(); got < before {
		t.Fatalf("SignalTime: got %d, want >= %d", got, before)
	}
}

func TestNoFence(t *testing.T) {
	if !bufq.NoFence.Signaled() {
		t.Fatal("NoFence must be signalled")
	}
	if err := bufq.NoFence.Wait(context.Background()); err != nil {
		t.Fatalf("NoFence.Wait: %v", err)
	}
}

func TestFenceWait(t *testing.T) {
	f := bufq.NewFence()
	go func() {
		time.Sleep(5 * time.Millisecond)
		f.Signal()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestFenceWaitCanceled(t *testing.T) {
	f := bufq.NewFence()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := f.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait: got %v, want context.DeadlineExceeded", err)
	}
}

func TestNowMonotonic(t *testing.T) {
	a := bufq.Now()
	b := bufq.Now()
	if a <= 0 || b < a {
		t.Fatalf("Now: got %d then %d", a, b)
	}
}
