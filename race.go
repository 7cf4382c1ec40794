// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build race

package bufq

// RaceEnabled is true when the race detector is active.
// Used by tests to skip concurrent stress tests that share atomix counters
// and fences, which the detector reports as plain memory accesses.
const RaceEnabled = true
