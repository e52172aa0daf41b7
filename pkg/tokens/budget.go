// Copyright 2025 Tom Barlow
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

package tokens

import (
	"sync"
	"time"

	engineerrors "github.com/tombee/workflow-engine/pkg/errors"
)

// Budget is a windowed token-usage cap. A charge that would push
// used_tokens past limit_tokens fails without mutating state. When the
// window has elapsed, the first charge after the boundary resets
// used_tokens to zero before evaluating.
type Budget struct {
	mu            sync.Mutex
	limitTokens   uint64
	usedTokens    uint64
	resetInterval time.Duration
	windowStart   time.Time
}

// NewBudget constructs a budget with the given limit and reset window. A
// zero resetInterval means the budget never resets.
func NewBudget(limitTokens uint64, resetInterval time.Duration) *Budget {
	return &Budget{
		limitTokens:   limitTokens,
		resetInterval: resetInterval,
		windowStart:   time.Now(),
	}
}

// Charge atomically checks and increments used_tokens by amount. It fails
// with BudgetExceededError, leaving the budget unmutated, when the charge
// would exceed the limit.
func (b *Budget) Charge(amount uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeResetLocked()

	if b.usedTokens+amount > b.limitTokens {
		return &engineerrors.BudgetExceededError{
			Requested: amount,
			Used:      b.usedTokens,
			Limit:     b.limitTokens,
		}
	}
	b.usedTokens += amount
	return nil
}

func (b *Budget) maybeResetLocked() {
	if b.resetInterval <= 0 {
		return
	}
	if time.Since(b.windowStart) >= b.resetInterval {
		b.usedTokens = 0
		b.windowStart = time.Now()
	}
}

// Used returns the currently used token count within the active window.
func (b *Budget) Used() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeResetLocked()
	return b.usedTokens
}

// Limit returns the budget's token ceiling.
func (b *Budget) Limit() uint64 {
	return b.limitTokens
}
