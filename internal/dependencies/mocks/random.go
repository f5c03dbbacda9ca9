package mocks

import (
	"fmt"
	"sync"

	"github.com/energizer-project/gatekeeper/internal/dependencies/random"
)

// MockRandom returns queued results. Once a queue is drained Intn falls
// back to 0 and Token to "token-<n>", unique per call.
type MockRandom struct {
	mu sync.Mutex

	intnResults []int
	intnIndex   int

	tokenResults []string
	tokenIndex   int
	tokenCalls   int

	// IntnCalls records the n of every Intn call.
	IntnCalls []int
}

// Ensure MockRandom implements Random
var _ random.Random = (*MockRandom)(nil)

// NewMockRandom creates a new MockRandom
func NewMockRandom() *MockRandom {
	return &MockRandom{}
}

// Intn returns the next queued result, or 0 if none remaining
func (r *MockRandom) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.IntnCalls = append(r.IntnCalls, n)
	if r.intnIndex >= len(r.intnResults) {
		return 0
	}
	result := r.intnResults[r.intnIndex]
	r.intnIndex++
	return result
}

// Token returns the next queued token, or a fresh "token-<n>".
func (r *MockRandom) Token(size int) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tokenCalls++
	if r.tokenIndex >= len(r.tokenResults) {
		return fmt.Sprintf("token-%d", r.tokenCalls)
	}
	result := r.tokenResults[r.tokenIndex]
	r.tokenIndex++
	return result
}

// QueueIntn adds values to the Intn result queue
func (r *MockRandom) QueueIntn(values ...int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.intnResults = append(r.intnResults, values...)
}

// QueueToken adds values to the Token result queue
func (r *MockRandom) QueueToken(values ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokenResults = append(r.tokenResults, values...)
}
