// Package mock is a simulated transfer rail. It honours the idempotency key
// contract and can be scripted to fail, which makes it the test double of
// the real rails.
package mock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openbuilders/payout-orchestrator/internal/rail"
)

// Script decides the result of the call-th call (1-based) for a key.
type Script func(req rail.TransferRequest, call int) (rail.TransferResult, error)

type Option func(*Rail)

func WithScript(script Script) Option {
	return func(r *Rail) {
		r.script = script
	}
}

func WithLatency(latency time.Duration) Option {
	return func(r *Rail) {
		r.latency = latency
	}
}

type Rail struct {
	script  Script
	latency time.Duration

	mu        sync.Mutex
	keyLocks  map[string]*sync.Mutex
	settled   map[string]rail.TransferResult
	calls     map[string]int
	successes map[string]int
	seq       int
	log       *slog.Logger
}

func New(opts ...Option) *Rail {
	r := &Rail{
		keyLocks:  make(map[string]*sync.Mutex),
		settled:   make(map[string]rail.TransferResult),
		calls:     make(map[string]int),
		successes: make(map[string]int),
		log:       slog.With("component", "mock-rail"),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

func (r *Rail) keyLock(key string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	lock, ok := r.keyLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		r.keyLocks[key] = lock
	}

	return lock
}

func (r *Rail) SubmitTransfer(ctx context.Context, req rail.TransferRequest) (
	rail.TransferResult, error) {

	lock := r.keyLock(req.IdempotencyKey)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	r.calls[req.IdempotencyKey]++
	call := r.calls[req.IdempotencyKey]
	previous, done := r.settled[req.IdempotencyKey]
	r.mu.Unlock()

	if done {
		r.log.Debug("Duplicate idempotency key, returning the settled result",
			"key", req.IdempotencyKey)
		return previous, nil
	}

	if r.latency > 0 {
		select {
		case <-ctx.Done():
			return rail.TransferResult{}, ctx.Err()
		case <-time.After(r.latency):
		}
	}

	var (
		result rail.TransferResult
		err    error
	)

	if r.script != nil {
		result, err = r.script(req, call)
	} else {
		result = rail.TransferResult{Status: rail.StatusSucceeded}
	}

	if err != nil {
		return rail.TransferResult{}, err
	}

	if result.Status == rail.StatusSucceeded {
		r.mu.Lock()
		r.seq++
		if result.Reference == "" {
			result.Reference = fmt.Sprintf("mock-%06d", r.seq)
		}
		if result.SettledAmount.IsZero() {
			result.SettledAmount = req.Amount
		}
		r.settled[req.IdempotencyKey] = result
		r.successes[req.IdempotencyKey]++
		r.mu.Unlock()
	}

	return result, nil
}

// Calls returns how many times key reached the rail.
func (r *Rail) Calls(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.calls[key]
}

// Successes returns how many times money moved for key.
func (r *Rail) Successes(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.successes[key]
}

// TotalSuccesses returns the number of settled transfers across all keys.
func (r *Rail) TotalSuccesses() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := 0
	for _, n := range r.successes {
		total += n
	}

	return total
}

// FailFirst fails the first n calls of every key with a code, then succeeds.
func FailFirst(n int, code string) Script {
	return func(req rail.TransferRequest, call int) (rail.TransferResult, error) {
		if call <= n {
			return Failed(code), nil
		}
		return rail.TransferResult{Status: rail.StatusSucceeded}, nil
	}
}

// RejectAccounts fails every transfer to the listed account numbers with the
// mapped code and settles the rest.
func RejectAccounts(codes map[string]string) Script {
	return func(req rail.TransferRequest, call int) (rail.TransferResult, error) {
		if code, ok := codes[req.Destination.AccountNumber]; ok {
			return Failed(code), nil
		}
		return rail.TransferResult{Status: rail.StatusSucceeded}, nil
	}
}

func Failed(code string) rail.TransferResult {
	return rail.TransferResult{
		Status:    rail.StatusFailed,
		ErrorCode: code,
		Message:   "simulated " + code,
	}
}
