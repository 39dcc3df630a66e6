package nut

import "sync"

// FakeFetcher is an in-memory Fetcher for tests. Each FetchVariables call
// consumes the next scripted result; when the script is exhausted the last
// entry repeats.
type FakeFetcher struct {
	mu      sync.Mutex
	script  []FakeResult
	idx     int
	fetches int

	ConnectErr error
	connects   int
	closes     int
}

// FakeResult is one scripted FetchVariables outcome.
type FakeResult struct {
	Vars map[string]string
	Err  error
}

// NewFakeFetcher returns a fake that replays the given results in order.
func NewFakeFetcher(script ...FakeResult) *FakeFetcher {
	return &FakeFetcher{script: script}
}

// Connect records the call and returns ConnectErr.
func (f *FakeFetcher) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.ConnectErr
}

// Disconnect records the call.
func (f *FakeFetcher) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
}

// FetchVariables returns the next scripted result.
func (f *FakeFetcher) FetchVariables(string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if len(f.script) == 0 {
		return map[string]string{}, nil
	}
	r := f.script[f.idx]
	if f.idx < len(f.script)-1 {
		f.idx++
	}
	return r.Vars, r.Err
}

// Counts returns (connects, fetches, disconnects) observed so far.
func (f *FakeFetcher) Counts() (int, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.fetches, f.closes
}
