package adapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/sselfie/generation-core/internal/types"
)

// FakeProvider is an in-memory Provider. Snapshots are scripted per remote id;
// a job with no script reports starting. It backs local runs with
// PROVIDER_NAME=fake and the package tests of its callers.
type FakeProvider struct {
	mu        sync.Mutex
	snapshots map[string][]*Snapshot
	versions  map[string][]Version
	submitted []JobSpec

	SubmitErr error
	FetchErr  error
	ListErr   error

	submitCalls int
	fetchCalls  int
	listCalls   int
}

// NewFakeProvider creates an empty fake
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		snapshots: make(map[string][]*Snapshot),
		versions:  make(map[string][]Version),
	}
}

// Script queues snapshots for remoteID. Each Fetch pops one; the last repeats.
func (f *FakeProvider) Script(remoteID string, snaps ...*Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[remoteID] = append(f.snapshots[remoteID], snaps...)
}

// SetVersions sets the version list for a model
func (f *FakeProvider) SetVersions(modelRef string, versions ...Version) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versions[modelRef] = versions
}

// SetFetchErr makes subsequent fetches fail with err, or succeed again when nil
func (f *FakeProvider) SetFetchErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FetchErr = err
}

// Submit records the spec and returns a fresh remote id
func (f *FakeProvider) Submit(ctx context.Context, spec JobSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitCalls++
	if f.SubmitErr != nil {
		return "", f.SubmitErr
	}
	f.submitted = append(f.submitted, spec)
	return "r-" + uuid.NewString()[:8], nil
}

// Fetch returns the next scripted snapshot for the job
func (f *FakeProvider) Fetch(ctx context.Context, job RemoteJob) (*Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	if f.FetchErr != nil {
		return nil, f.FetchErr
	}

	queue := f.snapshots[job.ID]
	if len(queue) == 0 {
		return &Snapshot{Status: types.ProviderStatusStarting, RawStatus: "starting"}, nil
	}
	next := queue[0]
	if len(queue) > 1 {
		f.snapshots[job.ID] = queue[1:]
	}
	copied := *next
	return &copied, nil
}

// ListVersions returns the configured versions for a model
func (f *FakeProvider) ListVersions(ctx context.Context, modelRef string) ([]Version, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	versions, ok := f.versions[modelRef]
	if !ok {
		return nil, nil
	}
	return append([]Version(nil), versions...), nil
}

// Submitted returns the specs passed to Submit
func (f *FakeProvider) Submitted() []JobSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]JobSpec(nil), f.submitted...)
}

// Calls returns how many times each operation was invoked
func (f *FakeProvider) Calls() (submit, fetch, list int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitCalls, f.fetchCalls, f.listCalls
}

// String describes the fake for logs
func (f *FakeProvider) String() string {
	submit, fetch, list := f.Calls()
	return fmt.Sprintf("fake provider (submit=%d fetch=%d list=%d)", submit, fetch, list)
}
