package collab

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, transport Transport, opts Options) *Manager {
	t.Helper()
	if opts.QueueBuffer == 0 {
		opts.QueueBuffer = 64
	}
	if opts.JobTimeout == 0 {
		opts.JobTimeout = time.Second
	}
	m := NewManager(NewOperationLog(), NewRegistry(), NewDispatcher(transport), opts)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func awaitResult(t *testing.T, results <-chan JobResult) JobResult {
	t.Helper()
	select {
	case r := <-results:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for job result")
		return JobResult{}
	}
}

func TestManagerAppliesJobsInSubmissionOrder(t *testing.T) {
	transport := newFakeTransport("conn-a")
	m := newTestManager(t, transport, Options{})
	require.NoError(t, m.Ensure("abc"))

	alice := User{ID: "conn-a", Username: "alice", Room: "abc"}
	results := make(chan JobResult, 5)
	for i := 0; i < 5; i++ {
		job := Job{
			Kind:    EventAddModel,
			Payload: AddModelPayload{ModelID: fmt.Sprintf("m%d", i), SpotID: "s1"},
			User:    alice,
			Result:  results,
		}
		require.NoError(t, m.Enqueue("abc", job))
	}

	for i := 0; i < 5; i++ {
		require.Equal(t, JobApplied, awaitResult(t, results).Status)
	}

	history := m.Log().All("abc")
	require.Len(t, history, 5)
	for i, op := range history {
		require.Equal(t, fmt.Sprintf("m%d", i), op.Data.(AddModelPayload).ModelID)
		require.Equal(t, alice, op.User)
	}
}

func TestManagerFailedJobLeavesNoTrace(t *testing.T) {
	transport := newFakeTransport("conn-a")
	m := newTestManager(t, transport, Options{})
	require.NoError(t, m.Ensure("abc"))

	ghost := User{ID: "conn-ghost", Username: "ghost", Room: "abc"}
	alice := User{ID: "conn-a", Username: "alice", Room: "abc"}

	results := make(chan JobResult, 2)
	require.NoError(t, m.Enqueue("abc", Job{Kind: EventAddModel, Payload: AddModelPayload{ModelID: "m1"}, User: ghost, Result: results}))
	require.NoError(t, m.Enqueue("abc", Job{Kind: EventAddModel, Payload: AddModelPayload{ModelID: "m2"}, User: alice, Result: results}))

	failed := awaitResult(t, results)
	require.Equal(t, JobFailed, failed.Status)
	require.ErrorIs(t, failed.Err, ErrStaleOriginator)

	applied := awaitResult(t, results)
	require.Equal(t, JobApplied, applied.Status)

	history := m.Log().All("abc")
	require.Len(t, history, 1)
	require.Equal(t, "m2", history[0].Data.(AddModelPayload).ModelID)
}

func TestManagerTimedOutJobLeavesNoTrace(t *testing.T) {
	transport := newFakeTransport("conn-a")
	m := newTestManager(t, transport, Options{JobTimeout: 30 * time.Millisecond})
	require.NoError(t, m.Ensure("abc"))

	gate := transport.blockRoomOnce("abc")

	alice := User{ID: "conn-a", Username: "alice", Room: "abc"}
	results := make(chan JobResult, 2)
	require.NoError(t, m.Enqueue("abc", Job{Kind: EventAddModel, Payload: AddModelPayload{ModelID: "m1"}, User: alice, Result: results}))

	stalled := awaitResult(t, results)
	require.Equal(t, JobFailed, stalled.Status)

	require.NoError(t, m.Enqueue("abc", Job{Kind: EventAddModel, Payload: AddModelPayload{ModelID: "m2"}, User: alice, Result: results}))
	require.Equal(t, JobApplied, awaitResult(t, results).Status)

	// Release the stalled broadcast. The job was already declared failed,
	// so its operation must not appear in the log, late or out of order.
	close(gate)
	time.Sleep(50 * time.Millisecond)

	history := m.Log().All("abc")
	require.Len(t, history, 1)
	require.Equal(t, "m2", history[0].Data.(AddModelPayload).ModelID)
}

func TestManagerSessionsDoNotBlockEachOther(t *testing.T) {
	transport := newFakeTransport("conn-a", "conn-b")
	m := newTestManager(t, transport, Options{JobTimeout: 5 * time.Second})
	require.NoError(t, m.Ensure("slow"))
	require.NoError(t, m.Ensure("fast"))

	gate := transport.blockRoom("slow")
	defer close(gate)

	slowResults := make(chan JobResult, 1)
	fastResults := make(chan JobResult, 1)

	require.NoError(t, m.Enqueue("slow", Job{
		Kind:    EventAddModel,
		Payload: AddModelPayload{ModelID: "m1"},
		User:    User{ID: "conn-a", Username: "alice", Room: "slow"},
		Result:  slowResults,
	}))
	require.NoError(t, m.Enqueue("fast", Job{
		Kind:    EventAddModel,
		Payload: AddModelPayload{ModelID: "m2"},
		User:    User{ID: "conn-b", Username: "bob", Room: "fast"},
		Result:  fastResults,
	}))

	// The stalled job in "slow" must not delay "fast".
	require.Equal(t, JobApplied, awaitResult(t, fastResults).Status)

	select {
	case <-slowResults:
		t.Fatal("stalled job completed unexpectedly")
	default:
	}
}

func TestManagerEnsureIsIdempotentUnderConcurrency(t *testing.T) {
	transport := newFakeTransport()
	m := newTestManager(t, transport, Options{})

	errs := make(chan error, 16)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- m.Ensure("abc")
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	require.Len(t, m.sessions, 1)
	require.NotNil(t, m.sessions["abc"].queue)
}

func TestManagerEnqueueUnknownSession(t *testing.T) {
	m := newTestManager(t, newFakeTransport(), Options{})

	err := m.Enqueue("ghost", Job{Kind: EventAddModel, Payload: AddModelPayload{}})
	require.Error(t, err)
}

func TestManagerReapsIdleSessions(t *testing.T) {
	transport := newFakeTransport("conn-a")
	m := newTestManager(t, transport, Options{IdleGrace: 10 * time.Minute})

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	m.timeNow = func() time.Time { return now }

	m.Registry().Join("conn-a", "alice", "abc")
	require.NoError(t, m.Ensure("abc"))
	m.Log().Append("abc", addOp(User{ID: "conn-a", Username: "alice", Room: "abc"}, "m1"))

	// Room still occupied: nothing to reap, even past the grace period.
	now = now.Add(time.Hour)
	require.Zero(t, m.ReapIdle())

	m.Registry().Leave("conn-a")
	m.NoteMemberLeft("abc")

	// Empty, but inside the grace period.
	now = now.Add(time.Minute)
	require.Zero(t, m.ReapIdle())
	require.Len(t, m.Log().All("abc"), 1)

	now = now.Add(10 * time.Minute)
	require.Equal(t, 1, m.ReapIdle())
	require.Empty(t, m.Log().All("abc"))
	require.Error(t, m.Enqueue("abc", Job{Kind: EventAddModel, Payload: AddModelPayload{}}))

	// A later join recreates the session from scratch.
	require.NoError(t, m.Ensure("abc"))
}

func TestManagerRejoinCancelsReapClock(t *testing.T) {
	transport := newFakeTransport()
	m := newTestManager(t, transport, Options{IdleGrace: 10 * time.Minute})

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	m.timeNow = func() time.Time { return now }

	require.NoError(t, m.Ensure("abc"))
	m.NoteMemberLeft("abc")

	// Someone joins again before the grace period expires.
	require.NoError(t, m.Ensure("abc"))
	m.Registry().Join("conn-b", "bob", "abc")

	now = now.Add(time.Hour)
	require.Zero(t, m.ReapIdle())
}

func TestManagerZeroGraceKeepsSessionsForever(t *testing.T) {
	m := newTestManager(t, newFakeTransport(), Options{})

	require.NoError(t, m.Ensure("abc"))
	m.NoteMemberLeft("abc")
	require.Zero(t, m.ReapIdle())
	require.NoError(t, m.StartReaper()) // no-op without a grace period
}

func TestManagerCloseStopsAcceptingWork(t *testing.T) {
	m := NewManager(NewOperationLog(), NewRegistry(), NewDispatcher(newFakeTransport()), Options{})
	require.NoError(t, m.Ensure("abc"))

	require.NoError(t, m.Close())
	require.NoError(t, m.Close()) // idempotent

	require.ErrorIs(t, m.Ensure("xyz"), ErrManagerClosed)
	require.ErrorIs(t, m.Enqueue("abc", Job{Kind: EventAddModel, Payload: AddModelPayload{}}), ErrManagerClosed)
}
