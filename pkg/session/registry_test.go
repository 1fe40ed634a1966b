package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(factory *fakeFactory, timeout time.Duration) *Registry {
	return NewRegistry(factory.New, timeout, 10*time.Millisecond, testLogger())
}

func TestRegistryCreateAndGet(t *testing.T) {
	r := newTestRegistry(&fakeFactory{}, time.Minute)

	id := r.Create()
	require.NotEmpty(t, id)

	sess := r.Get(id)
	require.NotNil(t, sess)
	assert.Equal(t, id, sess.ID)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryGetUnknown(t *testing.T) {
	r := newTestRegistry(&fakeFactory{}, time.Minute)
	assert.Nil(t, r.Get("nope"))
}

func TestRegistryGetEvictsExpired(t *testing.T) {
	factory := &fakeFactory{}
	r := newTestRegistry(factory, 20*time.Millisecond)

	id := r.Create()
	sess := r.Get(id)
	require.NotNil(t, sess)
	_, err := sess.AcquireClient(context.Background())
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)

	assert.Nil(t, r.Get(id))
	assert.Equal(t, 0, r.Len())

	// Eviction disposed the client.
	require.Len(t, factory.created(), 1)
	assert.Equal(t, 1, factory.created()[0].disconnectCount())
}

func TestRegistryGetKeepsActiveSessionAlive(t *testing.T) {
	r := newTestRegistry(&fakeFactory{}, 50*time.Millisecond)

	id := r.Create()
	for i := 0; i < 5; i++ {
		time.Sleep(20 * time.Millisecond)
		require.NotNil(t, r.Get(id), "access within the timeout must keep the session alive")
	}
}

func TestRegistryDelete(t *testing.T) {
	factory := &fakeFactory{}
	r := newTestRegistry(factory, time.Minute)

	id := r.Create()
	sess := r.Get(id)
	require.NotNil(t, sess)
	_, err := sess.AcquireClient(context.Background())
	require.NoError(t, err)

	assert.True(t, r.Delete(id))
	assert.False(t, r.Delete(id), "second delete reports not found")
	assert.Nil(t, r.Get(id))

	require.Len(t, factory.created(), 1)
	assert.Equal(t, 1, factory.created()[0].disconnectCount())
}

func TestRegistryStatsDoesNotTouch(t *testing.T) {
	r := newTestRegistry(&fakeFactory{}, time.Minute)

	id := r.Create()
	sess := r.Get(id)
	require.NotNil(t, sess)
	accessed := sess.LastAccessed()

	time.Sleep(10 * time.Millisecond)
	stats := r.Stats()

	require.Equal(t, 1, stats.TotalSessions)
	require.Len(t, stats.Sessions, 1)
	assert.Equal(t, id, stats.Sessions[0].SessionID)
	assert.False(t, stats.Sessions[0].HasClient)
	assert.False(t, stats.Sessions[0].Connected)
	assert.Equal(t, accessed, sess.LastAccessed(), "Stats must not reset idle timers")
}

func TestRegistryStatsReflectsConnection(t *testing.T) {
	r := newTestRegistry(&fakeFactory{}, time.Minute)

	id := r.Create()
	sess := r.Get(id)
	require.NotNil(t, sess)
	_, err := sess.AcquireClient(context.Background())
	require.NoError(t, err)

	stats := r.Stats()
	require.Len(t, stats.Sessions, 1)
	assert.True(t, stats.Sessions[0].HasClient)
	assert.True(t, stats.Sessions[0].Connected)
}

func TestRegistrySweepEvictsExpired(t *testing.T) {
	factory := &fakeFactory{}
	r := newTestRegistry(factory, 20*time.Millisecond)

	id := r.Create()
	sess := r.Get(id)
	require.NotNil(t, sess)
	_, err := sess.AcquireClient(context.Background())
	require.NoError(t, err)

	r.Start()
	defer r.Stop()

	require.Eventually(t, func() bool {
		return r.Len() == 0
	}, time.Second, 5*time.Millisecond, "sweep should evict the idle session")

	require.Len(t, factory.created(), 1)
	assert.Equal(t, 1, factory.created()[0].disconnectCount())
}

// TestRegistryNotBlockedByConnectingSession pins down the concurrency
// contract: one session's in-flight connect must not stall the sweep,
// stats, creation, lookups, or another session's acquisition.
func TestRegistryNotBlockedByConnectingSession(t *testing.T) {
	factory := &fakeFactory{}
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	factory.onCreate(func(c *fakeClient) {
		c.connectStarted = started
		c.connectRelease = release
	})

	r := newTestRegistry(factory, time.Minute)

	id := r.Create()
	sess := r.Get(id)
	require.NotNil(t, sess)

	acquired := make(chan error, 1)
	go func() {
		_, err := sess.AcquireClient(context.Background())
		acquired <- err
	}()
	<-started

	// Clients created from here on connect instantly.
	factory.onCreate(nil)

	completes := func(name string, fn func()) {
		t.Helper()
		done := make(chan struct{})
		go func() {
			fn()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("%s blocked behind an in-flight connect", name)
		}
	}

	completes("sweep", func() { r.sweep() })
	completes("stats", func() { _ = r.Stats() })
	completes("len", func() { _ = r.Len() })
	completes("get", func() { _ = r.Get(id) })
	completes("create", func() { _ = r.Create() })

	var otherErr error
	completes("acquire on another session", func() {
		other := r.Get(r.Create())
		_, otherErr = other.AcquireClient(context.Background())
	})
	assert.NoError(t, otherErr)

	close(release)
	require.NoError(t, <-acquired)
	assert.True(t, sess.Connected())
}

func TestRegistryDeleteAbsorbsFailingDisposal(t *testing.T) {
	factory := &fakeFactory{}
	r := newTestRegistry(factory, time.Minute)

	id := r.Create()
	sess := r.Get(id)
	require.NotNil(t, sess)
	_, err := sess.AcquireClient(context.Background())
	require.NoError(t, err)
	factory.created()[0].setDisconnectErr(errors.New("link down"))

	assert.True(t, r.Delete(id))
	assert.Equal(t, 0, r.Len())
}

func TestRegistrySweepIsolatesMisbehavingDisposal(t *testing.T) {
	factory := &fakeFactory{}
	r := newTestRegistry(factory, 20*time.Millisecond)

	for i := 0; i < 3; i++ {
		sess := r.Get(r.Create())
		require.NotNil(t, sess)
		_, err := sess.AcquireClient(context.Background())
		require.NoError(t, err)
	}
	factory.created()[0].setDisconnectPanic()
	factory.created()[1].setDisconnectErr(errors.New("link down"))

	time.Sleep(40 * time.Millisecond)
	r.sweep()

	assert.Equal(t, 0, r.Len(), "one bad disposal must not keep others registered")
	for _, c := range factory.created() {
		assert.Equal(t, 1, c.disconnectCount())
	}
}

func TestRegistryStopAbsorbsMisbehavingDisposals(t *testing.T) {
	factory := &fakeFactory{}
	r := newTestRegistry(factory, time.Minute)
	r.Start()

	for i := 0; i < 3; i++ {
		sess := r.Get(r.Create())
		require.NotNil(t, sess)
		_, err := sess.AcquireClient(context.Background())
		require.NoError(t, err)
	}
	factory.created()[0].setDisconnectPanic()
	factory.created()[1].setDisconnectErr(errors.New("link down"))

	require.NotPanics(t, r.Stop)

	assert.Equal(t, 0, r.Len())
	for _, c := range factory.created() {
		assert.Equal(t, 1, c.disconnectCount())
	}
}

func TestRegistryStartIdempotent(t *testing.T) {
	r := newTestRegistry(&fakeFactory{}, time.Minute)
	r.Start()
	r.Start()
	r.Stop()
}

func TestRegistryStopDisposesAllOnce(t *testing.T) {
	factory := &fakeFactory{}
	r := newTestRegistry(factory, time.Minute)
	r.Start()

	ids := []string{r.Create(), r.Create(), r.Create()}
	for _, id := range ids {
		sess := r.Get(id)
		require.NotNil(t, sess)
		_, err := sess.AcquireClient(context.Background())
		require.NoError(t, err)
	}

	r.Stop()

	assert.Equal(t, 0, r.Len())
	clients := factory.created()
	require.Len(t, clients, 3)
	for _, c := range clients {
		assert.Equal(t, 1, c.disconnectCount())
	}

	// Stop again is harmless.
	r.Stop()
	for _, c := range clients {
		assert.Equal(t, 1, c.disconnectCount())
	}
}
