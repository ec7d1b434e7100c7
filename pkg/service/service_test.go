package service

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wrench-project/wrenchsim/pkg/failure"
	"github.com/wrench-project/wrenchsim/pkg/platform"
)

func newTestPlatform() *platform.Simulated {
	p := platform.NewSimulated()
	p.AddHost(platform.Host{Name: "host0", Cores: 4, MemBytes: 1 << 30})
	return p
}

func TestStartTicksAndStop(t *testing.T) {
	plat := newTestPlatform()
	var ticks int64
	b := NewBase("svc0", "host0", plat, time.Second, func() error {
		atomic.AddInt64(&ticks, 1)
		return nil
	})

	b.Start()
	assert.Equal(t, Up, b.State())

	plat.Mock().Add(3 * time.Second)
	// allow the daemon goroutine to observe the fired ticks
	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt64(&ticks) < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.GreaterOrEqual(t, atomic.LoadInt64(&ticks), int64(3))

	b.Stop(false, nil)
	assert.Equal(t, Down, b.State())
}

func TestKillRecordsCause(t *testing.T) {
	plat := newTestPlatform()
	b := NewBase("svc0", "host0", plat, time.Second, func() error { return nil })
	b.Start()

	cause := failure.NewServiceIsDown("svc0")
	b.Kill(cause)
	assert.Equal(t, Down, b.State())
	assert.Equal(t, cause, b.LastFailureCause())
}

func TestSuspendResumeStopsTicking(t *testing.T) {
	plat := newTestPlatform()
	var ticks int64
	b := NewBase("svc0", "host0", plat, time.Second, func() error {
		atomic.AddInt64(&ticks, 1)
		return nil
	})
	b.Start()
	b.Suspend()
	assert.Equal(t, Suspended, b.State())

	plat.Mock().Add(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(0), atomic.LoadInt64(&ticks), "suspended service must not tick")

	b.Resume()
	assert.Equal(t, Up, b.State())
	plat.Mock().Add(time.Second)
	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt64(&ticks) < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.GreaterOrEqual(t, atomic.LoadInt64(&ticks), int64(1))
}

func TestRestartRebuildsViaHook(t *testing.T) {
	plat := newTestPlatform()
	b := NewBase("svc0", "host0", plat, time.Second, func() error { return nil })
	var rebuilt bool
	b.OnRestart(func() { rebuilt = true })

	b.Start()
	require.NoError(t, b.Restart())
	assert.True(t, rebuilt)
	assert.Equal(t, Up, b.State())
}
