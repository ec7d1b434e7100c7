package controller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wrench-project/wrenchsim/pkg/action"
	"github.com/wrench-project/wrenchsim/pkg/aes"
	"github.com/wrench-project/wrenchsim/pkg/commport"
	"github.com/wrench-project/wrenchsim/pkg/compute/baremetal"
	"github.com/wrench-project/wrenchsim/pkg/events"
	"github.com/wrench-project/wrenchsim/pkg/failure"
	"github.com/wrench-project/wrenchsim/pkg/platform"
	"github.com/wrench-project/wrenchsim/pkg/storage"
)

func testController(t *testing.T) (*Controller, *platform.Simulated, *commport.Hub) {
	t.Helper()
	plat := platform.NewSimulated()
	plat.AddHost(platform.Host{Name: "h0", Cores: 2, MemBytes: 1 << 30, FlopRate: 1e9})
	hub := commport.NewHub()
	return New("wms", "h0", plat, hub, nil), plat, hub
}

func TestWaitForNextEventDeliversInEnqueueOrder(t *testing.T) {
	c, _, hub := testController(t)

	hub.DPut(c.Mailbox(), "bm0", events.NewSource("bm0", events.StandardJobCompleted{Job: "j1"}))
	hub.DPut(c.Mailbox(), "bm0", events.NewSource("bm0", events.StandardJobCompleted{Job: "j2"}))

	ev1, err := c.WaitForNextEvent(0)
	require.NoError(t, err)
	ev2, err := c.WaitForNextEvent(0)
	require.NoError(t, err)
	assert.Equal(t, "j1", ev1.(events.StandardJobCompleted).Job)
	assert.Equal(t, "j2", ev2.(events.StandardJobCompleted).Job)
}

func TestWaitForNextEventSimulatedTimeout(t *testing.T) {
	c, plat, _ := testController(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.WaitForNextEvent(10 * time.Second)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case err := <-errCh:
		t.Fatalf("wait returned before the simulated timeout: %v", err)
	default:
	}

	plat.Advance(10 * time.Second)
	select {
	case err := <-errCh:
		assert.IsType(t, &failure.NetworkTimeout{}, err)
	case <-time.After(time.Second):
		t.Fatal("wait did not observe the simulated timeout")
	}
}

func TestSetTimerFires(t *testing.T) {
	c, plat, _ := testController(t)

	c.SetTimer(plat.Mock().Now().Add(30*time.Second), "checkpoint")

	fired := make(chan events.TimerFired, 1)
	go func() {
		ev, err := c.WaitForNextEvent(0)
		if err == nil {
			fired <- ev.(events.TimerFired)
		}
	}()
	time.Sleep(20 * time.Millisecond)
	plat.Advance(30 * time.Second)

	select {
	case tf := <-fired:
		assert.Equal(t, "checkpoint", tf.Tag)
	case <-time.After(time.Second):
		t.Fatal("timer event never arrived")
	}
}

func TestWaitForAndProcessNextEventDispatches(t *testing.T) {
	c, _, hub := testController(t)

	hub.DPut(c.Mailbox(), "bm0", events.NewSource("bm0", events.StandardJobFailed{
		Job: "j1", Cause: failure.NewJobTimeout("j1"),
	}))

	var got events.StandardJobFailed
	var defaulted bool
	err := c.WaitForAndProcessNextEvent(0, Handlers{
		StandardJobFailed: func(e events.StandardJobFailed) { got = e },
		Default:           func(events.Event) { defaulted = true },
	})
	require.NoError(t, err)
	assert.Equal(t, "j1", got.Job)
	assert.False(t, defaulted)

	// A variant without its own handler falls through to Default.
	hub.DPut(c.Mailbox(), "bm0", events.NewSource("bm0", events.PilotJobExpired{Job: "p1"}))
	err = c.WaitForAndProcessNextEvent(0, Handlers{
		Default: func(events.Event) { defaulted = true },
	})
	require.NoError(t, err)
	assert.True(t, defaulted)
}

func TestJobManagerRejectsDuplicateSubmission(t *testing.T) {
	c, plat, hub := testController(t)
	jm := c.CreateJobManager()

	bm, err := baremetal.NewService("bm0", "h0", plat, hub, nil, nil, baremetal.DefaultOptions())
	require.NoError(t, err)
	bm.Start()
	defer bm.Stop(false, aes.StopServiceTerminated)

	job := action.NewStandardJob("j1", nil)
	job.AddAction(action.NewAction("j1", action.Sleep, action.Payload{SleepSeconds: 1000}, 1, 1, 0))
	require.NoError(t, jm.SubmitStandardJob(bm, job))

	err = jm.SubmitStandardJob(bm, action.NewStandardJob("j1", nil))
	assert.IsType(t, &failure.NotAllowed{}, err)
}

func TestDataMovementManagerEvents(t *testing.T) {
	c, plat, _ := testController(t)

	plat.AddHost(platform.Host{Name: "store0", Cores: 1, MemBytes: 1 << 30})
	plat.AddDisk(platform.Disk{Host: "store0", MountPoint: "/a", SizeBytes: 1000})
	plat.AddDisk(platform.Disk{Host: "store0", MountPoint: "/b", SizeBytes: 1000})
	reg := storage.NewRegistry()
	a, err := storage.NewSimple("ssa", plat, "store0", "/a", storage.SimpleOptions{})
	require.NoError(t, err)
	b, err := storage.NewSimple("ssb", plat, "store0", "/b", storage.SimpleOptions{})
	require.NoError(t, err)
	reg.Register(a)
	reg.Register(b)
	router := storage.NewRouter(reg)
	dm := c.CreateDataMovementManager(router)

	dm.InitiateFileWrite("ssa:/f1", 500)
	ev, err := c.WaitForNextEvent(0)
	require.NoError(t, err)
	_, ok := ev.(events.FileWriteCompleted)
	require.True(t, ok, "got %#v", ev)

	dm.InitiateFileCopy("ssa:/f1", "ssb:/f1")
	ev, err = c.WaitForNextEvent(0)
	require.NoError(t, err)
	cp, ok := ev.(events.FileCopyCompleted)
	require.True(t, ok, "got %#v", ev)
	assert.Equal(t, "ssb:/f1", cp.Dst)

	// Read-after-write holds.
	dm.InitiateFileRead("ssb:/f1", 500)
	ev, err = c.WaitForNextEvent(0)
	require.NoError(t, err)
	_, ok = ev.(events.FileReadCompleted)
	require.True(t, ok, "got %#v", ev)

	// A failed operation reports its cause.
	dm.InitiateFileCopy("ssa:/missing", "ssb:/missing")
	ev, err = c.WaitForNextEvent(0)
	require.NoError(t, err)
	fc, ok := ev.(events.FileCopyFailed)
	require.True(t, ok, "got %#v", ev)
	assert.IsType(t, &failure.FileNotFound{}, fc.Cause)
}
