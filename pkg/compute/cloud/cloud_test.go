package cloud

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wrench-project/wrenchsim/pkg/action"
	"github.com/wrench-project/wrenchsim/pkg/commport"
	"github.com/wrench-project/wrenchsim/pkg/events"
	"github.com/wrench-project/wrenchsim/pkg/failure"
	"github.com/wrench-project/wrenchsim/pkg/platform"
)

const inbox = "ctrl-inbox"

func testCloud(t *testing.T, hosts ...platform.Host) (*Service, *platform.Simulated, *commport.Hub) {
	t.Helper()
	plat := platform.NewSimulated()
	for _, h := range hosts {
		plat.AddHost(h)
	}
	hub := commport.NewHub()
	svc, err := NewService("cloud0", plat.Hosts()[0], plat, hub, nil, nil, DefaultOptions())
	require.NoError(t, err)
	svc.Start()
	t.Cleanup(svc.Stop)
	return svc, plat, hub
}

func waitEvent(t *testing.T, hub *commport.Hub, mailbox string) events.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	env, err := hub.Get(ctx, mailbox)
	require.NoError(t, err)
	return env.Msg.(events.Event)
}

func TestCreateVMReservationAccounting(t *testing.T) {
	svc, _, _ := testCloud(t, platform.Host{Name: "h0", Cores: 4, MemBytes: 1000})

	id1, err := svc.CreateVM("", 2, 600)
	require.NoError(t, err)
	cores, ram := svc.Reservation("h0")
	assert.Equal(t, 2, cores)
	assert.Equal(t, int64(600), ram)

	// The remaining capacity cannot hold another 600-byte VM.
	_, err = svc.CreateVM("", 1, 600)
	assert.IsType(t, &failure.NotEnoughResources{}, err)
	_, err = svc.CreateVM("", 3, 0)
	assert.IsType(t, &failure.NotEnoughResources{}, err)

	id2, err := svc.CreateVM("", 2, 400)
	require.NoError(t, err)
	cores, ram = svc.Reservation("h0")
	assert.Equal(t, 4, cores)
	assert.Equal(t, int64(1000), ram)

	require.NoError(t, svc.DestroyVM(id1))
	require.NoError(t, svc.DestroyVM(id2))
	cores, ram = svc.Reservation("h0")
	assert.Equal(t, 0, cores)
	assert.Equal(t, int64(0), ram)
}

func TestSubmitToShutDownVMFails(t *testing.T) {
	svc, _, _ := testCloud(t, platform.Host{Name: "h0", Cores: 4, MemBytes: 1 << 30})

	id, err := svc.CreateVM("", 1, 0)
	require.NoError(t, err)
	require.NoError(t, svc.StartVM(id))
	require.NoError(t, svc.ShutdownVM(id))

	job := action.NewStandardJob("j1", map[string]string{"-vm": id})
	job.AddAction(action.NewAction("j1", action.Sleep, action.Payload{SleepSeconds: 1}, 1, 1, 0))
	err = svc.SubmitStandardJob(job, inbox)
	assert.IsType(t, &failure.ServiceIsDown{}, err)

	state, err := svc.VMStateOf(id)
	require.NoError(t, err)
	assert.Equal(t, VMShutDown, state)
}

func TestSuspendExtendsTurnaroundByTheSuspensionSpan(t *testing.T) {
	svc, plat, hub := testCloud(t, platform.Host{Name: "h0", Cores: 2, MemBytes: 1 << 30, FlopRate: 1e9})

	id, err := svc.CreateVM("", 1, 0)
	require.NoError(t, err)
	require.NoError(t, svc.StartVM(id))

	// 10 gigaflops on one 1 Gflop/s core: 10 s of work.
	job := action.NewStandardJob("j1", map[string]string{"-vm": id})
	compute := action.NewAction("j1", action.Compute, action.Payload{Flops: 1e10}, 1, 1, 0)
	job.AddAction(compute)

	start := plat.Mock().Now()
	require.NoError(t, svc.SubmitStandardJob(job, inbox))
	time.Sleep(20 * time.Millisecond)

	plat.Advance(5 * time.Second) // half done
	require.NoError(t, svc.SuspendVM(id))
	time.Sleep(20 * time.Millisecond)
	plat.Advance(100 * time.Second) // frozen: no progress
	require.NoError(t, svc.ResumeVM(id))
	time.Sleep(20 * time.Millisecond)
	plat.Advance(5 * time.Second) // the remaining half

	ev := waitEvent(t, hub, inbox)
	_, ok := ev.(events.StandardJobCompleted)
	require.True(t, ok, "got %#v", ev)
	assert.Equal(t, start.Add(110*time.Second), compute.EndedAt)
}

func TestMigrateVMMovesReservation(t *testing.T) {
	svc, _, _ := testCloud(t,
		platform.Host{Name: "h0", Cores: 4, MemBytes: 1000},
		platform.Host{Name: "h1", Cores: 2, MemBytes: 500},
	)

	id, err := svc.CreateVM("h0", 2, 400)
	require.NoError(t, err)

	require.NoError(t, svc.MigrateVM(id, "h1"))
	cores, _ := svc.Reservation("h0")
	assert.Equal(t, 0, cores)
	cores, ram := svc.Reservation("h1")
	assert.Equal(t, 2, cores)
	assert.Equal(t, int64(400), ram)

	// h1 cannot hold a second such VM.
	id2, err := svc.CreateVM("h0", 2, 400)
	require.NoError(t, err)
	err = svc.MigrateVM(id2, "h1")
	assert.IsType(t, &failure.NotEnoughResources{}, err)

	err = svc.MigrateVM(id, "nope")
	assert.IsType(t, &failure.NotAllowed{}, err)
}

func TestDestroyRunningVMIsRejected(t *testing.T) {
	svc, _, _ := testCloud(t, platform.Host{Name: "h0", Cores: 4, MemBytes: 1 << 30})

	id, err := svc.CreateVM("", 1, 0)
	require.NoError(t, err)
	require.NoError(t, svc.StartVM(id))

	err = svc.DestroyVM(id)
	assert.IsType(t, &failure.NotAllowed{}, err)

	require.NoError(t, svc.ShutdownVM(id))
	require.NoError(t, svc.DestroyVM(id))
	_, err = svc.VMStateOf(id)
	assert.IsType(t, &failure.NotAllowed{}, err)
}

func TestStopShutsDownEveryVM(t *testing.T) {
	svc, _, hub := testCloud(t, platform.Host{Name: "h0", Cores: 4, MemBytes: 1 << 30})

	id, err := svc.CreateVM("", 1, 0)
	require.NoError(t, err)
	require.NoError(t, svc.StartVM(id))

	// A job is running on the VM when the service stops.
	job := action.NewStandardJob("j1", map[string]string{"-vm": id})
	task := action.NewAction("j1", action.Sleep, action.Payload{SleepSeconds: 1000}, 1, 1, 0)
	job.AddAction(task)
	require.NoError(t, svc.SubmitStandardJob(job, inbox))
	require.Eventually(t, func() bool { return task.State == action.Started }, time.Second, 5*time.Millisecond)

	svc.Stop()

	fail, ok := waitEvent(t, hub, inbox).(events.StandardJobFailed)
	require.True(t, ok)
	var cause *failure.ServiceIsDown
	assert.ErrorAs(t, fail.Cause, &cause)

	state, err := svc.VMStateOf(id)
	require.NoError(t, err)
	assert.Equal(t, VMShutDown, state)
}
