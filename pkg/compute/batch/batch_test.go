package batch

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

func clusterPlatform(hosts, coresPerHost int) *platform.Simulated {
	plat := platform.NewSimulated()
	for i := 0; i < hosts; i++ {
		plat.AddHost(platform.Host{
			Name:     "node" + string(rune('a'+i)),
			Cores:    coresPerHost,
			MemBytes: 1 << 30,
			FlopRate: 1e9,
		})
	}
	return plat
}

func newBatch(t *testing.T, plat *platform.Simulated, hub *commport.Hub, opts Options) *Service {
	t.Helper()
	svc, err := NewService("batch0", plat.Hosts()[0], plat, hub, nil, nil, opts)
	require.NoError(t, err)
	svc.Start()
	t.Cleanup(func() { svc.Stop(false) })
	return svc
}

func stdJob(name string, sleepSeconds float64, args map[string]string) *action.StandardJob {
	job := action.NewStandardJob(name, args)
	a := action.NewAction(name, action.Sleep, action.Payload{SleepSeconds: sleepSeconds}, 1, 1, 0)
	job.AddAction(a)
	return job
}

func waitEvent(t *testing.T, hub *commport.Hub, mailbox string) events.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	env, err := hub.Get(ctx, mailbox)
	require.NoError(t, err)
	ev, ok := env.Msg.(events.Event)
	require.True(t, ok, "message on %s is not an event: %T", mailbox, env.Msg)
	return ev
}

func assertNoEvent(t *testing.T, hub *commport.Hub, mailbox string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if env, err := hub.Get(ctx, mailbox); err == nil {
		t.Fatalf("unexpected message on %s: %#v", mailbox, env.Msg)
	}
}

func TestParseRequestValidation(t *testing.T) {
	plat := clusterPlatform(2, 4)
	hub := commport.NewHub()
	svc := newBatch(t, plat, hub, DefaultOptions())

	_, err := svc.ParseRequest(map[string]string{"-N": "1", "-c": "1"})
	assert.Error(t, err) // missing -t
	_, err = svc.ParseRequest(map[string]string{"-N": "0", "-c": "1", "-t": "1"})
	assert.Error(t, err)
	_, err = svc.ParseRequest(map[string]string{"-N": "3", "-c": "1", "-t": "1"})
	assert.Error(t, err) // more nodes than the pool has
	_, err = svc.ParseRequest(map[string]string{"-N": "1", "-c": "5", "-t": "1"})
	assert.Error(t, err) // more cores than any node has

	req, err := svc.ParseRequest(map[string]string{"-N": "2", "-c": "4", "-t": "30"})
	require.NoError(t, err)
	assert.Equal(t, Request{Nodes: 2, CoresPerNode: 4, TimeMinutes: 30}, req)
	assert.Equal(t, 30*time.Minute, req.Walltime())
}

func TestFCFSDispatchAndCompletion(t *testing.T) {
	plat := clusterPlatform(2, 4)
	hub := commport.NewHub()
	svc := newBatch(t, plat, hub, DefaultOptions())

	job := stdJob("j1", 0, map[string]string{"-N": "1", "-c": "1", "-t": "1"})
	require.NoError(t, svc.SubmitStandardJob(job, inbox))

	ev := waitEvent(t, hub, inbox)
	done, ok := ev.(events.StandardJobCompleted)
	require.True(t, ok, "got %#v", ev)
	assert.Equal(t, "j1", done.Job)
	assert.Equal(t, "batch0", done.EventSource())
}

func TestWalltimeExpiryKillsJob(t *testing.T) {
	plat := clusterPlatform(1, 4)
	hub := commport.NewHub()
	svc := newBatch(t, plat, hub, DefaultOptions())

	job := stdJob("j1", 1000, map[string]string{"-N": "1", "-c": "1", "-t": "1"})
	require.NoError(t, svc.SubmitStandardJob(job, inbox))
	require.Eventually(t, func() bool {
		_, _, ok := svc.RunningJob("j1")
		return ok
	}, time.Second, 5*time.Millisecond)

	started, deadline, _ := svc.RunningJob("j1")
	assert.Equal(t, started.Add(time.Minute), deadline)

	time.Sleep(20 * time.Millisecond)
	plat.Advance(time.Minute)

	ev := waitEvent(t, hub, inbox)
	fail, ok := ev.(events.StandardJobFailed)
	require.True(t, ok, "got %#v", ev)
	var cause *failure.JobTimeout
	assert.ErrorAs(t, fail.Cause, &cause)

	// The timeout released the allocation.
	assert.Equal(t, 0, svc.QueueLength())
	_, _, stillRunning := svc.RunningJob("j1")
	assert.False(t, stillRunning)
}

func TestQueueWaitTimeEstimates(t *testing.T) {
	plat := clusterPlatform(4, 10)
	hub := commport.NewHub()
	svc := newBatch(t, plat, hub, Options{
		SchedulingAlgorithm:  ConservativeBF,
		HostSelection:        FirstFit,
		SupportsStandardJobs: true,
		SupportsPilotJobs:    true,
	})

	simStart := plat.Mock().Now()
	j1 := stdJob("j1", 10000, map[string]string{"-N": "4", "-c": "1", "-t": "5"})
	require.NoError(t, svc.SubmitStandardJob(j1, inbox))
	require.Eventually(t, func() bool {
		_, _, ok := svc.RunningJob("j1")
		return ok
	}, time.Second, 5*time.Millisecond)

	estimates, err := svc.EstimateStartTimes(map[string]Candidate{
		"c1": {Nodes: 2, CoresPerNode: 1, Walltime: 1000 * time.Second},
	})
	require.NoError(t, err)

	// All four nodes are held until j1's 5-minute walltime runs out.
	assert.Equal(t, simStart.Add(300*time.Second), estimates["c1"])
}

func TestEstimatesUnavailableOutsideConservativeBF(t *testing.T) {
	plat := clusterPlatform(2, 4)
	hub := commport.NewHub()
	svc := newBatch(t, plat, hub, DefaultOptions())

	_, err := svc.EstimateStartTimes(map[string]Candidate{"c1": {Nodes: 1, Walltime: time.Minute}})
	assert.IsType(t, &failure.FunctionalityNotAvailable{}, err)
}

func TestConservativeBackfillLetsSmallJobJumpQueue(t *testing.T) {
	plat := clusterPlatform(3, 4)
	hub := commport.NewHub()
	svc := newBatch(t, plat, hub, Options{
		SchedulingAlgorithm:  ConservativeBF,
		HostSelection:        FirstFit,
		SupportsStandardJobs: true,
	})

	// j1 holds two of the three nodes.
	j1 := stdJob("j1", 10000, map[string]string{"-N": "2", "-c": "1", "-t": "10"})
	require.NoError(t, svc.SubmitStandardJob(j1, inbox))
	require.Eventually(t, func() bool {
		_, _, ok := svc.RunningJob("j1")
		return ok
	}, time.Second, 5*time.Millisecond)

	// j2 needs all three nodes: it must wait for j1.
	j2 := stdJob("j2", 10000, map[string]string{"-N": "3", "-c": "1", "-t": "10"})
	require.NoError(t, svc.SubmitStandardJob(j2, inbox))

	// j3 fits in the idle node and in j2's shadow: it backfills.
	j3 := stdJob("j3", 10000, map[string]string{"-N": "1", "-c": "1", "-t": "5"})
	require.NoError(t, svc.SubmitStandardJob(j3, inbox))

	require.Eventually(t, func() bool {
		_, _, ok := svc.RunningJob("j3")
		return ok
	}, time.Second, 5*time.Millisecond)
	_, _, j2Running := svc.RunningJob("j2")
	assert.False(t, j2Running)
	assert.Equal(t, 1, svc.QueueLength())
}

func TestFCFSNeverBackfills(t *testing.T) {
	plat := clusterPlatform(3, 4)
	hub := commport.NewHub()
	svc := newBatch(t, plat, hub, DefaultOptions())

	j1 := stdJob("j1", 10000, map[string]string{"-N": "2", "-c": "1", "-t": "10"})
	require.NoError(t, svc.SubmitStandardJob(j1, inbox))
	require.Eventually(t, func() bool {
		_, _, ok := svc.RunningJob("j1")
		return ok
	}, time.Second, 5*time.Millisecond)

	j2 := stdJob("j2", 10000, map[string]string{"-N": "3", "-c": "1", "-t": "10"})
	require.NoError(t, svc.SubmitStandardJob(j2, inbox))
	j3 := stdJob("j3", 10000, map[string]string{"-N": "1", "-c": "1", "-t": "5"})
	require.NoError(t, svc.SubmitStandardJob(j3, inbox))

	time.Sleep(50 * time.Millisecond)
	_, _, j3Running := svc.RunningJob("j3")
	assert.False(t, j3Running)
	assert.Equal(t, 2, svc.QueueLength())
}

func TestPilotJobLifecycle(t *testing.T) {
	plat := clusterPlatform(2, 4)
	hub := commport.NewHub()
	svc := newBatch(t, plat, hub, DefaultOptions())

	pilot := action.NewPilotJob("p1", 1, 0, 300, map[string]string{"-N": "1", "-c": "1", "-t": "5"})
	require.NoError(t, svc.SubmitPilotJob(pilot, inbox))

	ev := waitEvent(t, hub, inbox)
	started, ok := ev.(events.PilotJobStarted)
	require.True(t, ok, "got %#v", ev)
	assert.Equal(t, "p1", started.Job)
	assert.NotEmpty(t, started.ComputeService)

	// Run an inner job on the granted service.
	granted, ok := svc.PilotService("p1")
	require.True(t, ok)
	inner := action.NewStandardJob("inner1", nil)
	task := action.NewAction("inner1", action.Sleep, action.Payload{SleepSeconds: 10000}, 1, 1, 0)
	inner.AddAction(task)
	require.NoError(t, granted.SubmitStandardJob(inner, inbox))
	require.Eventually(t, func() bool { return task.State == action.Started }, time.Second, 5*time.Millisecond)

	// The reservation expires: the inner job fails with ServiceIsDown and
	// its task becomes READY again; then the pilot's expiry is announced.
	time.Sleep(20 * time.Millisecond)
	plat.Advance(5 * time.Minute)

	sawInnerFailure, sawExpired := false, false
	for i := 0; i < 2; i++ {
		switch e := waitEvent(t, hub, inbox).(type) {
		case events.StandardJobFailed:
			assert.Equal(t, "inner1", e.Job)
			var cause *failure.ServiceIsDown
			assert.ErrorAs(t, e.Cause, &cause)
			sawInnerFailure = true
		case events.PilotJobExpired:
			assert.Equal(t, "p1", e.Job)
			sawExpired = true
		default:
			t.Fatalf("unexpected event %#v", e)
		}
	}
	assert.True(t, sawInnerFailure)
	assert.True(t, sawExpired)
	assert.Equal(t, action.Ready, task.State)
}

func TestTerminatePilotMidRunCascades(t *testing.T) {
	plat := clusterPlatform(2, 4)
	hub := commport.NewHub()
	svc := newBatch(t, plat, hub, DefaultOptions())

	pilot := action.NewPilotJob("p1", 1, 0, 300, map[string]string{"-N": "1", "-c": "1", "-t": "5"})
	require.NoError(t, svc.SubmitPilotJob(pilot, inbox))
	ev := waitEvent(t, hub, inbox)
	_, ok := ev.(events.PilotJobStarted)
	require.True(t, ok)

	granted, ok := svc.PilotService("p1")
	require.True(t, ok)
	inner := action.NewStandardJob("inner1", nil)
	task := action.NewAction("inner1", action.Sleep, action.Payload{SleepSeconds: 10000}, 1, 1, 0)
	inner.AddAction(task)
	require.NoError(t, granted.SubmitStandardJob(inner, inbox))
	require.Eventually(t, func() bool { return task.State == action.Started }, time.Second, 5*time.Millisecond)

	require.NoError(t, svc.TerminateJob("p1"))

	fail, ok := waitEvent(t, hub, inbox).(events.StandardJobFailed)
	require.True(t, ok)
	assert.Equal(t, "inner1", fail.Job)
	var cause *failure.ServiceIsDown
	assert.ErrorAs(t, fail.Cause, &cause)
	assert.Equal(t, action.Ready, task.State)

	// Termination itself emits no event, and the pilot cannot be
	// terminated twice.
	assertNoEvent(t, hub, inbox)
	err := svc.TerminateJob("p1")
	assert.IsType(t, &failure.JobCannotBeTerminated{}, err)
}

func TestSubmitValidatesSupportFlags(t *testing.T) {
	plat := clusterPlatform(1, 4)
	hub := commport.NewHub()
	svc := newBatch(t, plat, hub, Options{
		SchedulingAlgorithm:  FCFS,
		HostSelection:        FirstFit,
		SupportsStandardJobs: false,
		SupportsPilotJobs:    false,
	})

	err := svc.SubmitStandardJob(stdJob("j1", 1, map[string]string{"-N": "1", "-c": "1", "-t": "1"}), inbox)
	assert.IsType(t, &failure.JobTypeNotSupported{}, err)
	err = svc.SubmitPilotJob(action.NewPilotJob("p1", 1, 0, 60, map[string]string{"-N": "1", "-c": "1", "-t": "1"}), inbox)
	assert.IsType(t, &failure.JobTypeNotSupported{}, err)
}

func TestEasyBackfillUsesShadowTime(t *testing.T) {
	plat := clusterPlatform(3, 4)
	hub := commport.NewHub()
	svc := newBatch(t, plat, hub, Options{
		SchedulingAlgorithm:  EasyBF,
		HostSelection:        FirstFit,
		SupportsStandardJobs: true,
	})

	j1 := stdJob("j1", 10000, map[string]string{"-N": "2", "-c": "1", "-t": "10"})
	require.NoError(t, svc.SubmitStandardJob(j1, inbox))
	j2 := stdJob("j2", 10000, map[string]string{"-N": "3", "-c": "1", "-t": "10"})
	require.NoError(t, svc.SubmitStandardJob(j2, inbox))

	// j3's five minutes fit before j2's earliest start at t=600 s.
	j3 := stdJob("j3", 10000, map[string]string{"-N": "1", "-c": "1", "-t": "5"})
	require.NoError(t, svc.SubmitStandardJob(j3, inbox))

	require.Eventually(t, func() bool {
		_, _, ok := svc.RunningJob("j3")
		return ok
	}, time.Second, 5*time.Millisecond)

	// j4's walltime overruns the shadow time and there is no spare node at
	// it, so it must wait.
	j4 := stdJob("j4", 10000, map[string]string{"-N": "1", "-c": "1", "-t": "60"})
	require.NoError(t, svc.SubmitStandardJob(j4, inbox))
	time.Sleep(50 * time.Millisecond)
	_, _, j4Running := svc.RunningJob("j4")
	assert.False(t, j4Running)
}

func TestBestFitPrefersSmallestSufficientNodes(t *testing.T) {
	plat := platform.NewSimulated()
	plat.AddHost(platform.Host{Name: "big", Cores: 16, MemBytes: 1 << 30, FlopRate: 1e9})
	plat.AddHost(platform.Host{Name: "small", Cores: 4, MemBytes: 1 << 30, FlopRate: 1e9})
	hub := commport.NewHub()
	svc, err := NewService("batch0", "big", plat, hub, nil, nil, Options{
		SchedulingAlgorithm:  FCFS,
		HostSelection:        BestFit,
		SupportsStandardJobs: true,
	})
	require.NoError(t, err)
	svc.Start()
	t.Cleanup(func() { svc.Stop(false) })

	j1 := stdJob("j1", 10000, map[string]string{"-N": "1", "-c": "4", "-t": "10"})
	require.NoError(t, svc.SubmitStandardJob(j1, inbox))
	require.Eventually(t, func() bool {
		_, _, ok := svc.RunningJob("j1")
		return ok
	}, time.Second, 5*time.Millisecond)

	// The 4-core node satisfies -c 4, so the 16-core node stays free for a
	// wider job.
	j2 := stdJob("j2", 10000, map[string]string{"-N": "1", "-c": "16", "-t": "10"})
	require.NoError(t, svc.SubmitStandardJob(j2, inbox))
	require.Eventually(t, func() bool {
		_, _, ok := svc.RunningJob("j2")
		return ok
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, svc.QueueLength())
}
