package batch

import (
	"sort"
	"time"

	"github.com/wrench-project/wrenchsim/pkg/failure"
)

// profile is a stepwise view of free-node availability from "now"
// onward: the current free count plus timed deltas (running-job releases
// and reservation holds).
type profile struct {
	now     time.Time
	freeNow int
	deltas  map[time.Time]int
}

func newProfile(now time.Time, freeNow int) *profile {
	return &profile{now: now, freeNow: freeNow, deltas: make(map[time.Time]int)}
}

func (p *profile) add(at time.Time, delta int) {
	if at.Before(p.now) {
		p.freeNow += delta
		return
	}
	p.deltas[at] += delta
}

func (p *profile) times() []time.Time {
	out := make([]time.Time, 0, len(p.deltas))
	for t := range p.deltas {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// availableAt is the free-node count at instant t.
func (p *profile) availableAt(t time.Time) int {
	avail := p.freeNow
	for at, d := range p.deltas {
		if !at.After(t) {
			avail += d
		}
	}
	return avail
}

// minOver is the minimum availability over [from, from+d).
func (p *profile) minOver(from time.Time, d time.Duration) int {
	end := from.Add(d)
	min := p.availableAt(from)
	for _, at := range p.times() {
		if at.After(from) && at.Before(end) {
			if a := p.availableAt(at); a < min {
				min = a
			}
		}
	}
	return min
}

// earliestStart finds the first instant at which nodes are continuously
// available for the full duration: candidate instants are now and every
// profile step.
func (p *profile) earliestStart(nodes int, d time.Duration) (time.Time, bool) {
	candidates := append([]time.Time{p.now}, p.times()...)
	for _, t := range candidates {
		if t.Before(p.now) {
			continue
		}
		if p.minOver(t, d) >= nodes {
			return t, true
		}
	}
	return time.Time{}, false
}

// reserve books nodes over [from, from+d).
func (p *profile) reserve(from time.Time, d time.Duration, nodes int) {
	p.add(from, -nodes)
	p.add(from.Add(d), nodes)
}

// releasesProfileLocked captures the running jobs' node releases. Every
// running job is assumed to hold its allocation until walltime plus
// padding, the conservative upper bound the RJMS enforces.
func (s *Service) releasesProfileLocked() *profile {
	now := s.plat.Clock().Now()
	p := newProfile(now, s.freeCountLocked())
	for _, bj := range s.running {
		release := bj.startedAt.Add(bj.req.Walltime() + s.opts.RJMSPadding)
		if release.Before(now) {
			release = now
		}
		p.add(release, bj.req.Nodes)
	}
	return p
}

// reservationsLocked books every pending job into the profile in queue
// order, conservative-backfill style, and returns each job's reserved
// start keyed by name.
func (s *Service) reservationsLocked(p *profile) map[string]time.Time {
	starts := make(map[string]time.Time, len(s.pending))
	for _, bj := range s.pending {
		d := bj.req.Walltime() + s.opts.RJMSPadding
		at, ok := p.earliestStart(bj.req.Nodes, d)
		if !ok {
			// No feasible slot even on an empty machine; park it at the
			// end of everything known.
			at = farFuture(p)
		}
		p.reserve(at, d, bj.req.Nodes)
		starts[bj.name] = at
	}
	return starts
}

func farFuture(p *profile) time.Time {
	latest := p.now
	for _, t := range p.times() {
		if t.After(latest) {
			latest = t
		}
	}
	return latest.Add(24 * time.Hour)
}

type schedule struct {
	svc      *Service
	releases *profile
	starts   map[string]time.Time // conservative reservations, by job
}

// buildScheduleLocked snapshots the running jobs' releases and, under
// conservative backfilling, every pending job's reservation.
func (s *Service) buildScheduleLocked() *schedule {
	sched := &schedule{svc: s, releases: s.releasesProfileLocked()}
	if s.opts.SchedulingAlgorithm == ConservativeBF {
		// Reservations consume the profile; work on a copy for queries.
		p := s.releasesProfileLocked()
		sched.starts = s.reservationsLocked(p)
	}
	return sched
}

// canBackfill reports whether a non-head pending job may start now.
//
// Under conservative backfilling a job may start exactly when its
// reservation, computed in queue order, is due: starting then cannot
// delay anyone because every job ahead already holds its own slot.
//
// Under EASY backfilling only the head holds a reservation; a candidate
// may jump the queue if it finishes before the head's earliest start or
// fits in the nodes the head will not need.
func (sched *schedule) canBackfill(bj *batchJob, now time.Time, algo Algorithm) bool {
	d := bj.req.Walltime() + sched.svc.opts.RJMSPadding
	switch algo {
	case ConservativeBF:
		start, ok := sched.starts[bj.name]
		return ok && !start.After(now)
	case EasyBF:
		head := sched.svc.pending[0]
		headStart, ok := sched.releases.earliestStart(head.req.Nodes, head.req.Walltime()+sched.svc.opts.RJMSPadding)
		if !ok {
			return true
		}
		if !now.Add(d).After(headStart) {
			return true
		}
		extra := sched.releases.availableAt(headStart) - head.req.Nodes
		return bj.req.Nodes <= extra
	default:
		return false
	}
}

// Candidate is a hypothetical job a caller wants a queue wait-time
// estimate for. Walltime is free-form, not bound to whole minutes.
type Candidate struct {
	Nodes        int
	CoresPerNode int
	Walltime     time.Duration
}

// EstimateStartTimes predicts the earliest start date of each candidate
// request against the current schedule: running jobs hold their nodes to
// walltime plus padding, pending jobs hold their conservative
// reservations. Only available under conservative backfilling; the
// returned dates include the RJMS padding baked into every reservation.
func (s *Service) EstimateStartTimes(candidates map[string]Candidate) (map[string]time.Time, error) {
	if s.opts.SchedulingAlgorithm != ConservativeBF {
		return nil, failure.NewFunctionalityNotAvailable(s.name, "start time estimates")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]time.Time, len(candidates))
	for name, c := range candidates {
		p := s.releasesProfileLocked()
		s.reservationsLocked(p)
		at, ok := p.earliestStart(c.Nodes, c.Walltime+s.opts.RJMSPadding)
		if !ok {
			at = farFuture(p)
		}
		out[name] = at
	}
	return out, nil
}
