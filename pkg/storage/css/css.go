// Package css implements the Compound Storage Service: a virtual
// storage endpoint aggregating a set of physical storage services, with
// a pluggable per-file allocation policy and optional internal striping.
// It satisfies the same storage.Service surface as a physical backend,
// so readers and writers address it through the Router like any other
// storage.
package css

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/wrench-project/wrenchsim/pkg/failure"
	"github.com/wrench-project/wrenchsim/pkg/log"
	"github.com/wrench-project/wrenchsim/pkg/metrics"
	"github.com/wrench-project/wrenchsim/pkg/storage"
)

// Stripe is one contiguous part of a file held on one physical storage.
type Stripe struct {
	Storage   string
	SubFileID string
	Offset    int64
	Size      int64
}

// Options carries the recognised compound-storage property knobs.
type Options struct {
	// InternalStriping splits files larger than MaxAllocationChunkSize
	// into independently allocated parts.
	InternalStriping bool
	// MaxAllocationChunkSize is the stripe size ceiling in bytes. Zero
	// disables splitting even when InternalStriping is set.
	MaxAllocationChunkSize int64
}

// Service is the compound storage service.
type Service struct {
	name   string
	clk    clock.Clock
	logger zerolog.Logger
	alloc  Allocator
	opts   Options

	backends map[string][]storage.Service // by host, allocator-visible
	byName   map[string]storage.Service

	mu          sync.Mutex
	allocations map[string][]Stripe // committed, by css path
	pending     map[string][]Stripe // reserved, by css path
}

// NewService aggregates the given physical services (grouped by the host
// their disk lives on) behind one compound endpoint. The allocator
// defaults to the reference round-robin policy.
func NewService(name string, clk clock.Clock, backends map[string][]storage.Service, alloc Allocator, opts Options) (*Service, error) {
	byName := make(map[string]storage.Service)
	for _, svcs := range backends {
		for _, s := range svcs {
			byName[s.Name()] = s
		}
	}
	if len(byName) == 0 {
		return nil, fmt.Errorf("compound storage %s: no physical storage services", name)
	}
	if alloc == nil {
		alloc = NewRoundRobinAllocator()
	}
	return &Service{
		name:        name,
		clk:         clk,
		logger:      log.WithComponent(name),
		alloc:       alloc,
		opts:        opts,
		backends:    backends,
		byName:      byName,
		allocations: make(map[string][]Stripe),
		pending:     make(map[string][]Stripe),
	}, nil
}

func (c *Service) Name() string { return c.name }

func (c *Service) Capacity() int64 {
	var total int64
	for _, s := range c.byName {
		total += s.Capacity()
	}
	return total
}

func (c *Service) FreeSpace() int64 {
	var total int64
	for _, s := range c.byName {
		total += s.FreeSpace()
	}
	return total
}

// split cuts a file into its stripe-sized parts. With striping off (or no
// chunk size configured) the whole file is a single part.
func (c *Service) split(path string, bytes int64) []storage.DataFile {
	chunk := c.opts.MaxAllocationChunkSize
	if !c.opts.InternalStriping || chunk <= 0 || bytes <= chunk {
		return []storage.DataFile{{ID: path, SizeBytes: bytes}}
	}
	var parts []storage.DataFile
	for i, off := 0, int64(0); off < bytes; i, off = i+1, off+chunk {
		size := chunk
		if bytes-off < chunk {
			size = bytes - off
		}
		parts = append(parts, storage.DataFile{
			ID:        fmt.Sprintf("%s_part_%d", path, i),
			SizeBytes: size,
		})
	}
	return parts
}

// existingLocked renders the committed allocation map in the shape the
// allocator callback expects.
func (c *Service) existingLocked() map[string][]storage.FileLocation {
	out := make(map[string][]storage.FileLocation, len(c.allocations))
	for path, stripes := range c.allocations {
		locs := make([]storage.FileLocation, 0, len(stripes))
		for _, st := range stripes {
			locs = append(locs, storage.FileLocation{
				Service: st.Storage,
				Path:    st.SubFileID,
				File:    storage.DataFile{ID: st.SubFileID, SizeBytes: st.Size},
			})
		}
		out[path] = locs
	}
	return out
}

// ReserveWrite allocates every part of the file and reserves its bytes
// on the chosen physical services. An allocation that cannot be
// completed releases every reservation it made and reports
// StorageServiceNotEnoughSpace, leaving all backends as they were.
func (c *Service) ReserveWrite(path string, bytes int64) (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if stripes, ok := c.allocations[path]; ok {
		// Overwrite in place: the existing stripes are reused.
		var maxDur time.Duration
		for _, st := range stripes {
			d, err := c.byName[st.Storage].ReserveWrite(st.SubFileID, st.Size)
			if err != nil {
				return 0, err
			}
			if d > maxDur {
				maxDur = d
			}
		}
		c.pending[path] = stripes
		return maxDur, nil
	}

	parts := c.split(path, bytes)
	var placed []storage.FileLocation
	var stripes []Stripe
	var maxDur time.Duration
	offset := int64(0)

	rollback := func() {
		for _, st := range stripes {
			c.byName[st.Storage].AbortWrite(st.SubFileID, st.Size)
		}
	}

	for _, part := range parts {
		locs := c.alloc(part, c.backends, c.existingLocked(), placed)
		if len(locs) == 0 {
			rollback()
			metrics.StripeWritesTotal.WithLabelValues("no_space").Inc()
			return 0, failure.NewStorageServiceNotEnoughSpace(path, c.name)
		}
		loc := locs[0]
		backend, ok := c.byName[loc.Service]
		if !ok {
			rollback()
			return 0, fmt.Errorf("compound storage %s: allocator chose unknown storage %q", c.name, loc.Service)
		}
		dur, err := backend.ReserveWrite(loc.Path, part.SizeBytes)
		if err != nil {
			rollback()
			return 0, err
		}
		if dur > maxDur {
			maxDur = dur
		}
		placed = append(placed, loc)
		stripes = append(stripes, Stripe{
			Storage:   loc.Service,
			SubFileID: loc.Path,
			Offset:    offset,
			Size:      part.SizeBytes,
		})
		offset += part.SizeBytes
	}

	c.pending[path] = stripes
	return maxDur, nil
}

// CommitWrite commits every reserved stripe, fanning out to the physical
// services concurrently. On any part failure the already-committed parts
// are deleted best-effort and the first cause is returned; the partially
// written file is never observable afterwards.
func (c *Service) CommitWrite(path string, bytes int64) error {
	c.mu.Lock()
	stripes, ok := c.pending[path]
	delete(c.pending, path)
	c.mu.Unlock()
	if !ok {
		return failure.NewFileNotFound(c.name + ":" + path)
	}

	timer := metrics.NewTimer()
	var g errgroup.Group
	committed := make([]bool, len(stripes))
	for i, st := range stripes {
		i, st := i, st
		g.Go(func() error {
			if err := c.byName[st.Storage].CommitWrite(st.SubFileID, st.Size); err != nil {
				return err
			}
			committed[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for i, st := range stripes {
			if committed[i] {
				if delErr := c.byName[st.Storage].Delete(st.SubFileID); delErr != nil {
					c.logger.Warn().Err(delErr).Str("stripe", st.SubFileID).Msg("rollback delete failed")
				}
			} else {
				c.byName[st.Storage].AbortWrite(st.SubFileID, st.Size)
			}
		}
		metrics.StripeWritesTotal.WithLabelValues("failed").Inc()
		return err
	}

	c.mu.Lock()
	c.allocations[path] = stripes
	c.mu.Unlock()

	metrics.StripeWritesTotal.WithLabelValues("ok").Inc()
	timer.ObserveDuration(metrics.StripeWriteLatency)
	c.logger.Debug().Str("path", path).Int("stripes", len(stripes)).Msg("file written")
	return nil
}

// AbortWrite releases every reservation of a write that will not happen.
func (c *Service) AbortWrite(path string, bytes int64) {
	c.mu.Lock()
	stripes, ok := c.pending[path]
	delete(c.pending, path)
	c.mu.Unlock()
	if !ok {
		return
	}
	for _, st := range stripes {
		c.byName[st.Storage].AbortWrite(st.SubFileID, st.Size)
	}
}

// Read looks the file's stripes up and returns the total transfer time,
// stripe by stripe in order.
func (c *Service) Read(path string, bytes int64) (time.Duration, error) {
	c.mu.Lock()
	stripes, ok := c.allocations[path]
	c.mu.Unlock()
	if !ok {
		return 0, failure.NewFileNotFound(c.name + ":" + path)
	}
	var total time.Duration
	for _, st := range stripes {
		d, err := c.byName[st.Storage].Read(st.SubFileID, st.Size)
		if err != nil {
			return 0, err
		}
		total += d
	}
	return total, nil
}

// Delete removes every stripe of the file. It succeeds only if every
// stripe delete succeeds; the allocation entry survives a partial
// failure so a retry can finish the job.
func (c *Service) Delete(path string) error {
	c.mu.Lock()
	stripes, ok := c.allocations[path]
	c.mu.Unlock()
	if !ok {
		return failure.NewFileNotFound(c.name + ":" + path)
	}

	var g errgroup.Group
	for _, st := range stripes {
		st := st
		g.Go(func() error {
			backend := c.byName[st.Storage]
			if !backend.Exists(st.SubFileID) {
				// Already removed by an earlier, partially failed Delete.
				return nil
			}
			return backend.Delete(st.SubFileID)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.allocations, path)
	c.mu.Unlock()
	return nil
}

func (c *Service) Exists(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.allocations[path]
	return ok
}

func (c *Service) FileSize(path string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stripes, ok := c.allocations[path]
	if !ok {
		return 0, false
	}
	var total int64
	for _, st := range stripes {
		total += st.Size
	}
	return total, true
}

// Lookup returns the file's stripes in order, or an empty slice for an
// unknown file.
func (c *Service) Lookup(path string) []Stripe {
	c.mu.Lock()
	defer c.mu.Unlock()
	stripes := c.allocations[path]
	out := make([]Stripe, len(stripes))
	copy(out, stripes)
	return out
}

// LastWriteDate is the most recent stripe write date; unknown files fail.
func (c *Service) LastWriteDate(path string) (time.Time, error) {
	c.mu.Lock()
	stripes, ok := c.allocations[path]
	c.mu.Unlock()
	if !ok {
		return time.Time{}, failure.NewFileNotFound(c.name + ":" + path)
	}
	var latest time.Time
	for _, st := range stripes {
		d, err := c.byName[st.Storage].LastWriteDate(st.SubFileID)
		if err != nil {
			return time.Time{}, err
		}
		if d.After(latest) {
			latest = d
		}
	}
	return latest, nil
}

// Load is not defined for a compound service; callers balance on the
// physical services directly.
func (c *Service) Load() (float64, error) {
	return 0, failure.NewFunctionalityNotAvailable(c.name, "get_load")
}

// IsScratch is always false: a compound service can never be a scratch
// space.
func (c *Service) IsScratch() bool { return false }

// SetIsScratch rejects true; a compound service never serves as scratch.
func (c *Service) SetIsScratch(scratch bool) error {
	if scratch {
		return failure.NewNotAllowed(c.name, "a compound storage service cannot be a scratch space")
	}
	return nil
}

var _ storage.Service = (*Service)(nil)
