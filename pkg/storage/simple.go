package storage

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/wrench-project/wrenchsim/pkg/failure"
	"github.com/wrench-project/wrenchsim/pkg/log"
	"github.com/wrench-project/wrenchsim/pkg/platform"
)

type fileRecord struct {
	size      int64
	lastWrite time.Time
}

// Simple is one physical storage service bound to a single disk of a
// platform host. Capacity and bandwidth come from the platform, never
// from configuration, so an auto-restarted service rebuilds the same
// ledger the disk describes.
type Simple struct {
	name   string
	host   string
	mount  string
	clk    clock.Clock
	logger zerolog.Logger

	capacity   int64
	readBps    int64
	writeBps   int64
	bufferSize int64

	mu        sync.Mutex
	files     map[string]fileRecord
	reserved  map[string]int64
	inFlight  int
	isScratch bool
}

// SimpleOptions carries the recognised property knobs of a physical
// storage service.
type SimpleOptions struct {
	// BufferSize is recorded on the service. Transfer durations do not
	// depend on it: every transfer is one continuous transfer.
	BufferSize int64
	// IsScratch marks this storage as a compute service's scratch space.
	IsScratch bool
}

// NewSimple creates a physical storage service on host's disk at mount.
func NewSimple(name string, plat platform.Platform, host, mount string, opts SimpleOptions) (*Simple, error) {
	size := plat.DiskSize(host, mount)
	if size <= 0 {
		return nil, fmt.Errorf("storage %s: no disk at %s:%s", name, host, mount)
	}
	readBps, writeBps := plat.DiskBandwidth(host, mount)
	return &Simple{
		name:       name,
		host:       host,
		mount:      mount,
		clk:        plat.Clock(),
		logger:     log.WithComponent(name),
		capacity:   size,
		readBps:    readBps,
		writeBps:   writeBps,
		bufferSize: opts.BufferSize,
		files:      make(map[string]fileRecord),
		reserved:   make(map[string]int64),
		isScratch:  opts.IsScratch,
	}, nil
}

func (s *Simple) Name() string { return s.name }

// Host returns the platform host this storage's disk is mounted on.
func (s *Simple) Host() string { return s.host }

func (s *Simple) Capacity() int64 { return s.capacity }

// FreeSpace is capacity minus stored bytes minus outstanding write
// reservations, so concurrent writers cannot jointly overflow the disk.
func (s *Simple) FreeSpace() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freeLocked()
}

func (s *Simple) freeLocked() int64 {
	free := s.capacity
	for _, f := range s.files {
		free -= f.size
	}
	for _, r := range s.reserved {
		free -= r
	}
	return free
}

// transferDuration converts a byte count to simulated transfer time. A
// zero bandwidth means instantaneous (tests that only care about
// capacity accounting leave bandwidth unset).
func transferDuration(bytes, bps int64) time.Duration {
	if bps <= 0 || bytes <= 0 {
		return 0
	}
	seconds := float64(bytes) / float64(bps)
	return time.Duration(seconds * float64(time.Second))
}

func (s *Simple) ReserveWrite(path string, bytes int64) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Overwriting an existing file only needs the size delta.
	need := bytes
	if f, ok := s.files[path]; ok {
		need = bytes - f.size
	}
	if need > s.freeLocked() {
		return 0, failure.NewStorageServiceNotEnoughSpace(path, s.name)
	}
	if need > 0 {
		s.reserved[path] += need
	}
	s.inFlight++
	return transferDuration(bytes, s.writeBps), nil
}

func (s *Simple) CommitWrite(path string, bytes int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reserved, path)
	s.files[path] = fileRecord{size: bytes, lastWrite: s.clk.Now()}
	if s.inFlight > 0 {
		s.inFlight--
	}
	s.logger.Debug().Str("path", path).Int64("bytes", bytes).Msg("file written")
	return nil
}

func (s *Simple) AbortWrite(path string, bytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reserved, path)
	if s.inFlight > 0 {
		s.inFlight--
	}
}

func (s *Simple) Read(path string, bytes int64) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[path]
	if !ok {
		return 0, failure.NewFileNotFound(s.name + ":" + path)
	}
	if bytes <= 0 || bytes > f.size {
		bytes = f.size
	}
	return transferDuration(bytes, s.readBps), nil
}

func (s *Simple) Delete(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[path]; !ok {
		return failure.NewFileNotFound(s.name + ":" + path)
	}
	delete(s.files, path)
	return nil
}

func (s *Simple) Exists(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.files[path]
	return ok
}

func (s *Simple) FileSize(path string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[path]
	return f.size, ok
}

func (s *Simple) LastWriteDate(path string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[path]
	if !ok {
		return time.Time{}, failure.NewFileNotFound(s.name + ":" + path)
	}
	return f.lastWrite, nil
}

// Load is the number of in-flight transfers, the coarse signal a
// placement heuristic can balance on.
func (s *Simple) Load() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return float64(s.inFlight), nil
}

func (s *Simple) IsScratch() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isScratch
}

func (s *Simple) SetIsScratch(scratch bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isScratch = scratch
	return nil
}

var _ Service = (*Simple)(nil)
