// Package storage models the physical storage services files live on and
// the location/value types shared by every file-touching component. A
// FileLocation is a value, not a resource: holding one confers no
// ownership of the bytes it names.
package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/wrench-project/wrenchsim/pkg/idgen"
)

// DataFile is a globally unique file identity plus its size. Files have
// no content in the simulation; only their byte count matters.
type DataFile struct {
	ID        string
	SizeBytes int64
}

// NewDataFile mints a DataFile. An empty id gets a generated one.
func NewDataFile(id string, sizeBytes int64) DataFile {
	if id == "" {
		id = idgen.New("file")
	}
	return DataFile{ID: id, SizeBytes: sizeBytes}
}

// FileLocation names where a DataFile lives: a storage service plus a
// logical path prefix on it.
type FileLocation struct {
	Service string
	Path    string
	File    DataFile
}

// String renders the location in the "service:path" form the executor's
// action payloads use.
func (l FileLocation) String() string {
	return l.Service + ":" + l.Path
}

// ParseLocation splits a "service:path" location string.
func ParseLocation(loc string) (service, path string, err error) {
	i := strings.Index(loc, ":")
	if i <= 0 || i == len(loc)-1 {
		return "", "", fmt.Errorf("location %q: want service:path", loc)
	}
	return loc[:i], loc[i+1:], nil
}

// Service is the surface every storage backend exposes: the simple
// physical service and the compound service both implement it, so the
// Router and the executor never care which kind a location names.
//
// Writes are two-phase: ReserveWrite validates capacity and accounts the
// reservation without creating the file, so a write that would overflow
// fails before any simulated time is spent and a killed writer leaves no
// partial file (AbortWrite releases the reservation; CommitWrite turns it
// into a stored file).
type Service interface {
	Name() string
	Capacity() int64
	FreeSpace() int64

	ReserveWrite(path string, bytes int64) (time.Duration, error)
	CommitWrite(path string, bytes int64) error
	AbortWrite(path string, bytes int64)

	Read(path string, bytes int64) (time.Duration, error)
	Delete(path string) error

	Exists(path string) bool
	FileSize(path string) (int64, bool)
	LastWriteDate(path string) (time.Time, error)
	Load() (float64, error)

	IsScratch() bool
	SetIsScratch(scratch bool) error
}
