package storage

import (
	"sync"
	"time"

	"github.com/wrench-project/wrenchsim/pkg/failure"
)

// Registry is the arena of storage services, keyed by stable name.
// Executors and compute services hold names, not pointers; traversal is
// by lookup.
type Registry struct {
	mu       sync.RWMutex
	services map[string]Service
}

// NewRegistry creates an empty storage registry.
func NewRegistry() *Registry {
	return &Registry{services: make(map[string]Service)}
}

// Register adds a storage service under its name.
func (r *Registry) Register(s Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[s.Name()] = s
}

// Deregister removes a storage service, e.g. on service shutdown.
func (r *Registry) Deregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services, name)
}

// Lookup resolves a storage service by name.
func (r *Registry) Lookup(name string) (Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.services[name]
	return s, ok
}

// Router dispatches "service:path" location strings to the registered
// storage services. It satisfies the executor's Storage interface, so a
// FileRead/FileWrite/FileCopy/FileDelete action only ever carries
// location strings and never a storage pointer.
type Router struct {
	reg *Registry
}

// NewRouter builds a Router over a registry.
func NewRouter(reg *Registry) *Router {
	return &Router{reg: reg}
}

func (rt *Router) resolve(loc string) (Service, string, error) {
	name, path, err := ParseLocation(loc)
	if err != nil {
		return nil, "", failure.NewFileNotFound(loc)
	}
	svc, ok := rt.reg.Lookup(name)
	if !ok {
		return nil, "", failure.NewNetworkError(name)
	}
	return svc, path, nil
}

func (rt *Router) ReserveWrite(loc string, bytes int64) (time.Duration, error) {
	svc, path, err := rt.resolve(loc)
	if err != nil {
		return 0, err
	}
	return svc.ReserveWrite(path, bytes)
}

func (rt *Router) CommitWrite(loc string, bytes int64) error {
	svc, path, err := rt.resolve(loc)
	if err != nil {
		return err
	}
	return svc.CommitWrite(path, bytes)
}

func (rt *Router) AbortWrite(loc string, bytes int64) {
	svc, path, err := rt.resolve(loc)
	if err != nil {
		return
	}
	svc.AbortWrite(path, bytes)
}

func (rt *Router) Read(loc string, bytes int64) (time.Duration, error) {
	svc, path, err := rt.resolve(loc)
	if err != nil {
		return 0, err
	}
	return svc.Read(path, bytes)
}

// Copy streams a file from src to dst. The destination write is
// reserved, then committed, before the combined transfer duration is
// returned; a reservation failure (say, dst would overflow) therefore
// surfaces before any simulated time passes and leaves dst untouched.
func (rt *Router) Copy(src, dst string) (time.Duration, error) {
	srcSvc, srcPath, err := rt.resolve(src)
	if err != nil {
		return 0, err
	}
	size, ok := srcSvc.FileSize(srcPath)
	if !ok {
		return 0, failure.NewFileNotFound(src)
	}
	readDur, err := srcSvc.Read(srcPath, size)
	if err != nil {
		return 0, err
	}
	dstSvc, dstPath, err := rt.resolve(dst)
	if err != nil {
		return 0, err
	}
	writeDur, err := dstSvc.ReserveWrite(dstPath, size)
	if err != nil {
		return 0, err
	}
	if err := dstSvc.CommitWrite(dstPath, size); err != nil {
		dstSvc.AbortWrite(dstPath, size)
		return 0, err
	}
	if writeDur > readDur {
		return writeDur, nil
	}
	return readDur, nil
}

func (rt *Router) Delete(loc string) error {
	svc, path, err := rt.resolve(loc)
	if err != nil {
		return err
	}
	return svc.Delete(path)
}

// Exists reports whether the location names a stored file. Satisfies
// action.FileExister for the standard-job completion invariant.
func (rt *Router) Exists(loc string) bool {
	svc, path, err := rt.resolve(loc)
	if err != nil {
		return false
	}
	return svc.Exists(path)
}
