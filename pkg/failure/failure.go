// Package failure defines the closed set of reasons attached to every
// non-success result produced by the kernel. A Cause is a
// value, never a panic: it is carried inside failed job/action events and
// inside the error returned by service request/reply calls.
package failure

import "fmt"

// Cause is the closed sum type of failure reasons. Implementations live
// only in this package; external code switches on the concrete type via
// a type switch or errors.As.
type Cause interface {
	error
	isCause()
}

type base struct {
	msg string
}

func (b base) Error() string { return b.msg }
func (b base) isCause()      {}

// ServiceIsDown is signalled when a call arrives after the service entered DOWN.
type ServiceIsDown struct {
	base
	Service string
}

func NewServiceIsDown(service string) *ServiceIsDown {
	return &ServiceIsDown{
		base:    base{msg: fmt.Sprintf("service %q is down", service)},
		Service: service,
	}
}

// JobTypeNotSupported is signalled when a job kind is rejected by a
// service's flags (standard/pilot/grid support).
type JobTypeNotSupported struct {
	base
	Job     string
	Service string
}

func NewJobTypeNotSupported(job, service string) *JobTypeNotSupported {
	return &JobTypeNotSupported{
		base:    base{msg: fmt.Sprintf("job %q: job type not supported by service %q", job, service)},
		Job:     job,
		Service: service,
	}
}

// NotEnoughResources is signalled when no host in the platform could ever
// satisfy an action's resource requirements.
type NotEnoughResources struct {
	base
	Job     string
	Service string
}

func NewNotEnoughResources(job, service string) *NotEnoughResources {
	return &NotEnoughResources{
		base:    base{msg: fmt.Sprintf("job %q: not enough resources on service %q", job, service)},
		Job:     job,
		Service: service,
	}
}

// StorageServiceNotEnoughSpace is signalled when a write/copy would exceed
// a storage service's capacity.
type StorageServiceNotEnoughSpace struct {
	base
	File    string
	Storage string
}

func NewStorageServiceNotEnoughSpace(file, storage string) *StorageServiceNotEnoughSpace {
	return &StorageServiceNotEnoughSpace{
		base:    base{msg: fmt.Sprintf("file %q: not enough space on storage %q", file, storage)},
		File:    file,
		Storage: storage,
	}
}

// FileNotFound is signalled on a read/copy/delete of a file absent from the source.
type FileNotFound struct {
	base
	Location string
}

func NewFileNotFound(location string) *FileNotFound {
	return &FileNotFound{
		base:     base{msg: fmt.Sprintf("file not found at %q", location)},
		Location: location,
	}
}

// JobKilled is signalled when a job was explicitly terminated by its submitter or a service shutdown.
type JobKilled struct {
	base
	Job string
}

func NewJobKilled(job string) *JobKilled {
	return &JobKilled{base: base{msg: fmt.Sprintf("job %q was killed", job)}, Job: job}
}

// JobTimeout is signalled when a job exceeds its allotted walltime.
type JobTimeout struct {
	base
	Job string
}

func NewJobTimeout(job string) *JobTimeout {
	return &JobTimeout{base: base{msg: fmt.Sprintf("job %q timed out", job)}, Job: job}
}

// JobCannotBeTerminated is signalled when terminate() targets a job that is
// already terminal or otherwise not terminable.
type JobCannotBeTerminated struct {
	base
	Job string
}

func NewJobCannotBeTerminated(job string) *JobCannotBeTerminated {
	return &JobCannotBeTerminated{base: base{msg: fmt.Sprintf("job %q cannot be terminated", job)}, Job: job}
}

// FunctionalityNotAvailable is signalled when an optional feature is not enabled.
type FunctionalityNotAvailable struct {
	base
	Service     string
	Functionality string
}

func NewFunctionalityNotAvailable(service, functionality string) *FunctionalityNotAvailable {
	return &FunctionalityNotAvailable{
		base:          base{msg: fmt.Sprintf("service %q: functionality %q not available", service, functionality)},
		Service:       service,
		Functionality: functionality,
	}
}

// NetworkError is signalled when a commport endpoint is gone.
type NetworkError struct {
	base
	Endpoint string
}

func NewNetworkError(endpoint string) *NetworkError {
	return &NetworkError{base: base{msg: fmt.Sprintf("network error reaching %q", endpoint)}, Endpoint: endpoint}
}

// NetworkTimeout is signalled when a commport Get's timeout elapses.
type NetworkTimeout struct {
	base
	Endpoint string
}

func NewNetworkTimeout(endpoint string) *NetworkTimeout {
	return &NetworkTimeout{base: base{msg: fmt.Sprintf("network timeout reaching %q", endpoint)}, Endpoint: endpoint}
}

// HostError is signalled when the host an executor was running on turned
// off or crashed mid-flight.
type HostError struct {
	base
	Host string
}

func NewHostError(host string) *HostError {
	return &HostError{base: base{msg: fmt.Sprintf("host %q went down", host)}, Host: host}
}

// NotAllowed is signalled on a policy violation (e.g. submit to a CSS, or
// set_is_scratch(true) on a CSS).
type NotAllowed struct {
	base
	Service string
	Reason  string
}

func NewNotAllowed(service, reason string) *NotAllowed {
	return &NotAllowed{
		base:    base{msg: fmt.Sprintf("service %q: not allowed: %s", service, reason)},
		Service: service,
		Reason:  reason,
	}
}
