package cloud

import (
	"github.com/benbjohnson/clock"

	"github.com/wrench-project/wrenchsim/pkg/platform"
)

// vmPlatform is the single-host platform view a VM's nested bare-metal
// service runs against: one virtual host, named after the VM, whose core
// and RAM totals are the VM's reservation and whose speed and liveness
// come from whatever physical host currently backs the VM. Lookups go
// through the cloud service's registry, so a migration re-points the
// view without touching the nested service.
type vmPlatform struct {
	parent platform.Platform
	svc    *Service
	vmID   string
}

func (p *vmPlatform) vm() *vm {
	p.svc.mu.Lock()
	defer p.svc.mu.Unlock()
	return p.svc.vms[p.vmID]
}

func (p *vmPlatform) Hosts() []string { return []string{p.vmID} }

func (p *vmPlatform) HostCores(host string) int {
	if v := p.vm(); v != nil && host == p.vmID {
		return v.cores
	}
	return 0
}

func (p *vmPlatform) HostMemory(host string) int64 {
	if v := p.vm(); v != nil && host == p.vmID {
		return v.ram
	}
	return 0
}

func (p *vmPlatform) HostFlopRate(host string) float64 {
	if v := p.vm(); v != nil && host == p.vmID {
		return p.parent.HostFlopRate(v.host)
	}
	return 0
}

func (p *vmPlatform) HostIsOn(host string) bool {
	v := p.vm()
	if v == nil || host != p.vmID {
		return false
	}
	if v.state != VMRunning && v.state != VMSuspended {
		return false
	}
	return p.parent.HostIsOn(v.host)
}

func (p *vmPlatform) DiskSize(host, mount string) int64 {
	if v := p.vm(); v != nil {
		return p.parent.DiskSize(v.host, mount)
	}
	return 0
}

func (p *vmPlatform) DiskBandwidth(host, mount string) (int64, int64) {
	if v := p.vm(); v != nil {
		return p.parent.DiskBandwidth(v.host, mount)
	}
	return 0, 0
}

func (p *vmPlatform) LinkExists(link string) bool { return p.parent.LinkExists(link) }

func (p *vmPlatform) Clock() clock.Clock { return p.parent.Clock() }

var _ platform.Platform = (*vmPlatform)(nil)
