package baremetal

import (
	"fmt"

	"github.com/wrench-project/wrenchsim/pkg/action"
)

// FileRef names one file a task touches: where it lives (a
// "service:path" location), its size, and optionally where to stage it
// in from before the computation.
type FileRef struct {
	Location  string
	Bytes     int64
	StageFrom string
}

// TaskSpec describes one computational task to be shaped into a standard
// job: its compute demand, resource bounds, and the files it reads and
// writes.
type TaskSpec struct {
	Name     string
	Flops    float64
	MinCores int
	MaxCores int
	RAMBytes int64
	Inputs   []FileRef
	Outputs  []FileRef
	// CleanupStaged appends delete actions removing the staged input
	// copies once the outputs are written.
	CleanupStaged bool
}

// BuildStandardJob translates a task into the canonical standard-job
// action shape: stage-in copies, input reads, the compute action, output
// writes, and optional stage cleanup, with the dependency edges that
// order them. Every output is declared so job completion can verify the
// file exists at its destination.
func BuildStandardJob(name string, spec TaskSpec, args map[string]string) (*action.StandardJob, error) {
	job := action.NewStandardJob(name, args)

	for i, in := range spec.Inputs {
		if in.StageFrom == "" {
			continue
		}
		cp := action.NewAction(name, action.FileCopy, action.Payload{
			SrcLocation: in.StageFrom,
			DstLocation: in.Location,
		}, 1, 1, 0)
		cp.Name = fmt.Sprintf("%s-stage-%d", spec.Name, i)
		job.AddAction(cp)
	}

	var readNames []string
	for i, in := range spec.Inputs {
		rd := action.NewAction(name, action.FileRead, action.Payload{
			FileLocation: in.Location,
			FileBytes:    in.Bytes,
		}, 1, 1, 0)
		rd.Name = fmt.Sprintf("%s-read-%d", spec.Name, i)
		job.AddAction(rd)
		readNames = append(readNames, rd.Name)
	}

	compute := action.NewAction(name, action.Compute, action.Payload{Flops: spec.Flops},
		spec.MinCores, spec.MaxCores, spec.RAMBytes)
	compute.Name = spec.Name + "-compute"
	job.AddAction(compute)

	var writeNames []string
	for i, out := range spec.Outputs {
		wr := action.NewAction(name, action.FileWrite, action.Payload{
			FileLocation: out.Location,
			FileBytes:    out.Bytes,
		}, 1, 1, 0)
		wr.Name = fmt.Sprintf("%s-write-%d", spec.Name, i)
		job.AddAction(wr)
		writeNames = append(writeNames, wr.Name)
		job.DeclareOutput(wr.Name, out.Location)
	}

	// Edges: stage-in before the matching read, reads before compute,
	// compute before writes, writes before cleanup.
	for i, in := range spec.Inputs {
		if in.StageFrom == "" {
			continue
		}
		if err := job.AddDependency(fmt.Sprintf("%s-stage-%d", spec.Name, i), readNames[i]); err != nil {
			return nil, err
		}
	}
	for _, rd := range readNames {
		if err := job.AddDependency(rd, compute.Name); err != nil {
			return nil, err
		}
	}
	for _, wr := range writeNames {
		if err := job.AddDependency(compute.Name, wr); err != nil {
			return nil, err
		}
	}

	if spec.CleanupStaged {
		for i, in := range spec.Inputs {
			if in.StageFrom == "" {
				continue
			}
			del := action.NewAction(name, action.FileDelete, action.Payload{
				FileLocation: in.Location,
			}, 1, 1, 0)
			del.Name = fmt.Sprintf("%s-clean-%d", spec.Name, i)
			job.AddAction(del)
			after := writeNames
			if len(after) == 0 {
				after = []string{compute.Name}
			}
			for _, w := range after {
				if err := job.AddDependency(w, del.Name); err != nil {
					return nil, err
				}
			}
		}
	}
	return job, nil
}
