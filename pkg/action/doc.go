// See action.go for the Action/Job DAG primitives (dependency edges, cycle
// detection, ready-set computation) and job_variants.go for
// CompoundJob/StandardJob/PilotJob.
package action
