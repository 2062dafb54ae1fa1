package task

import "github.com/scatterquery/taskexec/pkg/plan"

// PerPipelineStatus mirrors one pipeline's driver-creation bookkeeping
// (spec.md §3). PendingCreation is tracked inside the pipeline's
// driver.Factory; the conductor does not update this field, and Snapshot
// does not report per-pipeline status.
type PerPipelineStatus struct {
	PendingCreation     int32
	NoMoreDriverRunners bool
}

// Status is the task-wide counters the conductor maintains under its own
// monitor (spec.md §3 "Status"). TotalPipelineCount resolves the spec's
// "pipeline_with_task_lifecycle_count" field to the total number of
// pipelines in the task (see DESIGN.md): the literal reading — counting
// only task-lifecycle pipelines, which all latch no_more_driver_runners
// before a single split is ever scheduled — would make the invariant
// below misfire at task startup.
type Status struct {
	OverallRemainingDriver           int32
	TotalPipelineCount               int32
	PipelinesWithNoMoreDriverRunners int32
	PerPipeline                      map[plan.PipelineID]*PerPipelineStatus
}
