package pipeline

// Stage names one phase of the task pipeline.
type Stage string

const (
	StageSetupBrowser  Stage = "setup_browser"
	StageRunAgent      Stage = "run_agent"
	StageFormatHistory Stage = "format_history"
	StageEvaluate      Stage = "evaluate"
	StageSaveServer    Stage = "save_server"
)

// stageOrder is the pipeline sequence, used to find the furthest
// completed stage.
var stageOrder = []Stage{
	StageSaveServer,
	StageEvaluate,
	StageFormatHistory,
	StageRunAgent,
	StageSetupBrowser,
}

// CurrentStage returns the furthest stage the pipeline reached. With
// nothing completed the pipeline is still at browser setup.
func CurrentStage(completed map[Stage]bool) Stage {
	for _, stage := range stageOrder {
		if completed[stage] {
			return stage
		}
	}
	return StageSetupBrowser
}
