package orchestration

// NextStage is the closed set of branches taken after the knowledge stage.
// The unexported method keeps the set sealed to this package.
type NextStage interface {
	nextStage()
}

// ReportNext continues straight to report composition.
type ReportNext struct{}

// EnhancedAnalysisNext requests the enhanced analysis branch.
type EnhancedAnalysisNext struct{}

func (ReportNext) nextStage()           {}
func (EnhancedAnalysisNext) nextStage() {}

// Router picks the branch after knowledge retrieval.
type Router func(state CaseState) NextStage

// DefaultRouter takes the enhanced analysis branch when the case was flagged
// for it and goes to report otherwise.
func DefaultRouter(state CaseState) NextStage {
	if state.RequiresEnhancedAnalysis {
		return EnhancedAnalysisNext{}
	}
	return ReportNext{}
}

// resolve maps a branch to the stage that runs next. The enhanced analysis
// branch only diverts when a stage is registered for it.
func (o *Orchestrator) resolve(next NextStage) (StageName, bool) {
	switch next.(type) {
	case EnhancedAnalysisNext:
		if _, ok := o.stages[StageEnhancedAnalysis]; ok {
			return StageEnhancedAnalysis, true
		}
		return StageReport, false
	case ReportNext:
		return StageReport, true
	default:
		return StageReport, false
	}
}
