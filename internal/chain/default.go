package chain

import "github.com/forgeworks/forge/internal/models"

// DefaultName is the chain used when a run does not name one.
const DefaultName = "etw-detector"

// Default returns the built-in detector creation chain. Branch and PR
// creation push code to a shared repository, so both gate on approval.
func Default() *models.Chain {
	return &models.Chain{
		Name:        DefaultName,
		Description: "Create an ETW detector: query telemetry, generate code, open a PR, watch the rollout.",
		Steps: []*models.StepDef{
			{Kind: models.StepValidateInput, Name: "validate", Description: "Validate the detector request"},
			{Kind: models.StepQueryTelemetry, Name: "query-telemetry", Description: "Sample matching telemetry events"},
			{Kind: models.StepCreateBranch, Name: "create-branch", Description: "Create the working branch", Gated: true},
			{Kind: models.StepAnalyzeHistory, Name: "analyze-history", Description: "Mine conventions from prior detector PRs"},
			{Kind: models.StepGenerateCode, Name: "generate-code", Description: "Generate the detector source"},
			{Kind: models.StepCreatePullRequest, Name: "create-pr", Description: "Open the pull request", Gated: true},
			{Kind: models.StepMonitorDeployment, Name: "monitor-deployment", Description: "Watch the rollout after merge"},
		},
	}
}
