package models

// Typed payloads passed between detector-chain steps. Each step's output is
// the next step's input; the pipeline serializes them to JSON for the step
// ledger and the event log.

// DetectorRequest seeds a run: what to detect and where the detector lives.
type DetectorRequest struct {
	UserID      string `json:"user_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	EventSource string `json:"event_source"`
	Repository  string `json:"repository"`
	TargetPath  string `json:"target_path,omitempty"`
}

// QueryFindings summarizes telemetry matching the request.
type QueryFindings struct {
	Request     DetectorRequest `json:"request"`
	Query       string          `json:"query"`
	SampleCount int             `json:"sample_count"`
	Fields      []string        `json:"fields"`
	Summary     string          `json:"summary"`
}

// BranchInfo describes the working branch created for the detector.
type BranchInfo struct {
	Findings   QueryFindings `json:"findings"`
	Repository string        `json:"repository"`
	BranchName string        `json:"branch_name"`
	BaseCommit string        `json:"base_commit"`
}

// PatternNotes carries conventions mined from prior detector pull requests.
type PatternNotes struct {
	Branch       BranchInfo `json:"branch"`
	ReviewedPRs  int        `json:"reviewed_prs"`
	Conventions  []string   `json:"conventions"`
	SimilarFiles []string   `json:"similar_files"`
}

// GeneratedCode is the produced detector source plus supporting files.
type GeneratedCode struct {
	Notes    PatternNotes      `json:"notes"`
	Files    map[string]string `json:"files"`
	Language string            `json:"language"`
	Summary  string            `json:"summary"`
}

// PullRequestInfo identifies the pull request opened for review.
type PullRequestInfo struct {
	Code   GeneratedCode `json:"code"`
	Number int           `json:"number"`
	URL    string        `json:"url"`
	Title  string        `json:"title"`
}

// DeploymentReport is the terminal payload: how the rollout went.
type DeploymentReport struct {
	PullRequest PullRequestInfo `json:"pull_request"`
	Merged      bool            `json:"merged"`
	Environment string          `json:"environment"`
	Healthy     bool            `json:"healthy"`
	Summary     string          `json:"summary"`
}
