package steps

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"

	"github.com/forgeworks/forge/internal/models"
	"github.com/forgeworks/forge/internal/pipeline"
)

// Deps carries the collaborators the handlers need. Telemetry and Repo
// default to the simulators; Model may be nil, in which case the
// LLM-backed steps fall back to canned output.
type Deps struct {
	Telemetry TelemetryService
	Repo      RepoService
	Model     llms.Model

	// ModelName labels LLM usage in the structured log.
	ModelName string

	// MonitorInterval and MonitorAttempts bound the deployment watch.
	MonitorInterval time.Duration
	MonitorAttempts int
}

func (d *Deps) defaults() {
	if d.Telemetry == nil {
		d.Telemetry = SimTelemetry{}
	}
	if d.Repo == nil {
		d.Repo = NewSimRepo()
	}
	if d.MonitorInterval <= 0 {
		d.MonitorInterval = 2 * time.Second
	}
	if d.MonitorAttempts <= 0 {
		d.MonitorAttempts = 10
	}
}

// Handlers returns the full handler set for the detector chain.
func Handlers(deps Deps) map[models.StepKind]pipeline.Handler {
	deps.defaults()
	return map[models.StepKind]pipeline.Handler{
		models.StepValidateInput:     pipeline.HandlerFunc(deps.validateInput),
		models.StepQueryTelemetry:    pipeline.HandlerFunc(deps.queryTelemetry),
		models.StepCreateBranch:      pipeline.HandlerFunc(deps.createBranch),
		models.StepAnalyzeHistory:    pipeline.HandlerFunc(deps.analyzeHistory),
		models.StepGenerateCode:      pipeline.HandlerFunc(deps.generateCode),
		models.StepCreatePullRequest: pipeline.HandlerFunc(deps.createPullRequest),
		models.StepMonitorDeployment: pipeline.HandlerFunc(deps.monitorDeployment),
	}
}

// validateInput turns the run's initial input into a DetectorRequest and
// checks the required fields. It accepts either a JSON-encoded request or
// free text.
func (d *Deps) validateInput(sc *pipeline.StepContext, input any) (any, error) {
	var req models.DetectorRequest
	switch v := input.(type) {
	case models.DetectorRequest:
		req = v
	case string:
		trimmed := strings.TrimSpace(v)
		if strings.HasPrefix(trimmed, "{") {
			if err := json.Unmarshal([]byte(trimmed), &req); err != nil {
				return nil, fmt.Errorf("invalid detector request JSON: %w", err)
			}
		} else {
			req.Description = trimmed
		}
	default:
		return nil, fmt.Errorf("unexpected input type %T", input)
	}

	if req.Description == "" {
		return nil, fmt.Errorf("detector request needs a description")
	}
	if req.UserID == "" {
		req.UserID = sc.UserID()
	}
	if req.Title == "" {
		req.Title = titleFrom(req.Description)
	}
	if req.Repository == "" {
		req.Repository = "detections"
	}

	sc.Say("Validated request %q targeting repository %s.", req.Title, req.Repository)
	return req, nil
}

func (d *Deps) queryTelemetry(sc *pipeline.StepContext, input any) (any, error) {
	req, ok := input.(models.DetectorRequest)
	if !ok {
		return nil, fmt.Errorf("unexpected input type %T", input)
	}

	findings, err := d.Telemetry.Query(sc.Context(), req)
	if err != nil {
		return nil, fmt.Errorf("telemetry query failed: %w", err)
	}

	sc.Say("%s", findings.Summary)
	return findings, nil
}

// createBranch gates on approval before touching the shared repository.
func (d *Deps) createBranch(sc *pipeline.StepContext, input any) (any, error) {
	findings, ok := input.(models.QueryFindings)
	if !ok {
		return nil, fmt.Errorf("unexpected input type %T", input)
	}

	req := findings.Request
	branchName := "detectors/" + slug(req.Title)

	question := fmt.Sprintf("Create branch %s in %s?", branchName, req.Repository)
	if err := sc.RequestApproval(question, findings.Summary, branchName); err != nil {
		return nil, err
	}

	baseCommit, err := d.Repo.CreateBranch(sc.Context(), req.Repository, branchName)
	if err != nil {
		return nil, fmt.Errorf("branch creation failed: %w", err)
	}

	sc.Say("Created branch %s at %s.", branchName, baseCommit)
	return models.BranchInfo{
		Findings:   findings,
		Repository: req.Repository,
		BranchName: branchName,
		BaseCommit: baseCommit,
	}, nil
}

func (d *Deps) analyzeHistory(sc *pipeline.StepContext, input any) (any, error) {
	branch, ok := input.(models.BranchInfo)
	if !ok {
		return nil, fmt.Errorf("unexpected input type %T", input)
	}

	prs, err := d.Repo.RecentPullRequests(sc.Context(), branch.Repository, 10)
	if err != nil {
		return nil, fmt.Errorf("pull request history unavailable: %w", err)
	}

	conventions, err := d.mineConventions(sc, branch, prs)
	if err != nil {
		return nil, err
	}

	var similar []string
	for _, pr := range prs {
		similar = append(similar, pr.Files...)
	}

	sc.Say("Reviewed %d prior detector PRs.", len(prs))
	return models.PatternNotes{
		Branch:       branch,
		ReviewedPRs:  len(prs),
		Conventions:  conventions,
		SimilarFiles: similar,
	}, nil
}

func (d *Deps) generateCode(sc *pipeline.StepContext, input any) (any, error) {
	notes, ok := input.(models.PatternNotes)
	if !ok {
		return nil, fmt.Errorf("unexpected input type %T", input)
	}

	code, err := d.writeDetector(sc, notes)
	if err != nil {
		return nil, err
	}

	if dir := sc.Artifacts(); dir != nil {
		for path, content := range code.Files {
			if err := dir.SaveCode(path, content); err != nil {
				return nil, fmt.Errorf("saving %s: %w", path, err)
			}
		}
	}

	sc.Say("Generated %d file(s): %s", len(code.Files), strings.Join(fileNames(code.Files), ", "))
	return code, nil
}

// createPullRequest gates on approval, then opens the PR with the
// generated files.
func (d *Deps) createPullRequest(sc *pipeline.StepContext, input any) (any, error) {
	code, ok := input.(models.GeneratedCode)
	if !ok {
		return nil, fmt.Errorf("unexpected input type %T", input)
	}

	branch := code.Notes.Branch
	title := "Add detector: " + branch.Findings.Request.Title

	question := fmt.Sprintf("Open pull request %q from %s?", title, branch.BranchName)
	if err := sc.RequestApproval(question, code.Summary, strings.Join(fileNames(code.Files), "\n")); err != nil {
		return nil, err
	}

	number, url, err := d.Repo.OpenPullRequest(sc.Context(), branch.Repository, branch.BranchName, title, code.Files)
	if err != nil {
		return nil, fmt.Errorf("pull request creation failed: %w", err)
	}

	sc.Say("Opened PR #%d: %s", number, url)
	return models.PullRequestInfo{
		Code:   code,
		Number: number,
		URL:    url,
		Title:  title,
	}, nil
}

// monitorDeployment polls rollout status until the detector is merged and
// healthy or the attempt budget runs out.
func (d *Deps) monitorDeployment(sc *pipeline.StepContext, input any) (any, error) {
	pr, ok := input.(models.PullRequestInfo)
	if !ok {
		return nil, fmt.Errorf("unexpected input type %T", input)
	}

	repo := pr.Code.Notes.Branch.Repository
	var last DeploymentStatus
	for attempt := 0; attempt < d.MonitorAttempts; attempt++ {
		status, err := d.Repo.DeploymentStatus(sc.Context(), repo, pr.Number)
		if err != nil {
			return nil, fmt.Errorf("deployment status unavailable: %w", err)
		}
		last = status
		if status.Merged && status.Healthy {
			sc.Say("Detector deployed to %s and healthy.", status.Environment)
			return models.DeploymentReport{
				PullRequest: pr,
				Merged:      true,
				Environment: status.Environment,
				Healthy:     true,
				Summary:     fmt.Sprintf("PR #%d merged and healthy in %s.", pr.Number, status.Environment),
			}, nil
		}

		select {
		case <-time.After(d.MonitorInterval):
		case <-sc.Context().Done():
			return nil, sc.Context().Err()
		}
	}

	// Report what we saw rather than failing; the rollout keeps going
	// without us.
	sc.Say("Stopped watching PR #%d before it was healthy.", pr.Number)
	return models.DeploymentReport{
		PullRequest: pr,
		Merged:      last.Merged,
		Environment: last.Environment,
		Healthy:     last.Healthy,
		Summary:     fmt.Sprintf("PR #%d still rolling out when monitoring ended.", pr.Number),
	}, nil
}

func titleFrom(description string) string {
	line := strings.SplitN(description, "\n", 2)[0]
	if len(line) > 60 {
		line = line[:60]
	}
	return strings.TrimSpace(line)
}

func slug(s string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

func fileNames(files map[string]string) []string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	return names
}
