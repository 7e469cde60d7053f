// Package steps implements the detector chain handlers and the interfaces
// they call out to. The concrete telemetry and repository backends live
// behind TelemetryService and RepoService; local simulators stand in when
// no real backend is wired.
package steps

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/forgeworks/forge/internal/models"
)

// TelemetryService samples the event stream a detector would watch.
type TelemetryService interface {
	Query(ctx context.Context, req models.DetectorRequest) (models.QueryFindings, error)
}

// PullRequestSummary is one prior PR considered during history analysis.
type PullRequestSummary struct {
	Number int
	Title  string
	Files  []string
}

// DeploymentStatus reports how a merged detector is doing in rollout.
type DeploymentStatus struct {
	Merged      bool
	Environment string
	Healthy     bool
}

// RepoService is the source-control surface the chain needs: branches,
// history, pull requests, and rollout status.
type RepoService interface {
	CreateBranch(ctx context.Context, repository, name string) (baseCommit string, err error)
	RecentPullRequests(ctx context.Context, repository string, limit int) ([]PullRequestSummary, error)
	OpenPullRequest(ctx context.Context, repository, branch, title string, files map[string]string) (number int, url string, err error)
	DeploymentStatus(ctx context.Context, repository string, prNumber int) (DeploymentStatus, error)
}

// SimTelemetry is a deterministic in-process TelemetryService.
type SimTelemetry struct{}

func (SimTelemetry) Query(ctx context.Context, req models.DetectorRequest) (models.QueryFindings, error) {
	source := req.EventSource
	if source == "" {
		source = "Microsoft-Windows-Security-Auditing"
	}
	return models.QueryFindings{
		Request:     req,
		Query:       fmt.Sprintf("Events | where Provider == %q | take 100", source),
		SampleCount: 100,
		Fields:      []string{"TimeGenerated", "Provider", "EventID", "Computer", "AccountName"},
		Summary:     fmt.Sprintf("Sampled 100 recent events from %s.", source),
	}, nil
}

// SimRepo is an in-memory RepoService. Deployment becomes healthy after a
// couple of status polls so monitoring has something to watch.
type SimRepo struct {
	mu     sync.Mutex
	nextPR int
	polls  map[int]int
}

func NewSimRepo() *SimRepo {
	return &SimRepo{nextPR: 100, polls: make(map[int]int)}
}

func (r *SimRepo) CreateBranch(ctx context.Context, repository, name string) (string, error) {
	if repository == "" || name == "" {
		return "", fmt.Errorf("repository and branch name are required")
	}
	return "c0ffee0", nil
}

func (r *SimRepo) RecentPullRequests(ctx context.Context, repository string, limit int) ([]PullRequestSummary, error) {
	prs := []PullRequestSummary{
		{Number: 97, Title: "Add detector for suspicious service installs", Files: []string{"detectors/ServiceInstall.cs", "detectors/ServiceInstallTests.cs"}},
		{Number: 95, Title: "Add detector for LSASS memory access", Files: []string{"detectors/LsassAccess.cs", "detectors/LsassAccessTests.cs"}},
		{Number: 91, Title: "Tune noisy registry detector thresholds", Files: []string{"detectors/RegistryRun.cs"}},
	}
	if limit > 0 && limit < len(prs) {
		prs = prs[:limit]
	}
	return prs, nil
}

func (r *SimRepo) OpenPullRequest(ctx context.Context, repository, branch, title string, files map[string]string) (int, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextPR++
	number := r.nextPR
	url := fmt.Sprintf("https://repo.example/%s/pull/%d", strings.TrimPrefix(repository, "/"), number)
	return number, url, nil
}

func (r *SimRepo) DeploymentStatus(ctx context.Context, repository string, prNumber int) (DeploymentStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.polls[prNumber]++
	if r.polls[prNumber] < 2 {
		return DeploymentStatus{Merged: true, Environment: "ring0", Healthy: false}, nil
	}
	return DeploymentStatus{Merged: true, Environment: "ring0", Healthy: true}, nil
}
