package steps

import (
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/forgeworks/forge/internal/models"
	"github.com/forgeworks/forge/internal/pipeline"
)

// mineConventions asks the model to distill conventions from prior PRs.
// Without a model it returns the house rules every detector follows.
func (d *Deps) mineConventions(sc *pipeline.StepContext, branch models.BranchInfo, prs []PullRequestSummary) ([]string, error) {
	if d.Model == nil {
		return []string{
			"one detector class per file under detectors/",
			"detector class name matches the file name",
			"every detector ships with a companion test file",
			"thresholds live in constants, not inline literals",
		}, nil
	}

	var b strings.Builder
	b.WriteString("You review detector pull requests. List the coding conventions these PRs follow, one per line:\n")
	for _, pr := range prs {
		fmt.Fprintf(&b, "- PR #%d %q touching %s\n", pr.Number, pr.Title, strings.Join(pr.Files, ", "))
	}
	fmt.Fprintf(&b, "The new detector targets %s on branch %s.\n", branch.Findings.Request.EventSource, branch.BranchName)

	resp, err := llms.GenerateFromSinglePrompt(sc.Context(), d.Model, b.String())
	if err != nil {
		return nil, fmt.Errorf("convention analysis failed: %w", err)
	}
	sc.Logger().LogLLM(sc.RunID(), sc.StepName(), d.ModelName, b.Len(), len(resp))

	var conventions []string
	for _, line := range strings.Split(resp, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-* \t"))
		if line != "" {
			conventions = append(conventions, line)
		}
	}
	return conventions, nil
}

// writeDetector generates the detector source. Without a model it emits a
// skeleton wired to the sampled telemetry.
func (d *Deps) writeDetector(sc *pipeline.StepContext, notes models.PatternNotes) (models.GeneratedCode, error) {
	req := notes.Branch.Findings.Request
	name := pascal(req.Title)
	file := "detectors/" + name + ".cs"

	if d.Model == nil {
		source := fmt.Sprintf(`// Detector: %s
// Source: %s
public sealed class %s : DetectorBase
{
    // Query: %s
    public override DetectionResult Evaluate(EventRecord record)
    {
        return DetectionResult.NoMatch;
    }
}
`, req.Title, notes.Branch.Findings.Request.EventSource, name, notes.Branch.Findings.Query)
		return models.GeneratedCode{
			Notes:    notes,
			Files:    map[string]string{file: source},
			Language: "csharp",
			Summary:  fmt.Sprintf("Skeleton detector %s for %q.", name, req.Title),
		}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Write a C# ETW detector named %s.\n", name)
	fmt.Fprintf(&b, "Goal: %s\n", req.Description)
	fmt.Fprintf(&b, "Telemetry query: %s\n", notes.Branch.Findings.Query)
	if len(notes.Conventions) > 0 {
		b.WriteString("Follow these conventions:\n")
		for _, c := range notes.Conventions {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	b.WriteString("Respond with only the source code.\n")

	resp, err := llms.GenerateFromSinglePrompt(sc.Context(), d.Model, b.String())
	if err != nil {
		return models.GeneratedCode{}, fmt.Errorf("code generation failed: %w", err)
	}
	sc.Logger().LogLLM(sc.RunID(), sc.StepName(), d.ModelName, b.Len(), len(resp))

	return models.GeneratedCode{
		Notes:    notes,
		Files:    map[string]string{file: stripFences(resp)},
		Language: "csharp",
		Summary:  fmt.Sprintf("Generated detector %s for %q.", name, req.Title),
	}, nil
}

func pascal(s string) string {
	var b strings.Builder
	upper := true
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
			if upper {
				b.WriteRune(r - 'a' + 'A')
			} else {
				b.WriteRune(r)
			}
			upper = false
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
			upper = false
		default:
			upper = true
		}
	}
	if b.Len() == 0 {
		return "Detector"
	}
	return b.String()
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.Index(s, "\n"); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
