package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/forgeworks/forge/internal/models"
	"github.com/forgeworks/forge/internal/pipeline"
)

type View int

const (
	ViewRunList View = iota
	ViewRunDetail
	ViewNewRun
	ViewEvents
	ViewReject
)

type App struct {
	pipeline *pipeline.Service

	view        View
	runs        []*models.Run
	selectedIdx int
	selectedRun  *models.Run
	pending      []models.ApprovalRequest
	artifactPath string

	input    textinput.Model
	feedback textinput.Model
	events   viewport.Model

	width  int
	height int
	err    error
}

func NewApp(p *pipeline.Service) *App {
	input := textinput.New()
	input.Placeholder = "Describe the detector to build..."
	input.CharLimit = 500
	input.Width = 60

	feedback := textinput.New()
	feedback.Placeholder = "Reason for rejection..."
	feedback.CharLimit = 200
	feedback.Width = 60

	return &App{
		pipeline: p,
		view:     ViewRunList,
		input:    input,
		feedback: feedback,
		events:   viewport.New(80, 20),
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadRuns, a.tickCmd())
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) hasLiveRuns() bool {
	for _, run := range a.runs {
		if !run.Status.Terminal() {
			return true
		}
	}
	return false
}

type tickMsg time.Time

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.events.Width = msg.Width - 2
		a.events.Height = msg.Height - 6
		return a, nil

	case runsLoadedMsg:
		a.runs = msg.runs
		a.err = msg.err
		if a.selectedIdx >= len(a.runs) && a.selectedIdx > 0 {
			a.selectedIdx = len(a.runs) - 1
		}
		return a, nil

	case tickMsg:
		cmds := []tea.Cmd{a.tickCmd()}
		switch a.view {
		case ViewRunList:
			if a.hasLiveRuns() || len(a.runs) == 0 {
				cmds = append(cmds, a.loadRuns)
			}
		case ViewRunDetail:
			if a.selectedRun != nil {
				cmds = append(cmds, a.loadRunDetail(a.selectedRun.ID))
			}
		case ViewEvents:
			if a.selectedRun != nil {
				cmds = append(cmds, a.loadEvents(a.selectedRun.ID))
			}
		}
		return a, tea.Batch(cmds...)

	case runDetailMsg:
		if msg.err != nil {
			a.err = msg.err
			return a, nil
		}
		a.selectedRun = msg.run
		a.pending = msg.pending
		a.artifactPath = msg.artifactPath
		a.err = nil
		if a.view == ViewRunList {
			a.view = ViewRunDetail
		}
		return a, nil

	case eventsLoadedMsg:
		if msg.err == nil {
			a.events.SetContent(renderEvents(msg.events))
			a.events.GotoBottom()
			a.view = ViewEvents
		} else {
			a.err = msg.err
		}
		return a, nil

	case runStartedMsg:
		a.err = msg.err
		a.view = ViewRunList
		return a, a.loadRuns

	case approvalSentMsg:
		a.err = msg.err
		if a.selectedRun != nil {
			return a, a.loadRunDetail(a.selectedRun.ID)
		}
		return a, a.loadRuns

	case runCancelledMsg:
		a.err = msg.err
		return a, a.loadRuns

	case runDeletedMsg:
		a.err = msg.err
		return a, a.loadRuns
	}

	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch a.view {
	case ViewRunList:
		return a.handleRunListKey(msg)
	case ViewRunDetail:
		return a.handleRunDetailKey(msg)
	case ViewNewRun:
		return a.handleNewRunKey(msg)
	case ViewEvents:
		return a.handleEventsKey(msg)
	case ViewReject:
		return a.handleRejectKey(msg)
	}
	return a, nil
}

func (a *App) handleRunListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < len(a.runs)-1 {
			a.selectedIdx++
		}

	case "enter":
		if len(a.runs) > 0 && a.selectedIdx < len(a.runs) {
			return a, a.loadRunDetail(a.runs[a.selectedIdx].ID)
		}

	case "n":
		a.input.Reset()
		a.input.Focus()
		a.view = ViewNewRun
		return a, textinput.Blink

	case "r":
		return a, a.loadRuns

	case "x":
		if len(a.runs) > 0 && a.selectedIdx < len(a.runs) {
			return a, a.cancelRun(a.runs[a.selectedIdx].ID)
		}

	case "d":
		if len(a.runs) > 0 && a.selectedIdx < len(a.runs) {
			return a, a.deleteRun(a.runs[a.selectedIdx].ID)
		}
	}

	return a, nil
}

func (a *App) handleRunDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewRunList
		a.selectedRun = nil
		a.pending = nil
		a.artifactPath = ""
		return a, a.loadRuns

	case "ctrl+c":
		return a, tea.Quit

	case "e":
		if a.selectedRun != nil {
			return a, a.loadEvents(a.selectedRun.ID)
		}

	case "a":
		if a.selectedRun != nil && len(a.pending) > 0 {
			return a, a.sendApproval(a.selectedRun.ID, a.pending[0].ID, true, "")
		}

	case "f":
		if a.selectedRun != nil && len(a.pending) > 0 {
			a.feedback.Reset()
			a.feedback.Focus()
			a.view = ViewReject
			return a, textinput.Blink
		}

	case "x":
		if a.selectedRun != nil {
			return a, a.cancelRun(a.selectedRun.ID)
		}
	}

	return a, nil
}

func (a *App) handleNewRunKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		a.view = ViewRunList
		return a, nil

	case "ctrl+c":
		return a, tea.Quit

	case "enter":
		text := strings.TrimSpace(a.input.Value())
		if text != "" {
			return a, a.startRun(text)
		}
		return a, nil
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	return a, cmd
}

func (a *App) handleEventsKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewRunDetail
		return a, nil

	case "ctrl+c":
		return a, tea.Quit
	}

	var cmd tea.Cmd
	a.events, cmd = a.events.Update(msg)
	return a, cmd
}

func (a *App) handleRejectKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		a.view = ViewRunDetail
		return a, nil

	case "ctrl+c":
		return a, tea.Quit

	case "enter":
		if a.selectedRun != nil && len(a.pending) > 0 {
			reason := strings.TrimSpace(a.feedback.Value())
			a.view = ViewRunDetail
			return a, a.sendApproval(a.selectedRun.ID, a.pending[0].ID, false, reason)
		}
		return a, nil
	}

	var cmd tea.Cmd
	a.feedback, cmd = a.feedback.Update(msg)
	return a, cmd
}

func (a *App) View() string {
	switch a.view {
	case ViewRunList:
		return a.viewRunList()
	case ViewRunDetail:
		return a.viewRunDetail()
	case ViewNewRun:
		return a.viewNewRun()
	case ViewEvents:
		return a.viewEvents()
	case ViewReject:
		return a.viewReject()
	}
	return ""
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusActive   = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusComplete = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusWaiting  = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	approvalStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("208"))
)

func (a *App) viewRunList() string {
	s := titleStyle.Render("Forge") + "\n\n"

	if a.err != nil {
		s += fmt.Sprintf("Error: %v\n", a.err)
	}

	if len(a.runs) == 0 {
		s += "No runs yet. Press 'n' to start one.\n"
	} else {
		s += "Recent Runs\n"
		s += "───────────\n"

		for i, run := range a.runs {
			line := a.formatRunLine(run)
			switch {
			case i == a.selectedIdx:
				line = selectedStyle.Render("▶ " + line)
			case run.Status.Terminal():
				line = "  " + dimStyle.Render(line)
			default:
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[enter] view  [n] new  [x] cancel  [d] delete  [r] refresh  [q] quit")

	return s
}

func (a *App) formatRunLine(run *models.Run) string {
	status := a.formatStatus(run.Status)
	age := a.formatAge(run.StartedAt)
	input := truncate(run.InitialInput, 35)
	return fmt.Sprintf("%-8s %-14s %s  %-6s  %s", shortID(run.ID), run.ChainName, status, age, input)
}

func (a *App) formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func (a *App) formatStatus(status models.RunStatus) string {
	switch status {
	case models.RunStatusInProgress:
		return statusActive.Render("● running")
	case models.RunStatusWaitingApproval:
		return statusWaiting.Render("⚠ waiting")
	case models.RunStatusCompleted:
		return statusComplete.Render("✓ complete")
	case models.RunStatusFailed:
		return statusFailed.Render("✗ failed")
	case models.RunStatusRejected:
		return statusFailed.Render("✗ rejected")
	case models.RunStatusCancelled:
		return dimStyle.Render("◌ cancelled")
	default:
		return string(status)
	}
}

func (a *App) viewRunDetail() string {
	if a.selectedRun == nil {
		return "No run selected"
	}

	run := a.selectedRun

	header := fmt.Sprintf("Run %s: %s", shortID(run.ID), run.ChainName)
	s := titleStyle.Render(header) + "  " + a.formatStatus(run.Status) + "\n\n"

	s += run.InitialInput + "\n\n"

	if run.Error != "" {
		s += statusFailed.Render("Error: "+run.Error) + "\n\n"
	}

	s += "Steps\n"
	s += "─────\n"

	for _, step := range run.Steps {
		marker := "○"
		switch step.Status {
		case models.StepStatusCompleted, models.StepStatusApproved:
			marker = statusComplete.Render("✓")
		case models.StepStatusInProgress:
			marker = statusActive.Render("●")
		case models.StepStatusWaitingApproval:
			marker = statusWaiting.Render("⚠")
		case models.StepStatusFailed, models.StepStatusRejected:
			marker = statusFailed.Render("✗")
		}

		duration := ""
		if step.StartedAt != nil && step.CompletedAt != nil {
			duration = dimStyle.Render(formatDuration(step.CompletedAt.Sub(*step.StartedAt)))
		} else if step.StartedAt != nil {
			duration = statusActive.Render(formatDuration(time.Since(*step.StartedAt)) + "...")
		}

		line := fmt.Sprintf("%d. %-20s %s", step.Sequence, step.Name, marker)
		if step.Status == models.StepStatusApproved {
			line += "  " + statusComplete.Render("approved")
		}
		if duration != "" {
			line += "  " + duration
		}
		s += "  " + line + "\n"
	}

	if a.artifactPath != "" {
		s += "\n" + labelStyle.Render("artifacts: "+a.artifactPath) + "\n"
	}

	if len(a.pending) > 0 {
		req := a.pending[0]
		s += "\n" + approvalStyle.Render("Approval needed: "+req.Question) + "\n"
		if req.Context != "" {
			s += labelStyle.Render(req.Context) + "\n"
		}
		s += helpStyle.Render("[a] approve  [f] reject with feedback") + "\n"
	}

	s += "\n" + helpStyle.Render("[e] events  [x] cancel  [esc] back  [q] quit")

	return s
}

func (a *App) viewNewRun() string {
	s := titleStyle.Render("New Run") + "\n\n"
	s += a.input.View() + "\n\n"
	s += helpStyle.Render("[enter] start  [esc] cancel")
	return s
}

func (a *App) viewEvents() string {
	s := titleStyle.Render("Events") + "\n\n"
	s += a.events.View() + "\n\n"
	s += helpStyle.Render("[↑/↓] scroll  [esc] back  [q] quit")
	return s
}

func (a *App) viewReject() string {
	s := titleStyle.Render("Reject Approval") + "\n\n"
	if len(a.pending) > 0 {
		s += a.pending[0].Question + "\n\n"
	}
	s += a.feedback.View() + "\n\n"
	s += helpStyle.Render("[enter] reject  [esc] cancel")
	return s
}

func renderEvents(events []models.Event) string {
	var b strings.Builder
	for _, e := range events {
		ts := e.Timestamp.Format("15:04:05")
		line := fmt.Sprintf("%s  %-18s", ts, e.Kind)
		if e.Step != "" {
			line += " " + e.Step
		}
		if e.Payload != "" {
			line += "  " + truncate(e.Payload, 80)
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

// Messages

type runsLoadedMsg struct {
	runs []*models.Run
	err  error
}

type runDetailMsg struct {
	run          *models.Run
	pending      []models.ApprovalRequest
	artifactPath string
	err          error
}

type eventsLoadedMsg struct {
	events []models.Event
	err    error
}

type runStartedMsg struct {
	runID string
	err   error
}

type approvalSentMsg struct {
	found bool
	err   error
}

type runCancelledMsg struct {
	err error
}

type runDeletedMsg struct {
	err error
}

// Commands

func (a *App) loadRuns() tea.Msg {
	runs, err := a.pipeline.ListRuns(20)
	return runsLoadedMsg{runs: runs, err: err}
}

func (a *App) loadRunDetail(id string) tea.Cmd {
	return func() tea.Msg {
		run, err := a.pipeline.GetRunStatus(id)
		if err != nil {
			return runDetailMsg{err: err}
		}
		// Pending approvals only exist while the run is live; a missing
		// binding just means there is nothing to approve.
		pending, _ := a.pipeline.PendingApprovals(id)
		msg := runDetailMsg{run: run, pending: pending}
		if dir, err := a.pipeline.Artifacts(id); err == nil {
			msg.artifactPath = dir.Path
		}
		return msg
	}
}

func (a *App) loadEvents(id string) tea.Cmd {
	return func() tea.Msg {
		events, err := a.pipeline.Events(id)
		return eventsLoadedMsg{events: events, err: err}
	}
}

func (a *App) startRun(input string) tea.Cmd {
	return func() tea.Msg {
		runID, err := a.pipeline.StartRun("local", "", input)
		return runStartedMsg{runID: runID, err: err}
	}
}

func (a *App) sendApproval(runID, approvalID string, approved bool, feedback string) tea.Cmd {
	return func() tea.Msg {
		found, err := a.pipeline.SubmitApproval(runID, approvalID, approved, feedback)
		return approvalSentMsg{found: found, err: err}
	}
}

func (a *App) cancelRun(id string) tea.Cmd {
	return func() tea.Msg {
		return runCancelledMsg{err: a.pipeline.Cancel(id)}
	}
}

func (a *App) deleteRun(id string) tea.Cmd {
	return func() tea.Msg {
		return runDeletedMsg{err: a.pipeline.DeleteRun(id)}
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
