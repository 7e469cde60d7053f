package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/forgeworks/forge/internal/chain"
	"github.com/forgeworks/forge/internal/chat"
	"github.com/forgeworks/forge/internal/config"
	"github.com/forgeworks/forge/internal/observability"
	"github.com/forgeworks/forge/internal/pipeline"
	"github.com/forgeworks/forge/internal/server"
	"github.com/forgeworks/forge/internal/steps"
	"github.com/forgeworks/forge/internal/storage"
	"github.com/forgeworks/forge/internal/tui"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "forge",
		Short: "Detection engineering workflow runner",
		Long:  "Forge runs gated detection-engineering workflows: telemetry triage, detector generation, and deployment monitoring with human approval gates.",
		RunE:  runTUI,
	}

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newStartCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newApproveCommand())
	rootCmd.AddCommand(newRejectCommand())
	rootCmd.AddCommand(newCancelCommand())
	rootCmd.AddCommand(newChainsCommand())
	rootCmd.AddCommand(newDeleteCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// buildService wires the full in-process stack: config, sqlite store,
// chain definitions, step handlers, and the pipeline service. The caller
// owns the returned store and must Close it.
func buildService(cfg *config.Config, logger *observability.Logger) (*pipeline.Service, storage.Store, error) {
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.NewSQLite(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	chains, err := chain.LoadAll(cfg.ChainDirs())
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("failed to load chains: %w", err)
	}

	opts := pipeline.OptionsFromConfig(cfg)
	opts.Store = store
	opts.Logger = logger
	opts.Chains = chains
	opts.Handlers = steps.Handlers(steps.Deps{Model: buildModel(cfg), ModelName: cfg.OpenAIModel})

	return pipeline.NewService(opts), store, nil
}

// buildModel returns the configured LLM, or nil when no API key is set.
// Everything downstream treats a nil model as "use canned output".
func buildModel(cfg *config.Config) llms.Model {
	if cfg.OpenAIKey == "" {
		return nil
	}
	model, err := openai.New(
		openai.WithToken(cfg.OpenAIKey),
		openai.WithModel(cfg.OpenAIModel),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: LLM unavailable, falling back to canned output: %v\n", err)
		return nil
	}
	return model
}

func runTUI(cmd *cobra.Command, args []string) error {
	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	svc, store, err := buildService(cfg, observability.NewQuietLogger(cfg.LogFile))
	if err != nil {
		return err
	}
	defer store.Close()

	app := tui.NewApp(svc)
	p := tea.NewProgram(app, tea.WithAltScreen())

	_, err = p.Run()
	return err
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New()
			if err != nil {
				return err
			}
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				cfg.HTTPAddr = addr
			}

			logger := observability.NewLogger(cfg.LogFile)
			svc, store, err := buildService(cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			var intake *chat.Intake
			if model := buildModel(cfg); model != nil {
				intake = chat.NewIntake(model)
			}

			srv := server.New(svc, intake, logger)
			fmt.Printf("Listening on %s\n", cfg.HTTPAddr)
			return srv.ListenAndServe(cfg.HTTPAddr)
		},
	}
	cmd.Flags().String("addr", "", "Listen address (overrides config)")
	return cmd
}

// The remaining commands are thin HTTP clients against a running
// `forge serve`. Runs live inside the server process, so approvals and
// cancellation have to go through its API rather than the database.

type client struct {
	base string
	http *http.Client
}

func newClient() (*client, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, err
	}
	addr := cfg.HTTPAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return &client{base: addr, http: &http.Client{Timeout: 30 * time.Second}}, nil
}

func (c *client) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("is `forge serve` running? %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

type workflowStatus struct {
	WorkflowID  string `json:"workflow_id"`
	Status      string `json:"status"`
	CurrentStep string `json:"current_step"`
	Error       string `json:"error"`
	Steps       []struct {
		Name     string `json:"name"`
		Status   string `json:"status"`
		Sequence int    `json:"sequence"`
		Error    string `json:"error"`
	} `json:"steps"`
	Pending []struct {
		ApprovalID string `json:"approval_id"`
		Question   string `json:"question"`
		Context    string `json:"context"`
	} `json:"pending_approvals"`
}

func newStartCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <message>",
		Short: "Start a new workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chainName, _ := cmd.Flags().GetString("chain")
			watch, _ := cmd.Flags().GetBool("watch")

			c, err := newClient()
			if err != nil {
				return err
			}

			var out struct {
				WorkflowID string `json:"workflow_id"`
			}
			err = c.do(http.MethodPost, "/api/workflows", map[string]string{
				"user_id": userID(),
				"chain":   chainName,
				"message": args[0],
			}, &out)
			if err != nil {
				return fmt.Errorf("failed to start workflow: %w", err)
			}

			fmt.Printf("Started workflow %s\n", out.WorkflowID)
			if watch {
				return streamEvents(c, out.WorkflowID)
			}
			return nil
		},
	}
	cmd.Flags().StringP("chain", "c", "", "Chain to run (default: "+chain.DefaultName+")")
	cmd.Flags().BoolP("watch", "w", false, "Stream events until the run finishes")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <workflow-id>",
		Short: "Show workflow status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}

			var ws workflowStatus
			if err := c.do(http.MethodGet, "/api/workflows/"+args[0]+"/status", nil, &ws); err != nil {
				return err
			}

			fmt.Printf("Workflow %s [%s]\n", ws.WorkflowID, ws.Status)
			if ws.CurrentStep != "" {
				fmt.Printf("Current step: %s\n", ws.CurrentStep)
			}
			if ws.Error != "" {
				fmt.Printf("Error: %s\n", ws.Error)
			}
			fmt.Println("\nSteps:")
			for _, st := range ws.Steps {
				line := fmt.Sprintf("  %d. %s [%s]", st.Sequence, st.Name, st.Status)
				if st.Error != "" {
					line += " " + st.Error
				}
				fmt.Println(line)
			}
			for _, p := range ws.Pending {
				fmt.Printf("\nApproval needed (%s): %s\n", p.ApprovalID, p.Question)
				if p.Context != "" {
					fmt.Printf("  %s\n", p.Context)
				}
				fmt.Printf("  forge approve %s\n", ws.WorkflowID)
			}
			return nil
		},
	}
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recent workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}

			var runs []struct {
				WorkflowID  string `json:"workflow_id"`
				Chain       string `json:"chain"`
				Status      string `json:"status"`
				CurrentStep string `json:"current_step"`
			}
			if err := c.do(http.MethodGet, "/api/workflows", nil, &runs); err != nil {
				return err
			}

			if len(runs) == 0 {
				fmt.Println("No workflows found.")
				return nil
			}
			for _, r := range runs {
				line := fmt.Sprintf("%s  %-14s [%s]", r.WorkflowID, r.Chain, r.Status)
				if r.CurrentStep != "" {
					line += " " + r.CurrentStep
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <workflow-id>",
		Short: "Stream workflow events until the run finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			return streamEvents(c, args[0])
		},
	}
}

// streamEvents tails the run's SSE stream, printing one line per event.
// The server closes the stream once the run reaches a terminal state.
func streamEvents(c *client, workflowID string) error {
	resp, err := http.Get(c.base + "/api/workflows/" + workflowID + "/stream")
	if err != nil {
		return fmt.Errorf("is `forge serve` running? %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var e struct {
			Kind      string    `json:"kind"`
			Step      string    `json:"step"`
			Payload   string    `json:"payload"`
			Timestamp time.Time `json:"timestamp"`
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e); err != nil {
			continue
		}
		out := fmt.Sprintf("%s  %-18s", e.Timestamp.Format("15:04:05"), e.Kind)
		if e.Step != "" {
			out += " " + e.Step
		}
		if e.Kind == "message" || e.Kind == "error" {
			out += "  " + e.Payload
		}
		fmt.Println(out)
	}
	return scanner.Err()
}

func newApproveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <workflow-id>",
		Short: "Approve the pending gate on a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			feedback, _ := cmd.Flags().GetString("feedback")
			return resolveApproval(args[0], true, feedback)
		},
	}
	cmd.Flags().StringP("feedback", "f", "", "Optional note recorded with the approval")
	return cmd
}

func newRejectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reject <workflow-id>",
		Short: "Reject the pending gate on a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			feedback, _ := cmd.Flags().GetString("feedback")
			return resolveApproval(args[0], false, feedback)
		},
	}
	cmd.Flags().StringP("feedback", "f", "", "Reason for the rejection")
	return cmd
}

func resolveApproval(workflowID string, approved bool, feedback string) error {
	c, err := newClient()
	if err != nil {
		return err
	}

	var ws workflowStatus
	if err := c.do(http.MethodGet, "/api/workflows/"+workflowID+"/status", nil, &ws); err != nil {
		return err
	}
	if len(ws.Pending) == 0 {
		return fmt.Errorf("workflow %s has no pending approval", workflowID)
	}

	var out struct {
		Found bool `json:"found"`
	}
	err = c.do(http.MethodPost, "/api/workflows/"+workflowID+"/approve", map[string]any{
		"approval_id": ws.Pending[0].ApprovalID,
		"approved":    approved,
		"feedback":    feedback,
	}, &out)
	if err != nil {
		return err
	}
	if !out.Found {
		return fmt.Errorf("approval was already resolved")
	}

	if approved {
		fmt.Printf("Approved %s\n", workflowID)
	} else {
		fmt.Printf("Rejected %s\n", workflowID)
	}
	return nil
}

func newCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <workflow-id>",
		Short: "Cancel an active workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			if err := c.do(http.MethodPost, "/api/workflows/"+args[0]+"/cancel", nil, nil); err != nil {
				return err
			}
			fmt.Printf("Cancelled %s\n", args[0])
			return nil
		},
	}
}

func newChainsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "chains",
		Short: "List available chains",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}

			var chains []struct {
				Name        string `json:"name"`
				Description string `json:"description"`
				Steps       []struct {
					Name  string `json:"name"`
					Gated bool   `json:"gated"`
				} `json:"steps"`
			}
			if err := c.do(http.MethodGet, "/api/chains", nil, &chains); err != nil {
				return err
			}

			for _, ch := range chains {
				fmt.Printf("%s  %s\n", ch.Name, ch.Description)
				names := make([]string, 0, len(ch.Steps))
				for _, st := range ch.Steps {
					name := st.Name
					if st.Gated {
						name += " (gated)"
					}
					names = append(names, name)
				}
				fmt.Printf("  steps: %s\n", strings.Join(names, " -> "))
			}
			return nil
		},
	}
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <workflow-id>",
		Short: "Delete a finished workflow and its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			if err := c.do(http.MethodDelete, "/api/workflows/"+args[0], nil, nil); err != nil {
				return err
			}
			fmt.Printf("Deleted %s\n", args[0])
			return nil
		},
	}
}

func userID() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "local"
}
