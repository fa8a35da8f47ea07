package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/webeval/webeval/pkg/agent"
	"github.com/webeval/webeval/pkg/browser"
	"github.com/webeval/webeval/pkg/judge"
	"github.com/webeval/webeval/pkg/llm"
	"github.com/webeval/webeval/pkg/monitor"
	"github.com/webeval/webeval/pkg/pipeline"
	"github.com/webeval/webeval/pkg/results"
	"github.com/webeval/webeval/pkg/task"
	"github.com/webeval/webeval/pkg/tracker"
)

type runOptions struct {
	model     string
	evalModel string
	openaiURL string
	openaiKey string

	agentCommand string
	maxSteps     int
	parallelRuns int
	startIndex   int
	endIndex     int

	testCase    string
	taskFile    string
	taskText    string
	taskID      string
	taskWebsite string

	serverURL    string
	serverSecret string

	browserBackend      string
	cdpURL              string
	headless            bool
	noHighlightElements bool

	noVision          bool
	noThinking        bool
	useSerp           bool
	useMind2Web       bool
	includeResult     bool
	maxActionsPerStep int
	email2FATokens    string

	runID         string
	userMessage   string
	evalGroup     string
	developerID   string
	outputDir     string
	shutdownGrace time.Duration

	verbose bool
}

// NewRunCmd creates the run command
func NewRunCmd() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an evaluation batch",
		Long: `Run a batch of browser tasks through the evaluation pipeline.

Tasks are fetched from the tracking server by test case name, or a single
task can be run locally with --task-text (no server required).`,
		Example: `  webeval run --test-case OnlineMind2Web --parallel-runs 3
  webeval run --task-text "Find the cheapest flight from SFO to JFK" --headless=false`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEval(cmd.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.model, "model", getEnvOrDefault("WEBEVAL_MODEL", "gpt-4o"), "Model the browser agent runs with")
	flags.StringVar(&opts.evalModel, "eval-model", "", "Model used for judging (defaults to --model)")
	flags.StringVar(&opts.openaiURL, "openai-url", getEnvOrDefault("OPENAI_BASE_URL", "https://api.openai.com/v1"), "OpenAI API base URL")
	flags.StringVar(&opts.openaiKey, "openai-key", os.Getenv("OPENAI_API_KEY"), "OpenAI API key")

	flags.StringVar(&opts.agentCommand, "agent-command", os.Getenv("WEBEVAL_AGENT_COMMAND"), "Shell command template that runs the browser agent (required)")
	flags.IntVar(&opts.maxSteps, "max-steps", 50, "Step budget per task")
	flags.IntVar(&opts.parallelRuns, "parallel-runs", 3, "Number of tasks run concurrently")
	flags.IntVar(&opts.startIndex, "start", 0, "Index of the first task to run")
	flags.IntVar(&opts.endIndex, "end", -1, "Index after the last task to run (-1 = all)")

	flags.StringVar(&opts.testCase, "test-case", "", "Test case name to fetch from the tracking server")
	flags.StringVar(&opts.taskFile, "task-file", "", "YAML or JSON task list to run offline instead of a server test case")
	flags.StringVar(&opts.taskText, "task-text", "", "Run a single ad-hoc task with this instruction instead of a server test case")
	flags.StringVar(&opts.taskID, "task-id", "", "Task ID for --task-text runs")
	flags.StringVar(&opts.taskWebsite, "task-website", "", "Website the --task-text task starts on")

	flags.StringVar(&opts.serverURL, "server-url", os.Getenv("WEBEVAL_SERVER_URL"), "Tracking server base URL")
	flags.StringVar(&opts.serverSecret, "server-secret", os.Getenv("WEBEVAL_SECRET_KEY"), "Tracking server secret key")

	flags.StringVar(&opts.browserBackend, "browser", browser.BackendLocal, "Browser backend (local, provisioner, cdp)")
	flags.StringVar(&opts.cdpURL, "cdp-url", "", "DevTools endpoint for the cdp backend")
	flags.BoolVar(&opts.headless, "headless", true, "Run browsers headless")
	flags.BoolVar(&opts.noHighlightElements, "no-highlight-elements", false, "Disable element highlighting in screenshots")

	flags.BoolVar(&opts.noVision, "no-vision", false, "Disable screenshots in the agent's model input")
	flags.BoolVar(&opts.noThinking, "no-thinking", false, "Disable extended reasoning in the agent")
	flags.BoolVar(&opts.useSerp, "use-serp", false, "Replace the agent's Google search with the Serper API")
	flags.BoolVar(&opts.useMind2Web, "use-mind2web-judge", false, "Force the Mind2Web judge even when a comprehensive judge is configured")
	flags.BoolVar(&opts.includeResult, "include-result", false, "Append the final answer to the judged action history")
	flags.IntVar(&opts.maxActionsPerStep, "max-actions-per-step", 10, "Actions the agent may take per step")
	flags.StringVar(&opts.email2FATokens, "email-2fa-tokens", os.Getenv("EMAIL_2FA_TOKENS"), "JSON map of email local-part to Gmail access token for 2FA codes")

	flags.StringVar(&opts.runID, "run-id", "", "Reuse an existing run ID instead of starting a new one")
	flags.StringVar(&opts.userMessage, "user-message", "", "Free-form note stored with the run")
	flags.StringVar(&opts.evalGroup, "eval-group", "", "Evaluation group the run belongs to")
	flags.StringVar(&opts.developerID, "developer-id", "", "Developer identifier stored with the run")
	flags.StringVar(&opts.outputDir, "output-dir", "saved_trajectories", "Directory task artifacts are written to")
	flags.DurationVar(&opts.shutdownGrace, "shutdown-grace", 10*time.Second, "How long cleanup gets after an interrupt before force exit")

	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Verbose output")

	return cmd
}

func runEval(ctx context.Context, opts *runOptions) error {
	if opts.agentCommand == "" {
		return errors.New("an agent command must be provided via --agent-command or WEBEVAL_AGENT_COMMAND")
	}
	if opts.openaiKey == "" {
		return errors.New("an OpenAI API key must be provided via --openai-key or OPENAI_API_KEY")
	}

	shutdown := monitor.NewShutdown(ctx, opts.shutdownGrace)
	defer shutdown.Finish()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for sig := range sigCh {
			shutdown.Trigger(sig.String())
		}
	}()
	ctx = shutdown.Context()

	evalModel := opts.evalModel
	if evalModel == "" {
		evalModel = opts.model
	}
	evalClient, err := llm.NewOpenAIClient(opts.openaiURL, opts.openaiKey, evalModel)
	if err != nil {
		return fmt.Errorf("failed to create judge model client: %w", err)
	}

	builder, err := agent.NewSubprocessBuilder(agent.SubprocessConfig{Command: opts.agentCommand})
	if err != nil {
		return fmt.Errorf("failed to create agent builder: %w", err)
	}

	var track *tracker.Client
	if opts.serverURL != "" && opts.serverSecret != "" {
		if track, err = tracker.NewClient(opts.serverURL, opts.serverSecret); err != nil {
			return fmt.Errorf("failed to create tracking client: %w", err)
		}
	}

	tasks, track, err := resolveTasks(ctx, opts, track)
	if err != nil {
		return err
	}
	tasks = sliceTasks(tasks, opts.startIndex, opts.endIndex)
	if len(tasks) == 0 {
		return errors.New("no tasks to run")
	}

	var auth *task.AuthDistribution
	if track != nil && anyNeedsAuth(tasks) {
		if auth, err = track.FetchAuthDistribution(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not fetch auth distribution: %v\n", err)
		}
	}

	runID := opts.runID
	if track != nil {
		details := tracker.RunDetails{
			Model:        opts.model,
			Git:          collectGitInfo(),
			UserMessage:  opts.userMessage,
			EvalGroup:    opts.evalGroup,
			DeveloperID:  opts.developerID,
			TotalTasks:   len(tasks),
			TestCaseName: opts.testCase,
		}
		if runID, err = track.StartRun(ctx, details, opts.runID); err != nil {
			return fmt.Errorf("failed to start run on tracking server: %w", err)
		}
	}
	if runID == "" {
		runID = fmt.Sprintf("local_%d", time.Now().Unix())
	}

	evalJudge := judge.New(judge.NewMind2WebJudge(evalClient, 0), nil, opts.useMind2Web)

	var provisioner browser.Provisioner
	if opts.browserBackend == browser.BackendProvisioner {
		if key := os.Getenv("ANCHOR_API_KEY"); key != "" {
			if provisioner, err = browser.NewAnchorProvisioner(key, os.Getenv("ANCHOR_API_URL"), os.Getenv("ANCHOR_CONNECT_URL")); err != nil {
				return fmt.Errorf("failed to create browser provisioner: %w", err)
			}
		} else {
			fmt.Fprintln(os.Stderr, "Warning: ANCHOR_API_KEY is not set, provisioned sessions will fall back to local browsers")
		}
	}

	var emailTokens map[string]string
	if opts.email2FATokens != "" {
		if err := json.Unmarshal([]byte(opts.email2FATokens), &emailTokens); err != nil {
			return fmt.Errorf("failed to parse --email-2fa-tokens: %w", err)
		}
	}

	serperKey := os.Getenv("SERPER_API_KEY")
	registry := func(t *task.Task) *agent.Registry {
		r := agent.NewRegistry()
		if opts.useSerp {
			r = r.WithWebSearch(agent.SerperSearch(serperKey))
		}
		if len(emailTokens) > 0 {
			r = r.WithEmailCodes(emailTokens, t, agent.GmailCodeFetch())
		}
		return r
	}

	cfg := pipeline.Config{
		RunID:             runID,
		BaseDir:           opts.outputDir,
		MaxSteps:          opts.maxSteps,
		MaxActionsPerStep: opts.maxActionsPerStep,
		UseVision:         !opts.noVision,
		UseThinking:       !opts.noThinking,
		IncludeResult:     opts.includeResult,
		Browser: browser.Config{
			Headless:          opts.headless,
			HighlightElements: !opts.noHighlightElements,
			Backend:           opts.browserBackend,
			CDPURL:            opts.cdpURL,
		},
		GithubWorkflowURL: workflowURL(),
		AssignedTaskRange: fmt.Sprintf("%d-%d", opts.startIndex, opts.startIndex+len(tasks)),
	}

	p := pipeline.New(cfg, pipeline.Deps{
		Launcher: browser.NewLauncher(provisioner),
		Builder:  builder,
		Judge:    evalJudge,
		Tracker:  track,
		Auth:     auth,
		Registry: registry,
	})

	display := newProgressDisplay(opts.verbose)
	coordinator := pipeline.NewCoordinator(p, opts.parallelRuns)
	coordinator.OnResult = display.handleResult

	display.start(runID, len(tasks))
	summary := coordinator.RunAll(ctx, tasks)
	display.finish()

	outputFile := fmt.Sprintf("webeval-%s-out.json", runID)
	if err := results.Save(outputFile, summary.Results); err != nil {
		return fmt.Errorf("failed to save results to file: %w", err)
	}
	fmt.Printf("\n📄 Results saved to: %s\n", outputFile)

	displaySummary(outputFile, summary.Results)
	return nil
}

// resolveTasks returns the batch to run. --task-text and --task-file
// select offline modes, which never post to the tracking server.
func resolveTasks(ctx context.Context, opts *runOptions, track *tracker.Client) ([]*task.Task, *tracker.Client, error) {
	if opts.taskText != "" {
		taskID := opts.taskID
		if taskID == "" {
			taskID = fmt.Sprintf("local_task_%s", uuid.NewString()[:8])
		}
		t, err := task.New(taskID, opts.taskText)
		if err != nil {
			return nil, nil, err
		}
		t.Website = opts.taskWebsite
		return []*task.Task{t}, nil, nil
	}

	if opts.taskFile != "" {
		tasks, err := task.FromFile(opts.taskFile)
		if err != nil {
			return nil, nil, err
		}
		return tasks, nil, nil
	}

	if track == nil {
		return nil, nil, errors.New("a tracking server (--server-url, --server-secret) is required unless --task-text or --task-file is used")
	}
	if opts.testCase == "" {
		return nil, nil, errors.New("a test case name must be provided via --test-case")
	}

	tasks, err := track.FetchTasks(ctx, opts.testCase)
	if err != nil {
		return nil, nil, err
	}
	return tasks, track, nil
}

func sliceTasks(tasks []*task.Task, start, end int) []*task.Task {
	if start < 0 {
		start = 0
	}
	if end < 0 || end > len(tasks) {
		end = len(tasks)
	}
	if start >= end {
		return nil
	}
	return tasks[start:end]
}

func anyNeedsAuth(tasks []*task.Task) bool {
	for _, t := range tasks {
		if t.NeedsAuth() {
			return true
		}
	}
	return false
}

// collectGitInfo shells out to git, degrading to placeholders outside a
// repository.
func collectGitInfo() tracker.GitInfo {
	info := tracker.GitInfo{
		Branch:    "unknown",
		Hash:      "unknown",
		Timestamp: time.Now().Unix(),
		Repo:      "unknown",
	}
	if out, err := exec.Command("git", "rev-parse", "--abbrev-ref", "HEAD").Output(); err == nil {
		info.Branch = strings.TrimSpace(string(out))
	}
	if out, err := exec.Command("git", "rev-parse", "HEAD").Output(); err == nil {
		info.Hash = strings.TrimSpace(string(out))
	}
	if out, err := exec.Command("git", "show", "-s", "--format=%ct", "HEAD").Output(); err == nil {
		if ts, perr := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64); perr == nil {
			info.Timestamp = ts
		}
	}
	if out, err := exec.Command("git", "config", "--get", "remote.origin.url").Output(); err == nil {
		info.Repo = strings.TrimSpace(string(out))
	}
	return info
}

// workflowURL builds the GitHub Actions run URL from the standard
// workflow environment, or "" outside CI.
func workflowURL() string {
	runID := os.Getenv("GITHUB_RUN_ID")
	repo := os.Getenv("GITHUB_REPOSITORY")
	if runID == "" || repo == "" {
		return ""
	}
	server := getEnvOrDefault("GITHUB_SERVER_URL", "https://github.com")
	return fmt.Sprintf("%s/%s/actions/runs/%s", server, repo, runID)
}

// getEnvOrDefault returns the value of an environment variable or a default value
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// progressDisplay handles interactive progress display
type progressDisplay struct {
	verbose bool
	green   *color.Color
	red     *color.Color
	yellow  *color.Color
	cyan    *color.Color
	bold    *color.Color
}

func newProgressDisplay(verbose bool) *progressDisplay {
	return &progressDisplay{
		verbose: verbose,
		green:   color.New(color.FgGreen),
		red:     color.New(color.FgRed),
		yellow:  color.New(color.FgYellow),
		cyan:    color.New(color.FgCyan),
		bold:    color.New(color.Bold),
	}
}

func (d *progressDisplay) start(runID string, total int) {
	d.bold.Println("\n=== Starting Evaluation ===")
	d.cyan.Printf("Run: %s\n", runID)
	fmt.Printf("Tasks: %d\n", total)
}

func (d *progressDisplay) handleResult(status pipeline.LocalStatus) {
	if status.Success {
		d.green.Printf("  ✓ %s\n", status.TaskID)
		return
	}
	d.red.Printf("  ✗ %s\n", status.TaskID)
	if reason := results.FailureReason(status); reason != "" {
		fmt.Printf("    Reason: %s\n", reason)
	}
	if d.verbose {
		fmt.Printf("    Completed stages: %s\n", strings.Join(status.CompletedStages, ", "))
	}
}

func (d *progressDisplay) finish() {
	fmt.Println()
	d.bold.Println("=== Evaluation Complete ===")
}

func displaySummary(outputFile string, statuses []pipeline.LocalStatus) {
	green := color.New(color.FgGreen)
	bold := color.New(color.Bold)

	stats := results.CalculateStats(outputFile, statuses)

	fmt.Println()
	bold.Println("=== Overall Statistics ===")
	fmt.Printf("Total Tasks: %d\n", stats.TasksTotal)
	if stats.TasksPassed == stats.TasksTotal {
		green.Printf("Tasks Passed: %d/%d\n", stats.TasksPassed, stats.TasksTotal)
	} else {
		fmt.Printf("Tasks Passed: %d/%d\n", stats.TasksPassed, stats.TasksTotal)
	}
	fmt.Printf("Pass Rate: %.1f%%\n", stats.TaskPassRate*100)
	fmt.Printf("Tasks Evaluated: %d/%d\n", stats.TasksEvaluated, stats.TasksTotal)
	fmt.Printf("Tasks Saved to Server: %d/%d\n", stats.TasksSaved, stats.TasksTotal)
}
