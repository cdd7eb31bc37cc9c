// ABOUTME: CLI entrypoint for the attractor pipeline runner.
// ABOUTME: Parses a DOT pipeline file, validates or executes it, and reports exit codes per invocation mode.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/anishkny/attractor/attractor"
)

// Exit codes per the CLI surface: 0 success, 1 validation error,
// 2 pipeline failure, 3 invalid invocation.
const (
	exitSuccess          = 0
	exitValidationError  = 1
	exitPipelineFailure  = 2
	exitInvalidInvocaton = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var validateOnly bool
	var logsRoot string
	var resume bool
	var verbose bool

	fs := flag.NewFlagSet("attractor", flag.ContinueOnError)
	fs.BoolVar(&validateOnly, "validate-only", false, "validate the pipeline without executing it")
	fs.StringVar(&logsRoot, "logs-root", "artifacts", "directory holding run artifacts and checkpoints")
	fs.BoolVar(&resume, "resume", false, "resume the most recent interrupted run under logs-root")
	fs.BoolVar(&verbose, "verbose", false, "print engine lifecycle events to stderr")

	if err := fs.Parse(args); err != nil {
		return exitInvalidInvocaton
	}

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: attractor <file.dot> [--validate-only] [--logs-root <dir>] [--resume]")
		return exitInvalidInvocaton
	}
	pipelineFile := fs.Arg(0)

	source, err := os.ReadFile(pipelineFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitInvalidInvocaton
	}

	if validateOnly {
		return validatePipeline(string(source))
	}

	eventIndex, err := attractor.OpenEventIndex(filepath.Join(logsRoot, "index.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not open event index: %v\n", err)
	} else {
		defer func() { _ = eventIndex.Close() }()
	}

	runID, err := attractor.GenerateRunID()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitPipelineFailure
	}

	engineCfg := attractor.EngineConfig{
		ArtifactsBaseDir: logsRoot,
		CheckpointDir:    logsRoot,
		RunID:            runID,
		// latestCheckpoint looks for this file when --resume is given.
		AutoCheckpointPath: filepath.Join(logsRoot, runID, "checkpoint.json"),
		DefaultRetry:     attractor.RetryPolicyStandard(),
		Handlers:         attractor.DefaultHandlerRegistry(),
		EventIndex:       eventIndex,
	}
	if verbose {
		engineCfg.EventHandler = verboseEventHandler
	}

	engine := attractor.NewEngine(engineCfg)
	wireInterviewer(engine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\ninterrupted, shutting down...")
		cancel()
	}()

	if resume {
		return resumePipeline(ctx, engine, logsRoot, string(source))
	}

	return runPipeline(ctx, engine, string(source))
}

// validatePipeline parses and lints a pipeline without executing it.
func validatePipeline(source string) int {
	graph, err := attractor.Parse(source)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse error: %v\n", err)
		return exitValidationError
	}

	transforms := attractor.DefaultTransforms()
	graph = attractor.ApplyTransforms(graph, transforms...)

	diagnostics, err := attractor.ValidateOrError(graph)
	if err != nil {
		fmt.Fprintf(os.Stderr, "validation failed:\n%v\n", err)
		return exitValidationError
	}

	for _, d := range diagnostics {
		fmt.Fprintf(os.Stderr, "[%s] %s: %s\n", d.Severity, d.Rule, d.Message)
	}
	fmt.Println("pipeline is valid")
	return exitSuccess
}

// runPipeline executes a freshly parsed pipeline to completion.
func runPipeline(ctx context.Context, engine *attractor.Engine, source string) int {
	graph, err := attractor.Parse(source)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse error: %v\n", err)
		return exitValidationError
	}
	if _, err := attractor.ValidateOrError(attractor.ApplyTransforms(graph, attractor.DefaultTransforms()...)); err != nil {
		fmt.Fprintf(os.Stderr, "validation failed:\n%v\n", err)
		return exitValidationError
	}

	result, err := engine.Run(ctx, source)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitPipelineFailure
	}

	fmt.Println("pipeline completed successfully")
	fmt.Printf("completed nodes: %v\n", result.CompletedNodes)
	if result.FinalOutcome != nil {
		fmt.Printf("final status: %s\n", result.FinalOutcome.Status)
	}
	return exitSuccess
}

// resumePipeline finds the most recent checkpoint under logsRoot and resumes
// the given pipeline source from it. The pipeline file is still required on
// the command line (per the CLI surface) since the run directory does not
// retain the original DOT source.
func resumePipeline(ctx context.Context, engine *attractor.Engine, logsRoot, source string) int {
	checkpointPath, err := latestCheckpoint(logsRoot)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitInvalidInvocaton
	}

	graph, err := attractor.Parse(source)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse error: %v\n", err)
		return exitValidationError
	}

	result, err := engine.ResumeFromCheckpoint(ctx, graph, checkpointPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitPipelineFailure
	}

	fmt.Println("pipeline resumed and completed successfully")
	fmt.Printf("completed nodes: %v\n", result.CompletedNodes)
	return exitSuccess
}

// latestCheckpoint walks logsRoot for run directories and returns the
// checkpoint path for the most recent run. Run directories are named with
// ULIDs, which sort lexicographically by creation time, so a plain name
// sort over directory entries suffices.
func latestCheckpoint(logsRoot string) (string, error) {
	entries, err := os.ReadDir(logsRoot)
	if err != nil {
		return "", fmt.Errorf("reading logs root %q: %w", logsRoot, err)
	}

	var runDirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			runDirs = append(runDirs, entry.Name())
		}
	}
	if len(runDirs) == 0 {
		return "", fmt.Errorf("no run directories found under %q", logsRoot)
	}
	sort.Strings(runDirs)

	for i := len(runDirs) - 1; i >= 0; i-- {
		checkpointPath := filepath.Join(logsRoot, runDirs[i], "checkpoint.json")
		if _, err := os.Stat(checkpointPath); err == nil {
			return checkpointPath, nil
		}
	}

	return "", fmt.Errorf("no checkpoint found under %q", logsRoot)
}

func wireInterviewer(engine *attractor.Engine) {
	handler := engine.GetHandler("wait.human")
	if handler == nil {
		return
	}
	if hh, ok := handler.(*attractor.WaitForHumanHandler); ok {
		hh.Interviewer = attractor.NewConsoleInterviewer()
	}
}

func verboseEventHandler(evt attractor.EngineEvent) {
	switch evt.Type {
	case attractor.EventPipelineStarted:
		fmt.Fprintln(os.Stderr, "[pipeline] started")
	case attractor.EventStageStarted:
		fmt.Fprintf(os.Stderr, "[stage] %s started\n", evt.NodeID)
	case attractor.EventStageCompleted:
		fmt.Fprintf(os.Stderr, "[stage] %s completed\n", evt.NodeID)
	case attractor.EventStageFailed:
		if reason, ok := evt.Data["reason"]; ok {
			fmt.Fprintf(os.Stderr, "[stage] %s failed: %v\n", evt.NodeID, reason)
		} else {
			fmt.Fprintf(os.Stderr, "[stage] %s failed\n", evt.NodeID)
		}
	case attractor.EventStageRetrying:
		fmt.Fprintf(os.Stderr, "[stage] %s retrying\n", evt.NodeID)
	case attractor.EventPipelineCompleted:
		fmt.Fprintln(os.Stderr, "[pipeline] completed")
	case attractor.EventPipelineFailed:
		fmt.Fprintln(os.Stderr, "[pipeline] failed")
	}
}
