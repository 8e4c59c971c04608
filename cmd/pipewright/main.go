// Command pipewright runs agent task pipelines: checkpointed,
// resumable, validated step by step.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"pipewright/internal/agent"
	"pipewright/internal/config"
	"pipewright/internal/gitops"
	"pipewright/internal/hook"
	"pipewright/internal/interaction"
	"pipewright/internal/pipeline"
	"pipewright/internal/sequence"
	"pipewright/internal/state"
	"pipewright/internal/task"
	"pipewright/internal/update"
)

// version is set at build time via -ldflags.
var version = "dev"

var (
	flagConfig   string
	flagPipeline string
	flagJSONL    bool
	flagNoGit    bool
)

func main() {
	// A .env next to the config can hold agent credentials.
	godotenv.Load()

	root := &cobra.Command{
		Use:           "pipewright",
		Short:         "Run agent task pipelines with checkpoints and validation",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "config file (default pipewright.yaml)")

	root.AddCommand(runCmd())
	root.AddCommand(sequenceCmd())
	root.AddCommand(answerCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(hookCmd())
	root.AddCommand(upgradeCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// signalContext cancels on SIGINT/SIGTERM so a run parks its state
// instead of dying mid-step.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

type runtimeDeps struct {
	cfg   *config.Config
	store *state.Store
	git   pipeline.Git
	coord *interaction.Coordinator
	agent agent.Invoker
	out   *pipeline.Printer
}

func buildDeps() (*runtimeDeps, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}

	store := state.NewStore(cfg.StateDir)

	out := pipeline.NewPrinter(os.Stdout, flagJSONL)

	var git pipeline.Git
	if cfg.Git.ManageBranches() && !flagNoGit {
		m, err := gitops.NewManager(".", gitops.Options{
			MainBranch: cfg.Git.MainBranch,
			Remote:     cfg.Git.Remote,
			StateDir:   cfg.StateDir,
		})
		if err != nil {
			return nil, err
		}
		m.Warn = out.Warn
		git = m
	}

	coord := interaction.NewCoordinator(store)

	return &runtimeDeps{
		cfg:   cfg,
		store: store,
		git:   git,
		coord: coord,
		agent: agent.NewClaudeAgent(cfg.Agent.Command),
		out:   out,
	}, nil
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <task.md>",
		Short: "Run one task file through its pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if notice := update.Notice(cmd.Context(), version); notice != "" {
				fmt.Fprintln(os.Stderr, notice)
			}
			deps, err := buildDeps()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			r := &pipeline.Runner{
				Store:           deps.store,
				Config:          deps.cfg,
				Agent:           deps.agent,
				Git:             deps.git,
				Coordinator:     deps.coord,
				Dir:             ".",
				Output:          deps.out,
				Pipeline:        flagPipeline,
				WaitOnRateLimit: deps.cfg.WaitOnRateLimit,
			}
			_, err = r.Run(ctx, args[0])
			return err
		},
	}
	cmd.Flags().StringVarP(&flagPipeline, "pipeline", "p", "", "pipeline to use, overriding task and config defaults")
	cmd.Flags().BoolVar(&flagJSONL, "jsonl", false, "emit machine-readable progress events")
	cmd.Flags().BoolVar(&flagNoGit, "no-git", false, "disable branch management and checkpoints")
	return cmd
}

func sequenceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sequence <folder>",
		Short: "Run every task file in a folder, in order, on one branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if notice := update.Notice(cmd.Context(), version); notice != "" {
				fmt.Fprintln(os.Stderr, notice)
			}
			deps, err := buildDeps()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			r := &sequence.Runner{
				Store:           deps.store,
				Config:          deps.cfg,
				Agent:           deps.agent,
				Git:             deps.git,
				Coordinator:     deps.coord,
				Dir:             ".",
				Output:          deps.out,
				Pipeline:        flagPipeline,
				WaitOnRateLimit: deps.cfg.WaitOnRateLimit,
			}
			_, err = r.Run(ctx, args[0])
			return err
		},
	}
	cmd.Flags().StringVarP(&flagPipeline, "pipeline", "p", "", "pipeline to use for every task in the folder")
	cmd.Flags().BoolVar(&flagJSONL, "jsonl", false, "emit machine-readable progress events")
	cmd.Flags().BoolVar(&flagNoGit, "no-git", false, "disable branch management and checkpoints")
	return cmd
}

func answerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "answer <task-id> <answer...>",
		Short: "Answer a waiting task's question from outside the run",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}
			store := state.NewStore(cfg.StateDir)

			taskID := args[0]
			st, err := store.LoadTask(taskID)
			if err != nil {
				return err
			}
			if st.Phase != state.PhaseWaitingForInput {
				return fmt.Errorf("task %s is not waiting for input (phase %s)", taskID, st.Phase)
			}
			if err := interaction.WriteAnswer(store, taskID, strings.Join(args[1:], " ")); err != nil {
				return err
			}
			fmt.Printf("Answer delivered to task %s\n", taskID)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <task.md>",
		Short: "Show the persisted status of a task file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}
			store := state.NewStore(cfg.StateDir)

			st, err := store.LoadTask(task.ID(args[0]))
			if err != nil {
				return err
			}
			fmt.Printf("task:     %s\nphase:    %s\n", st.TaskID, st.Phase)
			if st.Branch != "" {
				fmt.Printf("branch:   %s\n", st.Branch)
			}
			if st.PipelineName != "" {
				fmt.Printf("pipeline: %s\n", st.PipelineName)
			}
			if st.CurrentStep != "" {
				fmt.Printf("step:     %s\n", st.CurrentStep)
			}
			if st.PendingQuestion != nil {
				fmt.Printf("question: %s\n", st.PendingQuestion.Question)
			}
			for name, phase := range st.Steps {
				fmt.Printf("  %-12s %s\n", name, phase)
			}
			return nil
		},
	}
}

func hookCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "hook",
		Short:  "Pre-write guardrail, invoked by the agent with a tool call on stdin",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				// A broken config must not lock the agent out of all writes.
				return nil
			}
			store := state.NewStore(cfg.StateDir)

			d, err := hook.Evaluate(os.Stdin, cfg, store, ".")
			if err != nil {
				return nil
			}
			if !d.Allowed {
				fmt.Fprintln(os.Stderr, d.Reason)
				os.Exit(2)
			}
			return nil
		},
	}
}

func upgradeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upgrade",
		Short: "Update pipewright to the latest release",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			release, hasUpdate, err := update.Check(cmd.Context(), version)
			if err != nil {
				return err
			}
			if !hasUpdate {
				fmt.Printf("Already up to date (%s)\n", version)
				return nil
			}
			fmt.Printf("Updating %s -> %s\n", version, release.Version)
			if err := update.Apply(cmd.Context(), version); err != nil {
				return err
			}
			fmt.Println("Done")
			return nil
		},
	}
}
