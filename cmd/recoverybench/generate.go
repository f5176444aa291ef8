package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/throw-if-null/recoverybench/internal/identity"
	"github.com/throw-if-null/recoverybench/internal/orchestrator"
	"github.com/throw-if-null/recoverybench/internal/replay"
	"github.com/throw-if-null/recoverybench/internal/report"
	"github.com/throw-if-null/recoverybench/internal/runner"
)

type generateFlags struct {
	model         string
	recoveryModel string
	taskIDs       []string
	minEpisodes   int
	concurrency   int
	maxIterations int
	mode          string
	initialOnly   bool
	skipCollect   bool
}

func newGenerateCmd(a *app) *cobra.Command {
	var f generateFlags
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Run the initial round and bounded recovery rounds, then collect traces",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if flags.Changed("min-episodes") {
				a.cfg.Pipeline.MinEpisodes = f.minEpisodes
			}
			if flags.Changed("n-concurrent") {
				a.cfg.Pipeline.Concurrency = f.concurrency
			}
			if flags.Changed("max-iterations") {
				a.cfg.Pipeline.MaxIterations = &f.maxIterations
			}
			if flags.Changed("mode") {
				a.cfg.Pipeline.Mode = f.mode
			}
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			return a.generate(cmd, f)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.model, "model", "", "model driving round 0 (and recovery rounds unless --recovery-model)")
	fl.StringVar(&f.recoveryModel, "recovery-model", "", "model driving rounds k >= 1")
	fl.StringSliceVar(&f.taskIDs, "task-id", nil, "restrict the dataset to these task slugs")
	fl.IntVar(&f.minEpisodes, "min-episodes", 0, "episode target per task")
	fl.IntVar(&f.concurrency, "n-concurrent", 0, "parallel task executions per round")
	fl.IntVar(&f.maxIterations, "max-iterations", 0, "recovery rounds after round 0")
	fl.StringVar(&f.mode, "mode", "", "recovery producer: replay or fresh")
	fl.BoolVar(&f.initialOnly, "initial-only", false, "stop after round 0")
	fl.BoolVar(&f.skipCollect, "skip-collect", false, "do not merge the rounds into a collected corpus")
	_ = cmd.MarkFlagRequired("model")
	return cmd
}

func (a *app) generate(cmd *cobra.Command, f generateFlags) error {
	cfg := a.cfg
	runsDir, err := filepath.Abs(a.path(cfg.Pipeline.RunsDir))
	if err != nil {
		return err
	}

	st, closeStore, err := a.openStore()
	if err != nil {
		return err
	}
	defer closeStore()

	initial, recovery, err := a.producers()
	if err != nil {
		return err
	}
	pl := &orchestrator.Pipeline{
		Initial:   initial,
		Recovery:  recovery,
		Resolver:  identity.NewResolver(identity.WithBindings(st)),
		Snapshots: st,
		Recorder:  st,
		Logger:    a.log,
	}
	res, err := pl.Run(cmd.Context(), orchestrator.Params{
		Model:         f.model,
		RecoveryModel: f.recoveryModel,
		Dataset:       cfg.Pipeline.DatasetName,
		MinEpisodes:   cfg.Pipeline.MinEpisodes,
		Concurrency:   cfg.Pipeline.Concurrency,
		MaxIterations: cfg.MaxIterations(),
		InitialOnly:   f.initialOnly,
		SkipCollect:   f.skipCollect,
		TaskFolder:    a.path(cfg.Pipeline.TaskFolder),
		TaskIDs:       f.taskIDs,
		RunsDir:       runsDir,
	})
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(a.stdout, "pipeline %s: %d rounds\n", res.PipelineID, res.Rounds()); err != nil {
		return err
	}
	if err := report.Summarize(res.Tasks).Write(a.stdout); err != nil {
		return err
	}
	if res.CollectedDir != "" {
		_, err = fmt.Fprintf(a.stdout, "collected: %s\n", res.CollectedDir)
	}
	return err
}

// tb returns a harness driver configured from [runner]; agentImportPath
// selects a custom agent over the named one.
func (a *app) tb(agentImportPath string) *runner.TB {
	cfg := a.cfg
	return &runner.TB{
		Exec:                    newCommandRunner(),
		Command:                 cfg.Runner.Command,
		DatasetName:             cfg.Pipeline.DatasetName,
		DatasetVersion:          cfg.Pipeline.DatasetVersion,
		Agent:                   cfg.Runner.Agent,
		AgentImportPath:         agentImportPath,
		GlobalTimeoutMultiplier: cfg.Runner.GlobalTimeoutMultiplier,
		LocalRegistryPath:       cfg.Runner.LocalRegistryPath,
		CleanupContainers:       cfg.Runner.CleanupContainers,
		WorkDir:                 a.root,
		Pool:                    a.pool(),
		Logger:                  a.log,
	}
}

func (a *app) pool() runner.PoolOptions {
	return runner.PoolOptions{
		Concurrency: a.cfg.Pipeline.Concurrency,
		Timeout:     time.Duration(a.cfg.Pipeline.UnitTimeoutSec) * time.Second,
		Logger:      a.log,
	}
}

// producers builds the round 0 producer and the recovery producer that
// the configured mode selects.
func (a *app) producers() (runner.Producer, runner.Producer, error) {
	initial := a.tb("")
	if a.cfg.Pipeline.Mode == "fresh" {
		return initial, initial, nil
	}
	ctrl, err := a.replayController()
	if err != nil {
		return nil, nil, err
	}
	return initial, ctrl, nil
}

func (a *app) replayController() (*replay.Controller, error) {
	strategy, err := replay.StrategyByName(a.cfg.Pipeline.SeedStrategy)
	if err != nil {
		return nil, err
	}
	return &replay.Controller{
		Session:  &replay.TBSession{TB: a.tb(a.cfg.Runner.ReplayAgentImportPath)},
		Strategy: strategy,
		Pool:     a.pool(),
		Logger:   a.log,
	}, nil
}
