package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/relaygraph/internal/config"
	"github.com/agentworkforce/relaygraph/internal/gitsync"
	"github.com/agentworkforce/relaygraph/internal/observability"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type cycleRunner interface {
	SyncOnce(ctx context.Context) (gitsync.CycleStats, error)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	observability.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string
	var once bool
	cmd := &cobra.Command{
		Use:           "relaygraph-sync",
		Short:         "Commit unsynced knowledge-graph nodes to git and report them back",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v, cfgFile)
			if err != nil {
				return err
			}
			if err := validateWorker(cfg); err != nil {
				return err
			}
			observability.InitializeLogger(cfg.Logger)
			logger := observability.GetLogger().Named("relaygraph-sync")

			committer, err := gitsync.NewCommitter(gitsync.CommitterOptions{
				RepoPath:    cfg.Sync.RepoPath,
				Subdir:      cfg.Sync.Subdir,
				AuthorName:  cfg.Sync.AuthorName,
				AuthorEmail: cfg.Sync.AuthorEmail,
				Logger:      logger,
			})
			if err != nil {
				return err
			}
			client := gitsync.NewHTTPClient(cfg.Syncer.BaseURL, cfg.Syncer.Token, &http.Client{Timeout: cfg.Syncer.Timeout})
			syncer, err := gitsync.NewSyncer(client, committer, gitsync.SyncerOptions{
				GraphID:   cfg.Syncer.GraphID,
				BatchSize: cfg.Syncer.BatchSize,
				Logger:    logger,
			})
			if err != nil {
				return err
			}
			return runLoop(cmd.Context(), syncer, loopOptions{
				Interval: cfg.Syncer.Interval,
				Jitter:   cfg.Syncer.Jitter,
				Timeout:  cfg.Syncer.Timeout,
				Once:     once,
			}, logger)
		},
	}
	cmd.Flags().StringVarP(&cfgFile, "config", "c", "", "config file (default ./relaygraph.yaml)")
	cmd.Flags().BoolVar(&once, "once", false, "run one sync cycle and exit")
	cmd.Flags().String("graph", "", "graph (tenant) id to sync")
	cmd.Flags().String("base-url", "", "relaygraph base URL")
	cmd.Flags().Duration("interval", 0, "sync interval")
	_ = v.BindPFlag("syncer.graph_id", cmd.Flags().Lookup("graph"))
	_ = v.BindPFlag("syncer.base_url", cmd.Flags().Lookup("base-url"))
	_ = v.BindPFlag("syncer.interval", cmd.Flags().Lookup("interval"))
	return cmd
}

func loadConfig(v *viper.Viper, cfgFile string) (*config.Config, error) {
	config.SetDefaults(v)
	config.BindEnv(v)
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("relaygraph")
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return config.NewConfigFromViper(v)
}

func validateWorker(cfg *config.Config) error {
	if strings.TrimSpace(cfg.Syncer.Token) == "" {
		return errors.New("syncer.token is required (RELAYGRAPH_SYNCER_TOKEN)")
	}
	if strings.TrimSpace(cfg.Syncer.GraphID) == "" {
		return errors.New("syncer.graph_id is required (--graph or RELAYGRAPH_SYNCER_GRAPH_ID)")
	}
	if strings.TrimSpace(cfg.Sync.RepoPath) == "" {
		return errors.New("sync.repo_path is required (RELAYGRAPH_SYNC_REPO_PATH)")
	}
	return nil
}

type loopOptions struct {
	Interval time.Duration
	Jitter   float64
	Timeout  time.Duration
	Once     bool
}

// runLoop runs a cycle immediately, then again after every jittered
// interval until ctx ends. Cycle failures are logged and retried on the next
// tick.
func runLoop(ctx context.Context, syncer cycleRunner, opts loopOptions, logger *zap.Logger) error {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	opts.Jitter = clampJitterRatio(opts.Jitter)

	run := func() error {
		cycleCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
		stats, err := syncer.SyncOnce(cycleCtx)
		if err != nil {
			logger.Warn("sync cycle failed", zap.Error(err))
			return err
		}
		logger.Info("sync cycle completed",
			zap.Int("listed", stats.Listed),
			zap.Int("committed", stats.Committed),
			zap.Int("stale", stats.Stale),
			zap.Int("failed", stats.Failed),
		)
		return nil
	}

	err := run()
	if opts.Once {
		return err
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(opts.Interval, opts.Jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("sync worker stopping", zap.Error(ctx.Err()))
			return nil
		case <-timer.C:
			_ = run()
			timer.Reset(jitteredIntervalWithSample(opts.Interval, opts.Jitter, rng.Float64()))
		}
	}
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
