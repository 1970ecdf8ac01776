package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/poimgs/digital-twins-mvp-2-sub000/internal/analyzer"
	"github.com/poimgs/digital-twins-mvp-2-sub000/internal/config"
	"github.com/poimgs/digital-twins-mvp-2-sub000/internal/engine"
	"github.com/poimgs/digital-twins-mvp-2-sub000/internal/judge"
	"github.com/poimgs/digital-twins-mvp-2-sub000/internal/llm"
	"github.com/poimgs/digital-twins-mvp-2-sub000/internal/logging"
	"github.com/poimgs/digital-twins-mvp-2-sub000/internal/metrics"
	"github.com/poimgs/digital-twins-mvp-2-sub000/internal/store"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "twin",
	Short: "Conversational decision engine for digital twins",
	Long: "twin decides, for each user message, which stored story a digital twin should tell next,\n" +
		"how warm the next question should be, and when to offer a call to action.",
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./twin.toml or ~/.twin/twin.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(insightsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(botsCmd)
}

// app holds what every command needs. Commands that only read the store skip
// building the engine.
type app struct {
	cfg     config.Config
	log     *zap.Logger
	db      *store.DB
	metrics *metrics.Metrics
	engine  *engine.Engine
}

func (a *app) Close() {
	if a.db != nil {
		a.db.Close()
	}
	a.log.Sync()
}

// openApp loads config, builds the logger and opens the database.
func openApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	level := cfg.Log.Level
	if verbose {
		level = "debug"
	}
	log, err := logging.New(level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return nil, fmt.Errorf("resolve db path: %w", err)
		}
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return &app{cfg: cfg, log: log, db: db, metrics: metrics.New()}, nil
}

// openEngine is openApp plus the engine and its collaborators.
func openEngine(ctx context.Context) (*app, error) {
	a, err := openApp()
	if err != nil {
		return nil, err
	}
	deps, err := a.deps(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.engine = engine.New(deps, engine.ConfigFrom(a.cfg))
	return a, nil
}

// deps picks the judge and analyzer. Without a usable LLM provider the engine
// runs on the lexical judge and the keyword analyzer.
func (a *app) deps(ctx context.Context) (engine.Deps, error) {
	deps := engine.Deps{
		Store:    a.db,
		Analyzer: analyzer.NewHeuristic(),
		Log:      a.log.Named("engine"),
		Metrics:  a.metrics,
	}

	client, err := llm.NewClient(a.cfg.LLM)
	switch {
	case errors.Is(err, llm.ErrDisabled):
		a.log.Info("llm disabled, using lexical judge")
	case err != nil:
		a.log.Warn("llm not configured, using lexical judge", zap.Error(err))
	}

	if client == nil || a.cfg.Judge.Mode == "lexical" {
		docs, err := corpus(ctx, a.db)
		if err != nil {
			return deps, err
		}
		db := a.db
		deps.Judge = judge.NewLexical(docs, 0).Refresh(func(ctx context.Context) ([]string, error) {
			return corpus(ctx, db)
		}, a.cfg.Judge.CorpusRefresh)
	} else {
		deps.Judge = judge.NewLLM(client,
			judge.WithRateLimit(a.cfg.Judge.RatePerSec, a.cfg.Judge.Burst),
			judge.WithMetrics(a.metrics),
			judge.WithLogger(a.log.Named("judge")),
		)
		a.log.Info("llm judge", zap.String("provider", a.cfg.LLM.Provider), zap.String("model", a.cfg.LLM.Model))
	}

	if client != nil {
		deps.Analyzer = analyzer.NewLLM(client, analyzer.NewHeuristic(), a.log.Named("analyzer"), a.metrics)
		deps.Summarizer = analyzer.NewSummarizer(client)
	}
	return deps, nil
}

// corpus returns the description of every stored candidate, for the lexical
// judge's document frequencies.
func corpus(ctx context.Context, db *store.DB) ([]string, error) {
	bots, err := db.Bots(ctx)
	if err != nil {
		return nil, err
	}
	var docs []string
	for _, b := range bots {
		list, err := db.Candidates(ctx, b.BotID, "")
		if err != nil {
			return nil, err
		}
		for _, c := range list {
			docs = append(docs, c.Description())
		}
	}
	return docs, nil
}
