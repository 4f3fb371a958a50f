package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"prospectd/internal/actions"
	"prospectd/internal/config"
	"prospectd/internal/daemon"
	"prospectd/internal/embedding"
	"prospectd/internal/logging"
	"prospectd/internal/oracle"
	"prospectd/internal/pipeline"
	"prospectd/internal/qualifier"
	"prospectd/internal/store"
)

var (
	// Global flags
	configPath string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "prospectd",
	Short: "prospectd - autonomous outreach daemon",
	Long: `prospectd discovers, qualifies and contacts prospects on a
professional network, pacing every action like a human operator.

An active-learning model watches the oracle's accept/reject decisions and
gradually takes over qualification once it is confident. All state lives
in a single SQLite database under the data directory.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}

		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		return logging.Initialize(cfg.DataDir, logging.Options{
			DebugMode:  cfg.Logging.DebugMode || verbose,
			Level:      cfg.Logging.Level,
			Categories: cfg.Logging.Categories,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

// daemonCmd runs the full outreach loop with a live browser session.
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the outreach loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.New(cfg.DatabasePath(), cfg.Schedule.PendingRecheckHours)
		if err != nil {
			return err
		}
		defer st.Close()

		qual, err := warmQualifier(st)
		if err != nil {
			return err
		}
		orc, err := oracle.NewGemini(cfg.Oracle, cfg.Campaign)
		if err != nil {
			return err
		}
		embedder, err := embedding.NewEngine(cfg.Embedding)
		if err != nil {
			return err
		}

		logger.Info("Launching browser", zap.Bool("headless", cfg.Browser.Headless))
		exec, err := actions.NewRodExecutor(cfg.Browser)
		if err != nil {
			return err
		}
		defer exec.Close()

		d, err := daemon.New(cfg, st, qual, orc, embedder, exec)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		logger.Info("Daemon starting", zap.String("data_dir", cfg.DataDir))
		if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		logger.Info("Daemon stopped")
		return nil
	},
}

// statusCmd prints the pipeline and budget counters.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pipeline counts, label totals and the keyword queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.New(cfg.DatabasePath(), cfg.Schedule.PendingRecheckHours)
		if err != nil {
			return err
		}
		defer st.Close()

		states := []pipeline.State{
			pipeline.StateDiscovered, pipeline.StateEnriched,
			pipeline.StateQualified, pipeline.StateDisqualified,
			pipeline.StatePending, pipeline.StateConnected,
			pipeline.StateCompleted, pipeline.StateFailed,
		}
		fmt.Println("pipeline:")
		for _, s := range states {
			n, err := st.CountProfiles(s)
			if err != nil {
				return err
			}
			fmt.Printf("  %-13s %d\n", s, n)
		}

		pos, neg, err := st.CountLabels()
		if err != nil {
			return err
		}
		fmt.Printf("labels:        %d positive, %d negative\n", pos, neg)

		pending, err := st.UnusedKeywordCount()
		if err != nil {
			return err
		}
		fmt.Printf("keyword queue: %d pending\n", pending)
		return nil
	},
}

var qualifyLimit int

// qualifyCmd drains the qualification backlog without touching the
// browser: embedding and deciding only.
var qualifyCmd = &cobra.Command{
	Use:   "qualify",
	Short: "Embed and decide the enriched backlog offline",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.New(cfg.DatabasePath(), cfg.Schedule.PendingRecheckHours)
		if err != nil {
			return err
		}
		defer st.Close()

		qual, err := warmQualifier(st)
		if err != nil {
			return err
		}
		orc, err := oracle.NewGemini(cfg.Oracle, cfg.Campaign)
		if err != nil {
			return err
		}
		embedder, err := embedding.NewEngine(cfg.Embedding)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		ran, err := daemon.QualifyBatch(ctx, st, qual, orc, embedder, qualifyLimit)
		fmt.Printf("%d qualification steps ran\n", ran)
		return err
	},
}

// keywordsCmd manages the durable search-keyword queue.
var keywordsCmd = &cobra.Command{
	Use:   "keywords",
	Short: "Manage the search keyword queue",
}

var keywordsAddCmd = &cobra.Command{
	Use:   "add <keyword>...",
	Short: "Enqueue search keywords",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.New(cfg.DatabasePath(), cfg.Schedule.PendingRecheckHours)
		if err != nil {
			return err
		}
		defer st.Close()

		added, err := st.AddKeywords(args)
		if err != nil {
			return err
		}
		fmt.Printf("added %d of %d keywords\n", added, len(args))
		return nil
	},
}

var keywordsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending keywords",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.New(cfg.DatabasePath(), cfg.Schedule.PendingRecheckHours)
		if err != nil {
			return err
		}
		defer st.Close()

		pending, err := st.PendingKeywords()
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			fmt.Println("keyword queue is empty")
			return nil
		}
		for _, kw := range pending {
			fmt.Println(kw)
		}
		return nil
	},
}

// explainCmd reports what the model thinks about one profile.
var explainCmd = &cobra.Command{
	Use:   "explain <public-id>",
	Short: "Explain the model's view of a profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		publicID := args[0]
		st, err := store.New(cfg.DatabasePath(), cfg.Schedule.PendingRecheckHours)
		if err != nil {
			return err
		}
		defer st.Close()

		emb, err := st.Embedding(publicID)
		if err != nil {
			return err
		}
		if emb == nil {
			return fmt.Errorf("no embedding stored for %s", publicID)
		}

		qual, err := warmQualifier(st)
		if err != nil {
			return err
		}
		report, err := qual.Explain(emb)
		if errors.Is(err, qualifier.ErrUnavailable) {
			return fmt.Errorf("model not trained yet: need at least one label of each class")
		}
		if err != nil {
			return err
		}
		fmt.Printf("profile: %s\n%s", publicID, report)

		if reason, err := st.QualificationReason(publicID); err == nil && reason != "" {
			fmt.Printf("recorded reason: %s\n", reason)
		}

		similar, err := st.SimilarProfiles(publicID, 5)
		if err != nil {
			return err
		}
		if len(similar) > 0 {
			fmt.Println("nearest labeled neighbors:")
			for _, m := range similar {
				label := "unlabeled"
				if m.Label != nil {
					if *m.Label == 1 {
						label = "accepted"
					} else {
						label = "rejected"
					}
				}
				fmt.Printf("  %-30s %.3f  %s\n", m.PublicID, m.Similarity, label)
			}
		}
		return nil
	},
}

// warmQualifier builds the model from the stored label history, reusing
// the on-disk snapshot when it matches.
func warmQualifier(st *store.Store) (*qualifier.Qualifier, error) {
	history, labels, err := st.LabeledData()
	if err != nil {
		return nil, err
	}
	q := qualifier.New(cfg.Qualifier, cfg.SnapshotPath())
	if err := q.WarmStart(history, labels); err != nil {
		return nil, err
	}
	return q, nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "prospectd.yaml", "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	qualifyCmd.Flags().IntVar(&qualifyLimit, "limit", 0, "max qualification steps (0 = drain)")

	keywordsCmd.AddCommand(keywordsAddCmd)
	keywordsCmd.AddCommand(keywordsListCmd)

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(qualifyCmd)
	rootCmd.AddCommand(keywordsCmd)
	rootCmd.AddCommand(explainCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
