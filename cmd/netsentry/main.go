// Command netsentry runs the traffic anomaly detection pipeline from the
// command line: ingest sources, train the models, and score traffic.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hakro/netsentry/pkg/config"
	"github.com/hakro/netsentry/pkg/engine"
	"github.com/hakro/netsentry/pkg/features"
	"github.com/hakro/netsentry/pkg/ingest"
	"github.com/hakro/netsentry/pkg/modelstore"
	"github.com/hakro/netsentry/pkg/traffic"
)

var (
	cfgPath   string
	format    string
	models    string
	threshold float64
	contam    float64
)

func main() {
	root := &cobra.Command{
		Use:           "netsentry",
		Short:         "Network traffic anomaly detection",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "config.yml", "path to YAML configuration")
	root.PersistentFlags().StringVar(&format, "format", "", "source format override (csv, json, pcap, iot23)")

	ingestCmd := &cobra.Command{
		Use:   "ingest <source>",
		Short: "Parse a traffic source and report the ingestion summary",
		Args:  cobra.ExactArgs(1),
		RunE:  runIngest,
	}

	trainCmd := &cobra.Command{
		Use:   "train <source>...",
		Short: "Train anomaly models on one or more traffic sources",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runTrain,
	}
	trainCmd.Flags().Float64Var(&contam, "contamination", 0, "assumed anomaly fraction (default from config)")
	trainCmd.Flags().StringVar(&models, "models", string(engine.SelectBoth), "isolation_forest, local_outlier_factor, or both")

	detectCmd := &cobra.Command{
		Use:   "detect <source>",
		Short: "Score a traffic source against the trained models",
		Args:  cobra.ExactArgs(1),
		RunE:  runDetect,
	}
	detectCmd.Flags().Float64Var(&threshold, "threshold", 0, "decision threshold (default from config; an explicit 0 uses calibrated model thresholds)")
	detectCmd.Flags().StringVar(&models, "models", string(engine.SelectBoth), "isolation_forest, local_outlier_factor, or both")

	infoCmd := &cobra.Command{
		Use:   "model-info",
		Short: "Show trained model metadata",
		Args:  cobra.NoArgs,
		RunE:  runModelInfo,
	}

	root.AddCommand(ingestCmd, trainCmd, detectCmd, infoCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newEngine(cfg *config.Config, logger *zap.Logger) (*engine.Engine, error) {
	store, err := modelstore.NewFSStore(cfg.Models.Dir)
	if err != nil {
		return nil, err
	}
	fusion, err := engine.ParseFusionPolicy(cfg.Detection.Fusion)
	if err != nil {
		return nil, err
	}
	return engine.New(store, logger,
		engine.WithFusion(fusion),
		engine.WithIsolationTrees(cfg.IsolationForest.Trees),
		engine.WithIsolationSampleSize(cfg.IsolationForest.SampleSize),
		engine.WithSeed(cfg.IsolationForest.Seed),
		engine.WithLOFNeighbors(cfg.LOF.Neighbors),
		engine.WithMinTrainingSamples(cfg.Detection.MinTrainingSamples),
	), nil
}

func ingestSource(ctx context.Context, cfg *config.Config, path string) (*ingest.Result, error) {
	adapter, err := ingest.Select(path, format)
	if err != nil {
		return nil, err
	}
	// The session window is an operational knob; honor the configured value.
	if adapter.Format() == ingest.FormatPCAP {
		adapter = ingest.NewPCAPAdapter(ingest.WithSessionTimeout(cfg.SessionTimeout()))
	}
	return adapter.Parse(ctx, path)
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	res, err := ingestSource(cmd.Context(), cfg, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("parsed: %d\nskipped: %d\n", res.ParsedCount, res.SkippedCount)
	for _, recErr := range res.Errors {
		fmt.Printf("  %v\n", recErr)
	}
	return nil
}

func runTrain(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	sel, err := engine.ParseSelection(models)
	if err != nil {
		return err
	}
	if contam == 0 {
		contam = cfg.Detection.Contamination
	}

	var records []traffic.Record
	for _, src := range args {
		res, err := ingestSource(cmd.Context(), cfg, src)
		if err != nil {
			return fmt.Errorf("%s: %w", src, err)
		}
		logger.Info("source ingested",
			zap.String("source", src),
			zap.Int("parsed", res.ParsedCount),
			zap.Int("skipped", res.SkippedCount))
		records = append(records, res.Records...)
	}

	eng, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}
	report, err := eng.Train(cmd.Context(), features.ExtractAll(records), contam, sel)
	if err != nil {
		return err
	}

	fmt.Printf("trained on %d samples (%d rejected)\n", report.Samples, report.Rejected)
	for _, info := range report.Trained {
		fmt.Printf("  %s: schema v%d, threshold %.3f\n", info.ModelType, info.SchemaVersion, info.Threshold)
	}
	return nil
}

// resolveThreshold applies the configured default when the flag was not
// given. Passing --threshold 0 explicitly keeps the calibrated per-model
// boundaries.
func resolveThreshold(explicit bool, flag float64, cfg *config.Config) float64 {
	if explicit {
		return flag
	}
	return cfg.Detection.Threshold
}

func runDetect(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	sel, err := engine.ParseSelection(models)
	if err != nil {
		return err
	}

	res, err := ingestSource(cmd.Context(), cfg, args[0])
	if err != nil {
		return err
	}

	eng, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}
	if err := eng.LoadModels(); err != nil {
		return err
	}

	th := resolveThreshold(cmd.Flags().Changed("threshold"), threshold, cfg)
	results, err := eng.Detect(cmd.Context(), res.Records, sel, th)
	if err != nil {
		return err
	}

	fmt.Printf("%d anomalies in %d records\n", len(results), len(res.Records))
	for _, r := range results {
		fmt.Printf("  device=%s type=%s score=%.3f threshold=%.2f\n",
			r.DeviceID, r.AnomalyType, r.Score, r.ThresholdUsed)
	}
	return nil
}

func runModelInfo(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	eng, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}
	if err := eng.LoadModels(); err != nil {
		return err
	}

	infos := eng.ModelInfos()
	if len(infos) == 0 {
		fmt.Println("status: untrained")
		return nil
	}
	fmt.Printf("status: %s\n", eng.Status())
	for _, info := range infos {
		fmt.Printf("  %s: schema v%d, trained %s, contamination %.2f, threshold %.3f\n",
			info.ModelType, info.SchemaVersion,
			info.TrainedAt.Format("2006-01-02 15:04:05 MST"),
			info.Contamination, info.Threshold)
	}
	return nil
}
