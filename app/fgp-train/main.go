// Command fgp-train trains the side classifier on key/value prompts from a frozen
// encoder under one of three regimes (A = SWA, B = SAM, C = warmup cosine), then
// reports the final and best validation weights on the test split.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/tsawler/go-fgp/config"
	"github.com/tsawler/go-fgp/training"
)

var (
	bannerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	warningStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	ruleStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, warningStyle.Render("fgp-train: "+err.Error()))
		os.Exit(1)
	}
}

type flags struct {
	config   string
	regime   string
	epochs   int
	savePath string
	resume   string
	preload  string
	samples  int
	logLevel string
}

func parseFlags() flags {
	var f flags
	flag.StringVar(&f.config, "config", "", "YAML config file (defaults are used when empty)")
	flag.StringVar(&f.regime, "regime", "", "training regime: A (SWA), B (SAM) or C (warmup cosine)")
	flag.IntVar(&f.epochs, "epochs", 0, "override train.epochs")
	flag.StringVar(&f.savePath, "save-path", "", "override dataset.save_path")
	flag.StringVar(&f.resume, "resume", "", "checkpoint to resume from")
	flag.StringVar(&f.preload, "preload", "", "directory of preloaded key/value states")
	flag.IntVar(&f.samples, "synthetic-samples", 0, "override dataset.samples")
	flag.StringVar(&f.logLevel, "log-level", "info", "debug, info, warn or error")
	flag.Parse()
	return f
}

func newLogger(level string) (*slog.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})), nil
}

func resolveConfig(f flags) (*config.Config, error) {
	cfg := config.Default()
	if f.config != "" {
		var err error
		if cfg, err = config.Load(f.config); err != nil {
			return nil, err
		}
	}
	if f.regime != "" {
		cfg.Regime = f.regime
	}
	if f.epochs > 0 {
		cfg.Train.Epochs = f.epochs
	}
	if f.savePath != "" {
		cfg.Dataset.SavePath = f.savePath
	}
	if f.resume != "" {
		cfg.Base.Checkpoint = f.resume
	}
	if f.preload != "" {
		cfg.Dataset.PreloadPath = f.preload
	}
	if f.samples > 0 {
		cfg.Dataset.Samples = f.samples
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// printMsg frames msg between rules, in the warning style when warning is set
func printMsg(msg string, warning bool) {
	width := 0
	for _, line := range strings.Split(msg, "\n") {
		width = max(width, lipgloss.Width(line))
	}
	style := bannerStyle
	if warning {
		style = warningStyle
	}
	rule := ruleStyle.Render(strings.Repeat("=", min(width, 100)))
	fmt.Println(rule)
	fmt.Println(style.Render(msg))
	fmt.Println(rule)
}

func run() error {
	f := parseFlags()
	logger, err := newLogger(f.logLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	cfg, err := resolveConfig(f)
	if err != nil {
		return err
	}
	cfg.RunID = uuid.NewString()

	printMsg("LOADING CONFIG FILE", false)
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to print config: %w", err)
	}
	fmt.Print(string(out))

	notice, err := config.PrepareSaveDir(cfg)
	if err != nil {
		return err
	}
	if notice != "" {
		printMsg(notice, true)
	}
	if cfg.Dataset.PreloadPath != "" {
		printMsg("Preloading is enabled using "+cfg.Dataset.PreloadPath, false)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer r.close()

	training.PrintModelSummary(os.Stdout, cfg.Network.Model, r.model)

	opts := []training.TrainerOption{training.WithLogger(logger)}
	if cfg.Base.PlotServiceURL != "" {
		pc := training.DefaultPlottingServiceConfig()
		pc.BaseURL = cfg.Base.PlotServiceURL
		opts = append(opts, training.WithPlottingService(training.NewPlottingService(pc)))
	}
	trainer, err := training.NewTrainer(r.trainingConfig, r.components, opts...)
	if err != nil {
		return err
	}
	res, err := trainer.Run(ctx)
	if err != nil {
		return err
	}
	logger.Info("training finished", "run_id", cfg.RunID, "regime", cfg.Regime,
		"last_epoch", res.LastEpoch, "stopped_early", res.StoppedEarly,
		"best_indicator", res.BestIndicator, "path", cfg.Dataset.SavePath)

	reports := []struct {
		title string
		file  string
	}{
		{"This is the performance of the final model:", training.FinalWeightsFile},
		{"This is the performance of the best validation model:", training.BestWeightsFile},
	}
	if cfg.Regime == config.RegimeSWA {
		reports = append(reports, struct {
			title string
			file  string
		}{"This is the performance of the averaged model:", training.SWAWeightsFile})
	}
	for _, rep := range reports {
		printMsg(rep.title, false)
		if err := r.evaluate(ctx, rep.file); err != nil {
			if training.IsNotFound(err) {
				printMsg(fmt.Sprintf("%s was not written in this run, skipping.", rep.file), true)
				continue
			}
			return err
		}
	}
	return nil
}

// evaluate loads weights from file into the model and scores it on the test split.
// The confusion matrix of each evaluation is written next to the weights.
func (r *runner) evaluate(ctx context.Context, file string) error {
	path := r.components.Checkpoints.Path(file)
	if err := r.components.Checkpoints.LoadWeightsInto(path, r.model); err != nil {
		return err
	}
	c := r.components
	res, err := training.Evaluate(ctx, r.model, r.testLoader, c.Resolver, c.Criterion, c.Estimator,
		r.trainingConfig.ScoreDigits, nil)
	if err != nil {
		return fmt.Errorf("test evaluation of %s failed: %w", file, err)
	}

	fmt.Printf("Loss: %.6f\n", res.Loss)
	for _, name := range training.Indicators() {
		if v, ok := res.Scores[name]; ok {
			fmt.Printf("%s: %v\n", name, v)
		}
	}

	plot := training.GenerateConfusionMatrixPlot(r.estimator.ConfusionMatrix(), r.trainingConfig.ModelName)
	path = filepath.Join(r.saveDir, "confusion_"+strings.TrimSuffix(file, filepath.Ext(file))+".json")
	if err := plot.SaveJSON(path); err != nil {
		r.logger.Warn("failed to save confusion matrix", "path", path, "error", err)
	}
	return nil
}
