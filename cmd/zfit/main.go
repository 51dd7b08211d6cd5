// Command zfit fits redshifted spectral templates to a stacked 2D grism
// spectrum bundle and writes the redshift fit results table.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/enoordeh/grizli/internal/bundle"
	"github.com/enoordeh/grizli/internal/fitting"
	"github.com/enoordeh/grizli/internal/grismconf"
	"github.com/enoordeh/grizli/internal/stack"
	"github.com/enoordeh/grizli/internal/templates"
	"github.com/enoordeh/grizli/internal/version"
)

var (
	configPath string
	sensDir    string
	priorPath  string
	outputPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "zfit <stack.json[.gz]>",
	Short: "Fit redshifted templates to a stacked grism spectrum",
	Long: `zfit runs the full redshift analysis on one stacked spectrum bundle:
a coarse-to-fine chi-squared grid search over redshift with emission-line
complex templates, then a final fit with individual line templates at the
best redshift to measure line fluxes, uncertainties and equivalent widths.`,
	Args: cobra.ExactArgs(1),
	RunE: run,
}

func init() {
	rootCmd.Version = version.Version
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML fit parameter file")
	rootCmd.Flags().StringVar(&sensDir, "sens-dir", ".", "directory with <grism>.sens.json sensitivity curves")
	rootCmd.Flags().StringVar(&priorPath, "prior", "", "JSON redshift prior file")
	rootCmd.Flags().StringVarP(&outputPath, "output", "o", "", "output table path (default <stack>.zfit.json)")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log every grid evaluation")
}

func run(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}

	s, err := bundle.Load(args[0])
	if err != nil {
		return err
	}
	logger.Info("loaded stack",
		zap.Int("id", s.ID),
		zap.Int("exposures", len(s.Exposures)),
		zap.Uint64("checksum", s.Checksum))

	conf := grismconf.NewDir(sensDir)
	var models []*stack.SpectrumModel
	for i := range s.Exposures {
		m, err := stack.New(&s.Exposures[i], conf, cfg.StackOptions())
		if err != nil {
			return err
		}
		models = append(models, m)
	}

	fitter, err := fitting.New(models, logger)
	if err != nil {
		return err
	}

	search := cfg.SearchConfig()
	if priorPath != "" {
		search.Prior, err = LoadPrior(priorPath)
		if err != nil {
			return err
		}
	}

	provider := templates.NewSynthetic()
	grism := s.Exposures[0].Grism
	res, err := fitter.FitZGrid(search, provider.Complexes(grism), provider.Lines(grism))
	if err != nil {
		return err
	}

	out := outputPath
	if out == "" {
		out = strings.TrimSuffix(strings.TrimSuffix(args[0], ".gz"), ".json") + ".zfit.json"
	}
	if err := fitting.NewTable(s, res).Write(out); err != nil {
		return err
	}

	fmt.Printf("z = %.4f  chi2/dof = %.1f/%d  area25 = %.3f\n",
		res.ZBest, res.Chi2Min, res.DoF, res.Area25)
	for _, l := range res.Lines {
		if l.Flux > 0 {
			fmt.Printf("  %-10s flux = %9.4f +/- %7.4f  EW = %8.2f\n", l.Name, l.Flux, l.FluxErr, l.EW)
		}
	}
	fmt.Printf("wrote %s\n", out)
	return nil
}

func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
