package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"cryorefine/internal/models"
	"cryorefine/pkg/config"
	"cryorefine/pkg/dataset"
	"cryorefine/pkg/optimiser"
	"cryorefine/pkg/synthetic"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "cryorefine.yaml", "YAML configuration file")
	createConfig := flag.Bool("create-config", false, "Write the default configuration to -config and exit")
	synthDir := flag.String("synth", "", "Write a synthetic dataset to this directory and refine it")
	synthN := flag.Int("n", 200, "Number of synthetic particles")
	synthNoise := flag.Float64("noise", 1, "Noise standard deviation of synthetic particles")
	flag.Parse()

	if *createConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to create configuration: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if *synthDir != "" {
		mode, _ := cfg.RunMode()
		ps := synthetic.Generate(synthetic.DefaultPhantom(cfg.Basic.Size), synthetic.Params{
			Mode:      mode,
			N:         *synthN,
			Size:      cfg.Basic.Size,
			PixelSize: cfg.Basic.PixelSize,
			TransS:    cfg.Basic.TransS / 2,
			Noise:     *synthNoise,
			Seed:      cfg.Basic.Seed,
		})
		path, err := synthetic.WriteDataset(ctx, *synthDir, ps, cfg.Basic.PixelSize)
		if err != nil {
			log.Fatalf("Failed to write synthetic dataset: %v", err)
		}
		fmt.Printf("Synthetic dataset of %d particles written to %s\n", len(ps), path)
		cfg.Basic.DB = path
	}

	store, err := dataset.OpenSQLite(cfg.Basic.DB)
	if err != nil {
		log.Fatalf("Failed to open particle database: %v", err)
	}
	defer store.Close()

	fmt.Println("================================")
	fmt.Println("CRYO-EM PARTICLE FILTER REFINEMENT")
	fmt.Printf("%s mode, %d classes, %d workers per hemisphere\n",
		cfg.Basic.Mode, cfg.Basic.K, cfg.Basic.ProcessesPerHemisphere)
	fmt.Println("================================")

	startTime := time.Now()
	sum, err := optimiser.RunWorld(ctx, cfg, store, os.Stderr)
	if err != nil {
		log.Fatalf("Refinement failed: %v", err)
	}
	processingTime := time.Since(startTime)

	fmt.Printf("\nRefinement completed in %.2f seconds after %d rounds\n", processingTime.Seconds(), sum.Rounds)
	fmt.Printf("Final search stage: %s\n", sum.Search)
	fmt.Printf("Resolution at FSC %.3f: %.2f A\n", cfg.Advanced.ThresReportFSC, sum.ResolutionA)
	for c, f := range sum.Stats.ClassDistr {
		fmt.Printf("- class %d: %.1f%% of particles\n", c, 100*f)
	}
	if cfg.Output.SaveReference {
		fmt.Printf("References saved to %s\n", cfg.Basic.OutputDir)
		for _, h := range []models.Hemisphere{models.HemisphereA, models.HemisphereB} {
			fmt.Printf("- hemisphere %s: %d references\n", h, len(sum.Refs[h]))
		}
	}
}
