package bunching

import (
	"context"
	"fmt"
	"log/slog"
	"os"
)

// Example_basicUsage runs the full pipeline on a binned sample with bunching
// below a threshold of 25 and then simulates moving the threshold to 35.
func Example_basicUsage() {
	ctx := context.Background()

	// Flat density with 10 extra firms per bin just below the threshold and
	// 10 missing per bin just above it
	rows := make([]BinCount, 50)
	for i := range rows {
		count := 50.0
		switch {
		case i >= 20 && i < 25:
			count += 10
		case i >= 25 && i < 30:
			count -= 10
		}
		rows[i] = BinCount{Lo: float64(i), Count: count}
	}

	cfg := DefaultConfig()
	cfg.BinWidth = 1
	cfg.SupportMin, cfg.SupportMax = 0, 50
	cfg.Window = Window{Threshold: 25, Left: 5, Right: 5}
	cfg.PolyOrder = 2

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	engine, err := NewEngine(cfg, logger)
	if err != nil {
		fmt.Printf("Error creating engine: %v\n", err)
		return
	}

	tauE := 0.05
	result, err := engine.Run(ctx, RunInput{
		Sample:         Sample{Sector: "G47", Binned: rows},
		EffectiveWedge: &tauE,
		Policy:         &PolicyInput{Window: Window{Threshold: 35, Left: 5, Right: 5}},
	})
	if err != nil {
		fmt.Printf("Error running analysis: %v\n", err)
		return
	}

	fmt.Printf("Excess mass: %.1f\n", result.Statistics.Excess)
	fmt.Printf("Bunching ratio: %.3f\n", result.Statistics.Ratio)
	fmt.Printf("Sigma: %.3f\n", result.Elasticity.Sigma)
	fmt.Printf("Displaced share: %.3f\n", result.Elasticity.DisplacedShare)
	fmt.Printf("Bunchers mapped: %d\n", len(result.LowerWindowMappings()))
	fmt.Printf("Relocated at new threshold: %.1f\n", result.Policy.Relocated)

	// Output:
	// Excess mass: 50.0
	// Bunching ratio: 0.200
	// Sigma: 8.310
	// Displaced share: 0.333
	// Bunchers mapped: 5
	// Relocated at new threshold: 50.0
}
