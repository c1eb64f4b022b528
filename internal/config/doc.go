// Package config provides configuration loading for notchsim. It resolves
// defaults, an optional YAML or TOML file and environment variables into one
// validated Config and converts it into the immutable values the bunching
// engine consumes.
//
// # Configuration Sources
//
// Configuration is loaded from the following sources in order of precedence:
//
//  1. Environment variables (highest priority)
//  2. Configuration file (.yaml, .yml or .toml)
//  3. Default values (lowest priority)
//
// Keys absent from the file keep their defaults; unknown YAML keys are an error.
//
// # Environment Variables
//
// All environment variables follow the pattern NOTCH_<SECTION>_<FIELD>:
//
//	NOTCH_ANALYSIS_BIN_WIDTH=250
//	NOTCH_ANALYSIS_REFINEMENT_ENABLED=true
//	NOTCH_WEDGE_EFFECTIVE=0.05
//	NOTCH_SECTORS_PASS_THROUGH=G47:0.95,C10:0.8
//	NOTCH_LOGGING_LEVEL=debug
//
// # Validation
//
// Struct tags are checked with go-playground/validator, followed by the rules
// that span fields:
//
//   - the threshold lies strictly inside the support
//   - the support covers the exclusion window
//   - the bin width divides the support range
//   - policy thresholds lie inside the support
//
// Every failure is an errors.AppError of type CONFIG.
//
// # Usage
//
//	cfg, err := config.Load("notchsim.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	engine, err := bunching.NewEngine(cfg.AnalysisConfig(), logger)
package config
