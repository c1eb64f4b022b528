// Package app wires the notchsim components into a single non-interactive run.
//
// # Run Flow
//
// A Runner performs, in order:
//
//  1. Load configuration (defaults, optional YAML or TOML file, NOTCH_* environment)
//  2. Initialize logging and OpenTelemetry
//  3. Load the firm table and group it into one sample per sector
//  4. Run every sector through the bunching engine concurrently
//  5. Simulate the configured threshold reforms for each successful sector
//  6. Write the record tables and, with Prometheus metrics enabled, a metrics text file
//
// # Usage
//
//	runner, err := app.New("notchsim.yaml")
//	if err != nil {
//	    return err
//	}
//	report, err := runner.Execute()
//
// Execute cancels the run on SIGINT or SIGTERM and always flushes telemetry.
// Sector failures do not stop the batch unless batch.fail_fast is set; they are
// reported in the summary table and in Report.Failed.
//
// # Error Handling
//
// All errors are returned to the caller. The package never calls os.Exit.
package app
