// Package main provides the entry point for the persons-etl CLI.
//
// persons-etl extracts person records from a paginated data service,
// anonymizes the configured PII fields and prints an aggregate report.
//
// Usage:
//
//	persons-etl run [--config persons-etl.yaml] [--format markdown]
//	persons-etl validate
//
// See --help for all available options.
package main

func main() {
	Execute()
}
