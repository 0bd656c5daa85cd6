// Command larue scores LaRue County public-meeting decisions against the
// civic rubric, detects drift in officials' voting and serves the results.
//
// Usage:
//
//	larue ingest bundle.json
//	larue run [--window-days=7] [--workers=N]
//	larue score | drift
//	larue rubric check [--rubric-dir=./rubric]
//	larue serve [--port=8080]
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
