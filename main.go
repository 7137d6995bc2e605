// Command bookingwatch runs the booking conversion detector.
//
// Usage:
//
//	bookingwatch serve [--config path] [--env-file path]
//	bookingwatch watch <url> [--timeout 10m] [--stop-on-conversion]
//
// serve exposes the ingest API that host pages post evidence to. watch drives a
// local Chrome tab and prints the session summary when the tab closes.
package main

import (
	"github.com/JakeFAU/bookingwatch/cmd"
)

// main defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
