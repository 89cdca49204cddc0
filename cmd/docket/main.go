// Command docket runs the case orchestration engine: the HTTP API, the
// dispatcher worker pool, and the reaper, over Postgres or an embedded
// sqlite database in lite mode.
package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
)

const version = "1.0.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split from main for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(stdout, stderr)
	}
	switch args[1] {
	case "serve", "server":
		return runServe(stdout, stderr)
	case "doctor":
		return runDoctor(stdout, stderr)
	case "health":
		return runHealth(stdout, stderr)
	case "version", "--version", "-v":
		fmt.Fprintf(stdout, "docket %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: docket <command>")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve     Run the engine (default)")
	fmt.Fprintln(w, "  doctor    Check configuration and database connectivity")
	fmt.Fprintln(w, "  health    Probe a running server over HTTP")
	fmt.Fprintln(w, "  version   Print the version")
	fmt.Fprintln(w, "  help      Show this help")
}

func runHealth(stdout, stderr io.Writer) int {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	resp, err := http.Get("http://localhost:" + port + "/health")
	if err != nil {
		fmt.Fprintf(stderr, "health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(stdout, "OK")
	return 0
}
