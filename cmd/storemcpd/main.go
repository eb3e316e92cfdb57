// storemcpd: development MCP store server
//
// Serves the agent's SQL tool surface (list_databases, list_tables,
// describe_table, execute_read_only_query, execute_query,
// batch_execute and the knowledge convenience tools) over stdio,
// backed by a local SQLite file. A stand-in for the hosted store
// during development and tests — nothing syncs anywhere.
//
// Usage:
//
//	storemcpd serve [-db <path>] [-name <database>]
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/dfarias/augur/internal/storemcp"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := run(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "--help", "-h", "help":
		printUsage()
		os.Exit(0)
	case "--version", "-v", "version":
		fmt.Printf("storemcpd v%s\n", storemcp.Version)
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	dbPath := fs.String("db", envOr("STOREMCP_DB", "data/store.db"), "SQLite file path")
	dbName := fs.String("name", envOr("STORE_DEFAULT_DATABASE", "agent"), "logical database name")
	if err := fs.Parse(args); err != nil {
		return err
	}

	st, err := storemcp.Open(*dbPath, *dbName)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() { _ = st.Close() }()

	// Diagnostics go to stderr; stdout belongs to the MCP transport.
	fmt.Fprintf(os.Stderr, "storemcpd v%s serving %q from %s\n", storemcp.Version, *dbName, *dbPath)

	return server.ServeStdio(storemcp.NewServer(st))
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `storemcpd v%s — development MCP store server (stdio transport)

Usage:
  storemcpd serve [-db <path>] [-name <database>]

Pair it with the agent:
  MCP_COMMAND=storemcpd MCP_ARGS="serve -db data/store.db" augur
`, storemcp.Version)
}
