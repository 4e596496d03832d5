// Citegraphd builds and serves a knowledge base of scientific papers:
// it walks citation graphs from seed papers, enriches each paper with
// LLM summaries, concepts and embeddings, and answers semantic, hybrid
// and graph queries over the result.
//
// Usage:
//
//	# Start the daemon
//	citegraphd serve --config citegraphd.yaml
//
//	# Run a one-shot ingestion without a daemon
//	citegraphd ingest --seeds 2401.00001,2401.00002 --depth 1
//
//	# Query a running daemon
//	citegraphd search "attention mechanisms"
//	citegraphd status
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
)

var (
	configPath string
	serverURL  string
)

var rootCmd = &cobra.Command{
	Use:     "citegraphd",
	Short:   "Scientific paper knowledge-base daemon",
	Version: version + " (" + gitCommit + ")",
	Long: `citegraphd ingests citation graphs from a metadata provider, enriches
papers with an analysis provider, and serves search and graph queries
over HTTP.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (YAML)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8087", "daemon URL for client commands")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(stopCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
