package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/citegraph/citegraphd/internal/pipeline"
	"github.com/citegraph/citegraphd/internal/server"
)

// httpClient is shared by the client subcommands.
var httpClient = &http.Client{Timeout: 30 * time.Second}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show ingestion status of a running daemon",
	RunE:  runStatus,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the active ingestion run on a running daemon",
	RunE:  runStop,
}

var (
	searchLimit    int
	searchSemantic bool
	searchCategory string
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search papers on a running daemon",
	Long: `Search the knowledge base. Hybrid ranking (similarity blended with
citation influence) is the default; --semantic ranks by similarity only.

Examples:
  citegraphd search "attention mechanisms"
  citegraphd search --semantic --category cs.LG "graph neural networks"`,
	Args: cobra.ExactArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().IntVar(&searchLimit, "limit", 10, "max results")
	searchCmd.Flags().BoolVar(&searchSemantic, "semantic", false, "similarity-only ranking")
	searchCmd.Flags().StringVar(&searchCategory, "category", "", "filter by category (semantic only)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	var status pipeline.Status
	if err := getJSON(serverURL+"/api/ingestion/status", &status); err != nil {
		return err
	}
	out, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	resp, err := httpClient.Post(serverURL+"/api/ingestion/stop", "application/json", nil)
	if err != nil {
		return fmt.Errorf("contacting daemon: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon returned %s: %s", resp.Status, body)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "run stopped")
	return nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	params := url.Values{}
	params.Set("q", args[0])
	params.Set("limit", strconv.Itoa(searchLimit))

	endpoint := serverURL + "/api/search/hybrid"
	if searchSemantic {
		endpoint = serverURL + "/api/search/semantic"
		if searchCategory != "" {
			params.Set("category", searchCategory)
		}
	}

	var resp server.SearchResponse
	if err := getJSON(endpoint+"?"+params.Encode(), &resp); err != nil {
		return err
	}

	if len(resp.Hits) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no results")
		return nil
	}
	for i, hit := range resp.Hits {
		fmt.Fprintf(cmd.OutOrStdout(), "%2d. [%.3f] %s  %s\n", i+1, hit.Score, hit.Paper.ID, hit.Paper.Title)
	}
	return nil
}

func getJSON(endpoint string, out any) error {
	resp, err := httpClient.Get(endpoint)
	if err != nil {
		return fmt.Errorf("contacting daemon: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon returned %s: %s", resp.Status, body)
	}
	return json.Unmarshal(body, out)
}
