package cli

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// resolveServer returns the stats server URL from flag or env.
func resolveServer(flagVal, envVal string) string {
	if flagVal != "" {
		return strings.TrimRight(flagVal, "/")
	}
	if envVal != "" {
		return strings.TrimRight(envVal, "/")
	}
	return ""
}

// Cleanup is the entrypoint for `visitstats cleanup`.
func Cleanup(args []string) error {
	fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
	serverFlag := fs.String("server", "", "stats server URL (default: $VISITSTATS_SERVER)")
	days := fs.Int("days", 30, "keep visits from the last N days (1-365)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: visitstats cleanup [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Delete visits older than the retention period on a running server.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
	}
	fs.Parse(args)

	server := resolveServer(*serverFlag, os.Getenv("VISITSTATS_SERVER"))
	if server == "" {
		return fmt.Errorf("cannot determine server URL; use --server or set VISITSTATS_SERVER")
	}

	deleted, err := requestCleanup(&http.Client{Timeout: time.Minute}, server, *days)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Removed %d visits older than %d days\n", deleted, *days)
	return nil
}

func requestCleanup(client *http.Client, server string, days int) (int64, error) {
	body, err := json.Marshal(map[string]int{"daysToKeep": days})
	if err != nil {
		return 0, err
	}
	resp, err := client.Post(server+"/visits/cleanup", "application/json", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("cleanup request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	var result struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
		Data    struct {
			DeletedCount int64 `json:"deletedCount"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return 0, fmt.Errorf("cleanup failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if resp.StatusCode != http.StatusOK || !result.Success {
		return 0, fmt.Errorf("cleanup failed (%d): %s", resp.StatusCode, result.Message)
	}
	return result.Data.DeletedCount, nil
}
