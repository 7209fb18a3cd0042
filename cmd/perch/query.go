package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
)

// apiAddr resolves the address of a running perch serve instance: the
// --addr flag when set, otherwise the configured listen address.
func apiAddr(cmd *cobra.Command) (string, error) {
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		return addr, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.Listen, nil
}

func apiGet(cmd *cobra.Command, path string) ([]byte, error) {
	addr, err := apiAddr(cmd)
	if err != nil {
		return nil, err
	}
	resp, err := http.Get("http://" + addr + path)
	if err != nil {
		return nil, fmt.Errorf("is 'perch serve' running? %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("%s", apiErr.Error)
		}
		return nil, fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	return raw, nil
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the documents of a running vault",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := apiGet(cmd, "/documents")
		if err != nil {
			return err
		}
		var out struct {
			Documents []string `json:"documents"`
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return err
		}
		for _, path := range out.Documents {
			fmt.Println(path)
		}
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <node-id>",
	Short: "Show one node as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := apiGet(cmd, "/nodes/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		fmt.Println(strings.TrimSpace(string(raw)))
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search nodes in a running vault",
	Long: `Search the indexed nodes. Filters combine with AND.

Example usage:
  perch search --state TODO
  perch search --state TODO --label home
  perch search --text plumber --due-before "next friday"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if v, _ := cmd.Flags().GetString("state"); v != "" {
			q.Set("state", v)
		}
		if v, _ := cmd.Flags().GetString("label"); v != "" {
			q.Set("label", v)
		}
		if v, _ := cmd.Flags().GetString("text"); v != "" {
			q.Set("q", v)
		}
		if v, _ := cmd.Flags().GetString("due-before"); v != "" {
			q.Set("due_before", v)
		}

		raw, err := apiGet(cmd, "/search?"+q.Encode())
		if err != nil {
			return err
		}
		var out struct {
			Results []struct {
				ID    string `json:"id"`
				Title string `json:"title"`
				State string `json:"state"`
				Path  string `json:"path"`
			} `json:"results"`
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return err
		}
		for _, res := range out.Results {
			state := res.State
			if state == "" {
				state = "-"
			}
			fmt.Printf("%s  %-9s  %-24s  %s\n", res.ID, state, res.Path, res.Title)
		}
		fmt.Printf("%d result(s)\n", len(out.Results))
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{listCmd, getCmd, searchCmd} {
		cmd.Flags().String("addr", "", "address of the running server (default: listen address from config)")
		rootCmd.AddCommand(cmd)
	}
	searchCmd.Flags().String("state", "", "filter by state keyword")
	searchCmd.Flags().String("label", "", "filter by label")
	searchCmd.Flags().String("text", "", "filter by title/body text")
	searchCmd.Flags().String("due-before", "", "filter by deadline cutoff (date or natural language)")
}
