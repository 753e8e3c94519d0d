package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/smazurov/childwatch/internal/api/models"
	"github.com/smazurov/childwatch/internal/config"
)

// ClientOptions configures commands that talk to a running server.
type ClientOptions struct {
	Config       string
	Server       string `toml:"client.server" env:"CLIENT_SERVER"`
	AuthUsername string `toml:"auth.username" env:"AUTH_USERNAME"`
	AuthPassword string `toml:"auth.password" env:"AUTH_PASSWORD"`
}

func addClientFlags(cmd *cobra.Command, opts *ClientOptions) {
	cmd.Flags().StringVarP(&opts.Config, "config", "c", "config.toml", "Path to configuration file")
	cmd.Flags().StringVarP(&opts.Server, "server", "s", "http://127.0.0.1:8090", "Base URL of the childwatch server")
	cmd.Flags().StringVar(&opts.AuthUsername, "auth-username", "admin", "Basic auth username")
	cmd.Flags().StringVar(&opts.AuthPassword, "auth-password", "password", "Basic auth password")
}

// apiClient is a minimal JSON client for the server's HTTP API.
type apiClient struct {
	base     string
	user     string
	password string
	http     *http.Client
}

func newAPIClient(opts *ClientOptions) *apiClient {
	return &apiClient{
		base:     strings.TrimRight(opts.Server, "/"),
		user:     opts.AuthUsername,
		password: opts.AuthPassword,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

// do sends a request and decodes a successful JSON response into out.
func (c *apiClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var problem struct {
			Title  string `json:"title"`
			Detail string `json:"detail"`
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(body, &problem) == nil && problem.Detail != "" {
			return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, problem.Detail)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// CreatePsCmd creates the ps command.
func CreatePsCmd() *cobra.Command {
	opts := &ClientOptions{}

	cmd := &cobra.Command{
		Use:   "ps",
		Short: "List the children of a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadConfig(opts, cmd); err != nil {
				return err
			}
			var list models.ChildListData
			if err := newAPIClient(opts).do(cmd.Context(), http.MethodGet, "/api/children", &list); err != nil {
				return err
			}
			return writeChildTable(cmd.OutOrStdout(), list.Children)
		},
	}
	addClientFlags(cmd, opts)
	return cmd
}

// CreateKillCmd creates the kill command.
func CreateKillCmd() *cobra.Command {
	opts := &ClientOptions{}

	cmd := &cobra.Command{
		Use:   "kill ID...",
		Short: "Stop children of a running server",
		Long:  `Asks the server to kill each named child with SIGTERM, then SIGINT, then SIGKILL.`,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadConfig(opts, cmd); err != nil {
				return err
			}
			client := newAPIClient(opts)
			stopped := make([]models.ChildData, 0, len(args))
			for _, id := range args {
				var child models.ChildData
				path := "/api/children/" + url.PathEscape(id) + "/stop"
				if err := client.do(cmd.Context(), http.MethodPost, path, &child); err != nil {
					return err
				}
				stopped = append(stopped, child)
			}
			return writeChildTable(cmd.OutOrStdout(), stopped)
		},
	}
	addClientFlags(cmd, opts)
	return cmd
}

func writeChildTable(w io.Writer, list []models.ChildData) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tPID\tSTATUS\tOUTCOME\tCOMMAND")
	for _, c := range list {
		status := "-"
		if c.Outcome == "exited" {
			status = fmt.Sprint(c.Status)
		} else if c.Signal != "" {
			status = c.Signal
		}
		pid := "-"
		if c.PID > 0 {
			pid = fmt.Sprint(c.PID)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", c.ID, c.State, pid, status, c.Outcome, c.Command)
	}
	return tw.Flush()
}
