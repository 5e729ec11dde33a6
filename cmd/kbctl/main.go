// Package main is the entry point for kbctl, the knowledge base operator CLI.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/knowledgebase/kbsubsystem/internal/config"
)

var (
	// Version is set at build time.
	Version = "dev"
	// BuildTime is set at build time.
	BuildTime = "unknown"
)

// client talks to kbd over its Unix socket, mirroring the daemon's thin
// HTTP surface with no TCP port ever opened.
type client struct {
	httpClient *http.Client
	baseURL    string
}

func newClient(socketPath string) *client {
	return &client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					return net.Dial("unix", socketPath)
				},
			},
			Timeout: 30 * time.Second,
		},
		baseURL: "http://localhost",
	}
}

func (c *client) get(path string) ([]byte, error) {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (c *client) post(path string, body any) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(data)
	}
	resp, err := c.httpClient.Post(c.baseURL+path, "application/json", reqBody)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (c *client) put(path string, body any) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPut, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (c *client) delete(path string) error {
	req, err := http.NewRequest(http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *client) postFile(path, fieldPath string, fields map[string]string) ([]byte, error) {
	f, err := os.Open(fieldPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", fieldPath, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(fieldPath))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, err
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Post(c.baseURL+path, mw.FormDataContentType(), &buf)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

var socketPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "kbctl",
		Short: "kbctl - knowledge base daemon operator CLI",
		Long: `kbctl talks to kbd over its Unix socket to trigger and inspect
sync runs and to run orphan/embedding reconciliation passes.`,
		Version: fmt.Sprintf("%s (built %s)", Version, BuildTime),
	}

	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", defaultSocketPath(),
		"Unix socket path for daemon communication")

	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(uploadCmd())
	rootCmd.AddCommand(settingsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func defaultSocketPath() string {
	cfg, err := config.Load()
	if err != nil {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".kbsubsystem", "kbd.sock")
	}
	return cfg.SocketPath
}

func printJSON(raw []byte) {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return
	}
	fmt.Println(pretty.String())
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon health and readiness",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(socketPath)
			raw, err := c.get("/api/v1/status")
			if err != nil {
				return fmt.Errorf("query daemon status: %w", err)
			}
			printJSON(raw)
			return nil
		},
	}
}

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Trigger or inspect portal/website sync runs",
	}
	cmd.AddCommand(syncTriggerCmd())
	cmd.AddCommand(syncStatusCmd())
	return cmd
}

func syncTriggerCmd() *cobra.Command {
	var triggeredBy string

	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Trigger a sync run",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(socketPath)
			path := "/api/v1/sync/trigger"
			if triggeredBy != "" {
				path += "?triggered_by=" + triggeredBy
			}
			raw, err := c.post(path, nil)
			if err != nil {
				return fmt.Errorf("trigger sync: %w", err)
			}
			printJSON(raw)
			return nil
		},
	}
	cmd.Flags().StringVar(&triggeredBy, "by", "", "Identify who/what triggered this run")
	return cmd
}

func syncStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current or most recent sync run's status",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(socketPath)
			raw, err := c.get("/api/v1/sync/status")
			if err != nil {
				return fmt.Errorf("query sync status: %w", err)
			}
			printJSON(raw)
			return nil
		},
	}
}

func uploadCmd() *cobra.Command {
	var sourceType string
	var uploadedBy string
	var chatID string

	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a file through the operator ingestion path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if sourceType == "" {
				return fmt.Errorf("--source is required")
			}
			c := newClient(socketPath)
			raw, err := c.postFile("/api/v1/upload", args[0], map[string]string{
				"source_type": sourceType,
				"uploaded_by": uploadedBy,
				"chat_id":     chatID,
			})
			if err != nil {
				return fmt.Errorf("upload: %w", err)
			}
			printJSON(raw)
			return nil
		},
	}
	cmd.Flags().StringVar(&sourceType, "source", "admin", "Source type: admin or user")
	cmd.Flags().StringVar(&uploadedBy, "by", "", "Uploader identity")
	cmd.Flags().StringVar(&chatID, "chat-id", "", "Chat UUID for a user attachment")
	return cmd
}

func settingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Inspect and edit runtime settings",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all runtime settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(socketPath)
			raw, err := c.get("/api/v1/settings/")
			if err != nil {
				return fmt.Errorf("list settings: %w", err)
			}
			printJSON(raw)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get <key>",
		Short: "Get a runtime setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(socketPath)
			raw, err := c.get("/api/v1/settings/" + args[0])
			if err != nil {
				return fmt.Errorf("get setting: %w", err)
			}
			printJSON(raw)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <json-value>",
		Short: "Set a runtime setting to a JSON value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var value any
			if err := json.Unmarshal([]byte(args[1]), &value); err != nil {
				return fmt.Errorf("value must be valid JSON: %w", err)
			}
			c := newClient(socketPath)
			raw, err := c.put("/api/v1/settings/"+args[0], value)
			if err != nil {
				return fmt.Errorf("set setting: %w", err)
			}
			printJSON(raw)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a runtime setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(socketPath)
			if err := c.delete("/api/v1/settings/" + args[0]); err != nil {
				return fmt.Errorf("delete setting: %w", err)
			}
			fmt.Println("deleted")
			return nil
		},
	})

	return cmd
}

func reconcileCmd() *cobra.Command {
	var sourceType string
	var dryRun bool
	var repair bool

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run orphan cleanup and embedding repair for a source type",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sourceType == "" {
				return fmt.Errorf("--source is required")
			}
			c := newClient(socketPath)
			raw, err := c.post("/api/v1/reconcile/run", map[string]any{
				"source_type": sourceType,
				"dry_run":     dryRun,
				"repair":      repair,
			})
			if err != nil {
				return fmt.Errorf("run reconcile: %w", err)
			}
			printJSON(raw)
			return nil
		},
	}
	cmd.Flags().StringVar(&sourceType, "source", "", "Source type: portal, website, admin, user")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report embedding repairs without writing them")
	cmd.Flags().BoolVar(&repair, "repair", false, "Also run the embedding repair pass")
	return cmd
}
