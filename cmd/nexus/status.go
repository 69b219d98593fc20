// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nexus Portal Contributors

package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mystikil/Thenexusv2/internal/config"
)

// PortalStatus holds the probe results for a running portal.
type PortalStatus struct {
	Addr  string `json:"addr"`
	Live  bool   `json:"live"`
	Ready bool   `json:"ready"`
	Error string `json:"error,omitempty"`
}

type statusConfig struct {
	jsonOutput bool
	addr       string
}

// newStatusCmd creates the status subcommand with all flags configured.
func newStatusCmd() *cobra.Command {
	cfg := &statusConfig{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Probe a running portal's health endpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, cfg)
		},
	}

	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output status as JSON")
	cmd.Flags().StringVar(&cfg.addr, "addr", "", "portal address (defaults to server.addr from config)")

	return cmd
}

func runStatus(cmd *cobra.Command, cfg *statusConfig) error {
	addr := cfg.addr
	if addr == "" {
		loaded, err := config.Load(configFile, nil)
		if err != nil {
			return err
		}
		addr = loaded.Server.Addr
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}

	status := probePortal(addr)

	if cfg.jsonOutput {
		out, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to format JSON: %w", err)
		}
		cmd.Println(string(out))
		return nil
	}
	cmd.Println(formatStatusTable(status))
	return nil
}

func probePortal(addr string) PortalStatus {
	status := PortalStatus{Addr: addr}
	client := &http.Client{Timeout: 3 * time.Second}

	live, err := probe(client, "http://"+addr+"/healthz/liveness")
	if err != nil {
		status.Error = err.Error()
		return status
	}
	status.Live = live

	ready, err := probe(client, "http://"+addr+"/healthz/readiness")
	if err != nil {
		status.Error = err.Error()
		return status
	}
	status.Ready = ready
	return status
}

func probe(client *http.Client, url string) (bool, error) {
	resp, err := client.Get(url)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close() //nolint:errcheck // probe response body is discarded
	return resp.StatusCode == http.StatusOK, nil
}

func formatStatusTable(status PortalStatus) string {
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ADDR\tLIVE\tREADY\tERROR")
	fmt.Fprintf(w, "%s\t%t\t%t\t%s\n", status.Addr, status.Live, status.Ready, status.Error)
	_ = w.Flush()
	return strings.TrimRight(b.String(), "\n")
}
