package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/agentcore/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query the running daemon's /healthz",
	RunE:  statusRun,
}

type healthz struct {
	Healthy           bool   `json:"healthy"`
	DBOK              bool   `json:"db_ok"`
	UptimeSeconds     int64  `json:"uptime_seconds"`
	ConfigFingerprint string `json:"config_fingerprint"`
}

func statusRun(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	h, err := fetchHealthz(cmd.Context(), "http://"+cfg.BindAddr+"/healthz")
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w", cfg.BindAddr, err)
	}
	out := cmd.OutOrStdout()
	if jsonFlag {
		return printJSON(out, h)
	}
	fmt.Fprintf(out, "healthy:     %t\n", h.Healthy)
	fmt.Fprintf(out, "database:    %t\n", h.DBOK)
	fmt.Fprintf(out, "uptime:      %s\n", time.Duration(h.UptimeSeconds)*time.Second)
	fmt.Fprintf(out, "config:      %s\n", h.ConfigFingerprint)
	if h.ConfigFingerprint != cfg.Fingerprint() {
		fmt.Fprintln(out, "note:        config.yaml changed since the daemon started; restart to apply")
	}
	return nil
}

func fetchHealthz(ctx context.Context, url string) (healthz, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return healthz{}, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return healthz{}, err
	}
	defer resp.Body.Close()
	var h healthz
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return healthz{}, fmt.Errorf("decode healthz: %w", err)
	}
	return h, nil
}
