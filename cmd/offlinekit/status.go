package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/offlinekit"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and layer status",
	Long:  "Display the current configuration, then fetch live status from a running 'offlinekit serve' through its admin API.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Storage:     %s %s\n", cfg.Storage.Type, storageLocation(cfg.Storage))
		fmt.Printf("  Sync URL:    %s\n", valueOrDefault(cfg.Sync.URL, "(not set, offline only)"))
		if cfg.Sync.Token != "" {
			fmt.Printf("  Sync Token:  %s\n", maskKey(cfg.Sync.Token))
		}
		fmt.Printf("  Cache:       %d entries, ttl %s\n", cfg.Cache.MaxSize, cfg.Cache.DefaultTTL)
		fmt.Printf("  Admin:       %s\n", cfg.Admin.Addr)

		fmt.Println()
		fmt.Println("Services:")
		if len(cfg.Services) == 0 {
			fmt.Println("  (none configured)")
		}
		for _, s := range cfg.Services {
			limit := "unlimited"
			if s.RateLimitRequests > 0 {
				limit = fmt.Sprintf("%d per %s", s.RateLimitRequests, valueOrDefault(s.RateLimitWindow, "?"))
			}
			fmt.Printf("  %-14s %s (%s)\n", s.Name, s.BaseURL, limit)
		}

		fmt.Println()
		fmt.Println("Live status:")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		status, err := fetchStatus(ctx, cfg.Admin)
		if err != nil {
			fmt.Printf("  Not running (%v)\n", err)
			return nil
		}

		fmt.Printf("  Connection:      %s\n", status.Connection)
		if status.ReconnectAttempts > 0 {
			fmt.Printf("  Reconnects:      %d\n", status.ReconnectAttempts)
		}
		fmt.Printf("  Pending actions: %d\n", status.PendingActions)
		fmt.Printf("  Pending sends:   %d\n", status.PendingOutbound)
		fmt.Printf("  Cache:           %d/%d (hit rate %.0f%%)\n",
			status.Cache.Size, status.Cache.MaxSize, status.Cache.HitRate*100)
		fmt.Printf("  Requests:        %d (%d cached, %d retries, %d rate limited)\n",
			status.Gateway.Requests, status.Gateway.CacheHits, status.Gateway.Retries, status.Gateway.RateLimited)
		return nil
	},
}

func fetchStatus(ctx context.Context, admin AdminConfig) (*offlinekit.LayerStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+admin.Addr+"/status", nil)
	if err != nil {
		return nil, err
	}
	if admin.Token != "" {
		req.Header.Set("Authorization", "Bearer "+admin.Token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var envelope struct {
		OK    bool                   `json:"ok"`
		Data  offlinekit.LayerStatus `json:"data"`
		Error *offlinekit.APIError   `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	if !envelope.OK {
		if envelope.Error != nil {
			return nil, envelope.Error
		}
		return nil, fmt.Errorf("admin API returned HTTP %d", resp.StatusCode)
	}
	return &envelope.Data, nil
}

func storageLocation(s StorageConfig) string {
	switch s.Type {
	case "mysql":
		return "(dsn configured)"
	case "memory":
		return ""
	default:
		return s.Path
	}
}

// maskKey shows the first 4 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
