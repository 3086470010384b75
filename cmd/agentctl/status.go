package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report a node's health and readiness",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().String("addr", "127.0.0.1:9100", "Node metrics/health address")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")

	health, err := fetchJSON(addr, "/health")
	if err != nil {
		return fmt.Errorf("fetch health: %w", err)
	}
	ready, err := fetchJSON(addr, "/ready")
	if err != nil {
		return fmt.Errorf("fetch readiness: %w", err)
	}

	fmt.Printf("node:   %s\n", addr)
	fmt.Printf("status: %s\n", health["status"])
	fmt.Printf("ready:  %s\n", ready["status"])
	if version, ok := health["version"]; ok {
		fmt.Printf("version: %v\n", version)
	}
	if uptime, ok := health["uptime"]; ok {
		fmt.Printf("uptime: %v\n", uptime)
	}
	if components, ok := health["components"].(map[string]interface{}); ok {
		fmt.Println("components:")
		for name, state := range components {
			fmt.Printf("  %-12s %v\n", name, state)
		}
	}
	return nil
}

func fetchJSON(addr, path string) (map[string]interface{}, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + addr + path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var out map[string]interface{}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode response from %s: %w", path, err)
	}
	return out, nil
}
