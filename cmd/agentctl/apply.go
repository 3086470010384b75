package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Deploy an agent from a YAML manifest",
	Long: `Deploy an agent from a YAML manifest.

Example:
  agentctl apply -f echo-agent.yaml --node 127.0.0.1:9100`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "Agent manifest YAML file (required)")
	applyCmd.Flags().String("node", "127.0.0.1:9100", "Target node's metrics/agents address")
	_ = applyCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(applyCmd)
}

// agentManifest is the declarative resource format an operator writes
// by hand: apiVersion/kind/metadata mirror the shape of every other
// manifest kind this CLI might grow, even though Agent is the only kind
// implemented today.
type agentManifest struct {
	APIVersion string         `yaml:"apiVersion"`
	Kind       string         `yaml:"kind"`
	Metadata   agentMetadata  `yaml:"metadata"`
	Spec       agentSpec      `yaml:"spec"`
}

type agentMetadata struct {
	Name string `yaml:"name"`
}

type agentSpec struct {
	Module       string   `yaml:"module"`
	Preset       string   `yaml:"preset"`
	Capabilities []string `yaml:"capabilities"`
	Restart      string   `yaml:"restart"`
}

type deployRequest struct {
	Name         string   `json:"name"`
	ModuleB64    string   `json:"module"`
	Capabilities []string `json:"capabilities"`
	Preset       string   `json:"preset"`
	Restart      string   `json:"restart"`
}

type deployResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	nodeAddr, _ := cmd.Flags().GetString("node")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}

	var manifest agentManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("parse manifest YAML: %w", err)
	}
	if manifest.Kind != "Agent" {
		return fmt.Errorf("unsupported resource kind: %s", manifest.Kind)
	}
	if manifest.Metadata.Name == "" {
		return fmt.Errorf("metadata.name is required")
	}
	if manifest.Spec.Module == "" {
		return fmt.Errorf("spec.module is required")
	}

	moduleBytes, err := os.ReadFile(manifest.Spec.Module)
	if err != nil {
		return fmt.Errorf("read module %s: %w", manifest.Spec.Module, err)
	}

	req := deployRequest{
		Name:         manifest.Metadata.Name,
		ModuleB64:    base64.StdEncoding.EncodeToString(moduleBytes),
		Capabilities: manifest.Spec.Capabilities,
		Preset:       manifest.Spec.Preset,
		Restart:      manifest.Spec.Restart,
	}

	fmt.Printf("Deploying agent: %s (%d bytes) -> %s\n", req.Name, len(moduleBytes), nodeAddr)
	resp, err := postDeploy(nodeAddr, req)
	if err != nil {
		return fmt.Errorf("deploy request failed: %w", err)
	}
	if !resp.Accepted {
		return fmt.Errorf("node rejected deployment: %s", resp.Reason)
	}

	fmt.Printf("✓ Agent deployed: %s\n", req.Name)
	return nil
}

func postDeploy(nodeAddr string, req deployRequest) (*deployResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	client := &http.Client{Timeout: 15 * time.Second}
	httpResp, err := client.Post("http://"+nodeAddr+"/agents", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	var resp deployResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}
