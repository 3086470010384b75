package config

import "github.com/spf13/cobra"

// BindFlags registers the node daemon's local flags on cmd,
// mirroring the way the CLI's subcommands each declare their own flag
// set with per-command defaults.
func BindFlags(cmd *cobra.Command) {
	cmd.Flags().String("node-id", "", "Unique node ID (required)")
	cmd.Flags().String("config", "", "Path to a YAML node config file")
	cmd.Flags().String("bind-addr", "", "Address for directory raft communication")
	cmd.Flags().String("listen-addr", "", "Address for the node-to-node transport")
	cmd.Flags().String("data-dir", "", "Data directory for directory and storage state")
	cmd.Flags().Bool("bootstrap", false, "Bootstrap a new cluster instead of joining one")
	cmd.Flags().String("join-addr", "", "Address of an existing node to join")
	cmd.Flags().String("log-level", "", "Log level (debug, info, warn, error)")
	cmd.Flags().Bool("log-json", false, "Output logs in JSON format")
	cmd.Flags().String("metrics-addr", "", "Address for the Prometheus/health endpoints")
	cmd.Flags().Bool("enable-pprof", false, "Enable pprof profiling endpoints on the metrics server")
}

// ApplyFlags overlays any flags the user actually set on cmd onto n,
// taking priority over whatever a --config file supplied.
func ApplyFlags(n *Node, cmd *cobra.Command) {
	flags := cmd.Flags()

	if v, _ := flags.GetString("node-id"); v != "" {
		n.NodeID = v
	}
	if v, _ := flags.GetString("bind-addr"); v != "" {
		n.Directory.BindAddr = v
	}
	if v, _ := flags.GetString("listen-addr"); v != "" {
		n.Transport.ListenAddr = v
	}
	if v, _ := flags.GetString("data-dir"); v != "" {
		n.Directory.DataDir = v
	}
	if flags.Changed("bootstrap") {
		v, _ := flags.GetBool("bootstrap")
		n.Directory.Bootstrap = v
	}
	if v, _ := flags.GetString("join-addr"); v != "" {
		n.Directory.JoinAddr = v
	}
	if v, _ := flags.GetString("log-level"); v != "" {
		n.Log.Level = v
	}
	if flags.Changed("log-json") {
		v, _ := flags.GetBool("log-json")
		n.Log.JSON = v
	}
	if v, _ := flags.GetString("metrics-addr"); v != "" {
		n.Metrics.ListenAddr = v
	}
	if flags.Changed("enable-pprof") {
		v, _ := flags.GetBool("enable-pprof")
		n.Metrics.EnablePprof = v
	}
}
