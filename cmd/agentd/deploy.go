package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/agentmesh/mesh/pkg/agent"
	"github.com/agentmesh/mesh/pkg/config"
	"github.com/agentmesh/mesh/pkg/sandbox"
	"github.com/agentmesh/mesh/pkg/scheduler"
	"github.com/agentmesh/mesh/pkg/supervisor"
	"github.com/agentmesh/mesh/pkg/types"
	"github.com/rs/zerolog"
)

// deployRequest is the body agentctl apply sends to spawn an agent on
// this node. ModuleB64 carries the compiled WebAssembly module; router
// addressing and restart policy are resolved from the node's own
// defaults unless overridden.
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

// deployHandler instantiates a guest module and hands it to the
// supervisor. It is intentionally node-local: the operator CLI picks
// which node's /agents endpoint to call, rather than this node
// forwarding a placement decision on the caller's behalf.
type deployHandler struct {
	nodeID string
	cfg    *config.Node
	sup    *supervisor.Supervisor
	rtr    interface {
		Route(ctx context.Context, msg types.Message) error
	}
	logger zerolog.Logger
}

func (h *deployHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req deployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDeployResponse(w, http.StatusBadRequest, false, "invalid request body: "+err.Error())
		return
	}
	if req.Name == "" {
		writeDeployResponse(w, http.StatusBadRequest, false, "name is required")
		return
	}

	moduleBytes, err := base64.StdEncoding.DecodeString(req.ModuleB64)
	if err != nil {
		writeDeployResponse(w, http.StatusBadRequest, false, "module is not valid base64: "+err.Error())
		return
	}

	caps := capabilitiesFor(req)
	limits := sandbox.Limits{
		MaxExecutionTimeMS: h.cfg.Sandbox.MaxExecutionTimeMS,
		MaxMemoryBytes:     h.cfg.Sandbox.MaxMemoryPages,
		StorageQuotaBytes:  h.cfg.Sandbox.StorageQuotaBytes,
	}

	id := types.AgentId{Name: req.Name}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	runtime, err := sandbox.Instantiate(ctx, id, moduleBytes, caps, limits)
	if err != nil {
		writeDeployResponse(w, http.StatusUnprocessableEntity, false, "instantiate module: "+err.Error())
		return
	}

	executor := agent.NewGuestExecutor(context.Background(), runtime)
	sched := scheduler.New(req.Name, executor, func() int64 { return time.Now().UnixMilli() })
	runtime.SetBehaviorHost(sched)
	task := agent.New(id, runtime, sched, h.rtr, h.cfg.Sandbox.TickInterval)

	restartCfg := h.cfg.Restart
	if req.Restart != "" {
		restartCfg.Strategy = req.Restart
	}

	h.sup.Spawn(req.Name, task, moduleBytes, req.Capabilities, restartCfg.BuildRestartStrategy())
	h.logger.Info().Str("agent", req.Name).Int("capabilities", len(caps)).Msg("agent deployed")
	writeDeployResponse(w, http.StatusOK, true, "")
}

func capabilitiesFor(req deployRequest) []sandbox.Capability {
	switch req.Preset {
	case "trusted-local":
		return sandbox.PresetTrustedLocal
	case "full":
		return sandbox.PresetFull
	case "untrusted", "":
		return sandbox.PresetUntrusted
	default:
		caps := make([]sandbox.Capability, 0, len(req.Capabilities))
		for _, c := range req.Capabilities {
			caps = append(caps, sandbox.Capability(c))
		}
		return caps
	}
}

func writeDeployResponse(w http.ResponseWriter, status int, accepted bool, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(deployResponse{Accepted: accepted, Reason: reason})
}
