package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fleetmesh/agent/internal/docker"
	"github.com/fleetmesh/agent/internal/hooks"
)

// EchoHandler implements the "echo" command: it reports its parameters back
// verbatim as the result. This is the command the idempotency
// scenario submits, so it doubles as a smoke test for the whole assignment
// → ack → result round trip.
func EchoHandler(_ context.Context, job JobAssignment, _ ProgressFunc, _ LogFunc) ([]byte, error) {
	return job.Parameters, nil
}

type shellExecParams struct {
	Command string `json:"command"`
}

// NewShellExecHandler returns the "shell.exec" handler: it runs
// Parameters.command in a host shell via the hooks runner and reports the
// combined stdout/stderr as a single log line before returning it as the
// job result.
func NewShellExecHandler(runner *hooks.Runner) Handler {
	return func(ctx context.Context, job JobAssignment, progress ProgressFunc, log LogFunc) ([]byte, error) {
		var params shellExecParams
		if err := json.Unmarshal(job.Parameters, &params); err != nil {
			return nil, fmt.Errorf("invalid parameters: %w", err)
		}
		if params.Command == "" {
			return nil, fmt.Errorf("parameters.command is required")
		}

		progress(0, "running shell command")
		result, err := runner.Run(ctx, params.Command)
		if result != nil && result.Output != "" {
			log(result.Output)
		}
		if err != nil {
			return nil, err
		}
		progress(100, "shell command completed")
		return json.Marshal(result)
	}
}

type dockerInspectVolumeParams struct {
	VolumeName string `json:"volume_name"`
}

// NewDockerInspectVolumeHandler returns the "docker.inspect_volume" command
// handler, gated on Docker being reachable on this host. It is a reference
// example of a handler whose availability depends on host capability rather
// than always being registered.
func NewDockerInspectVolumeHandler(client *docker.Client) Handler {
	return func(ctx context.Context, job JobAssignment, _ ProgressFunc, _ LogFunc) ([]byte, error) {
		var params dockerInspectVolumeParams
		if err := json.Unmarshal(job.Parameters, &params); err != nil {
			return nil, fmt.Errorf("invalid parameters: %w", err)
		}
		if params.VolumeName == "" {
			return nil, fmt.Errorf("parameters.volume_name is required")
		}

		info, err := client.InspectVolume(ctx, params.VolumeName)
		if err != nil {
			return nil, err
		}
		return json.Marshal(info)
	}
}
