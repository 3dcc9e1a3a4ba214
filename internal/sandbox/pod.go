// PodBackend runs executions as short-lived Kubernetes pods, for
// deployments that isolate user code at the cluster level rather than the
// single-host Docker level. It talks to the Kubernetes API server over
// plain REST (create pod, poll status, fetch logs, delete pod) instead of
// a generated client library, since the example pack it was grounded on
// carries none: a REST POST/GET/DELETE sequence is enough to run code to
// completion and collect its output, and this backend never needs the
// interactive exec subresource the stdlib can't reach.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"sandboxd/internal/execution"
	"sandboxd/internal/security"
)

// PodBackendConfig configures access to a Kubernetes API server.
type PodBackendConfig struct {
	APIServerURL string
	Namespace    string
	BearerToken  string // if empty, read from the in-cluster service account token file
	HTTPClient   *http.Client
	PollInterval time.Duration
	PodTimeout   time.Duration
}

// PodBackend executes code as one pod per request.
type PodBackend struct {
	cfg PodBackendConfig
}

const serviceAccountTokenPath = "/var/run/secrets/kubernetes.io/serviceaccount/token"

// NewPodBackend builds a PodBackend. Namespace defaults to "default",
// PollInterval to 500ms, PodTimeout to 60s.
func NewPodBackend(cfg PodBackendConfig) *PodBackend {
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.PodTimeout <= 0 {
		cfg.PodTimeout = 60 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.BearerToken == "" {
		if data, err := os.ReadFile(serviceAccountTokenPath); err == nil {
			cfg.BearerToken = string(data)
		}
	}
	return &PodBackend{cfg: cfg}
}

var podLanguageImages = map[string]string{
	"python":     "python:3.11-slim",
	"javascript": "node:20-slim",
	"typescript": "node:20-slim",
	"go":         "golang:1.22-alpine",
	"ruby":       "ruby:3.2-slim",
	"bash":       "bash:5.2",
}

var podLanguageCommand = map[string][]string{
	"python":     {"python3", "-c"},
	"javascript": {"node", "-e"},
	"typescript": {"node", "-e"},
	"go":         {"go", "run", "/dev/stdin"},
	"ruby":       {"ruby", "-e"},
	"bash":       {"bash", "-c"},
}

// Execute creates a pod that runs req.Code to completion, waits for it to
// finish, and returns its collected output.
func (b *PodBackend) Execute(ctx context.Context, req Request, profile security.Profile) (*execution.ExecutionResult, error) {
	image, ok := podLanguageImages[req.Language]
	if !ok {
		return nil, fmt.Errorf("pod backend: unsupported language %q", req.Language)
	}
	cmdPrefix := podLanguageCommand[req.Language]

	name := fmt.Sprintf("sandbox-exec-%d", time.Now().UnixNano())
	started := time.Now()

	sec := profile.EmitPodSpec()
	container := map[string]interface{}{
		"name":            "exec",
		"image":           image,
		"command":         append(append([]string{}, cmdPrefix...), req.Code),
		"securityContext": sec.SecurityContext,
		"resources": map[string]interface{}{
			"limits": map[string]interface{}{
				"memory": fmt.Sprintf("%dMi", int64(req.Limits.MemoryBytes/(1024*1024))),
			},
		},
	}
	if len(sec.VolumeMounts) > 0 {
		container["volumeMounts"] = sec.VolumeMounts
	}

	spec := map[string]interface{}{
		"restartPolicy": "Never",
		"containers":    []map[string]interface{}{container},
	}
	if !profile.AllowNetwork {
		spec["hostNetwork"] = false
	}
	if len(sec.Volumes) > 0 {
		spec["volumes"] = sec.Volumes
	}

	manifest := map[string]interface{}{
		"apiVersion": "v1",
		"kind":       "Pod",
		"metadata": map[string]interface{}{
			"name":      name,
			"namespace": b.cfg.Namespace,
			"labels":    map[string]string{"app": "sandbox-exec"},
		},
		"spec": spec,
	}

	if _, err := b.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/namespaces/%s/pods", b.cfg.Namespace), manifest); err != nil {
		return nil, fmt.Errorf("create pod: %w", err)
	}
	defer b.deletePod(context.Background(), name)

	phase, exitCode, err := b.waitForCompletion(ctx, name)
	completed := time.Now()
	result := &execution.ExecutionResult{
		ID:          name,
		Language:    req.Language,
		StartedAt:   started,
		CompletedAt: &completed,
		Duration:    completed.Sub(started),
		DurationMs:  completed.Sub(started).Milliseconds(),
	}
	if err != nil {
		result.Status = "failed"
		result.ErrorOutput = err.Error()
		result.ExitCode = -1
		return result, nil
	}

	logs, logErr := b.podLogs(context.Background(), name)
	result.Output = logs
	result.ExitCode = exitCode
	if phase == "Succeeded" && exitCode == 0 {
		result.Status = "completed"
	} else if phase == "Failed" {
		result.Status = "failed"
	} else {
		result.Status = "timeout"
		result.TimedOut = true
	}
	if logErr != nil {
		result.ErrorOutput = logErr.Error()
	}
	return result, nil
}

func (b *PodBackend) waitForCompletion(ctx context.Context, name string) (phase string, exitCode int, err error) {
	deadline := time.Now().Add(b.cfg.PodTimeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return "", -1, ctx.Err()
		default:
		}

		body, err := b.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/namespaces/%s/pods/%s", b.cfg.Namespace, name), nil)
		if err != nil {
			return "", -1, err
		}
		var pod struct {
			Status struct {
				Phase             string `json:"phase"`
				ContainerStatuses []struct {
					State struct {
						Terminated *struct {
							ExitCode int `json:"exitCode"`
						} `json:"terminated"`
					} `json:"state"`
				} `json:"containerStatuses"`
			} `json:"status"`
		}
		if err := json.Unmarshal(body, &pod); err != nil {
			return "", -1, fmt.Errorf("decode pod status: %w", err)
		}

		switch pod.Status.Phase {
		case "Succeeded", "Failed":
			code := 0
			if len(pod.Status.ContainerStatuses) > 0 && pod.Status.ContainerStatuses[0].State.Terminated != nil {
				code = pod.Status.ContainerStatuses[0].State.Terminated.ExitCode
			}
			return pod.Status.Phase, code, nil
		}
		time.Sleep(b.cfg.PollInterval)
	}
	return "", -1, fmt.Errorf("pod %s did not complete within %s", name, b.cfg.PodTimeout)
}

func (b *PodBackend) podLogs(ctx context.Context, name string) (string, error) {
	body, err := b.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/namespaces/%s/pods/%s/log", b.cfg.Namespace, name), nil)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (b *PodBackend) deletePod(ctx context.Context, name string) {
	_, _ = b.do(ctx, http.MethodDelete, fmt.Sprintf("/api/v1/namespaces/%s/pods/%s", b.cfg.Namespace, name), nil)
}

func (b *PodBackend) do(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.cfg.APIServerURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if b.cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+b.cfg.BearerToken)
	}

	resp, err := b.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("kubernetes API %s %s: %d: %s", method, path, resp.StatusCode, string(respBody))
	}
	return respBody, nil
}
