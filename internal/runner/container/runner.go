// Package container implements the Container Runner (spec §4.H): lifecycle
// management of containerized tool servers, health-checked and reused from
// a warm pool, proxying a JSON-RPC-over-HTTP activation to the container and
// streaming its stdout/stderr into the artifact store as ordered chunks.
package container

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/secflow/engine/internal/artifacts"
	"github.com/secflow/engine/internal/domain"
)

// healthDeadline bounds how long Activate waits for a freshly started
// container's /health endpoint to report ready (spec §4.H step 3).
const healthDeadline = 60 * time.Second

// Runner satisfies orchestrator.Runner for RunnerContainer components.
// Grounded on spec §4.H's five-step activation recipe; the per-image health
// circuit breaker mirrors the teacher's circuit_breaker.go state-machine
// shape, generalized to gate real container health polling rather than a
// hypothetical external call.
type Runner struct {
	docker    *dockerclient.Client
	artifacts *artifacts.Store
	pool      *pool
	allow     *allowList
	http      *http.Client

	breakers map[string]*gobreaker.CircuitBreaker
}

// Option configures New.
type Option func(*Runner)

// WithAllowList restricts which image repositories may launch without an
// elevated tenant capability (spec §4.H).
func WithAllowList(repos []string) Option {
	return func(r *Runner) { r.allow = newAllowList(repos) }
}

// New constructs a Container Runner that drives containers through the
// given Docker client and writes their log chunks to store.
func New(docker *dockerclient.Client, store *artifacts.Store, opts ...Option) *Runner {
	r := &Runner{
		docker:    docker,
		artifacts: store,
		pool:      newPool(),
		allow:     newAllowList(nil),
		http:      &http.Client{Timeout: 30 * time.Second},
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runner) breakerFor(image string) *gobreaker.CircuitBreaker {
	if b, ok := r.breakers[image]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "container-health:" + image,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	r.breakers[image] = b
	return b
}

// jsonRPCRequest / jsonRPCResponse mirror spec §6's internal tool-gateway
// wire format, reused here as the activation RPC the runner proxies to the
// container (callRPC always sends method `activate`).
type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type healthResponse struct {
	Status  string `json:"status"`
	Servers []struct {
		Ready bool `json:"ready"`
	} `json:"servers"`
}

// Activate runs one container-backed attempt per spec §4.H's five steps.
func (r *Runner) Activate(ctx context.Context, def *domain.ComponentDefinition, ectx domain.ExecContext, inputs, params map[string]any) (domain.Outcome, error) {
	if def.Container == nil {
		return domain.Outcome{}, domain.NewFailure(domain.KindConfiguration, "component "+def.ID+" has no container spec", nil)
	}
	spec := def.Container

	if err := validateImageRef(spec.Image); err != nil {
		return domain.Outcome{}, domain.NewFailure(domain.KindConfiguration, err.Error(), err)
	}
	elevated, _ := params["_elevatedCapability"].(bool)
	if !r.allow.allows(spec.Image, elevated) {
		return domain.Outcome{}, domain.NewFailure(domain.KindConfiguration, "image "+spec.Image+" is not on the allow-list", nil)
	}

	env := resolveEnv(def, params)
	key := poolKey(spec.Image, append(append([]string{}, spec.Command...), spec.Args...), env)

	warm, reused := r.pool.get(key)
	if !reused {
		var err error
		warm, err = r.startContainer(ctx, def, spec, env, key)
		if err != nil {
			return domain.Outcome{}, domain.NewFailure(domain.KindStartup, "start container: "+err.Error(), err)
		}
	}

	if err := r.waitHealthy(ctx, spec, warm); err != nil {
		r.teardown(context.Background(), warm)
		r.pool.evict(key)
		return domain.Outcome{}, domain.NewFailure(domain.KindStartup, "container failed health check: "+err.Error(), err)
	}

	if !warm.reentrant {
		warm.mu.Lock()
		defer warm.mu.Unlock()
	}

	outcome, rpcErr := r.callRPC(ctx, def, ectx, warm, inputs, params)

	r.streamLogs(ctx, ectx, warm)

	if rpcErr != nil {
		warm.healthy = false
		r.teardown(context.Background(), warm)
		r.pool.evict(key)
		return domain.Outcome{}, rpcErr
	}

	r.pool.put(key, warm)
	return outcome, nil
}

func resolveEnv(def *domain.ComponentDefinition, params map[string]any) map[string]string {
	env := map[string]string{
		"MCP_COMMAND": def.Container.Image,
	}
	if len(def.Container.Args) > 0 {
		if raw, err := json.Marshal(def.Container.Args); err == nil {
			env["MCP_ARGS"] = string(raw)
		}
	}
	for _, p := range def.Parameters {
		if !p.Secret {
			continue
		}
		// Secrets are resolved just-in-time from params and never logged
		// (spec §4.H step 2: "secrets resolved just-in-time and scrubbed
		// from logs").
		if v, ok := params[p.Name]; ok {
			if s, ok := v.(string); ok {
				env[envKeyFor(p.Name)] = s
			}
		}
	}
	return env
}

func envKeyFor(paramName string) string {
	return "SECFLOW_SECRET_" + paramName
}

// startContainer creates, binds a free host port on, and starts a fresh
// container for spec, named uniquely per activation (spec §4.H step 2).
func (r *Runner) startContainer(ctx context.Context, def *domain.ComponentDefinition, spec *domain.ContainerSpec, env map[string]string, key string) (*warmContainer, error) {
	name := fmt.Sprintf("secflow-%s-%s", sanitizeForName(def.ID), uuid.NewString()[:8])
	if err := validateContainerID(name); err != nil {
		return nil, err
	}

	containerPort := "8080/tcp"
	envList := make([]string, 0, len(env))
	for k, v := range env {
		envList = append(envList, k+"="+v)
	}

	cfg := &container.Config{
		Image: spec.Image,
		Cmd:   append(append([]string{}, spec.Command...), spec.Args...),
		Env:   envList,
		ExposedPorts: nat.PortSet{
			nat.Port(containerPort): struct{}{},
		},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			nat.Port(containerPort): []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}},
		},
		AutoRemove: true,
	}

	created, err := r.docker.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	if err != nil {
		return nil, fmt.Errorf("create container %s: %w", name, err)
	}
	if err := r.docker.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start container %s: %w", name, err)
	}

	inspect, err := r.docker.ContainerInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("inspect container %s: %w", name, err)
	}
	bindings := inspect.NetworkSettings.Ports[nat.Port(containerPort)]
	if len(bindings) == 0 {
		return nil, fmt.Errorf("container %s exposed no host port binding for %s", name, containerPort)
	}

	return &warmContainer{
		id:        created.ID,
		name:      name,
		hostPort:  bindings[0].HostPort,
		image:     spec.Image,
		healthy:   false,
		reentrant: false,
	}, nil
}

func sanitizeForName(id string) string {
	out := make([]rune, 0, len(id))
	for _, r := range id {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			out = append(out, r)
		} else {
			out = append(out, '-')
		}
	}
	return string(out)
}

// waitHealthy polls GET /health until it reports {status:"ok",
// servers:[{ready:true}...]} or healthDeadline elapses (spec §4.H step 3,
// §6 wire format), gated by a per-image circuit breaker so a container
// image that repeatedly fails to come up stops being retried immediately.
func (r *Runner) waitHealthy(ctx context.Context, spec *domain.ContainerSpec, c *warmContainer) error {
	if c.healthy {
		return nil
	}
	breaker := r.breakerFor(c.image)
	_, err := breaker.Execute(func() (interface{}, error) {
		deadline := time.Now().Add(healthDeadline)
		path := spec.HealthPath
		if path == "" {
			path = "/health"
		}
		url := fmt.Sprintf("http://127.0.0.1:%s%s", c.hostPort, path)
		for time.Now().Before(deadline) {
			req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			resp, err := r.http.Do(req)
			if err == nil {
				var hr healthResponse
				decErr := json.NewDecoder(resp.Body).Decode(&hr)
				resp.Body.Close()
				if decErr == nil && hr.Status == "ok" {
					allReady := true
					for _, s := range hr.Servers {
						if !s.Ready {
							allReady = false
						}
					}
					if allReady {
						return nil, nil
					}
				}
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(500 * time.Millisecond):
			}
		}
		return nil, fmt.Errorf("health deadline exceeded for %s", c.name)
	})
	if err == nil {
		c.healthy = true
	}
	return err
}

// callRPC proxies the component-specific JSON-RPC 2.0 call to the
// container (spec §4.H step 4, §6 wire format).
func (r *Runner) callRPC(ctx context.Context, def *domain.ComponentDefinition, ectx domain.ExecContext, c *warmContainer, inputs, params map[string]any) (domain.Outcome, error) {
	url := fmt.Sprintf("http://127.0.0.1:%s/rpc", c.hostPort)
	reqBody := jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  "activate",
		Params:  map[string]any{"inputs": inputs, "params": params, "idempotencyKey": ectx.IdempotencyKey},
	}
	raw, err := json.Marshal(reqBody)
	if err != nil {
		return domain.Outcome{}, domain.NewFailure(domain.KindInternal, "marshal rpc request: "+err.Error(), err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return domain.Outcome{}, domain.NewFailure(domain.KindInternal, err.Error(), err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return domain.Outcome{}, domain.NewFailure(domain.KindCancel, "rpc cancelled", ctx.Err())
		}
		var netErr net.Error
		if asNetError(err, &netErr) && netErr.Timeout() {
			return domain.Outcome{}, domain.NewFailure(domain.KindTimeout, "rpc timeout: "+err.Error(), err)
		}
		return domain.Outcome{}, domain.NewFailure(domain.KindNetwork, "rpc call failed: "+err.Error(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return domain.Outcome{}, domain.NewFailure(domain.KindRateLimit, "container rpc rate-limited", nil)
	}
	if resp.StatusCode >= 500 {
		return domain.Outcome{}, domain.NewFailure(domain.KindNetwork, fmt.Sprintf("container rpc returned %d", resp.StatusCode), nil)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return domain.Outcome{}, domain.NewFailure(domain.KindAuthn, fmt.Sprintf("container rpc returned %d", resp.StatusCode), nil)
	}

	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return domain.Outcome{}, domain.NewFailure(domain.KindInternal, "decode rpc response: "+err.Error(), err)
	}
	if rpcResp.Error != nil {
		return domain.Outcome{}, domain.NewFailure(domain.KindInternal, rpcResp.Error.Message, nil)
	}

	var payload struct {
		Outcome domain.Outcome `json:"outcome"`
	}
	if len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, &payload); err != nil {
			var out map[string]any
			if err := json.Unmarshal(rpcResp.Result, &out); err != nil {
				return domain.Outcome{}, domain.NewFailure(domain.KindInternal, "decode rpc result: "+err.Error(), err)
			}
			return domain.Outcome{Kind: domain.OutcomeSuccess, Output: out}, nil
		}
	}
	return payload.Outcome, nil
}

func asNetError(err error, target *net.Error) bool {
	ne, ok := err.(net.Error)
	if ok {
		*target = ne
	}
	return ok
}

// streamLogs reads the container's stdout and stderr together and appends
// them to the artifact store as a single chunk under stream "stdout" for
// (runId, nodeRef) (spec §4.E, §4.H step 4).
func (r *Runner) streamLogs(ctx context.Context, ectx domain.ExecContext, c *warmContainer) {
	rc, err := r.docker.ContainerLogs(ctx, c.id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil || len(data) == 0 {
		return
	}
	_, _, _ = r.artifacts.AppendChunk(ctx, ectx.RunID, ectx.NodeRef, "stdout", data)
}

// teardown force-removes a container that failed health or RPC, releasing
// it from the warm pool entirely (spec §4.H step 5: "tear it down if
// unhealthy").
func (r *Runner) teardown(ctx context.Context, c *warmContainer) {
	_ = r.docker.ContainerRemove(ctx, c.id, container.RemoveOptions{Force: true})
}

// TeardownRun removes every non-reentrant pooled container whose image
// matches predicate (a nil predicate matches all); reentrant containers
// survive for reuse across runs. Containers are not tracked per run, and
// health is not consulted here.
func (r *Runner) TeardownRun(ctx context.Context, predicate func(image string) bool) {
	for _, c := range r.pool.all() {
		if predicate != nil && !predicate(c.image) {
			continue
		}
		if !c.reentrant {
			r.teardown(ctx, c)
		}
	}
}
