package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	osExec "os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/adplabs/PigeonKeeper/internal/resilience"
)

// PluginExecutor runs one TaskSpec.Type, given the campaign's shared
// results map for template resolution.
type PluginExecutor interface {
	Execute(ctx context.Context, t TaskSpec, results map[string]any) (map[string]any, error)
	PluginType() TaskType
}

// PluginRegistry resolves a TaskSpec.Type to its PluginExecutor.
type PluginRegistry struct {
	executors map[TaskType]PluginExecutor
	tracer    trace.Tracer
}

// NewPluginRegistry builds a registry with every built-in plugin
// registered.
func NewPluginRegistry() *PluginRegistry {
	pr := &PluginRegistry{
		executors: make(map[TaskType]PluginExecutor),
		tracer:    otel.Tracer("orchestrator-plugins"),
	}
	pr.Register(NewHTTPPlugin())
	pr.Register(NewPythonPlugin())
	pr.Register(NewGRPCPlugin())
	pr.Register(NewModelInferencePlugin())
	pr.Register(NewSQLPlugin())
	pr.Register(NewKafkaPlugin())
	pr.Register(NewShellPlugin())
	return pr
}

// Register adds or replaces the executor for plugin.PluginType().
func (pr *PluginRegistry) Register(plugin PluginExecutor) {
	pr.executors[plugin.PluginType()] = plugin
}

// Execute dispatches t to its registered executor.
func (pr *PluginRegistry) Execute(ctx context.Context, t TaskSpec, results map[string]any) (map[string]any, error) {
	executor, ok := pr.executors[t.Type]
	if !ok {
		return nil, fmt.Errorf("unsupported task type: %s", t.Type)
	}

	ctx, span := pr.tracer.Start(ctx, "plugin.execute", trace.WithAttributes(
		attribute.String("plugin_type", string(t.Type)),
		attribute.String("task_id", t.ID),
	))
	defer span.End()

	return executor.Execute(ctx, t, results)
}

// HTTPPlugin issues HTTP requests, wrapped in retry, circuit-breaking and
// rate-limiting so a flaky downstream cannot monopolize the worker pool.
type HTTPPlugin struct {
	client  *http.Client
	breaker *resilience.CircuitBreaker
	limiter *resilience.HybridRateLimiter
	tracer  trace.Tracer
}

// NewHTTPPlugin constructs an HTTPPlugin with production-shaped defaults: a
// pooled client, an adaptive circuit breaker, and a hybrid token-bucket /
// leaky-bucket limiter that queues brief bursts instead of rejecting them
// outright.
func NewHTTPPlugin() *HTTPPlugin {
	return &HTTPPlugin{
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		breaker: resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 10, 0.5, 5*time.Second, 3),
		limiter: resilience.NewHybridRateLimiter(50, 20, 100, 50*time.Millisecond),
		tracer:  otel.Tracer("plugin-http"),
	}
}

func (hp *HTTPPlugin) PluginType() TaskType { return TaskHTTP }

func (hp *HTTPPlugin) Execute(ctx context.Context, t TaskSpec, results map[string]any) (map[string]any, error) {
	ctx, span := hp.tracer.Start(ctx, "http.request", trace.WithAttributes(
		attribute.String("url", t.URL),
		attribute.String("method", t.Method),
	))
	defer span.End()

	if err := hp.limiter.AllowOrWait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit exceeded for task %s: %w", t.ID, err)
	}
	if !hp.breaker.Allow() {
		return nil, fmt.Errorf("circuit open for task %s", t.ID)
	}

	out, err := resilience.Retry(ctx, 3, 100*time.Millisecond, func() (map[string]any, error) {
		return hp.doRequest(ctx, t, results)
	})
	hp.breaker.RecordResult(err == nil)
	return out, err
}

func (hp *HTTPPlugin) doRequest(ctx context.Context, t TaskSpec, results map[string]any) (map[string]any, error) {
	url := resolveTemplate(t.URL, results)

	var body io.Reader
	if t.Body != nil {
		bodyJSON, err := json.Marshal(t.Body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		body = strings.NewReader(resolveTemplate(string(bodyJSON), results))
	}

	method := t.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Task-ID", t.ID)
	req.Header.Set("User-Agent", "PigeonKeeper-Orchestrator/1.0")
	for k, v := range t.Headers {
		req.Header.Set(k, resolveTemplate(v, results))
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := hp.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
	}

	result := map[string]any{"status_code": resp.StatusCode}
	if len(respBody) > 0 {
		var parsed map[string]any
		if err := json.Unmarshal(respBody, &parsed); err == nil {
			for k, v := range parsed {
				result[k] = v
			}
		} else {
			result["body"] = string(respBody)
		}
	}
	return result, nil
}

// PythonPlugin runs a task's Script as a standalone Python program,
// injecting campaign results as a JSON-decoded "context" variable.
type PythonPlugin struct {
	pythonPath string
	tracer     trace.Tracer
}

func NewPythonPlugin() *PythonPlugin {
	path := os.Getenv("PYTHON_PATH")
	if path == "" {
		path = "python3"
	}
	return &PythonPlugin{pythonPath: path, tracer: otel.Tracer("plugin-python")}
}

func (pp *PythonPlugin) PluginType() TaskType { return TaskPython }

func (pp *PythonPlugin) Execute(ctx context.Context, t TaskSpec, results map[string]any) (map[string]any, error) {
	ctx, span := pp.tracer.Start(ctx, "python.execute")
	defer span.End()

	contextJSON, _ := json.Marshal(results)
	// Embed the JSON text as a quoted string literal and decode it in Python.
	contextLiteral, _ := json.Marshal(string(contextJSON))
	scriptPath := filepath.Join(os.TempDir(), fmt.Sprintf("campaign_task_%s.py", t.ID))
	scriptContent := fmt.Sprintf("import json\n\ncontext = json.loads(%s)\n\n%s\n", string(contextLiteral), t.Script)

	if err := os.WriteFile(scriptPath, []byte(scriptContent), 0o600); err != nil {
		return nil, fmt.Errorf("write script: %w", err)
	}
	defer os.Remove(scriptPath)

	cmd := osExec.Command(pp.pythonPath, scriptPath)
	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			if cmd.Process != nil {
				cmd.Process.Kill()
			}
		}()
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("python execution failed: %w\nstderr: %s", err, stderr.String())
	}

	output := stdout.String()
	var result map[string]any
	if err := json.Unmarshal([]byte(output), &result); err != nil {
		result = map[string]any{"output": output, "stderr": stderr.String()}
	}
	span.SetAttributes(attribute.Int("output_size", len(output)))
	return result, nil
}

// GRPCPlugin is a stub: a real implementation would need a proto
// descriptor (or reflection support) to construct requests dynamically,
// which is outside what this repo's dependency set provides.
type GRPCPlugin struct{ tracer trace.Tracer }

func NewGRPCPlugin() *GRPCPlugin { return &GRPCPlugin{tracer: otel.Tracer("plugin-grpc")} }

func (gp *GRPCPlugin) PluginType() TaskType { return TaskGRPC }

func (gp *GRPCPlugin) Execute(ctx context.Context, t TaskSpec, results map[string]any) (map[string]any, error) {
	_, span := gp.tracer.Start(ctx, "grpc.call")
	defer span.End()
	return map[string]any{"status": "not_implemented"}, fmt.Errorf("grpc plugin requires a proto descriptor for task %s", t.ID)
}

// ModelInferencePlugin calls a model registry's HTTP inference endpoint.
type ModelInferencePlugin struct {
	registryURL string
	tracer      trace.Tracer
}

func NewModelInferencePlugin() *ModelInferencePlugin {
	url := os.Getenv("MODEL_REGISTRY_URL")
	if url == "" {
		url = "http://model-registry:8080"
	}
	return &ModelInferencePlugin{registryURL: url, tracer: otel.Tracer("plugin-model")}
}

func (mp *ModelInferencePlugin) PluginType() TaskType { return TaskModel }

func (mp *ModelInferencePlugin) Execute(ctx context.Context, t TaskSpec, results map[string]any) (map[string]any, error) {
	ctx, span := mp.tracer.Start(ctx, "model.inference", trace.WithAttributes(attribute.String("model", t.Script)))
	defer span.End()

	reqBody, err := json.Marshal(map[string]any{"model_name": t.Script, "input": t.Body})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, mp.registryURL+"/v1/inference", bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("model inference failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("model inference error: %s", string(body))
	}

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return result, nil
}

// SQLPlugin is a stub: executing SQL needs a database/sql driver wired
// per deployment (postgres, mysql, ...), which this repo does not pin.
type SQLPlugin struct{ tracer trace.Tracer }

func NewSQLPlugin() *SQLPlugin { return &SQLPlugin{tracer: otel.Tracer("plugin-sql")} }

func (sp *SQLPlugin) PluginType() TaskType { return TaskSQL }

func (sp *SQLPlugin) Execute(ctx context.Context, t TaskSpec, results map[string]any) (map[string]any, error) {
	_, span := sp.tracer.Start(ctx, "sql.query")
	defer span.End()
	return map[string]any{"status": "not_implemented"}, fmt.Errorf("sql plugin requires a configured driver for task %s", t.ID)
}

// KafkaPlugin is a stub: publishing needs a Kafka client wired per
// deployment's broker configuration.
type KafkaPlugin struct{ tracer trace.Tracer }

func NewKafkaPlugin() *KafkaPlugin { return &KafkaPlugin{tracer: otel.Tracer("plugin-kafka")} }

func (kp *KafkaPlugin) PluginType() TaskType { return TaskKafka }

func (kp *KafkaPlugin) Execute(ctx context.Context, t TaskSpec, results map[string]any) (map[string]any, error) {
	_, span := kp.tracer.Start(ctx, "kafka.publish")
	defer span.End()
	return map[string]any{"status": "not_implemented"}, fmt.Errorf("kafka plugin requires a producer configuration for task %s", t.ID)
}

// ShellPlugin runs a whitelisted command line. Dangerous by nature; kept
// narrow on purpose.
type ShellPlugin struct {
	allowed map[string]bool
	tracer  trace.Tracer
}

func NewShellPlugin() *ShellPlugin {
	return &ShellPlugin{
		allowed: map[string]bool{
			"echo": true, "cat": true, "grep": true, "awk": true,
			"sed": true, "jq": true, "curl": true, "python3": true,
		},
		tracer: otel.Tracer("plugin-shell"),
	}
}

func (shp *ShellPlugin) PluginType() TaskType { return TaskShell }

func (shp *ShellPlugin) Execute(ctx context.Context, t TaskSpec, results map[string]any) (map[string]any, error) {
	_, span := shp.tracer.Start(ctx, "shell.execute")
	defer span.End()

	parts := strings.Fields(t.Script)
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty command for task %s", t.ID)
	}
	if !shp.allowed[parts[0]] {
		return nil, fmt.Errorf("command not allowed: %s", parts[0])
	}

	cmd := osExec.Command(parts[0], parts[1:]...)
	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			if cmd.Process != nil {
				cmd.Process.Kill()
			}
		}()
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("command failed: %w\nstderr: %s", err, stderr.String())
	}
	return map[string]any{
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
		"exit_code": cmd.ProcessState.ExitCode(),
	}, nil
}

// resolveTemplate replaces {{task_id.field}} placeholders with values
// read from the campaign's shared results map.
func resolveTemplate(template string, results map[string]any) string {
	out := template
	for taskID, output := range results {
		outputMap, ok := output.(map[string]any)
		if !ok {
			continue
		}
		for field, value := range outputMap {
			placeholder := fmt.Sprintf("{{%s.%s}}", taskID, field)
			out = strings.ReplaceAll(out, placeholder, fmt.Sprintf("%v", value))
		}
	}
	return out
}
