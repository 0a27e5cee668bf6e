package workflow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestResolveTemplate(t *testing.T) {
	results := map[string]any{
		"fetch": map[string]any{"token": "abc123", "count": 7},
		"other": "not-a-map", // ignored
	}

	got := resolveTemplate("Bearer {{fetch.token}} ({{fetch.count}} items)", results)
	if got != "Bearer abc123 (7 items)" {
		t.Fatalf("unexpected resolution: %q", got)
	}

	// unknown placeholders are left intact
	got = resolveTemplate("{{missing.field}}", results)
	if got != "{{missing.field}}" {
		t.Fatalf("expected unresolved placeholder preserved, got %q", got)
	}
}

func TestRegistryRejectsUnknownType(t *testing.T) {
	registry := NewPluginRegistry()
	_, err := registry.Execute(context.Background(), TaskSpec{ID: "x", Type: "bogus"}, nil)
	if err == nil || !strings.Contains(err.Error(), "unsupported task type") {
		t.Fatalf("expected unsupported-type error, got %v", err)
	}
}

func TestRegistryRegisterOverrides(t *testing.T) {
	registry := NewPluginRegistry()
	registry.Register(newFakePlugin())

	out, err := registry.Execute(context.Background(), TaskSpec{ID: "x", Type: fakeTaskType}, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out["task"] != "x" {
		t.Fatalf("unexpected output: %v", out)
	}
}

func TestHTTPPluginResolvesTemplatesAndParsesJSON(t *testing.T) {
	var gotPath, gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotHeader = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"rows": 3})
	}))
	defer srv.Close()

	plugin := NewHTTPPlugin()
	results := map[string]any{
		"login": map[string]any{"token": "tok-9", "path": "export"},
	}
	spec := TaskSpec{
		ID:      "download",
		Type:    TaskHTTP,
		Method:  http.MethodGet,
		URL:     srv.URL + "/{{login.path}}",
		Headers: map[string]string{"Authorization": "Bearer {{login.token}}"},
	}

	out, err := plugin.Execute(context.Background(), spec, results)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if gotPath != "/export" {
		t.Fatalf("expected templated path /export, got %s", gotPath)
	}
	if gotHeader != "Bearer tok-9" {
		t.Fatalf("expected templated header, got %q", gotHeader)
	}
	if out["status_code"] != http.StatusOK {
		t.Fatalf("unexpected status in output: %v", out["status_code"])
	}
	if out["rows"] != float64(3) {
		t.Fatalf("expected parsed JSON body merged into output, got %v", out)
	}
}

func TestHTTPPluginSurfacesErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	plugin := NewHTTPPlugin()
	spec := TaskSpec{ID: "denied", Type: TaskHTTP, Method: http.MethodGet, URL: srv.URL}
	if _, err := plugin.Execute(context.Background(), spec, nil); err == nil {
		t.Fatal("expected error for 4xx response")
	}
}

func TestShellPluginRejectsDisallowedCommand(t *testing.T) {
	plugin := NewShellPlugin()
	spec := TaskSpec{ID: "rm", Type: TaskShell, Script: "rm -rf /"}
	if _, err := plugin.Execute(context.Background(), spec, nil); err == nil || !strings.Contains(err.Error(), "not allowed") {
		t.Fatalf("expected command rejection, got %v", err)
	}

	spec.Script = ""
	if _, err := plugin.Execute(context.Background(), spec, nil); err == nil || !strings.Contains(err.Error(), "empty command") {
		t.Fatalf("expected empty-command rejection, got %v", err)
	}
}

func TestStubPluginsReturnTypedErrors(t *testing.T) {
	registry := NewPluginRegistry()
	for _, taskType := range []TaskType{TaskGRPC, TaskSQL, TaskKafka} {
		if _, err := registry.Execute(context.Background(), TaskSpec{ID: "x", Type: taskType}, nil); err == nil {
			t.Fatalf("expected %s stub to return an error", taskType)
		}
	}
}
