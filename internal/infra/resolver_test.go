package infra

import (
	"errors"
	"testing"
)

func TestResolve_OverrideIntoExistingNode(t *testing.T) {
	// env.API_KEY=secret поверх {env:{}} → {env:{API_KEY:"secret"}}
	template := map[string]any{
		"env": map[string]any{},
	}

	doc, err := Resolve(template, map[string]any{"env.API_KEY": "secret"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	env, ok := doc["env"].(map[string]any)
	if !ok {
		t.Fatalf("env should be a map, got %T", doc["env"])
	}
	if env["API_KEY"] != "secret" {
		t.Errorf("expected API_KEY=secret, got %v", env["API_KEY"])
	}
}

func TestResolve_ConflictWithScalar(t *testing.T) {
	// name.sub=1 поверх {name:"x"} — ошибка слияния
	template := map[string]any{
		"name": "x",
	}

	_, err := Resolve(template, map[string]any{"name.sub": 1})
	if !errors.Is(err, ErrMergeConflict) {
		t.Errorf("expected ErrMergeConflict, got %v", err)
	}
}

func TestResolve_CreatesMissingIntermediateNodes(t *testing.T) {
	doc, err := Resolve(map[string]any{}, map[string]any{"job.resources.memory": "512Mi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	job, ok := doc["job"].(map[string]any)
	if !ok {
		t.Fatalf("job node should be created, got %T", doc["job"])
	}
	resources, ok := job["resources"].(map[string]any)
	if !ok {
		t.Fatalf("resources node should be created, got %T", job["resources"])
	}
	if resources["memory"] != "512Mi" {
		t.Errorf("expected memory=512Mi, got %v", resources["memory"])
	}
}

func TestResolve_TemplateNotMutated(t *testing.T) {
	template := map[string]any{
		"env": map[string]any{"EXISTING": "1"},
	}

	_, err := Resolve(template, map[string]any{"env.NEW": "2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	env := template["env"].(map[string]any)
	if _, ok := env["NEW"]; ok {
		t.Error("template must not be mutated by Resolve")
	}
}

func TestResolve_TopLevelOverride(t *testing.T) {
	doc, err := Resolve(map[string]any{"image": "base:latest"}, map[string]any{"image": "custom:v2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc["image"] != "custom:v2" {
		t.Errorf("expected image override, got %v", doc["image"])
	}
}

func TestResolve_EmptyPath(t *testing.T) {
	tests := []string{"", "env.", ".env"}
	for _, path := range tests {
		_, err := Resolve(map[string]any{}, map[string]any{path: "v"})
		if !errors.Is(err, ErrEmptyPath) {
			t.Errorf("path %q: expected ErrEmptyPath, got %v", path, err)
		}
	}
}

func TestResolve_NilTemplate(t *testing.T) {
	doc, err := Resolve(nil, map[string]any{"env.KEY": "v"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	env, ok := doc["env"].(map[string]any)
	if !ok || env["KEY"] != "v" {
		t.Errorf("expected {env:{KEY:v}}, got %v", doc)
	}
}

func TestResolve_NoOverrides(t *testing.T) {
	template := map[string]any{"cpu": 2}
	doc, err := Resolve(template, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc["cpu"] != 2 {
		t.Errorf("expected template passthrough, got %v", doc)
	}
}
