package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestCommandFromInfra(t *testing.T) {
	tests := []struct {
		name    string
		infra   map[string]any
		want    []string
		wantErr bool
	}{
		{
			name:  "string command",
			infra: map[string]any{"command": "python flow.py"},
			want:  []string{"python", "flow.py"},
		},
		{
			name:  "list command",
			infra: map[string]any{"command": []any{"python", "flow.py"}},
			want:  []string{"python", "flow.py"},
		},
		{
			name:  "string slice command",
			infra: map[string]any{"command": []string{"sh", "-c", "echo ok"}},
			want:  []string{"sh", "-c", "echo ok"},
		},
		{
			name:    "missing command",
			infra:   map[string]any{},
			wantErr: true,
		},
		{
			name:    "empty string",
			infra:   map[string]any{"command": "   "},
			wantErr: true,
		},
		{
			name:    "non-string element",
			infra:   map[string]any{"command": []any{"python", 42}},
			wantErr: true,
		},
		{
			name:    "wrong type",
			infra:   map[string]any{"command": 7},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := commandFromInfra(tt.infra)
			if tt.wantErr {
				if !errors.Is(err, ErrNoCommand) {
					t.Fatalf("err = %v, want ErrNoCommand", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("err = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("argv = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEnvFromInfraIsDeterministic(t *testing.T) {
	infra := map[string]any{
		"env": map[string]any{"B": "2", "A": "1", "C": 3},
	}

	want := []string{"A=1", "B=2", "C=3"}
	for i := 0; i < 10; i++ {
		if got := envFromInfra(infra); !reflect.DeepEqual(got, want) {
			t.Fatalf("env = %v, want %v", got, want)
		}
	}

	if envFromInfra(map[string]any{}) != nil {
		t.Error("missing env must yield nil")
	}
}

func TestLocalFetcher(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flow.py")
	if err := os.WriteFile(path, []byte("print('ok')\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	f := &LocalFetcher{}
	ctx := context.Background()

	got, err := f.Fetch(ctx, path)
	if err != nil || got != path {
		t.Errorf("plain path: got %q, %v", got, err)
	}

	got, err = f.Fetch(ctx, "file://"+path)
	if err != nil || got != path {
		t.Errorf("file scheme: got %q, %v", got, err)
	}

	if _, err := f.Fetch(ctx, "s3://bucket/flows"); !errors.Is(err, ErrStorageScheme) {
		t.Errorf("s3 scheme: err = %v, want ErrStorageScheme", err)
	}

	if _, err := f.Fetch(ctx, filepath.Join(dir, "missing")); err == nil {
		t.Error("missing path must be rejected")
	}
}

func TestProcessLauncher(t *testing.T) {
	l := &ProcessLauncher{}
	ctx := context.Background()

	err := l.Launch(ctx, LaunchSpec{
		RunID: "run-1",
		Infra: map[string]any{"command": []any{"true"}},
	})
	if err != nil {
		t.Errorf("successful process: %v", err)
	}

	err = l.Launch(ctx, LaunchSpec{
		RunID: "run-2",
		Infra: map[string]any{"command": []any{"false"}},
	})
	if err == nil {
		t.Error("failing process must return error")
	}
}
