package gpu

import (
	"context"
	"errors"
	"testing"
)

func TestParseQuery(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		want    int
		wantErr bool
	}{
		{
			name:   "two gpus",
			output: "0, NVIDIA GeForce RTX 4090, 24564, 550.54.14\n1, NVIDIA GeForce RTX 3060, 12288, 550.54.14\n",
			want:   2,
		},
		{
			name:   "empty output",
			output: "\n",
			want:   0,
		},
		{
			name:    "garbage memory",
			output:  "0, Some GPU, lots, 550.54.14",
			wantErr: true,
		},
		{
			name:   "short line skipped",
			output: "0, NVIDIA GeForce RTX 4090, 24564, 550.54.14\nbroken line\n",
			want:   1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			devices, err := parseQuery(tt.output)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parse failed: %v", err)
			}
			if len(devices) != tt.want {
				t.Fatalf("expected %d devices, got %d", tt.want, len(devices))
			}
		})
	}
}

func TestParseQueryFields(t *testing.T) {
	devices, err := parseQuery("0, NVIDIA GeForce RTX 4090, 24564, 550.54.14")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	d := devices[0]
	if d.Index != 0 || d.Name != "NVIDIA GeForce RTX 4090" || d.MemoryMB != 24564 || d.Driver != "550.54.14" {
		t.Errorf("unexpected device: %+v", d)
	}
}

func TestDiscoverUsesRunner(t *testing.T) {
	orig := runner
	defer func() { runner = orig }()

	runner = func(ctx context.Context, args ...string) ([]byte, error) {
		return []byte("0, NVIDIA A100-SXM4-80GB, 81920, 535.129.03\n"), nil
	}
	devices, err := Discover(context.Background())
	if err != nil {
		t.Fatalf("discover failed: %v", err)
	}
	if len(devices) != 1 || devices[0].MemoryMB != 81920 {
		t.Fatalf("unexpected devices: %+v", devices)
	}

	resources := Resources(devices)
	if len(resources) != 1 || resources[0].CapacityMB != 81920 {
		t.Errorf("unexpected resources: %+v", resources)
	}

	runner = func(ctx context.Context, args ...string) ([]byte, error) {
		return nil, errors.New("executable not found")
	}
	if Available(context.Background()) {
		t.Error("expected Available false when nvidia-smi is missing")
	}
}
