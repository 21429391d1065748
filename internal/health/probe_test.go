package health

import (
	"context"
	"sync"
	"testing"
)

func TestFixed(t *testing.T) {
	if err := Fixed(true, "ignored").Check(t.Context()); err != nil {
		t.Fatalf("Fixed(true) = %v", err)
	}
	if err := Fixed(false, "db offline").Check(t.Context()); err == nil || err.Error() != "db offline" {
		t.Fatalf("Fixed(false, reason) = %v", err)
	}
	if err := Fixed(false, "").Check(t.Context()); err == nil || err.Error() != "unhealthy" {
		t.Fatalf("Fixed(false, \"\") = %v", err)
	}
}

func TestAll(t *testing.T) {
	tests := []struct {
		name    string
		probes  []Probe
		wantErr string
	}{
		{"empty", nil, ""},
		{"all pass", []Probe{Fixed(true, ""), Fixed(true, "")}, ""},
		{"first error wins", []Probe{Fixed(false, "first"), Fixed(false, "second")}, "first"},
		{"nil skipped", []Probe{nil, Fixed(false, "real")}, "real"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := All(tt.probes...).Check(t.Context())
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("err = %v", err)
				}
				return
			}
			if err == nil || err.Error() != tt.wantErr {
				t.Fatalf("err = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestAll_ShortCircuits(t *testing.T) {
	called := false
	_ = All(Fixed(false, "stop"), CheckFunc(func(context.Context) error {
		called = true
		return nil
	})).Check(t.Context())
	if called {
		t.Fatal("All should stop at the first failure")
	}
}

func TestShutdownGate(t *testing.T) {
	var g ShutdownGate
	p := g.Probe()
	if err := p.Check(t.Context()); err != nil {
		t.Fatalf("new gate should be open: %v", err)
	}
	g.Set("")
	if err := p.Check(t.Context()); err == nil || err.Error() != "draining" {
		t.Fatalf("err = %v, want draining", err)
	}
	g.Set("shutting down")
	if err := p.Check(t.Context()); err == nil || err.Error() != "shutting down" {
		t.Fatalf("err = %v", err)
	}
	g.Clear()
	if err := p.Check(t.Context()); err != nil {
		t.Fatalf("gate should reopen: %v", err)
	}
}

func TestShutdownGate_Concurrent(t *testing.T) {
	var g ShutdownGate
	p := g.Probe()
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(3)
		go func() { defer wg.Done(); g.Set("draining") }()
		go func() { defer wg.Done(); g.Clear() }()
		go func() { defer wg.Done(); _ = p.Check(context.Background()) }()
	}
	wg.Wait()
}
