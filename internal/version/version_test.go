package version_test

import (
	"strings"
	"testing"

	v "github.com/keithlinneman/csloader/internal/version"
)

func TestVCSDirtyFromLdflagsWins(t *testing.T) {
	orig := v.VCSDirty
	t.Cleanup(func() { v.VCSDirty = orig })

	trueVal := true
	v.VCSDirty = &trueVal
	if info := v.Get(); info.VCSDirty == nil || !*info.VCSDirty {
		t.Fatalf("VCSDirty = %v, want true", info.VCSDirty)
	}

	falseVal := false
	v.VCSDirty = &falseVal
	if info := v.Get(); info.VCSDirty == nil || *info.VCSDirty {
		t.Fatalf("VCSDirty = %v, want false", info.VCSDirty)
	}
}

func TestGet_LdflagsVersion(t *testing.T) {
	orig := v.Version
	t.Cleanup(func() { v.Version = orig })
	v.Version = "1.2.3"
	if got := v.Get().Version; got != "1.2.3" {
		t.Fatalf("Version = %q", got)
	}
}

func TestInfo_String(t *testing.T) {
	dirty := true
	s := v.Info{
		Version:   "1.2.3",
		Commit:    "0123456789abcdef0123",
		GoVersion: "go1.24.11",
		VCSDirty:  &dirty,
	}.String()
	for _, want := range []string{"csloader 1.2.3", "0123456789ab-dirty", "built unknown", "go1.24.11"} {
		if !strings.Contains(s, want) {
			t.Fatalf("String() = %q, missing %q", s, want)
		}
	}
}
