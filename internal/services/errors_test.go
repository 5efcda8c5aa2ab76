package services_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"affilink/internal/services"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.ErrOutput, "resolve", "append", "checkpoint write failed", base)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, services.ErrOutput) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"resolve", "append", "checkpoint write failed"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestWrapDefaultsMarker(t *testing.T) {
	err := services.Wrap(nil, "", "", "", nil)
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient marker, got %v", err)
	}
	if !strings.Contains(err.Error(), "pipeline failure") {
		t.Fatalf("expected default detail, got %q", err.Error())
	}
}

func TestExitCodeMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"interrupted", services.Wrap(services.ErrInterrupted, "resolve", "", "partial", nil), 3},
		{"canceled", fmt.Errorf("dispatch: %w", context.Canceled), 3},
		{"configuration", services.Wrap(services.ErrConfiguration, "config", "", "bad", nil), 2},
		{"corrupt", services.Wrap(services.ErrCheckpointCorrupt, "resolve", "load", "line 3", nil), 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := services.ExitCode(tc.err); got != tc.want {
				t.Fatalf("ExitCode(%v) = %d, want %d", tc.err, got, tc.want)
			}
		})
	}
}

func TestIsFatal(t *testing.T) {
	if services.IsFatal(nil) {
		t.Fatal("nil must not be fatal")
	}
	if services.IsFatal(services.Wrap(services.ErrInterrupted, "", "", "", nil)) {
		t.Fatal("interrupts must not be fatal")
	}
	if !services.IsFatal(services.Wrap(services.ErrCorpus, "extract", "walk", "", nil)) {
		t.Fatal("corpus errors must be fatal")
	}
}
