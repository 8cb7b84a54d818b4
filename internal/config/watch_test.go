package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func waitBundle(t *testing.T, changes <-chan PolicyBundle, errs <-chan error, timeout time.Duration) PolicyBundle {
	t.Helper()
	select {
	case bundle := <-changes:
		return bundle
	case err := <-errs:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(timeout):
		t.Fatal("timeout waiting for policy bundle")
	}
	return PolicyBundle{}
}

func TestWatchPoliciesFileReloads(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	policiesFile := filepath.Join(dir, "policies.yaml")
	writePolicies(t, policiesFile, "policies:\n  file-policy:\n    description: v1\n    key: args[0]\n")

	serverCfg := filepath.Join(dir, "server.yaml")
	configContents := "server:\n  policies:\n    policiesFile: %s\npolicies:\n  inline-policy:\n    key: args[1]\n"
	writePolicies(t, serverCfg, fmt.Sprintf(configContents, policiesFile))

	loader := NewLoader(EnvPrefix, serverCfg)
	cfg, err := loader.Load(ctx)
	if err != nil {
		t.Fatalf("loader failed: %v", err)
	}

	changes := make(chan PolicyBundle, 4)
	errs := make(chan error, 4)
	watcher, err := loader.WatchPolicies(ctx, cfg, func(bundle PolicyBundle) {
		changes <- bundle
	}, func(err error) {
		errs <- err
	})
	if err != nil {
		t.Fatalf("watcher failed: %v", err)
	}
	defer watcher.Stop()

	initial := waitBundle(t, changes, errs, 2*time.Second)
	if _, ok := initial.Policies["inline-policy"]; !ok {
		t.Fatalf("inline policy missing on initial load: %v", initial.Policies)
	}
	if initial.Policies["file-policy"].Description != "v1" {
		t.Fatalf("expected file policy v1, got %+v", initial.Policies["file-policy"])
	}

	writePolicies(t, policiesFile, "policies:\n  file-policy:\n    description: v2\n    key: args[0]\n")

	reloaded := waitBundle(t, changes, errs, 2*time.Second)
	if reloaded.Policies["file-policy"].Description != "v2" {
		t.Fatalf("expected updated description, got %+v", reloaded.Policies["file-policy"])
	}
	if _, ok := reloaded.Policies["inline-policy"]; !ok {
		t.Fatalf("inline policy missing after reload")
	}
}

func TestWatchPoliciesFolderReloads(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	policiesDir := filepath.Join(dir, "policies")
	if err := os.MkdirAll(policiesDir, 0o755); err != nil {
		t.Fatalf("failed to create policies folder: %v", err)
	}

	serverCfg := filepath.Join(dir, "server.yaml")
	configContents := "server:\n  policies:\n    policiesFolder: %s\npolicies:\n  inline-policy:\n    key: args[0]\n"
	writePolicies(t, serverCfg, fmt.Sprintf(configContents, policiesDir))

	loader := NewLoader(EnvPrefix, serverCfg)
	cfg, err := loader.Load(ctx)
	if err != nil {
		t.Fatalf("loader failed: %v", err)
	}

	changes := make(chan PolicyBundle, 4)
	errs := make(chan error, 4)
	watcher, err := loader.WatchPolicies(ctx, cfg, func(bundle PolicyBundle) {
		changes <- bundle
	}, func(err error) {
		errs <- err
	})
	if err != nil {
		t.Fatalf("watcher failed: %v", err)
	}
	defer watcher.Stop()

	initial := waitBundle(t, changes, errs, 2*time.Second)
	if len(initial.Policies) != 1 {
		t.Fatalf("expected only inline policy initially, got %v", initial.Policies)
	}

	writePolicies(t, filepath.Join(policiesDir, "file.yaml"), "policies:\n  folder-policy:\n    key: args[0]\n")

	reloaded := waitBundle(t, changes, errs, 3*time.Second)
	if _, ok := reloaded.Policies["folder-policy"]; !ok {
		t.Fatalf("expected folder policy after reload: %v", reloaded.Policies)
	}
	if _, ok := reloaded.Policies["inline-policy"]; !ok {
		t.Fatalf("inline policy missing after reload")
	}
}

func TestWatchPoliciesRequiresSource(t *testing.T) {
	loader := NewLoader(EnvPrefix)
	if _, err := loader.WatchPolicies(context.Background(), DefaultConfig(), func(PolicyBundle) {}, nil); err == nil {
		t.Fatal("expected error without a policies source")
	}
	cfg := DefaultConfig()
	cfg.Server.Policies.PoliciesFolder = t.TempDir()
	if _, err := loader.WatchPolicies(context.Background(), cfg, nil, nil); err == nil {
		t.Fatal("expected error without a change callback")
	}
}

func TestPolicyWatcherStopIsIdempotent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Policies.PoliciesFolder = t.TempDir()
	watcher, err := NewLoader(EnvPrefix).WatchPolicies(context.Background(), cfg, func(PolicyBundle) {}, nil)
	if err != nil {
		t.Fatalf("watcher failed: %v", err)
	}
	watcher.Stop()
	watcher.Stop()

	var nilWatcher *PolicyWatcher
	nilWatcher.Stop()
}
