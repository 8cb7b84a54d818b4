package config

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

func writePolicies(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func TestBuildPolicyBundleMergesSources(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	policiesFile := filepath.Join(dir, "policies.yaml")
	writePolicies(t, policiesFile, "policies:\n  file-policy:\n    namespace: files\n    key: \"'f_' + args[0]\"\n")

	inline := map[string]PolicyConfig{
		"inline-policy": {Key: "'i_' + args[0]"},
	}

	bundle, err := buildPolicyBundle(ctx, inline, PoliciesConfig{PoliciesFile: policiesFile})
	if err != nil {
		t.Fatalf("buildPolicyBundle should succeed: %v", err)
	}
	if len(bundle.Policies) != 2 {
		t.Fatalf("expected two policies, got %d", len(bundle.Policies))
	}
	if bundle.Policies["file-policy"].Namespace != "files" {
		t.Fatalf("expected file policy decoded, got %+v", bundle.Policies["file-policy"])
	}
	if !slices.Contains(bundle.Sources, inlineSourceName) {
		t.Fatalf("expected inline source recorded, got %v", bundle.Sources)
	}
	if !slices.Contains(bundle.Sources, policiesFile) {
		t.Fatalf("expected file source recorded, got %v", bundle.Sources)
	}
	if len(bundle.Skipped) != 0 {
		t.Fatalf("expected no skipped policies, got %v", bundle.Skipped)
	}
}

func TestBuildPolicyBundleWalksFolder(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	nested := filepath.Join(dir, "nested")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writePolicies(t, filepath.Join(dir, "a.yaml"), "policies:\n  a:\n    key: args[0]\n")
	writePolicies(t, filepath.Join(nested, "b.json"), `{"policies":{"b":{"key":"args[1]"}}}`)
	writePolicies(t, filepath.Join(dir, "notes.txt"), "ignored")

	bundle, err := buildPolicyBundle(ctx, nil, PoliciesConfig{PoliciesFolder: dir})
	if err != nil {
		t.Fatalf("buildPolicyBundle should succeed: %v", err)
	}
	if len(bundle.Policies) != 2 {
		t.Fatalf("expected two policies, got %v", bundle.Policies)
	}
	if len(bundle.Sources) != 2 {
		t.Fatalf("expected two sources, got %v", bundle.Sources)
	}
}

func TestBuildPolicyBundleSkipsDuplicates(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writePolicies(t, filepath.Join(dir, "one.yaml"), "policies:\n  dup:\n    key: args[0]\n  solo:\n    key: args[0]\n")
	writePolicies(t, filepath.Join(dir, "two.yaml"), "policies:\n  dup:\n    key: args[1]\n")
	writePolicies(t, filepath.Join(dir, "three.yaml"), "policies:\n  dup:\n    key: args[2]\n")

	bundle, err := buildPolicyBundle(ctx, nil, PoliciesConfig{PoliciesFolder: dir})
	if err != nil {
		t.Fatalf("buildPolicyBundle should succeed: %v", err)
	}
	if _, ok := bundle.Policies["dup"]; ok {
		t.Fatalf("expected duplicate policy removed")
	}
	if _, ok := bundle.Policies["solo"]; !ok {
		t.Fatalf("expected unrelated policy kept")
	}
	if len(bundle.Skipped) != 1 {
		t.Fatalf("expected one skip record, got %v", bundle.Skipped)
	}
	skip := bundle.Skipped[0]
	if skip.Name != "dup" || skip.Reason != "duplicate definition" {
		t.Fatalf("unexpected skip record %+v", skip)
	}
	if len(skip.Sources) != 3 {
		t.Fatalf("expected every defining file listed, got %v", skip.Sources)
	}
}

func TestBuildPolicyBundleSkipsInvalidPolicies(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writePolicies(t, filepath.Join(dir, "policies.yaml"), strings.Join([]string{
		"policies:",
		"  good:",
		"    key: \"'k_' + args[0]\"",
		"  broken-key:",
		"    key: \"'k_' +\"",
		"  late-condition:",
		"    condition: \"retVal != null\"",
		"    key: args[0]",
		"  bad-ttl:",
		"    key: args[0]",
		"    ttl: later",
		"  keyless:",
		"    namespace: nothing",
		"",
	}, "\n"))

	bundle, err := buildPolicyBundle(ctx, nil, PoliciesConfig{PoliciesFolder: dir})
	if err != nil {
		t.Fatalf("buildPolicyBundle should succeed: %v", err)
	}
	if len(bundle.Policies) != 1 {
		t.Fatalf("expected only the good policy, got %v", bundle.Policies)
	}
	if _, ok := bundle.Policies["good"]; !ok {
		t.Fatalf("expected good policy kept")
	}
	reasons := make(map[string]string, len(bundle.Skipped))
	for _, skip := range bundle.Skipped {
		reasons[skip.Name] = skip.Reason
	}
	if !strings.Contains(reasons["broken-key"], "key:") {
		t.Fatalf("expected key compile failure, got %q", reasons["broken-key"])
	}
	if !strings.Contains(reasons["late-condition"], "retVal") {
		t.Fatalf("expected retVal condition rejected, got %q", reasons["late-condition"])
	}
	if !strings.Contains(reasons["bad-ttl"], "ttl") {
		t.Fatalf("expected ttl rejection, got %q", reasons["bad-ttl"])
	}
	if !strings.Contains(reasons["keyless"], "key required") {
		t.Fatalf("expected missing key rejection, got %q", reasons["keyless"])
	}
}

func TestCollectPolicySourcesErrors(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	if _, err := collectPolicySources(ctx, PoliciesConfig{PoliciesFile: filepath.Join(dir, "missing.yaml")}); err == nil {
		t.Fatalf("expected missing file error")
	}
	if _, err := collectPolicySources(ctx, PoliciesConfig{PoliciesFile: dir}); err == nil {
		t.Fatalf("expected directory-as-file error")
	}
	file := filepath.Join(dir, "file.yaml")
	writePolicies(t, file, "policies: {}\n")
	if _, err := collectPolicySources(ctx, PoliciesConfig{PoliciesFolder: file}); err == nil {
		t.Fatalf("expected file-as-folder error")
	}
	files, err := collectPolicySources(ctx, PoliciesConfig{})
	if err != nil || files != nil {
		t.Fatalf("expected no sources, got %v, %v", files, err)
	}
}
