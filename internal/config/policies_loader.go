package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/l0p7/methodcache/internal/expr"
	"github.com/l0p7/methodcache/internal/hashtable"
)

const inlineSourceName = "inline-config"

// PolicyBundle captures the merged policy definitions after loading every
// configured source, plus what was skipped and why.
type PolicyBundle struct {
	Policies map[string]PolicyConfig
	Sources  []string
	Skipped  []PolicySkip
}

type policyDocument struct {
	Policies map[string]PolicyConfig `koanf:"policies"`
}

type policyAggregator struct {
	policies map[string]PolicyConfig
	origins  map[string]string
	skips    map[string]*PolicySkip
	sources  map[string]struct{}
}

func newPolicyAggregator() *policyAggregator {
	return &policyAggregator{
		policies: make(map[string]PolicyConfig),
		origins:  make(map[string]string),
		skips:    make(map[string]*PolicySkip),
		sources:  make(map[string]struct{}),
	}
}

func (a *policyAggregator) addDocument(doc policyDocument, source string) {
	if source != "" {
		a.sources[source] = struct{}{}
	}
	for name, cfg := range doc.Policies {
		a.addPolicy(name, cfg, source)
	}
}

func (a *policyAggregator) addPolicy(name string, cfg PolicyConfig, source string) {
	if existing, ok := a.skips[name]; ok {
		existing.Sources = appendUnique(existing.Sources, source)
		return
	}
	if prev, ok := a.origins[name]; ok {
		a.skip(name, "duplicate definition", prev, source)
		return
	}
	a.origins[name] = source
	a.policies[name] = cfg
}

// validate quarantines policies whose shape or expressions would fail at call
// time, so a bad document never disables the ones next to it.
func (a *policyAggregator) validate(env *expr.Environment) {
	for name, cfg := range a.policies {
		if err := validatePolicy(name, cfg); err != nil {
			a.skip(name, strings.TrimPrefix(err.Error(), "config: "), a.origins[name])
			continue
		}
		if err := validatePolicyExpressions(cfg, env); err != nil {
			a.skip(name, fmt.Sprintf("invalid policy expressions: %v", err), a.origins[name])
		}
	}
}

func (a *policyAggregator) skip(name, reason string, sources ...string) {
	delete(a.origins, name)
	delete(a.policies, name)
	skip, ok := a.skips[name]
	if !ok {
		skip = &PolicySkip{Name: name, Reason: reason, Sources: []string{}}
		a.skips[name] = skip
	}
	if skip.Reason == "" {
		skip.Reason = reason
	}
	for _, src := range sources {
		skip.Sources = appendUnique(skip.Sources, src)
	}
}

func (a *policyAggregator) bundle() PolicyBundle {
	skipped := make([]PolicySkip, 0, len(a.skips))
	for _, skip := range a.skips {
		sort.Strings(skip.Sources)
		skipped = append(skipped, *skip)
	}
	sort.Slice(skipped, func(i, j int) bool { return skipped[i].Name < skipped[j].Name })

	sources := make([]string, 0, len(a.sources))
	for src := range a.sources {
		if src != "" {
			sources = append(sources, src)
		}
	}
	sort.Strings(sources)
	return PolicyBundle{Policies: maps.Clone(a.policies), Sources: sources, Skipped: skipped}
}

func appendUnique(list []string, value string) []string {
	if value == "" {
		return list
	}
	if !slices.Contains(list, value) {
		list = append(list, value)
	}
	return list
}

func buildPolicyBundle(ctx context.Context, inline map[string]PolicyConfig, policiesCfg PoliciesConfig) (PolicyBundle, error) {
	agg := newPolicyAggregator()
	if len(inline) > 0 {
		agg.addDocument(policyDocument{Policies: inline}, inlineSourceName)
	}

	files, err := collectPolicySources(ctx, policiesCfg)
	if err != nil {
		return PolicyBundle{}, err
	}
	for _, path := range files {
		select {
		case <-ctx.Done():
			return PolicyBundle{}, ctx.Err()
		default:
		}
		doc, err := loadPolicyDocument(path)
		if err != nil {
			return PolicyBundle{}, err
		}
		agg.addDocument(doc, path)
	}
	// Compilation does not depend on the seed; the random hasher only backs
	// the hash binding.
	env, err := expr.NewEnvironment(hashtable.NewRandomHasher())
	if err != nil {
		return PolicyBundle{}, err
	}
	agg.validate(env)
	return agg.bundle(), nil
}

func validatePolicyExpressions(cfg PolicyConfig, env *expr.Environment) error {
	fields := []struct {
		name       string
		expression string
	}{
		{"condition", cfg.Condition},
		{"key", cfg.Key},
		{"expire", cfg.Expire},
	}
	for _, field := range fields {
		trimmed := strings.TrimSpace(field.expression)
		if trimmed == "" {
			continue
		}
		program, err := env.Compile(trimmed)
		if err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
		if field.name == "condition" && program.UsesReturnValue() {
			return errors.New("condition: retVal is not bound before invocation")
		}
	}
	return nil
}

func collectPolicySources(ctx context.Context, policiesCfg PoliciesConfig) ([]string, error) {
	if policiesCfg.PoliciesFile != "" {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if err := ensureFileExists(policiesCfg.PoliciesFile); err != nil {
			return nil, err
		}
		return []string{policiesCfg.PoliciesFile}, nil
	}
	if policiesCfg.PoliciesFolder == "" {
		return nil, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	stat, err := os.Stat(policiesCfg.PoliciesFolder)
	if err != nil {
		return nil, fmt.Errorf("config: policies folder %s: %w", policiesCfg.PoliciesFolder, err)
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("config: policies folder %s is not a directory", policiesCfg.PoliciesFolder)
	}
	var files []string
	err = filepath.WalkDir(policiesCfg.PoliciesFolder, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !isSupportedPolicyFile(path) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("config: walk policies folder %s: %w", policiesCfg.PoliciesFolder, err)
	}
	sort.Strings(files)
	return files, nil
}

func ensureFileExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config: policies file %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: policies file %s: expected a file, found directory", path)
	}
	return nil
}

func loadPolicyDocument(path string) (policyDocument, error) {
	parser, err := parserFor(path)
	if err != nil {
		return policyDocument{}, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return policyDocument{}, fmt.Errorf("config: load policies from %s: %w", path, err)
	}
	var doc policyDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return policyDocument{}, fmt.Errorf("config: decode policies from %s: %w", path, err)
	}
	if doc.Policies == nil {
		doc.Policies = make(map[string]PolicyConfig)
	}
	return doc, nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported file extension %s", ext)
	}
}

func isSupportedPolicyFile(path string) bool {
	_, err := parserFor(path)
	return err == nil
}

func clonePolicyMap(in map[string]PolicyConfig) map[string]PolicyConfig {
	if len(in) == 0 {
		return nil
	}
	return maps.Clone(in)
}
