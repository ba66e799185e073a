package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/rs/zerolog"
)

// reservedPackage is the namespace of the built-in policies. Custom modules
// may not declare packages under it.
const reservedPackage = "data.stagehand.policies"

// bundleSuffix marks a JSON file holding a PolicyBundle rather than a single
// Policy.
const bundleSuffix = ".bundle.json"

// Loader reads custom proposal policies from .rego files, single-policy
// .json files and *.bundle.json bundles. Every module is checked when it is
// loaded: it must parse, live outside the built-in namespace and define the
// set-valued deny rule the engine queries. A directory with one bad file
// fails as a whole, so a typo never silently disables a policy.
type Loader struct {
	logger  zerolog.Logger
	mu      sync.Mutex
	cache   map[string]cachedFile
	watcher *fsnotify.Watcher
}

// cachedFile remembers the policies parsed from a file until it changes.
type cachedFile struct {
	modTime  time.Time
	size     int64
	policies []Policy
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]cachedFile),
	}
}

// LoadFromPaths loads policies from files and directories. Policy names
// must be unique across everything loaded.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var all []Policy
	sources := make(map[string]string)

	for _, path := range paths {
		policies, err := l.loadFromPath(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		for _, p := range policies {
			source, _ := p.Metadata["source"].(string)
			if prev, dup := sources[p.Name]; dup {
				return nil, fmt.Errorf("policy %s is defined in both %s and %s", p.Name, prev, source)
			}
			sources[p.Name] = source
		}
		all = append(all, policies...)
	}

	l.logger.Info().
		Int("total", len(all)).
		Int("sources", len(paths)).
		Msg("Policies loaded from paths")

	return all, nil
}

func (l *Loader) loadFromPath(ctx context.Context, path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}
	if info.IsDir() {
		return l.loadFromDirectory(ctx, path)
	}
	return l.loadFromFile(ctx, path)
}

// loadFromDirectory loads every policy file below dirPath in lexical order.
func (l *Loader) loadFromDirectory(ctx context.Context, dirPath string) ([]Policy, error) {
	var policies []Policy

	err := filepath.WalkDir(dirPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isPolicyFile(path) {
			return nil
		}
		loaded, err := l.loadFromFile(ctx, path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		policies = append(policies, loaded...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return policies, nil
}

func isPolicyFile(path string) bool {
	return strings.HasSuffix(path, ".rego") || strings.HasSuffix(path, ".json")
}

// loadFromFile loads the policies in one file, reusing the cached result
// while the file's size and modification time are unchanged.
func (l *Loader) loadFromFile(ctx context.Context, filePath string) ([]Policy, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	l.mu.Lock()
	cached, ok := l.cache[filePath]
	l.mu.Unlock()
	if ok && cached.modTime.Equal(info.ModTime()) && cached.size == info.Size() {
		return cached.policies, nil
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var policies []Policy
	switch {
	case strings.HasSuffix(filePath, ".rego"):
		policies = []Policy{parseRegoFile(filePath, data)}
	case strings.HasSuffix(filePath, bundleSuffix):
		policies, err = parseBundleFile(filePath, data)
	case strings.HasSuffix(filePath, ".json"):
		var p *Policy
		p, err = parseJSONFile(filePath, data)
		if p != nil {
			policies = []Policy{*p}
		}
	default:
		return nil, fmt.Errorf("unsupported file type: %s", filePath)
	}
	if err != nil {
		return nil, err
	}

	for i := range policies {
		if err := checkPolicy(&policies[i]); err != nil {
			return nil, fmt.Errorf("policy %s: %w", policies[i].Name, err)
		}
	}

	l.mu.Lock()
	l.cache[filePath] = cachedFile{modTime: info.ModTime(), size: info.Size(), policies: policies}
	l.mu.Unlock()

	l.logger.Debug().
		Str("path", filePath).
		Int("policies", len(policies)).
		Msg("Policy file loaded")

	return policies, nil
}

// checkPolicy verifies that a custom policy can be evaluated against
// proposals the way the engine queries it.
func checkPolicy(p *Policy) error {
	if p.Name == "" {
		return fmt.Errorf("policy name is required")
	}
	switch p.Severity {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
	default:
		return fmt.Errorf("unknown severity %q", p.Severity)
	}

	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse: %w", err)
	}
	if module == nil || module.Package == nil {
		return fmt.Errorf("module declares no package")
	}
	pkg := module.Package.Path.String()
	if pkg == reservedPackage || strings.HasPrefix(pkg, reservedPackage+".") {
		return fmt.Errorf("package %s is reserved for built-in policies", strings.TrimPrefix(pkg, "data."))
	}

	deny := ast.Ref{ast.VarTerm("deny")}
	for _, rule := range module.Rules {
		if !rule.Head.Ref().Equal(deny) {
			continue
		}
		if rule.Head.RuleKind() != ast.MultiValue {
			return fmt.Errorf("deny in package %s must be a set (use \"deny contains ...\")", strings.TrimPrefix(pkg, "data."))
		}
		if p.Metadata == nil {
			p.Metadata = make(map[string]interface{})
		}
		p.Metadata["package"] = strings.TrimPrefix(pkg, "data.")
		return nil
	}
	return fmt.Errorf("package %s defines no deny rule", strings.TrimPrefix(pkg, "data."))
}

// parseRegoFile builds a policy from a .rego file. Leading comments supply
// the description, and "severity:" and "tags:" comment lines override the
// defaults:
//
//	# Blocks changes to the billing namespace.
//	# severity: error
//	# tags: billing, freeze
//	package acme.billing_freeze
func parseRegoFile(filePath string, data []byte) Policy {
	content := string(data)
	header := parseHeader(content)

	severity := SeverityWarning
	if header.severity != "" {
		severity = header.severity
	}
	now := time.Now()
	return Policy{
		Name:        strings.TrimSuffix(filepath.Base(filePath), ".rego"),
		Description: header.description,
		Rego:        content,
		Severity:    severity,
		Enabled:     true,
		Tags:        header.tags,
		Metadata:    map[string]interface{}{"source": filePath},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// parseJSONFile parses a single JSON policy definition.
func parseJSONFile(filePath string, data []byte) (*Policy, error) {
	var policy Policy
	if err := json.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
	}
	applyDefaults(&policy, filePath)
	return &policy, nil
}

// parseBundleFile parses a PolicyBundle. Its policies keep their own names
// and are tagged with the bundle name and version.
func parseBundleFile(filePath string, data []byte) ([]Policy, error) {
	var bundle PolicyBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("failed to parse bundle: %w", err)
	}
	if bundle.Name == "" {
		return nil, fmt.Errorf("bundle name is required")
	}
	if len(bundle.Policies) == 0 {
		return nil, fmt.Errorf("bundle %s contains no policies", bundle.Name)
	}

	policies := make([]Policy, len(bundle.Policies))
	for i, p := range bundle.Policies {
		applyDefaults(&p, filePath)
		p.Metadata["bundle"] = bundle.Name
		p.Metadata["bundle_version"] = bundle.Version
		policies[i] = p
	}
	return policies, nil
}

func applyDefaults(p *Policy, filePath string) {
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	if p.Metadata == nil {
		p.Metadata = make(map[string]interface{})
	}
	p.Metadata["source"] = filePath
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
}

type regoHeader struct {
	description string
	severity    Severity
	tags        []string
}

// parseHeader reads the comment block at the top of a Rego module.
func parseHeader(content string) regoHeader {
	var h regoHeader
	var description strings.Builder

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if !strings.HasPrefix(trimmed, "#") {
			break
		}

		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		if key, value, ok := strings.Cut(comment, ":"); ok {
			switch strings.ToLower(strings.TrimSpace(key)) {
			case "severity":
				h.severity = Severity(strings.ToLower(strings.TrimSpace(value)))
				continue
			case "tags":
				for _, tag := range strings.Split(value, ",") {
					if tag = strings.TrimSpace(tag); tag != "" {
						h.tags = append(h.tags, tag)
					}
				}
				continue
			}
		}
		if comment == "" {
			continue
		}
		if description.Len() > 0 {
			description.WriteString(" ")
		}
		description.WriteString(comment)
	}

	h.description = description.String()
	return h
}

// Watch reloads paths whenever a policy file under them is written, created,
// removed or renamed. Reloads are debounced and a failed reload leaves the
// previous policy set in place.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	l.watcher = watcher

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to stat path for watching")
			continue
		}
		if info.IsDir() {
			if err := l.watchDirectory(path); err != nil {
				l.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch directory")
			}
			continue
		}
		// Editors replace files by rename, so watch the parent directory.
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch file")
		}
	}

	go l.processEvents(ctx, paths, reloadFn)

	l.logger.Info().
		Int("paths", len(paths)).
		Msg("Started watching policy paths")

	return nil
}

func (l *Loader) watchDirectory(dirPath string) error {
	return filepath.WalkDir(dirPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return l.watcher.Add(path)
		}
		return nil
	})
}

// watched reports whether a changed file belongs to one of the loaded paths.
func watched(paths []string, name string) bool {
	for _, p := range paths {
		if name == p || strings.HasPrefix(name, strings.TrimSuffix(p, string(filepath.Separator))+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (l *Loader) processEvents(ctx context.Context, paths []string, reloadFn func([]Policy) error) {
	var reloadTimer *time.Timer
	reloadDelay := 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			_ = l.watcher.Close()
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}

			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() && watched(paths, event.Name) {
					if err := l.watchDirectory(event.Name); err != nil {
						l.logger.Warn().Err(err).Str("path", event.Name).Msg("Failed to watch new directory")
					}
					continue
				}
			}
			if !isPolicyFile(event.Name) || !watched(paths, event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Policy file changed")

			l.mu.Lock()
			delete(l.cache, event.Name)
			l.mu.Unlock()

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				if err := l.triggerReload(ctx, paths, reloadFn); err != nil {
					l.logger.Error().Err(err).Msg("Failed to reload policies; keeping the previous set")
				}
			})

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (l *Loader) triggerReload(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	policies, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to reload policies: %w", err)
	}
	if err := reloadFn(policies); err != nil {
		return fmt.Errorf("failed to apply reloaded policies: %w", err)
	}

	names := make([]string, 0, len(policies))
	for _, p := range policies {
		names = append(names, p.Name)
	}
	sort.Strings(names)
	l.logger.Info().
		Strs("policies", names).
		Msg("Policies reloaded")

	return nil
}

// StopWatching stops watching for file changes.
func (l *Loader) StopWatching() error {
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}
