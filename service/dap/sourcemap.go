package dap

import (
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru"

	"github.com/go-delve/ndap/pkg/config"
	"github.com/go-delve/ndap/service/dap/protocol"
)

const (
	breakpointModePath = "path"
	breakpointModeFile = "file"

	sourceMapCacheSize = 1024
)

type sourceMapRule struct {
	from string
	// to is nil for a rule that hides sources under from.
	to *string
}

// sourceMap translates between the source paths recorded in debug
// information and local paths. Resolutions are cached; the cache is
// dropped whenever a rule or setting changes.
type sourceMap struct {
	rules []sourceMapRule
	// relativeBase is the directory relative debug info paths are
	// resolved against.
	relativeBase string
	// suppressMissing hides local paths that do not exist.
	suppressMissing bool
	breakpointMode  string

	cache *lru.Cache
	stat  func(string) error
}

type localPath struct {
	path string
	ok   bool
}

func newSourceMap() *sourceMap {
	cache, _ := lru.New(sourceMapCacheSize)
	return &sourceMap{
		breakpointMode: breakpointModePath,
		cache:          cache,
		stat: func(path string) error {
			_, err := os.Stat(path)
			return err
		},
	}
}

func (m *sourceMap) setRules(defaults config.SourceMapRules, sm protocol.SourceMap) {
	m.rules = m.rules[:0]
	for _, r := range defaults {
		to := r.To
		if to == "" {
			m.rules = append(m.rules, sourceMapRule{from: r.From})
			continue
		}
		m.rules = append(m.rules, sourceMapRule{from: r.From, to: &to})
	}
	for _, e := range sm {
		m.rules = append(m.rules, sourceMapRule{from: e.From, to: e.To})
	}
	m.cache.Purge()
}

// addRule adds or replaces the rule for from. A nil to hides from.
func (m *sourceMap) addRule(from string, to *string) {
	defer m.cache.Purge()
	for i := range m.rules {
		if m.rules[i].from == from {
			m.rules[i].to = to
			return
		}
	}
	m.rules = append(m.rules, sourceMapRule{from: from, to: to})
}

func (m *sourceMap) removeRule(from string) bool {
	defer m.cache.Purge()
	for i := range m.rules {
		if m.rules[i].from == from {
			m.rules = append(m.rules[:i], m.rules[i+1:]...)
			return true
		}
	}
	return false
}

func (m *sourceMap) setRelativeBase(dir string) {
	m.relativeBase = dir
	m.cache.Purge()
}

func (m *sourceMap) setSuppressMissing(v bool) {
	if m.suppressMissing != v {
		m.suppressMissing = v
		m.cache.Purge()
	}
}

// engineSetting renders the rules in the form of the engine's
// target.source-map setting.
func (m *sourceMap) engineSetting() string {
	var b strings.Builder
	for _, r := range m.rules {
		if r.to == nil {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(quote(r.from))
		b.WriteByte(' ')
		b.WriteString(quote(*r.to))
	}
	return b.String()
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

func hasPathPrefix(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || strings.HasSuffix(prefix, "/") || path[len(prefix)] == '/' || path[len(prefix)] == '\\'
}

// toLocal maps a path from debug information to a local path. It returns
// false when the source should not be shown: a rule hides it, or it does
// not exist and missing files are suppressed.
func (m *sourceMap) toLocal(path string) (string, bool) {
	if path == "" {
		return "", false
	}
	if v, ok := m.cache.Get(path); ok {
		lp := v.(localPath)
		return lp.path, lp.ok
	}
	lp := m.resolve(path)
	m.cache.Add(path, lp)
	return lp.path, lp.ok
}

func (m *sourceMap) resolve(path string) localPath {
	mapped := path
	for _, r := range m.rules {
		if !hasPathPrefix(path, r.from) {
			continue
		}
		if r.to == nil {
			return localPath{}
		}
		mapped = *r.to + path[len(r.from):]
		break
	}
	if !filepath.IsAbs(mapped) && m.relativeBase != "" {
		mapped = filepath.Join(m.relativeBase, mapped)
	}
	mapped = filepath.Clean(mapped)
	if m.suppressMissing && m.stat(mapped) != nil {
		return localPath{path: mapped}
	}
	return localPath{path: mapped, ok: true}
}

// toRemote maps a local path back to the path the engine knows, for
// setting breakpoints. In file mode only the base name is used.
func (m *sourceMap) toRemote(local string) string {
	if m.breakpointMode == breakpointModeFile {
		return filepath.Base(local)
	}
	for _, r := range m.rules {
		if r.to == nil || *r.to == "" {
			continue
		}
		if hasPathPrefix(local, *r.to) {
			return r.from + local[len(*r.to):]
		}
	}
	return local
}
