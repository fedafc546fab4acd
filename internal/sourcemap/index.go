// Package sourcemap maintains the per-session source-map index: it
// discovers maps for parsed scripts, parses them lazily, and answers
// generated ↔ original position and name queries.
//
// Parsing is delegated to github.com/go-sourcemap/sourcemap for format
// validation and sources-content access; position tables are decoded
// once per map so both query directions share one mapping set with the
// documented tie-breaks.
package sourcemap

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	gosourcemap "github.com/go-sourcemap/sourcemap"
	"go.uber.org/zap"

	"apex-debug/internal/logging"
)

// Public query errors.
var (
	// ErrNoMap means the script is unknown, carries no (usable) map, or
	// has no mapping on the queried line; callers fall back to
	// pass-through positions.
	ErrNoMap = errors.New("no source map")

	// ErrNotFound means no parsed script covers the requested file.
	ErrNotFound = errors.New("file not covered by any script")
)

// GeneratedPos is a position in generated code. Line is 1-based,
// Column 0-based (CDP convention).
type GeneratedPos struct {
	ScriptID string
	URL      string
	Line     int
	Column   int
}

// OriginalPos is a position in an original source. Line is 1-based,
// Column 0-based.
type OriginalPos struct {
	File   string
	Line   int
	Column int
	Name   string
}

var inlineMapPattern = regexp.MustCompile(`(?m)^//[#@]\s*sourceMappingURL=(\S+)\s*$`)

// rawMap is the subset of the source map JSON the index reads directly;
// the consumer re-parses the full document.
type rawMap struct {
	Version        int      `json:"version"`
	Sources        []string `json:"sources"`
	Names          []string `json:"names"`
	Mappings       string   `json:"mappings"`
	SourceRoot     string   `json:"sourceRoot"`
	SourcesContent []string `json:"sourcesContent"`
}

type entry struct {
	scriptID string
	url      string // generated script URL as reported by the inspector
	path     string // url normalized to an absolute filesystem path
	mapURL   string // from scriptParsed, may be empty until discovery

	once       sync.Once
	err        error
	consumer   *gosourcemap.Consumer
	mappings   []decodedMapping
	sources    []string // absolute original paths, index-aligned with the map
	rawSources []string // source names exactly as the map spells them
	contents   []string // sourcesContent, index-aligned when present
	names      []string

	renameMu sync.Mutex
	renames  map[string]string // generated identifier → original name
}

// Index holds every script seen by one session.
type Index struct {
	mu         sync.RWMutex
	byScriptID map[string]*entry
	byPath     map[string]*entry
	readFile   func(string) ([]byte, error)
	log        *zap.Logger
}

// Option configures an Index.
type Option func(*Index)

// WithFileReader replaces filesystem access, for tests.
func WithFileReader(fn func(string) ([]byte, error)) Option {
	return func(x *Index) { x.readFile = fn }
}

// NewIndex returns an empty index.
func NewIndex(opts ...Option) *Index {
	x := &Index{
		byScriptID: make(map[string]*entry),
		byPath:     make(map[string]*entry),
		readFile:   os.ReadFile,
		log:        logging.L(),
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// NormalizeScriptPath turns an inspector script URL into an absolute
// OS path: strips file://, decodes, and cleans. Non-file URLs (node:
// internals) are returned unchanged.
func NormalizeScriptPath(scriptURL string) string {
	if scriptURL == "" {
		return ""
	}
	if strings.HasPrefix(scriptURL, "file://") {
		if u, err := url.Parse(scriptURL); err == nil {
			return filepath.Clean(u.Path)
		}
		return filepath.Clean(strings.TrimPrefix(scriptURL, "file://"))
	}
	if strings.HasPrefix(scriptURL, "node:") {
		return scriptURL
	}
	if filepath.IsAbs(scriptURL) {
		return filepath.Clean(scriptURL)
	}
	return scriptURL
}

// AddScript records one parsed script. sourceMapURL may be empty; the
// map is then discovered from the script body or a sibling .map file,
// lazily, on the first query that needs it.
func (x *Index) AddScript(scriptID, scriptURL, sourceMapURL string) {
	path := NormalizeScriptPath(scriptURL)
	e := &entry{
		scriptID: scriptID,
		url:      scriptURL,
		path:     path,
		mapURL:   sourceMapURL,
	}
	x.mu.Lock()
	x.byScriptID[scriptID] = e
	if path != "" {
		x.byPath[path] = e
	}
	x.mu.Unlock()
}

// ScriptURL returns the generated URL for a script id.
func (x *Index) ScriptURL(scriptID string) (string, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	e, ok := x.byScriptID[scriptID]
	if !ok {
		return "", false
	}
	return e.url, true
}

// ScriptIDForPath returns the script id whose normalized path matches.
func (x *Index) ScriptIDForPath(path string) (string, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	e, ok := x.byPath[filepath.Clean(path)]
	if !ok {
		return "", false
	}
	return e.scriptID, true
}

// load parses the entry's map exactly once. A missing or malformed map
// resolves to ErrNoMap, never a panic.
func (x *Index) load(e *entry) error {
	e.once.Do(func() {
		data, mapURL, err := x.locateMap(e)
		if err != nil {
			e.err = ErrNoMap
			return
		}

		consumer, err := gosourcemap.Parse(mapURL, data)
		if err != nil {
			x.log.Debug("malformed source map",
				zap.String("script", e.url), zap.Error(err))
			e.err = ErrNoMap
			return
		}

		var raw rawMap
		if err := json.Unmarshal(data, &raw); err != nil || raw.Mappings == "" {
			e.err = ErrNoMap
			return
		}
		mappings, err := decodeMappings(raw.Mappings)
		if err != nil {
			x.log.Debug("undecodable mappings",
				zap.String("script", e.url), zap.Error(err))
			e.err = ErrNoMap
			return
		}

		baseDir := filepath.Dir(e.path)
		sources := make([]string, len(raw.Sources))
		for i, src := range raw.Sources {
			if raw.SourceRoot != "" {
				src = strings.TrimSuffix(raw.SourceRoot, "/") + "/" + src
			}
			sources[i] = resolveSourcePath(baseDir, src)
		}

		e.consumer = consumer
		e.mappings = mappings
		e.sources = sources
		e.rawSources = raw.Sources
		e.contents = raw.SourcesContent
		e.names = raw.Names
	})
	return e.err
}

// locateMap resolves the bytes of the entry's source map: the
// scriptParsed-provided URL, an inline comment, or a sibling file.
func (x *Index) locateMap(e *entry) (data []byte, resolvedURL string, err error) {
	mapURL := e.mapURL
	if mapURL == "" {
		// Look for an inline sourceMappingURL comment.
		if body, rerr := x.readFile(e.path); rerr == nil {
			if m := inlineMapPattern.FindSubmatch(body); m != nil {
				mapURL = string(m[1])
			}
		}
	}
	if mapURL == "" {
		// Same-name sibling: script.js → script.js.map.
		mapURL = filepath.Base(e.path) + ".map"
	}

	if strings.HasPrefix(mapURL, "data:") {
		payload, derr := decodeDataURL(mapURL)
		if derr != nil {
			return nil, "", derr
		}
		return payload, e.url, nil
	}

	mapPath := mapURL
	mapPath = NormalizeScriptPath(mapPath)
	if !filepath.IsAbs(mapPath) {
		mapPath = filepath.Join(filepath.Dir(e.path), mapPath)
	}
	payload, rerr := x.readFile(mapPath)
	if rerr != nil {
		return nil, "", rerr
	}
	return payload, mapPath, nil
}

func decodeDataURL(dataURL string) ([]byte, error) {
	idx := strings.Index(dataURL, ",")
	if idx < 0 {
		return nil, errors.New("malformed data URL")
	}
	meta, payload := dataURL[:idx], dataURL[idx+1:]
	if strings.Contains(meta, ";base64") {
		return base64.StdEncoding.DecodeString(payload)
	}
	return []byte(payload), nil
}

func resolveSourcePath(baseDir, src string) string {
	src = NormalizeScriptPath(src)
	if filepath.IsAbs(src) || strings.HasPrefix(src, "node:") {
		return src
	}
	// webpack:///./src/x.ts style prefixes degrade to the raw path.
	if i := strings.Index(src, "://"); i >= 0 {
		src = strings.TrimLeft(src[i+3:], "/")
	}
	return filepath.Clean(filepath.Join(baseDir, src))
}

// OriginalToGenerated maps an original (file, 1-based line) to the
// first generated position covering that line. Tie-break: lowest
// generated line, then lowest column. Returns ErrNoMap when the file is
// itself a parsed script without a map (pass-through), ErrNotFound when
// nothing covers it.
func (x *Index) OriginalToGenerated(file string, line int) (GeneratedPos, error) {
	want := filepath.Clean(file)

	x.mu.RLock()
	entries := make([]*entry, 0, len(x.byScriptID))
	for _, e := range x.byScriptID {
		entries = append(entries, e)
	}
	direct := x.byPath[want]
	x.mu.RUnlock()

	best := GeneratedPos{Line: -1}
	for _, e := range entries {
		if err := x.load(e); err != nil {
			continue
		}
		srcIdx := -1
		for i, s := range e.sources {
			if s == want {
				srcIdx = i
				break
			}
		}
		if srcIdx < 0 {
			continue
		}
		for _, m := range e.mappings {
			if m.sourceIdx != srcIdx || m.origLine != line-1 {
				continue
			}
			genLine := m.genLine + 1
			if best.Line < 0 || genLine < best.Line ||
				(genLine == best.Line && m.genCol < best.Column) {
				best = GeneratedPos{
					ScriptID: e.scriptID,
					URL:      e.url,
					Line:     genLine,
					Column:   m.genCol,
				}
			}
		}
	}
	if best.Line > 0 {
		return best, nil
	}

	if direct != nil {
		// The file is a generated script itself: pass through.
		return GeneratedPos{}, ErrNoMap
	}
	return GeneratedPos{}, ErrNotFound
}

// GeneratedToOriginal maps a generated (scriptID, 1-based line, 0-based
// column) to its original position. The mapping chosen is the one with
// the greatest generated position not exceeding the query, on the same
// generated line; when none precedes the column, the first mapping on
// that line is used.
func (x *Index) GeneratedToOriginal(scriptID string, line, col int) (OriginalPos, error) {
	x.mu.RLock()
	e, ok := x.byScriptID[scriptID]
	x.mu.RUnlock()
	if !ok {
		return OriginalPos{}, ErrNoMap
	}
	if err := x.load(e); err != nil {
		return OriginalPos{}, err
	}

	genLine := line - 1
	bestIdx := -1
	bestCol := -1
	for i, m := range e.mappings {
		if m.genLine != genLine || m.sourceIdx < 0 {
			continue
		}
		if m.genCol <= col && m.genCol > bestCol {
			bestCol = m.genCol
			bestIdx = i
		}
	}
	if bestIdx < 0 {
		// No segment at or before the column; take the first on the line.
		for i, m := range e.mappings {
			if m.genLine == genLine && m.sourceIdx >= 0 {
				if bestIdx < 0 || m.genCol < e.mappings[bestIdx].genCol {
					bestIdx = i
				}
			}
		}
	}
	if bestIdx < 0 {
		return OriginalPos{}, ErrNoMap
	}

	m := e.mappings[bestIdx]
	pos := OriginalPos{
		File:   e.sources[m.sourceIdx],
		Line:   m.origLine + 1,
		Column: m.origCol,
	}
	if m.nameIdx >= 0 && m.nameIdx < len(e.names) {
		pos.Name = e.names[m.nameIdx]
	}
	return pos, nil
}

// RenameFromMap resolves the original name for a generated identifier
// near the given generated position. Returns false when the map's names
// table does not cover it.
func (x *Index) RenameFromMap(scriptID string, line, col int, generatedName string) (string, bool) {
	pos, err := x.GeneratedToOriginal(scriptID, line, col)
	if err != nil || pos.Name == "" {
		return generatedName, false
	}
	return pos.Name, true
}

// NameForGenerated resolves the original name a map assigns to a
// generated identifier within a script, using the rename table built
// from the generated source text. The generated source is needed to pin
// identifiers to name mappings; pass it on first call (later calls may
// pass "").
func (x *Index) NameForGenerated(scriptID, generatedName, generatedSource string) (string, bool) {
	x.mu.RLock()
	e, ok := x.byScriptID[scriptID]
	x.mu.RUnlock()
	if !ok {
		return generatedName, false
	}
	if err := x.load(e); err != nil {
		return generatedName, false
	}

	e.renameMu.Lock()
	if e.renames == nil && generatedSource != "" {
		e.renames = buildRenameTable(e, generatedSource)
	}
	renames := e.renames
	e.renameMu.Unlock()

	if original, ok := renames[generatedName]; ok && original != generatedName {
		return original, true
	}
	return generatedName, false
}

var identPattern = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*`)

// buildRenameTable pairs each name-carrying mapping with the identifier
// spelled at its generated position.
func buildRenameTable(e *entry, generatedSource string) map[string]string {
	lines := strings.Split(generatedSource, "\n")
	table := make(map[string]string)
	for _, m := range e.mappings {
		if m.nameIdx < 0 || m.nameIdx >= len(e.names) {
			continue
		}
		if m.genLine >= len(lines) {
			continue
		}
		line := lines[m.genLine]
		if m.genCol >= len(line) {
			continue
		}
		ident := identPattern.FindString(line[m.genCol:])
		if ident == "" || ident == e.names[m.nameIdx] {
			continue
		}
		// First mapping wins; later shadowed uses keep the outer name.
		if _, seen := table[ident]; !seen {
			table[ident] = e.names[m.nameIdx]
		}
	}
	return table
}

// SourceContent returns the embedded original source for file, when the
// map carried sourcesContent.
func (x *Index) SourceContent(file string) (string, bool) {
	want := filepath.Clean(file)
	x.mu.RLock()
	entries := make([]*entry, 0, len(x.byScriptID))
	for _, e := range x.byScriptID {
		entries = append(entries, e)
	}
	x.mu.RUnlock()

	for _, e := range entries {
		if x.load(e) != nil || e.consumer == nil {
			continue
		}
		for i, resolved := range e.sources {
			if resolved != want {
				continue
			}
			if i < len(e.contents) && e.contents[i] != "" {
				return e.contents[i], true
			}
			// The consumer keys sources by its own resolution of the
			// map spelling; try both forms.
			if i < len(e.rawSources) {
				if content := e.consumer.SourceContent(e.rawSources[i]); content != "" {
					return content, true
				}
			}
			if content := e.consumer.SourceContent(resolved); content != "" {
				return content, true
			}
		}
	}
	return "", false
}
