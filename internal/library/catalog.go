// Package library resolves user queries to audio files in the local library.
// It walks the library directory and reads tags; it never writes anything.
package library

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dhowden/tag"
	"github.com/google/uuid"
	"github.com/lithammer/fuzzysearch/fuzzy"
	"go.uber.org/zap"

	"github.com/austinkregel/local-media/playd/internal/audio"
	"github.com/austinkregel/local-media/playd/internal/types"
)

// Extensions are the audio file extensions the catalog picks up
var Extensions = map[string]bool{
	".mp3":  true,
	".flac": true,
	".m4a":  true,
	".aac":  true,
	".ogg":  true,
	".oga":  true,
	".wav":  true,
	".opus": true,
}

// namespace for track ids, so the same path always maps to the same id
var trackNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("playd:track"))

// Prober reports the duration of an audio file. audio.Decoder satisfies it.
type Prober interface {
	Probe(path string) (time.Duration, error)
}

// metadataReader is implemented by decoders that can read tags themselves
type metadataReader interface {
	Metadata(path string) (*audio.FileMetadata, error)
}

// TrackID returns the stable id of the file at path
func TrackID(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return uuid.NewSHA1(trackNamespace, []byte(filepath.Clean(path))).String()
}

type entry struct {
	ref     types.TrackRef
	modTime time.Time
	size    int64
}

// Catalog is a read-only view over the audio files under a directory
type Catalog struct {
	root   string
	prober Prober
	log    *zap.Logger

	mu      sync.RWMutex
	entries map[string]*entry // by path
}

// NewCatalog creates a catalog of the audio files under root
func NewCatalog(root string, prober Prober, log *zap.Logger) *Catalog {
	if log == nil {
		log = zap.NewNop()
	}
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	return &Catalog{
		root:    root,
		prober:  prober,
		log:     log,
		entries: make(map[string]*entry),
	}
}

// Scan walks the library and refreshes the catalog. Files whose size and
// modification time are unchanged keep their cached metadata.
func (c *Catalog) Scan(ctx context.Context) error {
	started := time.Now()

	c.mu.RLock()
	previous := c.entries
	c.mu.RUnlock()

	next := make(map[string]*entry, len(previous))
	err := filepath.WalkDir(c.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if path == c.root {
				return err
			}
			c.log.Debug("walk error", zap.String("path", path), zap.Error(err))
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !Extensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		if old, ok := previous[path]; ok && old.modTime.Equal(info.ModTime()) && old.size == info.Size() {
			next[path] = old
			return nil
		}
		next[path] = c.readEntry(path, info)
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			c.log.Debug("library directory missing", zap.String("root", c.root))
		} else {
			return errors.Wrapf(err, "scan %s", c.root)
		}
	}

	// Files played by path from outside the library stay resolvable
	for path, e := range previous {
		if _, ok := next[path]; !ok && !c.inLibrary(path) {
			next[path] = e
		}
	}

	c.mu.Lock()
	c.entries = next
	c.mu.Unlock()

	c.log.Debug("scan complete",
		zap.Int("tracks", len(next)),
		zap.Duration("elapsed", time.Since(started)))
	return nil
}

// Tracks returns every cataloged track, sorted by title
func (c *Catalog) Tracks() []types.TrackRef {
	c.mu.RLock()
	defer c.mu.RUnlock()

	refs := make([]types.TrackRef, 0, len(c.entries))
	for _, e := range c.entries {
		refs = append(refs, e.ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		a, b := strings.ToLower(refs[i].Title), strings.ToLower(refs[j].Title)
		if a != b {
			return a < b
		}
		return refs[i].Path < refs[j].Path
	})
	return refs
}

// Resolve finds the one track matching query. A query naming an existing
// audio file is used directly. Otherwise candidates are tried in order: exact
// id, alias (file name without extension), title ignoring case, and finally
// a fuzzy match on title and alias.
func (c *Catalog) Resolve(ctx context.Context, query string) (types.TrackRef, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return types.TrackRef{}, errors.Wrap(types.ErrNoMatch, "empty query")
	}

	if ref, ok := c.resolveFile(query); ok {
		return ref, nil
	}

	if err := c.Scan(ctx); err != nil {
		return types.TrackRef{}, err
	}
	tracks := c.Tracks()

	for _, t := range tracks {
		if t.ID == query {
			return t, nil
		}
	}

	matchers := []struct {
		name  string
		match func(types.TrackRef) bool
	}{
		{"alias", func(t types.TrackRef) bool { return t.Alias == query }},
		{"title", func(t types.TrackRef) bool { return strings.EqualFold(t.Title, query) }},
	}
	for _, m := range matchers {
		var found []types.TrackRef
		for _, t := range tracks {
			if m.match(t) {
				found = append(found, t)
			}
		}
		if len(found) > 0 {
			c.log.Debug("resolved", zap.String("query", query), zap.String("by", m.name), zap.Int("candidates", len(found)))
			return pick(query, found)
		}
	}

	return pick(query, fuzzyMatches(query, tracks))
}

// ResolvePath returns ref with its local path and duration filled in
func (c *Catalog) ResolvePath(ctx context.Context, ref types.TrackRef) (types.TrackRef, error) {
	e := c.lookup(ref.ID)
	if e == nil {
		if err := c.Scan(ctx); err != nil {
			return types.TrackRef{}, err
		}
		if e = c.lookup(ref.ID); e == nil {
			return types.TrackRef{}, errors.Wrapf(types.ErrNoMatch, "track %s not found", ref.ID)
		}
	}

	if _, err := os.Stat(e.ref.Path); err != nil {
		return types.TrackRef{}, errors.Mark(errors.Wrapf(err, "track %q is gone", e.ref.Title), types.ErrUnreadableSource)
	}

	c.mu.RLock()
	resolved := e.ref
	c.mu.RUnlock()
	if resolved.Duration > 0 || c.prober == nil {
		return resolved, nil
	}

	d, err := c.prober.Probe(resolved.Path)
	if err != nil {
		return types.TrackRef{}, errors.Mark(errors.Wrapf(err, "probe %s", resolved.Path), types.ErrUnreadableSource)
	}
	c.mu.Lock()
	e.ref.Duration = d
	c.mu.Unlock()

	resolved.Duration = d
	return resolved, nil
}

func (c *Catalog) lookup(id string) *entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.entries {
		if e.ref.ID == id {
			return e
		}
	}
	return nil
}

// resolveFile treats query as a path to an audio file
func (c *Catalog) resolveFile(query string) (types.TrackRef, bool) {
	if !Extensions[strings.ToLower(filepath.Ext(query))] {
		return types.TrackRef{}, false
	}
	path, err := filepath.Abs(query)
	if err != nil {
		return types.TrackRef{}, false
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return types.TrackRef{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[path]
	if !ok || !e.modTime.Equal(info.ModTime()) {
		e = c.readEntry(path, info)
		c.entries[path] = e
	}
	return e.ref, true
}

func (c *Catalog) inLibrary(path string) bool {
	rel, err := filepath.Rel(c.root, path)
	return err == nil && !strings.HasPrefix(rel, "..")
}

func (c *Catalog) readEntry(path string, info os.FileInfo) *entry {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	ref := types.TrackRef{
		ID:    TrackID(path),
		Title: stem,
		Alias: stem,
		Path:  path,
	}

	if title, err := readTitle(path); err == nil {
		if title != "" {
			ref.Title = title
		}
	} else if mr, ok := c.prober.(metadataReader); ok {
		if meta, err := mr.Metadata(path); err == nil {
			if title := strings.TrimSpace(meta.Title); title != "" {
				ref.Title = title
			}
			ref.Duration = meta.Duration
		} else {
			c.log.Debug("no metadata", zap.String("path", path), zap.Error(err))
		}
	}

	return &entry{ref: ref, modTime: info.ModTime(), size: info.Size()}
}

func readTitle(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	metadata, err := tag.ReadFrom(f)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(metadata.Title()), nil
}

// fuzzyMatches returns the tracks whose title or alias fuzzily matches
// query with the best (lowest) distance
func fuzzyMatches(query string, tracks []types.TrackRef) []types.TrackRef {
	targets := make([]string, 0, len(tracks)*2)
	owners := make([]int, 0, len(tracks)*2)
	for i, t := range tracks {
		targets = append(targets, t.Title)
		owners = append(owners, i)
		if t.Alias != "" && t.Alias != t.Title {
			targets = append(targets, t.Alias)
			owners = append(owners, i)
		}
	}

	ranks := fuzzy.RankFindNormalizedFold(query, targets)
	if len(ranks) == 0 {
		return nil
	}
	sort.Sort(ranks)

	best := ranks[0].Distance
	seen := make(map[int]bool)
	var out []types.TrackRef
	for _, r := range ranks {
		if r.Distance != best {
			break
		}
		owner := owners[r.OriginalIndex]
		if !seen[owner] {
			seen[owner] = true
			out = append(out, tracks[owner])
		}
	}
	return out
}

func pick(query string, found []types.TrackRef) (types.TrackRef, error) {
	switch len(found) {
	case 0:
		return types.TrackRef{}, errors.Wrapf(types.ErrNoMatch, "no track matches %q", query)
	case 1:
		return found[0], nil
	}

	names := make([]string, 0, len(found))
	for _, t := range found {
		names = append(names, t.DisplayName())
	}
	if len(names) > 5 {
		names = append(names[:5], "...")
	}
	return types.TrackRef{}, errors.Wrapf(types.ErrAmbiguousMatch, "%q matches %s", query, strings.Join(names, ", "))
}
