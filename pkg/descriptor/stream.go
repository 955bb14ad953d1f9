package descriptor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Item is one entry of a Stream. Err is set instead of Descriptor when the
// entry could not be parsed; the stream itself stays usable.
type Item struct {
	Index      int
	Origin     string
	Descriptor *Descriptor
	Err        error
}

// Stream yields descriptors in a stable order. Next returns io.EOF once
// exhausted; any other error means the stream itself broke.
type Stream interface {
	Next(ctx context.Context) (Item, error)
	Close() error
}

// rawExtensions are files ingested directly when no sidecar descriptor
// describes them.
var rawExtensions = map[string]string{
	".html": "html",
	".htm":  "html",
	".pdf":  "pdf",
	".txt":  "text",
}

type dirStream struct {
	root    string
	files   []string
	pos     int
	index   int
	pending []Item
	def     Defaults
}

// Dir streams every descriptor under root in lexical path order. "*.json"
// files are descriptors; "*.jsonl" files hold one descriptor per line.
// Raw .html, .htm, .pdf and .txt files are ingested as-is unless a sidecar
// "<file>.json" exists, in which case the sidecar describes them.
func Dir(root string, def Defaults) (Stream, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("open descriptor dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("open descriptor dir: %s is not a directory", root)
	}

	present := map[string]bool{}
	var all []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		present[path] = true
		all = append(all, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk descriptor dir: %w", err)
	}

	var files []string
	for _, path := range all {
		ext := strings.ToLower(filepath.Ext(path))
		switch {
		case ext == ".json" || ext == ".jsonl":
			files = append(files, path)
		case rawExtensions[ext] != "" && !present[path+".json"]:
			files = append(files, path)
		}
	}
	sort.Strings(files)
	return &dirStream{root: root, files: files, def: def}, nil
}

func (s *dirStream) Next(ctx context.Context) (Item, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, err
	}
	for len(s.pending) == 0 {
		if s.pos >= len(s.files) {
			return Item{}, io.EOF
		}
		path := s.files[s.pos]
		s.pos++
		if err := s.load(ctx, path); err != nil {
			return Item{}, err
		}
	}
	item := s.pending[0]
	s.pending = s.pending[1:]
	item.Index = s.index
	s.index++
	return item, nil
}

// load queues the items held by one file.
func (s *dirStream) load(ctx context.Context, path string) error {
	ext := strings.ToLower(filepath.Ext(path))
	if format, ok := rawExtensions[ext]; ok {
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			rel = path
		}
		d := &Descriptor{OriginalIdentifier: filepath.ToSlash(rel), Format: format, RawPath: path}
		d.applyDefaults(s.def)
		s.pending = append(s.pending, Item{Origin: path, Descriptor: d})
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		s.pending = append(s.pending, Item{Origin: path, Err: &ParseError{Origin: path, Err: err}})
		return nil
	}

	if ext == ".jsonl" {
		sub := &jsonlStream{scanner: newLineScanner(bytes.NewReader(data)), def: s.def, origin: path, baseDir: filepath.Dir(path)}
		for {
			it, err := sub.Next(ctx)
			if err == io.EOF {
				return nil
			}
			if err != nil {
				s.pending = append(s.pending, Item{Origin: path, Err: &ParseError{Origin: path, Err: err}})
				return nil
			}
			s.pending = append(s.pending, it)
		}
	}

	d, err := decode(data, s.def)
	if err != nil {
		s.pending = append(s.pending, Item{Origin: path, Err: &ParseError{Origin: path, Err: err}})
		return nil
	}
	s.resolveRaw(d, path)
	s.pending = append(s.pending, Item{Origin: path, Descriptor: d})
	return nil
}

func (s *dirStream) resolveRaw(d *Descriptor, descriptorPath string) {
	if len(d.RawBytes) > 0 {
		return
	}
	dir := filepath.Dir(descriptorPath)
	if d.RawPath == "" {
		// Sidecar "<file>.json" describes "<file>".
		sibling := strings.TrimSuffix(descriptorPath, filepath.Ext(descriptorPath))
		if _, ok := rawExtensions[strings.ToLower(filepath.Ext(sibling))]; ok {
			d.RawPath = sibling
		}
		return
	}
	if !filepath.IsAbs(d.RawPath) {
		d.RawPath = filepath.Join(dir, d.RawPath)
	}
}

func (s *dirStream) Close() error { return nil }

type jsonlStream struct {
	scanner *bufio.Scanner
	def     Defaults
	line    int
	index   int
	origin  string
	baseDir string
}

// maxLineBytes bounds one JSON Lines record; raw_bytes may be inlined.
const maxLineBytes = 64 << 20

// JSONL streams one descriptor per non-blank line of r.
func JSONL(r io.Reader, def Defaults) Stream {
	return &jsonlStream{scanner: newLineScanner(r), def: def, origin: "stdin"}
}

func newLineScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return sc
}

func (s *jsonlStream) Next(ctx context.Context) (Item, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, err
	}
	for s.scanner.Scan() {
		s.line++
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		item := Item{Index: s.index, Origin: fmt.Sprintf("%s:%d", s.origin, s.line)}
		s.index++
		d, err := decode(line, s.def)
		if err != nil {
			item.Err = &ParseError{Origin: item.Origin, Err: err}
			return item, nil
		}
		if s.baseDir != "" && d.RawPath != "" && !filepath.IsAbs(d.RawPath) {
			d.RawPath = filepath.Join(s.baseDir, d.RawPath)
		}
		item.Descriptor = d
		return item, nil
	}
	if err := s.scanner.Err(); err != nil {
		return Item{}, fmt.Errorf("read descriptor stream: %w", err)
	}
	return Item{}, io.EOF
}

func (s *jsonlStream) Close() error { return nil }

type sliceStream struct {
	items []Descriptor
	pos   int
	def   Defaults
}

// Slice streams in-memory descriptors.
func Slice(items []Descriptor, def Defaults) Stream {
	return &sliceStream{items: items, def: def}
}

func (s *sliceStream) Next(ctx context.Context) (Item, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, err
	}
	if s.pos >= len(s.items) {
		return Item{}, io.EOF
	}
	d := s.items[s.pos]
	d.applyDefaults(s.def)
	item := Item{Index: s.pos, Origin: fmt.Sprintf("item %d", s.pos), Descriptor: &d}
	s.pos++
	return item, nil
}

func (s *sliceStream) Close() error { return nil }

func decode(data []byte, def Defaults) (*Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	d.applyDefaults(def)
	return &d, nil
}
