// Package keyword supplies the rotating multilingual term batches consumed
// by the scan orchestrator. Terms come from an external keyword-management
// catalog; this package only selects and hands out immutable batches.
package keyword

import (
	"os"

	"github.com/rotisserie/eris"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"github.com/tracelight/marketscan/internal/model"
)

// Source supplies an immutable keyword batch for one scan cycle.
type Source interface {
	// Batch returns the keyword batch for the given cycle number. Callers
	// own the returned slice; the source never mutates it afterwards.
	Batch(cycle int) []model.Keyword
}

// StaticSource returns the same fixed batch every cycle.
type StaticSource []model.Keyword

// Batch returns a copy of the fixed term set.
func (s StaticSource) Batch(int) []model.Keyword {
	out := make([]model.Keyword, len(s))
	copy(out, s)
	return out
}

// FileSource rotates a bounded window over a YAML term catalog, so that
// successive cycles sample different slices of the full multilingual set.
type FileSource struct {
	terms  []model.Keyword
	window int
}

type catalogEntry struct {
	Term     string `yaml:"term"`
	Language string `yaml:"language"`
	Category string `yaml:"category"`
}

type catalogFile struct {
	Keywords []catalogEntry `yaml:"keywords"`
}

// LoadFile reads a YAML keyword catalog and returns a FileSource rotating a
// window of the given size. A window <= 0 or larger than the catalog uses
// the whole catalog each cycle.
func LoadFile(path string, window int) (*FileSource, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "keyword: read catalog %s", path)
	}

	var cat catalogFile
	if err := yaml.Unmarshal(raw, &cat); err != nil {
		return nil, eris.Wrapf(err, "keyword: parse catalog %s", path)
	}
	if len(cat.Keywords) == 0 {
		return nil, eris.Errorf("keyword: catalog %s has no keywords", path)
	}

	terms := make([]model.Keyword, 0, len(cat.Keywords))
	for _, e := range cat.Keywords {
		if e.Term == "" {
			continue
		}
		tag, err := language.Parse(e.Language)
		if err != nil {
			return nil, eris.Wrapf(err, "keyword: bad language %q for term %q", e.Language, e.Term)
		}
		category := model.KeywordCategory(e.Category)
		if category != model.CategoryDirect && category != model.CategoryCoded {
			return nil, eris.Errorf("keyword: bad category %q for term %q", e.Category, e.Term)
		}
		terms = append(terms, model.Keyword{Term: e.Term, Language: tag, Category: category})
	}
	if len(terms) == 0 {
		return nil, eris.Errorf("keyword: catalog %s has no usable keywords", path)
	}

	if window <= 0 || window > len(terms) {
		window = len(terms)
	}
	return &FileSource{terms: terms, window: window}, nil
}

// Batch returns the rotating window for the given cycle, wrapping around the
// catalog so every term is eventually sampled.
func (f *FileSource) Batch(cycle int) []model.Keyword {
	if cycle < 0 {
		cycle = 0
	}
	out := make([]model.Keyword, 0, f.window)
	start := (cycle * f.window) % len(f.terms)
	for i := 0; i < f.window; i++ {
		out = append(out, f.terms[(start+i)%len(f.terms)])
	}
	return out
}

// Len reports the total catalog size.
func (f *FileSource) Len() int { return len(f.terms) }
