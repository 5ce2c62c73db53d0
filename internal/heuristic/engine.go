// internal/heuristic/engine.go
package heuristic

import (
	"bytes"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/warden/internal/features"
)

// Evaluate scores a feature set. It is a pure function of its arguments:
// identical inputs always produce identical verdicts. An empty or nil set
// scores zero.
func Evaluate(path string, fs *features.FeatureSet, deep bool) Verdict {
	if fs == nil || fs.Empty() {
		return Verdict{}
	}
	if path == "" {
		path = fs.Path
	}
	in := newInput(path, fs)
	if fs.Kind == features.KindBinary {
		return evaluateBinary(in, deep)
	}
	return evaluateContent(in)
}

// EvaluateScript scores a non-binary file: scripts, shortcuts, documents and
// anything else without the executable magic.
func EvaluateScript(path string, fs *features.FeatureSet) Verdict {
	if fs == nil || fs.Empty() {
		return Verdict{}
	}
	if path == "" {
		path = fs.Path
	}
	return evaluateContent(newInput(path, fs))
}

func evaluateBinary(in *input, deep bool) Verdict {
	if strings.Contains(in.path, systemDirMarker) {
		return Verdict{}
	}

	t := newTally()
	t.add(locationRules(in)...)
	t.add(signatureRule(in)...)
	for _, found := range forkJoin(in, structuralChecks) {
		t.add(found...)
	}
	t.add(libraryRules(in)...)
	t.add(runtimeRule(in)...)
	t.add(importRules(in)...)
	if deep {
		for _, found := range forkJoin(in, deepChecks) {
			t.add(found...)
		}
	}
	t.override(familyRule(in)...)
	return t.verdict()
}

func evaluateContent(in *input) Verdict {
	t := newTally()
	t.override(familyRule(in)...)
	t.add(locationRules(in)...)
	switch in.fs.Kind {
	case features.KindScript:
		t.add(genericScriptRules(in)...)
		t.add(languageRules(in)...)
	case features.KindShortcut:
		t.add(genericScriptRules(in)...)
		t.add(shortcutRules(in)...)
	}
	return t.verdict()
}

type check func(*input) []Finding

// forkJoin runs independent checks concurrently and returns their findings in
// declaration order, so folding them is deterministic.
func forkJoin(in *input, checks []check) [][]Finding {
	results := make([][]Finding, len(checks))
	var g errgroup.Group
	for i, c := range checks {
		g.Go(func() error {
			results[i] = c(in)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// input is the read-only view shared by every rule of one evaluation.
type input struct {
	fs      *features.FeatureSet
	path    string
	lower   []byte
	imports map[string]struct{}
}

func newInput(path string, fs *features.FeatureSet) *input {
	content := fs.Raw
	if fs.Kind == features.KindShortcut {
		// Shell links store their target and arguments as UTF-16LE.
		content = bytes.ReplaceAll(content, []byte{0}, nil)
	}
	in := &input{
		fs:      fs,
		path:    strings.ToLower(path),
		lower:   bytes.ToLower(content),
		imports: make(map[string]struct{}, len(fs.ImportedSymbols)),
	}
	for _, s := range fs.ImportedSymbols {
		in.imports[strings.ToLower(s)] = struct{}{}
	}
	return in
}

var apiSuffixes = []string{"", "a", "w", "ex", "exa", "exw"}

// imported reports whether any of the APIs, or their A/W/Ex variants, is imported.
func (in *input) imported(apis ...string) bool {
	for _, api := range apis {
		base := strings.ToLower(api)
		for _, suffix := range apiSuffixes {
			if _, ok := in.imports[base+suffix]; ok {
				return true
			}
		}
	}
	return false
}

// importedAll reports whether every API is imported.
func (in *input) importedAll(apis ...string) bool {
	for _, api := range apis {
		if !in.imported(api) {
			return false
		}
	}
	return true
}

func (in *input) importCount() int {
	return len(in.fs.ImportedSymbols)
}

// contains is a case-insensitive search of the content for any needle.
func (in *input) contains(needles ...string) bool {
	for _, n := range needles {
		if bytes.Contains(in.lower, []byte(strings.ToLower(n))) {
			return true
		}
	}
	return false
}

// containsExact is a case-sensitive search of the raw content.
func (in *input) containsExact(needles ...string) bool {
	for _, n := range needles {
		if bytes.Contains(in.fs.Raw, []byte(n)) {
			return true
		}
	}
	return false
}

func (in *input) count(needle string) int {
	return bytes.Count(in.lower, []byte(strings.ToLower(needle)))
}

// familyRule names the first known family present at its minimum count.
func familyRule(in *input) []Finding {
	for _, f := range knownFamilies {
		if len(f.word.FindAllIndex(in.lower, f.minCount)) >= f.minCount {
			return []Finding{{Tag: "KnownFamily", Name: f.name}}
		}
	}
	return nil
}
