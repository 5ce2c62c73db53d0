// internal/heuristic/verdict.go
package heuristic

import "strings"

// Threshold is the score at or above which a file is malicious.
const Threshold = 75

// GenericName is assigned when a malicious score accumulated no specific name.
const GenericName = "HEUR:Trojan.Generic.a"

// Verdict is the outcome of scoring one file.
type Verdict struct {
	Score      int
	Tags       []string
	ThreatName string
}

// Malicious reports whether the score reaches the threshold.
func (v Verdict) Malicious() bool {
	return v.Score >= Threshold
}

// TagString joins the tags with single spaces.
func (v Verdict) TagString() string {
	return strings.Join(v.Tags, " ")
}

// Finding is one rule contribution. A non-empty Name competes for the threat name.
type Finding struct {
	Delta int
	Tag   string
	Name  string
}

// tally folds findings in order. Tags are deduplicated and the first name wins.
type tally struct {
	score int
	tags  []string
	seen  map[string]struct{}
	name  string
}

func newTally() *tally {
	return &tally{seen: make(map[string]struct{})}
}

func (t *tally) add(fs ...Finding) {
	for _, f := range fs {
		t.score += f.Delta
		if f.Tag != "" {
			if _, dup := t.seen[f.Tag]; !dup {
				t.seen[f.Tag] = struct{}{}
				t.tags = append(t.tags, f.Tag)
			}
		}
		if t.name == "" && f.Name != "" {
			t.name = f.Name
		}
	}
}

// override adds findings whose names replace whatever name is already set.
func (t *tally) override(fs ...Finding) {
	for _, f := range fs {
		name := f.Name
		f.Name = ""
		t.add(f)
		if name != "" {
			t.name = name
		}
	}
}

func (t *tally) verdict() Verdict {
	v := Verdict{Score: t.score, Tags: t.tags, ThreatName: t.name}
	if v.Malicious() && v.ThreatName == "" {
		v.ThreatName = GenericName
	}
	return v
}
