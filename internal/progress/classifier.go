// Package progress maps raw backend log lines to pipeline stage hints.
//
// Classification is a pure function of a single line and an ordered rule
// table. The first rule with a matching keyword wins. Hints are advisory:
// the backend's log order is only roughly monotonic, so callers are expected
// to fold stage hints with max rather than assign them.
package progress

import (
	"fmt"
	"strings"
)

// Pipeline stage indices, in processing order.
const (
	StageIngestion = iota
	StageTranscription
	StageCuration
	StageRetrieval
	StageComposition
)

// StageNames are the display names of the pipeline stages, indexed by stage.
var StageNames = []string{
	"ingestion",
	"transcription",
	"curation",
	"retrieval",
	"composition",
}

// StageComplete is the terminal stage index reported once a job succeeds.
var StageComplete = len(StageNames)

// StageName returns the display name of a stage index, "complete" for the
// terminal index, or "" when out of range.
func StageName(stage int) string {
	switch {
	case stage >= 0 && stage < len(StageNames):
		return StageNames[stage]
	case stage == StageComplete:
		return "complete"
	default:
		return ""
	}
}

// Kind is the class of a Hint.
type Kind int

const (
	KindNoMatch Kind = iota
	KindStage
	KindSuccess
	KindFailure
)

func (k Kind) String() string {
	switch k {
	case KindNoMatch:
		return "none"
	case KindStage:
		return "stage"
	case KindSuccess:
		return "success"
	case KindFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Hint is the result of classifying one line.
type Hint struct {
	Kind  Kind
	Stage int // valid when Kind == KindStage
}

// NoMatch is the hint for lines that carry no progress signal.
func NoMatch() Hint { return Hint{Kind: KindNoMatch} }

// Stage is a hint that the pipeline has reached stage k.
func Stage(k int) Hint { return Hint{Kind: KindStage, Stage: k} }

// Success is the terminal success hint.
func Success() Hint { return Hint{Kind: KindSuccess} }

// Failure is the terminal failure hint.
func Failure() Hint { return Hint{Kind: KindFailure} }

// IsTerminal reports whether the hint settles the job outcome.
func (h Hint) IsTerminal() bool {
	return h.Kind == KindSuccess || h.Kind == KindFailure
}

func (h Hint) String() string {
	if h.Kind == KindStage {
		return fmt.Sprintf("stage(%d)", h.Stage)
	}
	return h.Kind.String()
}

// Rule maps a keyword set to a hint. A line matches when it contains any of
// the keywords, ignoring case.
type Rule struct {
	Keywords []string
	Hint     Hint
}

// Classifier applies an ordered rule table to log lines.
type Classifier struct {
	rules []Rule
}

// New creates a classifier from an ordered rule table.
// Keywords are normalized to lower case; empty keywords are rejected because
// they would match every line.
func New(rules []Rule) (*Classifier, error) {
	normalized := make([]Rule, 0, len(rules))
	for i, r := range rules {
		if len(r.Keywords) == 0 {
			return nil, fmt.Errorf("rule %d: at least one keyword is required", i)
		}
		switch r.Hint.Kind {
		case KindStage:
			if r.Hint.Stage < 0 || r.Hint.Stage >= len(StageNames) {
				return nil, fmt.Errorf("rule %d: stage %d out of range [0, %d)", i, r.Hint.Stage, len(StageNames))
			}
		case KindSuccess, KindFailure:
		default:
			return nil, fmt.Errorf("rule %d: hint must be a stage or an outcome", i)
		}

		keywords := make([]string, 0, len(r.Keywords))
		for _, kw := range r.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw == "" {
				return nil, fmt.Errorf("rule %d: empty keyword", i)
			}
			keywords = append(keywords, kw)
		}
		normalized = append(normalized, Rule{Keywords: keywords, Hint: r.Hint})
	}
	return &Classifier{rules: normalized}, nil
}

// Default returns a classifier using DefaultRules.
func Default() *Classifier {
	c, err := New(DefaultRules())
	if err != nil {
		panic(err)
	}
	return c
}

// Classify returns the hint of the first rule matching line.
func (c *Classifier) Classify(line string) Hint {
	lower := strings.ToLower(line)
	for _, r := range c.rules {
		for _, kw := range r.Keywords {
			if strings.Contains(lower, kw) {
				return r.Hint
			}
		}
	}
	return NoMatch()
}

// Rules returns a copy of the normalized rule table.
func (c *Classifier) Rules() []Rule {
	out := make([]Rule, len(c.rules))
	for i, r := range c.rules {
		out[i] = Rule{Keywords: append([]string(nil), r.Keywords...), Hint: r.Hint}
	}
	return out
}

// DefaultRules returns the rule table for the clip pipeline backend.
// Outcome markers come first so that a failure line mentioning a stage
// (e.g. "Transcription failed") is never read as progress.
func DefaultRules() []Rule {
	return []Rule{
		{
			Keywords: []string{
				"pipeline error", "pipeline failed", "no usable segments found", "failed to build story plan", "no clips found",
				"download failed", "transcription failed", "url is required for viral mode", "audio path required for story mode",
			},
			Hint:     Failure(),
		},
		{
			Keywords: []string{"successfully processed", "story mode finished", "pipeline completed"},
			Hint:     Success(),
		},
		{
			Keywords: []string{"initiating download", "found in history", "skipping download"},
			Hint:     Stage(StageIngestion),
		},
		{
			Keywords: []string{"transcription started", "starting transcription", "loading cached transcript", "initializing whisper"},
			Hint:     Stage(StageTranscription),
		},
		{
			Keywords: []string{"transcript length", "curation started", "viral candidates", "building story plan"},
			Hint:     Stage(StageCuration),
		},
		{
			Keywords: []string{"indexing", "loading clip model", "matched b-roll", "retrieval started"},
			Hint:     Stage(StageRetrieval),
		},
		{
			Keywords: []string{"processing clip", "compositing", "rendering", "packaging", "generating thumbnail"},
			Hint:     Stage(StageComposition),
		},
	}
}
