package progress

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ruleFile is the YAML layout of a rule table:
//
//	rules:
//	  - match: ["pipeline error"]
//	    outcome: failure
//	  - match: ["starting transcription"]
//	    stage: transcription
type ruleFile struct {
	Rules []ruleSpec `yaml:"rules"`
}

type ruleSpec struct {
	Match   []string `yaml:"match"`
	Stage   string   `yaml:"stage,omitempty"`
	Outcome string   `yaml:"outcome,omitempty"`
}

// ParseRules decodes a YAML rule table. Stages may be given by name or index.
func ParseRules(data []byte) ([]Rule, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}
	if len(f.Rules) == 0 {
		return nil, fmt.Errorf("rule table is empty")
	}

	rules := make([]Rule, 0, len(f.Rules))
	for i, spec := range f.Rules {
		hint, err := spec.hint()
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		rules = append(rules, Rule{Keywords: spec.Match, Hint: hint})
	}
	return rules, nil
}

// LoadRules reads a YAML rule table from path.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules: %w", err)
	}
	return ParseRules(data)
}

// LoadClassifier builds a classifier from a rule file, or the default table
// when path is empty.
func LoadClassifier(path string) (*Classifier, error) {
	if path == "" {
		return Default(), nil
	}
	rules, err := LoadRules(path)
	if err != nil {
		return nil, err
	}
	return New(rules)
}

func (s ruleSpec) hint() (Hint, error) {
	stage := strings.TrimSpace(s.Stage)
	outcome := strings.ToLower(strings.TrimSpace(s.Outcome))

	switch {
	case stage != "" && outcome != "":
		return Hint{}, fmt.Errorf("stage and outcome are mutually exclusive")
	case outcome == "success":
		return Success(), nil
	case outcome == "failure":
		return Failure(), nil
	case outcome != "":
		return Hint{}, fmt.Errorf("unknown outcome %q", s.Outcome)
	case stage == "":
		return Hint{}, fmt.Errorf("stage or outcome is required")
	}

	if k, err := strconv.Atoi(stage); err == nil {
		return Stage(k), nil
	}
	for k, name := range StageNames {
		if strings.EqualFold(name, stage) {
			return Stage(k), nil
		}
	}
	return Hint{}, fmt.Errorf("unknown stage %q", s.Stage)
}
