// Package safety screens inbound text before it reaches the generation step.
package safety

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed patterns.yaml
var defaultPatterns []byte

type Kind string

const (
	KindSafe             Kind = "safe"
	KindRedFlag          Kind = "red_flag"
	KindOffTopic         Kind = "off_topic"
	KindDangerousRequest Kind = "dangerous_request"
)

// Verdict is the classification of one message. Message is the canned reply
// for every non-safe kind; RedFlag names the matched red flag.
type Verdict struct {
	Kind    Kind
	RedFlag string
	Message string
}

func (v Verdict) Safe() bool { return v.Kind == KindSafe || v.Kind == "" }

// Classifier decides whether text may go to the generation step.
type Classifier interface {
	Classify(text string) Verdict
}

type patternFile struct {
	RedFlags []struct {
		Kind     string   `yaml:"kind"`
		Message  string   `yaml:"message"`
		Patterns []string `yaml:"patterns"`
	} `yaml:"red_flags"`
	Dangerous patternGroup `yaml:"dangerous"`
	OffTopic  patternGroup `yaml:"off_topic"`
}

type patternGroup struct {
	Message  string   `yaml:"message"`
	Patterns []string `yaml:"patterns"`
}

type rule struct {
	kind     Kind
	redFlag  string
	message  string
	patterns []*regexp.Regexp
}

// PatternClassifier matches text against ordered regular expression tables.
// The first matching rule wins.
type PatternClassifier struct {
	rules []rule
}

// NewDefaultClassifier uses the built-in tables.
func NewDefaultClassifier() *PatternClassifier {
	c, err := NewPatternClassifier(defaultPatterns)
	if err != nil {
		panic(fmt.Sprintf("safety: built-in patterns: %v", err))
	}
	return c
}

// LoadPatternClassifier reads tables from path, or uses the built-in ones
// when path is empty.
func LoadPatternClassifier(path string) (*PatternClassifier, error) {
	if path == "" {
		return NewDefaultClassifier(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read safety patterns: %w", err)
	}
	return NewPatternClassifier(data)
}

func NewPatternClassifier(data []byte) (*PatternClassifier, error) {
	var f patternFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse safety patterns: %w", err)
	}

	c := &PatternClassifier{}
	for _, rf := range f.RedFlags {
		r, err := compileRule(KindRedFlag, rf.Kind, rf.Message, rf.Patterns)
		if err != nil {
			return nil, err
		}
		c.rules = append(c.rules, r)
	}
	for _, g := range []struct {
		kind  Kind
		group patternGroup
	}{
		{KindDangerousRequest, f.Dangerous},
		{KindOffTopic, f.OffTopic},
	} {
		if len(g.group.Patterns) == 0 {
			continue
		}
		r, err := compileRule(g.kind, "", g.group.Message, g.group.Patterns)
		if err != nil {
			return nil, err
		}
		c.rules = append(c.rules, r)
	}
	return c, nil
}

func compileRule(kind Kind, redFlag, message string, patterns []string) (rule, error) {
	if strings.TrimSpace(message) == "" {
		return rule{}, fmt.Errorf("safety rule %s %s has no message", kind, redFlag)
	}
	r := rule{kind: kind, redFlag: redFlag, message: strings.TrimSpace(message)}
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return rule{}, fmt.Errorf("safety pattern %q: %w", p, err)
		}
		r.patterns = append(r.patterns, re)
	}
	return r, nil
}

func (c *PatternClassifier) Classify(text string) Verdict {
	if strings.TrimSpace(text) == "" {
		return Verdict{Kind: KindSafe}
	}
	for _, r := range c.rules {
		for _, re := range r.patterns {
			if re.MatchString(text) {
				return Verdict{Kind: r.kind, RedFlag: r.redFlag, Message: r.message}
			}
		}
	}
	return Verdict{Kind: KindSafe}
}
