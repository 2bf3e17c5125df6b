// Package bridge routes messages between external chat groups and servers
// according to the stored bindings, applying filter pipelines, format
// templates and per-binding rate limits in both directions.
package bridge

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ubridge-dev/ubridge/internal/types"
)

// Pipeline is a binding's compiled filter chain. Rules run in order; each
// either blocks (terminating the pipeline) or transforms the content.
type Pipeline struct {
	rules []compiledRule
}

type compiledRule struct {
	rule  types.FilterRule
	regex *regexp.Regexp
}

// CompilePipeline validates and compiles the rule list once so routing
// never pays for regex compilation.
func CompilePipeline(rules []types.FilterRule) (*Pipeline, error) {
	p := &Pipeline{rules: make([]compiledRule, 0, len(rules))}
	for i, rule := range rules {
		cr := compiledRule{rule: rule}
		switch rule.Type {
		case "regex":
			re, err := regexp.Compile(rule.Pattern)
			if err != nil {
				return nil, fmt.Errorf("rule %d: bad pattern %q: %w", i, rule.Pattern, err)
			}
			cr.regex = re
		case "keyword", "length":
		default:
			return nil, fmt.Errorf("rule %d: unknown filter type %q", i, rule.Type)
		}
		p.rules = append(p.rules, cr)
	}
	return p, nil
}

// Apply runs the pipeline. Returns the (possibly transformed) content and
// whether a rule blocked it; the first block terminates.
func (p *Pipeline) Apply(content string) (string, bool) {
	for _, cr := range p.rules {
		matched, transformed := cr.eval(content)
		if !matched {
			continue
		}
		if cr.rule.Action == types.FilterBlock {
			return content, true
		}
		content = transformed
	}
	return content, false
}

func (cr compiledRule) eval(content string) (matched bool, transformed string) {
	switch cr.rule.Type {
	case "regex":
		if !cr.regex.MatchString(content) {
			return false, content
		}
		return true, cr.regex.ReplaceAllString(content, cr.rule.Replace)
	case "keyword":
		hit := false
		for _, kw := range cr.rule.Keywords {
			if kw != "" && strings.Contains(content, kw) {
				hit = true
				content = strings.ReplaceAll(content, kw, cr.rule.Replace)
			}
		}
		return hit, content
	case "length":
		if cr.rule.MaxLength <= 0 || len(content) <= cr.rule.MaxLength {
			return false, content
		}
		return true, content[:cr.rule.MaxLength]
	}
	return false, content
}
