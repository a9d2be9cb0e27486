package request

import (
	"strings"

	"github.com/trellisql/trellis/internal/datasource"
	"github.com/trellisql/trellis/internal/errors"
)

// ParseSelect parses the compact projection syntax:
//
//	id,title,comments.content,categories[name,order]
//
// Dots descend one attribute at a time; brackets group several selections
// under one prefix and may nest.
func ParseSelect(s string) (*ProjectionNode, error) {
	root := NewProjection()
	if strings.TrimSpace(s) == "" {
		return root, nil
	}
	p := &selectParser{input: s}
	if err := p.parseList(root); err != nil {
		return nil, err
	}
	if p.pos < len(p.input) {
		return nil, errors.Request("unexpected %q at position %d in select", p.input[p.pos], p.pos)
	}
	return root, nil
}

type selectParser struct {
	input string
	pos   int
}

func (p *selectParser) parseList(parent *ProjectionNode) error {
	for {
		if err := p.parseItem(parent); err != nil {
			return err
		}
		if !p.consume(',') {
			return nil
		}
	}
}

func (p *selectParser) parseItem(parent *ProjectionNode) error {
	node := parent
	for {
		name := p.ident()
		if name == "" {
			return errors.Request("expected attribute name at position %d in select", p.pos)
		}
		node = node.Ensure(name, false)
		if p.consume('.') {
			continue
		}
		if p.consume('[') {
			if err := p.parseList(node); err != nil {
				return err
			}
			if !p.consume(']') {
				return errors.Request("missing closing bracket at position %d in select", p.pos)
			}
		}
		return nil
	}
}

func (p *selectParser) ident() string {
	start := p.pos
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if c == ',' || c == '.' || c == '[' || c == ']' {
			break
		}
		p.pos++
	}
	return strings.TrimSpace(p.input[start:p.pos])
}

func (p *selectParser) consume(c byte) bool {
	if p.pos < len(p.input) && p.input[p.pos] == c {
		p.pos++
		return true
	}
	return false
}

// ParseSimpleFilter parses the CLI's flat filter syntax: comma-separated
// "path=value" pairs forming one AND branch. Values are passed through as
// strings; the resolver casts them against the attribute's stored type.
func ParseSimpleFilter(s string) (Filter, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var and []Condition
	for _, pair := range strings.Split(s, ",") {
		path, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(path) == "" {
			return nil, errors.Request("invalid filter entry %q, expected path=value", pair)
		}
		and = append(and, Condition{
			Attribute: strings.Split(strings.TrimSpace(path), "."),
			Operator:  datasource.OpEqual,
			Value:     strings.TrimSpace(value),
		})
	}
	return Filter{and}, nil
}
