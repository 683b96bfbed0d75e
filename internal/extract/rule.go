// Package extract resolves structured values out of parsed HTML according to
// declarative rules. A Rule is a closed set of strategies selected by its
// "type" field when a site file is decoded; nothing here knows about any
// particular website.
package extract

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Kind discriminates the extraction strategy of a Rule.
type Kind string

const (
	KindAttr    Kind = "attr"
	KindText    Kind = "text"
	KindList    Kind = "list"
	KindNext    Kind = "next"
	KindCurrent Kind = "current"
	KindCombine Kind = "combine"
	KindHTML    Kind = "html"
	KindURL     Kind = "url"
)

// Rule is one extraction strategy plus its own sub-configuration.
//
// Field use per kind:
//
//	attr     Selector (optional), Name
//	text     Selector (optional)
//	html     Selector (optional)
//	list     Selector (container), Inner (item rule)
//	next     Selector (candidates), Condition (optional), Inner (applied to next sibling)
//	current  Selector (candidates), Condition (optional), Inner (applied to candidate)
//	combine  Separator, Inner (a list rule)
//	url      Inner (an attr rule)
type Rule struct {
	Kind      Kind
	Selector  *Selector
	Name      string
	Condition string
	Separator string
	Inner     *Rule
}

func Attr(selector *Selector, name string) *Rule {
	return &Rule{Kind: KindAttr, Selector: selector, Name: name}
}

func Text(selector *Selector) *Rule {
	return &Rule{Kind: KindText, Selector: selector}
}

func HTML(selector *Selector) *Rule {
	return &Rule{Kind: KindHTML, Selector: selector}
}

func List(selector *Selector, item *Rule) *Rule {
	return &Rule{Kind: KindList, Selector: selector, Inner: item}
}

func Next(current *Selector, condition string, next *Rule) *Rule {
	return &Rule{Kind: KindNext, Selector: current, Condition: condition, Inner: next}
}

func Current(base *Selector, condition string, current *Rule) *Rule {
	return &Rule{Kind: KindCurrent, Selector: base, Condition: condition, Inner: current}
}

func Combine(separator string, items *Rule) *Rule {
	return &Rule{Kind: KindCombine, Separator: separator, Inner: items}
}

func URL(inner *Rule) *Rule {
	return &Rule{Kind: KindURL, Inner: inner}
}

// Parse decodes a single rule from YAML source.
func Parse(src []byte) (*Rule, error) {
	var r Rule
	if err := yaml.Unmarshal(src, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

type attrDoc struct {
	Selector *Selector `yaml:"selector"`
	Name     string    `yaml:"name"`
}

type selectorDoc struct {
	Selector *Selector `yaml:"selector"`
}

type listDoc struct {
	Selector *Selector `yaml:"selector"`
	Item     *Rule     `yaml:"item"`
}

type nextDoc struct {
	Current   *Selector `yaml:"current"`
	Condition string    `yaml:"condition"`
	Next      *Rule     `yaml:"next"`
}

type currentDoc struct {
	Base      *Selector `yaml:"base"`
	Condition string    `yaml:"condition"`
	Current   *Rule     `yaml:"current"`
}

type combineDoc struct {
	Separator string  `yaml:"separator"`
	Items     listDoc `yaml:"items"`
}

type urlDoc struct {
	Inner attrDoc `yaml:"inner"`
}

func (r *Rule) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: extractor must be a mapping", node.Line)
	}

	var head struct {
		Type Kind `yaml:"type"`
	}
	if err := node.Decode(&head); err != nil {
		return err
	}

	switch head.Type {
	case KindAttr:
		if err := checkKeys(node, "type", "selector", "name"); err != nil {
			return err
		}
		var d attrDoc
		if err := node.Decode(&d); err != nil {
			return err
		}
		if d.Name == "" {
			return fmt.Errorf("line %d: attr extractor needs a name", node.Line)
		}
		*r = *Attr(d.Selector, d.Name)

	case KindText, KindHTML:
		if err := checkKeys(node, "type", "selector"); err != nil {
			return err
		}
		var d selectorDoc
		if err := node.Decode(&d); err != nil {
			return err
		}
		*r = Rule{Kind: head.Type, Selector: d.Selector}

	case KindList:
		if err := checkKeys(node, "type", "selector", "item"); err != nil {
			return err
		}
		var d listDoc
		if err := node.Decode(&d); err != nil {
			return err
		}
		if err := d.validate(node); err != nil {
			return err
		}
		*r = *List(d.Selector, d.Item)

	case KindNext:
		if err := checkKeys(node, "type", "current", "condition", "next"); err != nil {
			return err
		}
		var d nextDoc
		if err := node.Decode(&d); err != nil {
			return err
		}
		if d.Current.Empty() || d.Next == nil {
			return fmt.Errorf("line %d: next extractor needs current and next", node.Line)
		}
		*r = *Next(d.Current, d.Condition, d.Next)

	case KindCurrent:
		if err := checkKeys(node, "type", "base", "condition", "current"); err != nil {
			return err
		}
		var d currentDoc
		if err := node.Decode(&d); err != nil {
			return err
		}
		if d.Base.Empty() || d.Current == nil {
			return fmt.Errorf("line %d: current extractor needs base and current", node.Line)
		}
		*r = *Current(d.Base, d.Condition, d.Current)

	case KindCombine:
		if err := checkKeys(node, "type", "separator", "items"); err != nil {
			return err
		}
		var d combineDoc
		if err := node.Decode(&d); err != nil {
			return err
		}
		if err := d.Items.validate(node); err != nil {
			return err
		}
		*r = *Combine(d.Separator, List(d.Items.Selector, d.Items.Item))

	case KindURL:
		if err := checkKeys(node, "type", "inner"); err != nil {
			return err
		}
		var d urlDoc
		if err := node.Decode(&d); err != nil {
			return err
		}
		if d.Inner.Name == "" {
			return fmt.Errorf("line %d: url extractor needs inner.name", node.Line)
		}
		*r = *URL(Attr(d.Inner.Selector, d.Inner.Name))

	case "":
		return fmt.Errorf("line %d: extractor is missing its type", node.Line)

	default:
		return fmt.Errorf("line %d: unknown extractor type %q", node.Line, head.Type)
	}

	return nil
}

func (d listDoc) validate(node *yaml.Node) error {
	if d.Selector.Empty() || d.Item == nil {
		return fmt.Errorf("line %d: list extractor needs selector and item", node.Line)
	}
	return nil
}

// checkKeys rejects mapping keys a strategy does not understand, so that a
// misspelled field fails at load instead of silently extracting nothing.
func checkKeys(node *yaml.Node, allowed ...string) error {
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i]
		ok := false
		for _, a := range allowed {
			if key.Value == a {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("line %d: unexpected field %q", key.Line, key.Value)
		}
	}
	return nil
}
