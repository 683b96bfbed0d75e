package extract

import (
	"fmt"
	"strings"
)

type valueKind uint8

const (
	kindEmpty valueKind = iota
	kindSingle
	kindMultiple
)

// Value is what a Rule resolves to: nothing, one text, or an ordered list of texts.
type Value struct {
	kind  valueKind
	texts []string
}

func Empty() Value {
	return Value{}
}

func Single(text string) Value {
	return Value{kind: kindSingle, texts: []string{text}}
}

// Multiple returns Empty when no texts are given.
func Multiple(texts ...string) Value {
	if len(texts) == 0 {
		return Value{}
	}

	out := make([]string, len(texts))
	copy(out, texts)

	return Value{kind: kindMultiple, texts: out}
}

func (v Value) IsEmpty() bool    { return v.kind == kindEmpty }
func (v Value) IsSingle() bool   { return v.kind == kindSingle }
func (v Value) IsMultiple() bool { return v.kind == kindMultiple }

// Single returns the text of a Single value.
func (v Value) Single() (string, bool) {
	if v.kind != kindSingle {
		return "", false
	}
	return v.texts[0], true
}

// First returns the first text of a Single or Multiple value.
func (v Value) First() (string, bool) {
	if v.kind == kindEmpty {
		return "", false
	}
	return v.texts[0], true
}

// Strings returns every text in order. Empty yields nil.
func (v Value) Strings() []string {
	if v.kind == kindEmpty {
		return nil
	}

	out := make([]string, len(v.texts))
	copy(out, v.texts)

	return out
}

func (v Value) Len() int {
	return len(v.texts)
}

// Merge appends other after v. Empty is the identity on both sides; any other
// combination folds into a Multiple holding v's texts followed by other's.
func (v Value) Merge(other Value) Value {
	switch {
	case v.kind == kindEmpty:
		return other
	case other.kind == kindEmpty:
		return v
	}

	out := make([]string, 0, len(v.texts)+len(other.texts))
	out = append(out, v.texts...)
	out = append(out, other.texts...)

	return Value{kind: kindMultiple, texts: out}
}

// asMultiple widens a Single into a one-element Multiple.
func (v Value) asMultiple() Value {
	if v.kind == kindSingle {
		return Value{kind: kindMultiple, texts: v.texts}
	}
	return v
}

// Join flattens the value into one string.
func (v Value) Join(sep string) string {
	return strings.Join(v.texts, sep)
}

func (v Value) String() string {
	switch v.kind {
	case kindSingle:
		return fmt.Sprintf("Single(%q)", v.texts[0])
	case kindMultiple:
		return fmt.Sprintf("Multiple(%q)", v.texts)
	default:
		return "Empty"
	}
}
