package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"mvdan.cc/xurls/v2"
)

var urlFinder = xurls.Relaxed()

// Extract resolves the rule against the first relevant match under sel.
// A rule that matches nothing yields Empty.
func (r *Rule) Extract(sel *goquery.Selection) Value {
	if r == nil || sel == nil || sel.Length() == 0 {
		return Empty()
	}

	switch r.Kind {
	case KindAttr:
		return extractAttr(r, sel)
	case KindText:
		return extractText(r, sel)
	case KindHTML:
		return extractHTML(r, sel)
	case KindList:
		return extractList(r, sel)
	case KindNext:
		return extractSibling(r, sel, false)
	case KindCurrent:
		return extractCandidate(r, sel, false)
	case KindCombine:
		return combine(r, r.Inner.Extract(sel))
	case KindURL:
		return extractURL(r, sel, false)
	}

	return Empty()
}

// ExtractAll resolves the rule over every match under sel.
func (r *Rule) ExtractAll(sel *goquery.Selection) Value {
	if r == nil || sel == nil || sel.Length() == 0 {
		return Empty()
	}

	switch r.Kind {
	case KindAttr:
		return extractAttrAll(r, sel)
	case KindText:
		return extractTextAll(r, sel)
	case KindHTML:
		return extractHTMLAll(r, sel)
	case KindList:
		return extractListAll(r, sel)
	case KindNext:
		return extractSibling(r, sel, true)
	case KindCurrent:
		return extractCandidate(r, sel, true)
	case KindCombine:
		return combine(r, r.Inner.ExtractAll(sel))
	case KindURL:
		return extractURL(r, sel, true)
	}

	return Empty()
}

// narrow returns sel itself when no selector is set, otherwise its first match.
func narrow(sel *goquery.Selection, s *Selector) *goquery.Selection {
	return s.First(sel)
}

func every(sel *goquery.Selection, s *Selector) *goquery.Selection {
	return s.Find(sel)
}

func extractAttr(r *Rule, sel *goquery.Selection) Value {
	v, ok := narrow(sel, r.Selector).Attr(r.Name)
	if !ok {
		return Empty()
	}
	return Single(v)
}

func extractAttrAll(r *Rule, sel *goquery.Selection) Value {
	var out []string
	every(sel, r.Selector).Each(func(_ int, el *goquery.Selection) {
		if v, ok := el.Attr(r.Name); ok {
			out = append(out, v)
		}
	})
	return Multiple(out...)
}

func extractText(r *Rule, sel *goquery.Selection) Value {
	el := narrow(sel, r.Selector)
	if el.Length() == 0 {
		return Empty()
	}

	text := strings.TrimSpace(el.Text())
	if text == "" {
		return Empty()
	}
	return Single(text)
}

func extractTextAll(r *Rule, sel *goquery.Selection) Value {
	var out []string
	every(sel, r.Selector).Each(func(_ int, el *goquery.Selection) {
		if text := strings.TrimSpace(el.Text()); text != "" {
			out = append(out, text)
		}
	})
	return Multiple(out...)
}

func extractHTML(r *Rule, sel *goquery.Selection) Value {
	el := narrow(sel, r.Selector)
	if el.Length() == 0 {
		return Empty()
	}

	h, err := goquery.OuterHtml(el)
	if err != nil || strings.TrimSpace(h) == "" {
		return Empty()
	}
	return Single(h)
}

func extractHTMLAll(r *Rule, sel *goquery.Selection) Value {
	var out []string
	every(sel, r.Selector).Each(func(_ int, el *goquery.Selection) {
		if h, err := goquery.OuterHtml(el); err == nil {
			out = append(out, h)
		}
	})
	return Multiple(out...)
}

func extractList(r *Rule, sel *goquery.Selection) Value {
	container := r.Selector.First(sel)
	if container.Length() == 0 {
		return Empty()
	}
	return r.Inner.ExtractAll(container).asMultiple()
}

func extractListAll(r *Rule, sel *goquery.Selection) Value {
	out := Empty()
	r.Selector.Find(sel).Each(func(_ int, container *goquery.Selection) {
		out = out.Merge(r.Inner.ExtractAll(container))
	})
	return out.asMultiple()
}

func qualifies(r *Rule, el *goquery.Selection) bool {
	return r.Condition == "" || strings.Contains(el.Text(), r.Condition)
}

// extractSibling handles "label, then adjacent value" markup: the candidate
// carries the condition text and the value lives in its next element sibling.
func extractSibling(r *Rule, sel *goquery.Selection, all bool) Value {
	out := Empty()
	candidates := r.Selector.Find(sel)

	for i := range candidates.Length() {
		el := candidates.Eq(i)
		if !qualifies(r, el) {
			continue
		}

		sibling := el.Next()
		if sibling.Length() == 0 {
			continue
		}

		if !all {
			return r.Inner.Extract(sibling)
		}
		out = out.Merge(r.Inner.Extract(sibling))
	}

	return out.asMultiple()
}

// extractCandidate is extractSibling without the step to the sibling: value
// and condition live in the same node.
func extractCandidate(r *Rule, sel *goquery.Selection, all bool) Value {
	out := Empty()
	candidates := r.Selector.Find(sel)

	for i := range candidates.Length() {
		el := candidates.Eq(i)
		if !qualifies(r, el) {
			continue
		}

		if !all {
			return r.Inner.Extract(el)
		}
		out = out.Merge(r.Inner.Extract(el))
	}

	return out.asMultiple()
}

func combine(r *Rule, v Value) Value {
	if v.IsEmpty() {
		return Empty()
	}
	return Single(v.Join(r.Separator))
}

// isLinkAttr reports attributes whose value already is a URL.
func isLinkAttr(name string) bool {
	return name == "href" || name == "src"
}

func extractURL(r *Rule, sel *goquery.Selection, all bool) Value {
	var v Value
	if all {
		v = r.Inner.ExtractAll(sel)
	} else {
		v = r.Inner.Extract(sel)
	}

	if isLinkAttr(r.Inner.Name) {
		return v
	}

	var urls []string
	for _, text := range v.Strings() {
		urls = append(urls, urlFinder.FindAllString(text, -1)...)
	}

	switch {
	case len(urls) == 0:
		return Empty()
	case len(urls) == 1 && !all:
		return Single(urls[0])
	default:
		return Multiple(urls...)
	}
}
