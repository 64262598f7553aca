package engine

import (
	"html"
	"strings"

	"github.com/bluesky-social/automoderator/automod/condition"
	"github.com/bluesky-social/automoderator/automod/item"
)

// Evaluates a condition's report, reply, and field-pattern criteria against an item. Does not check the user policy.
//
// On a match, also returns the capture groups of the last pattern which matched (nil if none did, eg with only inverse patterns).
func MatchFields(c *condition.Condition, it item.Item) (bool, []string) {
	if c.Reports > 0 && it.Common().NumReports < c.Reports {
		return false, nil
	}
	if c.IsReply != nil && *c.IsReply != it.IsReply() {
		return false, nil
	}

	var groups []string
	for _, fp := range c.Patterns {
		var m []string
		for _, f := range fp.Fields {
			m = fp.Regexp.FindStringSubmatch(fieldText(c, it, f))
			if m != nil {
				break
			}
		}
		if (m != nil) != fp.Success {
			return false, nil
		}
		if m != nil {
			groups = m
		}
	}
	return true, groups
}

// Extracted field text, as patterns see it: HTML entities decoded, and optionally with quoted lines dropped from the body
func fieldText(c *condition.Condition, it item.Item, field string) string {
	text := html.UnescapeString(it.Field(field))
	if field == "body" && c.IgnoreBlockquotes {
		text = stripBlockquotes(text)
	}
	return text
}

// drops empty lines and lines starting with "> "; a line of just ">" is kept
func stripBlockquotes(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, l := range lines {
		l = strings.TrimSuffix(l, "\r")
		if l == "" || strings.HasPrefix(l, "> ") {
			continue
		}
		kept = append(kept, l)
	}
	return strings.Join(kept, "\n")
}

// Full evaluation of a condition: field criteria, then user policy
func (e *Engine) evaluate(ec *evalContext, c *condition.Condition) (bool, []string, error) {
	ok, groups := MatchFields(c, ec.item)
	if !ok {
		return false, nil, nil
	}
	ok, err := e.checkUserPolicy(ec, c.UserPolicy)
	if err != nil || !ok {
		return false, nil, err
	}
	return true, groups, nil
}
