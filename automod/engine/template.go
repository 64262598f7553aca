package engine

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/bluesky-social/automoderator/automod/item"
)

var placeholderPattern = regexp.MustCompile(`\{\{(body|kind|domain|permalink|subreddit|title|url|user|match-\d+)\}\}`)

// Substitutes {{...}} placeholders in message, subject, and flair text.
//
// Substitution is a single pass, so placeholder-like text inside item content is never expanded. {{match-N}} refers to capture group N of the matching pattern, and is left as-is when there is no such group.
func ExpandPlaceholders(text string, it item.Item, groups []string) string {
	if !strings.Contains(text, "{{") {
		return text
	}
	return placeholderPattern.ReplaceAllStringFunc(text, func(ph string) string {
		name := ph[2 : len(ph)-2]
		switch name {
		case "body":
			return it.BodyText()
		case "kind":
			return string(it.Kind())
		case "domain":
			return it.Field("domain")
		case "permalink":
			return it.Permalink()
		case "subreddit":
			return it.Common().Source
		case "title":
			return it.TitleText()
		case "url":
			if p, ok := it.(*item.Post); ok {
				return p.URL
			}
			return ""
		case "user":
			if n := it.Common().AuthorName(); n != "" {
				return n
			}
			return item.DeletedAuthor
		}
		idx, err := strconv.Atoi(strings.TrimPrefix(name, "match-"))
		if err != nil || groups == nil || idx >= len(groups) {
			return ph
		}
		return groups[idx]
	})
}

type messageParts struct {
	intro      bool
	disclaimer bool
	permalink  bool
}

// Assembles reply or message text from a template, then expands placeholders
func (e *Engine) buildMessage(text string, it item.Item, groups []string, parts messageParts) string {
	msg := text
	if parts.intro && e.Config.Intro != "" {
		msg = e.Config.Intro + " " + msg
	}
	if parts.disclaimer && e.Config.Disclaimer != "" {
		msg = msg + "\n\n" + e.Config.Disclaimer
	}
	if parts.permalink && !strings.Contains(msg, "{{permalink}}") {
		msg = "{{permalink}}\n\n" + msg
	}
	return ExpandPlaceholders(msg, it, groups)
}
