package condition

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Resolves reusable fragments ("standard conditions") by name. Returns nil (and no error) for unknown names.
type FragmentLookup interface {
	LookupFragment(ctx context.Context, name string) (Record, error)
}

// Joins several match fields in to one OR-combined selector, eg "title+body"
const Combinator = "+"

const DefaultSubject = "AutoModerator notification"

// Item fields which rules can match against
var MatchTargets = []string{
	"link_id",
	"user",
	"title",
	"domain",
	"url",
	"body",
	"media_user",
	"media_title",
	"media_description",
	"author_flair_text",
	"author_flair_css_class",
}

// fields which only exist on posts; used to infer the type scope
var postOnlyFields = map[string]bool{
	"title":             true,
	"domain":            true,
	"url":               true,
	"media_user":        true,
	"media_title":       true,
	"media_description": true,
}

const (
	ModifierFullExact    = "full-exact"
	ModifierFullText     = "full-text"
	ModifierIncludes     = "includes"
	ModifierIncludesWord = "includes-word"
	ModifierStartsWith   = "starts-with"
	ModifierEndsWith     = "ends-with"

	// values are used as raw regular expressions, not escaped
	ModifierRegex = "regex"
	// a match means the entry fails
	ModifierInverse = "inverse"
)

// RE2's \W and \b only know ASCII word characters
const nonWord = `[^\p{L}\p{N}_]`

// %s is the alternation group of escaped values
var matchModifiers = map[string]string{
	ModifierFullExact:    `^%s$`,
	ModifierFullText:     `^` + nonWord + `*%s` + nonWord + `*$`,
	ModifierIncludes:     `%s`,
	ModifierIncludesWord: `(?:^|` + nonWord + `)%s(?:$|` + nonWord + `)`,
	ModifierStartsWith:   `^%s`,
	ModifierEndsWith:     `%s$`,
}

// checked in this order when several are given
var modifierPrecedence = []string{
	ModifierFullExact,
	ModifierFullText,
	ModifierIncludes,
	ModifierIncludesWord,
	ModifierStartsWith,
	ModifierEndsWith,
}

var modifierDefaults = map[string]string{
	"link_id":                ModifierFullExact,
	"user":                   ModifierFullExact,
	"domain":                 ModifierFullExact,
	"url":                    ModifierIncludes,
	"media_user":             ModifierFullExact,
	"author_flair_text":      ModifierFullExact,
	"author_flair_css_class": ModifierFullExact,
}

// always applied: case-insensitive, and '.' matches newline
const patternFlags = "(?is)"

func isMatchTarget(s string) bool {
	for _, t := range MatchTargets {
		if s == t {
			return true
		}
	}
	return false
}

// Whether a record key is a match selector: a single match target, or several joined with Combinator
func IsMatchKey(key string) bool {
	if isMatchTarget(key) {
		return true
	}
	if !strings.Contains(key, Combinator) {
		return false
	}
	for _, f := range strings.Split(key, Combinator) {
		if !isMatchTarget(f) {
			return false
		}
	}
	return true
}

// Modifier values may be a space-separated string or a list
func modifierList(v any) []string {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		return strings.Fields(val)
	default:
		return stringList(v)
	}
}

func hasModifier(mods []string, name string) bool {
	for _, m := range mods {
		if m == name {
			return true
		}
	}
	return false
}

// Modifiers which apply to the given selector key. A mapping gives per-selector modifiers; otherwise the same set applies to every selector.
func modifiersFor(v any, key string) []string {
	if rec, ok := v.(Record); ok {
		mv, ok := rec.Get(key)
		if !ok {
			return nil
		}
		return modifierList(mv)
	}
	return modifierList(v)
}

// Builds the (uncompiled) regular expression for one selector
func BuildPattern(key string, values []string, mods []string) string {
	parts := make([]string, len(values))
	for i, v := range values {
		if hasModifier(mods, ModifierRegex) {
			parts[i] = v
		} else {
			parts[i] = regexp.QuoteMeta(v)
		}
	}
	group := "(" + strings.Join(parts, "|") + ")"

	for _, m := range modifierPrecedence {
		if hasModifier(mods, m) {
			return fmt.Sprintf(matchModifiers[m], group)
		}
	}

	// no explicit match modifier: allow any subdomain for domain checks
	if key == "domain" {
		group = `(?:.*?\.)?` + group
	}
	mod, ok := modifierDefaults[key]
	if !ok {
		mod = ModifierIncludesWord
	}
	return fmt.Sprintf(matchModifiers[mod], group)
}

// Builds an immutable Condition from a rule record. Missing keys take default values; if the record names a reusable fragment, the fragment's values are applied underneath the record's own.
//
// Callers are expected to Validate first; Compile still returns an error (a *CompileError for bad patterns) rather than failing silently.
func Compile(ctx context.Context, rec Record, fragments FragmentLookup) (*Condition, error) {
	merged := rec
	if rec.Has("standard") && fragments != nil {
		frag, err := fragments.LookupFragment(ctx, rec.String("standard"))
		if err != nil {
			return nil, fmt.Errorf("loading standard condition: %w", err)
		}
		if frag != nil {
			merged = frag.Merge(rec)
		}
	}

	c := &Condition{
		Action:            Action(merged.String("action")),
		IgnoreBlockquotes: boolValue(merged, "ignore_blockquotes"),
		Comment:           merged.String("comment"),
		Modmail:           merged.String("modmail"),
		ModmailSubject:    merged.String("modmail_subject"),
		Message:           merged.String("message"),
		MessageSubject:    merged.String("message_subject"),
		LinkFlairText:     merged.String("link_flair_text"),
		LinkFlairClass:    merged.String("link_flair_class"),
		UserFlairText:     merged.String("user_flair_text"),
		UserFlairClass:    merged.String("user_flair_class"),
		Standard:          strings.ToLower(rec.String("standard")),
		Signature:         merged.Canonical(),
	}
	if c.ModmailSubject == "" {
		c.ModmailSubject = DefaultSubject
	}
	if c.MessageSubject == "" {
		c.MessageSubject = DefaultSubject
	}

	if v, ok := merged.Get("reports"); ok {
		n, err := intValue(v)
		if err != nil {
			return nil, &CompileError{Field: "reports", Err: err}
		}
		c.Reports = n
	}
	if v, ok := merged.Get("is_reply"); ok && v != nil {
		b, ok := v.(bool)
		if !ok {
			return nil, &CompileError{Field: "is_reply", Err: fmt.Errorf("not a boolean: %v", v)}
		}
		c.IsReply = &b
	}

	modifiers, _ := merged.Get("modifiers")
	fields := map[string]bool{}
	for _, e := range merged {
		if !IsMatchKey(e.Key) {
			continue
		}
		mods := modifiersFor(modifiers, e.Key)
		pattern := BuildPattern(e.Key, stringList(e.Value), mods)
		re, err := regexp.Compile(patternFlags + pattern)
		if err != nil {
			return nil, &CompileError{Field: e.Key, Pattern: pattern, Err: err}
		}
		members := strings.Split(e.Key, Combinator)
		for _, f := range members {
			fields[f] = true
		}
		c.Patterns = append(c.Patterns, FieldPattern{
			Key:     e.Key,
			Fields:  members,
			Pattern: pattern,
			Regexp:  re,
			Success: !hasModifier(mods, ModifierInverse),
		})
	}

	switch t := TypeScope(merged.String("type")); t {
	case TypePost, TypeComment, TypeBoth:
		c.Type = t
	default:
		c.Type = inferType(fields)
	}

	if v, ok := merged.Get("user_conditions"); ok && v != nil {
		uc, ok := v.(Record)
		if !ok {
			return nil, &CompileError{Field: "user_conditions", Err: fmt.Errorf("not a mapping")}
		}
		up, err := compileUserPolicy(uc)
		if err != nil {
			return nil, err
		}
		c.UserPolicy = up
	}
	return c, nil
}

func inferType(fields map[string]bool) TypeScope {
	if len(fields) == 0 {
		return TypeBoth
	}
	for f := range fields {
		if !postOnlyFields[f] {
			return TypeBoth
		}
	}
	return TypePost
}

func boolValue(rec Record, key string) bool {
	v, _ := rec.Get(key)
	b, _ := v.(bool)
	return b
}

var operatorPrefix = regexp.MustCompile(`^(==?|<|>)`)

// empty policies (no predicates, or an empty mapping) compile to nil
func compileUserPolicy(uc Record) (*UserPolicy, error) {
	up := &UserPolicy{Mode: SatisfyAll}
	if m := uc.String("must_satisfy"); m != "" {
		up.Mode = SatisfyMode(m)
	}
	for _, e := range uc {
		if e.Key == "must_satisfy" {
			continue
		}
		p, err := parsePredicate(e.Key, e.Value)
		if err != nil {
			return nil, &CompileError{Field: "user_conditions." + e.Key, Err: err}
		}
		up.Predicates = append(up.Predicates, p)
	}
	if len(up.Predicates) == 0 {
		return nil, nil
	}
	return up, nil
}

func parsePredicate(attr string, v any) (Predicate, error) {
	p := Predicate{Attribute: attr, Op: "="}
	if b, ok := v.(bool); ok {
		if b {
			p.Value = 1
		}
		return p, nil
	}

	s := strings.TrimSpace(scalarString(v))
	if m := operatorPrefix.FindString(s); m != "" {
		p.Op = m
		if p.Op == "==" {
			p.Op = "="
		}
		s = strings.TrimSpace(s[len(m):])
	}

	if attr == AttrRank {
		r, ok := rankNames[s]
		if !ok {
			return p, fmt.Errorf("unknown rank: %q", s)
		}
		p.Value = int(r)
		return p, nil
	}
	n, err := intValue(s)
	if err != nil {
		return p, err
	}
	p.Value = n
	return p, nil
}

// Parses and compiles every mapping section of a rule page. Sections which fail are skipped; their errors are returned alongside the conditions that did compile, with section indexes filled in.
func CompilePage(ctx context.Context, text string, fragments FragmentLookup) ([]*Condition, []error) {
	sections, err := ParseSections(text)
	if err != nil {
		return nil, []error{err}
	}
	var out []*Condition
	var errs []error
	for _, sec := range sections {
		if !sec.IsRecord {
			continue
		}
		c, err := Compile(ctx, sec.Record, fragments)
		if err != nil {
			errs = append(errs, withSection(err, sec.Index))
			continue
		}
		out = append(out, c)
	}
	return out, errs
}
