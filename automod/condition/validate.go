package condition

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Malformed rule record. Section is the 1-based document position within the rule page (0 if not known).
type ValidationError struct {
	Section int
	Field   string
	Message string
	// the section is not parseable YAML at all
	Syntax bool
}

func (e *ValidationError) Error() string {
	if e.Syntax {
		return fmt.Sprintf("syntax invalid in section #%d - %s", e.Section, e.Message)
	}
	if e.Section > 0 {
		return fmt.Sprintf("invalid condition in section #%d - %s", e.Section, e.Message)
	}
	return e.Message
}

// A generated match pattern failed to compile as a regular expression
type CompileError struct {
	Section int
	Field   string
	Pattern string
	Err     error
}

func (e *CompileError) Error() string {
	if e.Section > 0 {
		return fmt.Sprintf("generated an invalid regex from section #%d (%s) - %v", e.Section, e.Field, e.Err)
	}
	return fmt.Sprintf("generated an invalid regex for %s - %v", e.Field, e.Err)
}

func (e *CompileError) Unwrap() error {
	return e.Err
}

// Control keys accepted at the top level of a record, in addition to match targets
var controlKeys = map[string]bool{
	"standard":           true,
	"type":               true,
	"reports":            true,
	"is_reply":           true,
	"ignore_blockquotes": true,
	"action":             true,
	"comment":            true,
	"modmail":            true,
	"modmail_subject":    true,
	"message":            true,
	"message_subject":    true,
	"link_flair_text":    true,
	"link_flair_class":   true,
	"user_flair_text":    true,
	"user_flair_class":   true,
	"user_conditions":    true,
	"modifiers":          true,
}

var userConditionKeys = map[string]bool{
	AttrAccountAge:    true,
	AttrCombinedKarma: true,
	AttrCommentKarma:  true,
	AttrIsGold:        true,
	AttrShadowbanned:  true,
	AttrLinkKarma:     true,
	AttrRank:          true,
	"must_satisfy":    true,
}

var (
	numericPredicatePattern = regexp.MustCompile(`^(?:(==?|<|>)\s*)?-?\d+$`)
	rankPredicatePattern    = regexp.MustCompile(`^(?:(==?|<|>)\s*)?(user|contributor|moderator)$`)
)

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Statically checks a single rule record. Keys must already be lower-cased (as ParseSections does). If the record references a reusable fragment, the fragment must be known, and the fragment's values are checked along with the record's own.
func Validate(ctx context.Context, rec Record, fragments FragmentLookup) error {
	if err := validateNotEmpty(rec); err != nil {
		return err
	}

	if rec.Has("standard") {
		name := rec.String("standard")
		var frag Record
		if fragments != nil {
			var err error
			frag, err = fragments.LookupFragment(ctx, name)
			if err != nil {
				return fmt.Errorf("loading standard condition %q: %w", name, err)
			}
		}
		if len(frag) == 0 {
			return invalid("standard", "Invalid standard condition: `%s`", name)
		}
		rec = frag.Merge(rec)
	}

	if v, ok := rec.Get("user_conditions"); ok {
		if _, ok := v.(Record); !ok {
			return invalid("user_conditions", "user_conditions must be a mapping")
		}
	}
	if err := validateKeys(rec); err != nil {
		return err
	}

	for _, key := range []string{"is_reply", "ignore_blockquotes"} {
		if err := validateBool(rec, key); err != nil {
			return err
		}
	}
	if err := validateInt(rec, "reports"); err != nil {
		return err
	}
	for _, key := range []string{"comment", "modmail", "modmail_subject", "message", "message_subject"} {
		if err := validateString(rec, key); err != nil {
			return err
		}
	}
	// numbers and booleans are fine as flair, lists and mappings are not
	for _, key := range []string{"link_flair_text", "link_flair_class", "user_flair_text", "user_flair_class"} {
		if err := validateScalar(rec, key); err != nil {
			return err
		}
	}
	if err := validateChoice(rec, "action", string(ActionApprove), string(ActionRemove), string(ActionSpam), string(ActionReport)); err != nil {
		return err
	}
	if err := validateChoice(rec, "type", string(TypePost), string(TypeComment), string(TypeBoth)); err != nil {
		return err
	}
	if err := validateModifiers(rec); err != nil {
		return err
	}

	if v, ok := rec.Get("user_conditions"); ok {
		uc := v.(Record)
		for _, key := range []string{AttrAccountAge, AttrCommentKarma, AttrLinkKarma, AttrCombinedKarma} {
			if err := validatePattern(uc, key, numericPredicatePattern); err != nil {
				return err
			}
		}
		if err := validatePattern(uc, AttrRank, rankPredicatePattern); err != nil {
			return err
		}
		for _, key := range []string{AttrShadowbanned, AttrIsGold} {
			if err := validateBool(uc, key); err != nil {
				return err
			}
		}
		if err := validateChoice(uc, "must_satisfy", string(SatisfyAny), string(SatisfyAll)); err != nil {
			return err
		}
	}
	return nil
}

// Validates every mapping section of a rule page, and verifies that each compiles. Returns the first failure, with the section index filled in.
func ValidateSections(ctx context.Context, sections []Section, fragments FragmentLookup) error {
	for _, sec := range sections {
		if !sec.IsRecord {
			continue
		}
		if err := Validate(ctx, sec.Record, fragments); err != nil {
			return withSection(err, sec.Index)
		}
		if _, err := Compile(ctx, sec.Record, fragments); err != nil {
			return withSection(err, sec.Index)
		}
	}
	return nil
}

func withSection(err error, idx int) error {
	var ve *ValidationError
	if errors.As(err, &ve) {
		ve.Section = idx
		return ve
	}
	var ce *CompileError
	if errors.As(err, &ce) {
		ce.Section = idx
		return ce
	}
	return err
}

func validateNotEmpty(rec Record) error {
	for _, e := range rec {
		switch v := e.Value.(type) {
		case Record:
			if err := validateNotEmpty(v); err != nil {
				return err
			}
		case nil:
			return invalid(e.Key, "`%s` set to an empty value", e.Key)
		case string:
			if v == "" {
				return invalid(e.Key, "`%s` set to an empty value", e.Key)
			}
		case []any:
			if len(v) == 0 {
				return invalid(e.Key, "`%s` set to an empty value", e.Key)
			}
		}
	}
	return nil
}

func validateKeys(rec Record) error {
	for _, key := range rec.Keys() {
		if controlKeys[key] || IsMatchKey(key) {
			continue
		}
		return invalid(key, "Invalid variable: `%s`", key)
	}

	if v, ok := rec.Get("user_conditions"); ok {
		for _, key := range v.(Record).Keys() {
			if !userConditionKeys[key] {
				return invalid("user_conditions", "Invalid user_conditions variable: `%s`", key)
			}
		}
	}

	if v, ok := rec.Get("modifiers"); ok {
		if mods, ok := v.(Record); ok {
			for _, key := range mods.Keys() {
				if !rec.Has(key) {
					return invalid("modifiers", "Invalid modifiers variable: `%s` - Check for typos and ensure all modifiers correspond to a defined match subject.", key)
				}
			}
		}
	}
	return nil
}

// modifier names must be known; matching modifiers are mutually exclusive in practice, but only the first is used
func validateModifiers(rec Record) error {
	v, ok := rec.Get("modifiers")
	if !ok {
		return nil
	}
	var lists [][]string
	if mods, ok := v.(Record); ok {
		for _, e := range mods {
			lists = append(lists, modifierList(e.Value))
		}
	} else {
		lists = append(lists, modifierList(v))
	}
	for _, l := range lists {
		for _, m := range l {
			if _, ok := matchModifiers[m]; ok {
				continue
			}
			if m == ModifierRegex || m == ModifierInverse {
				continue
			}
			return invalid("modifiers", "Invalid modifier: `%s`", m)
		}
	}
	return nil
}

func validateBool(rec Record, key string) error {
	v, ok := rec.Get(key)
	if !ok {
		return nil
	}
	if _, ok := v.(bool); !ok {
		return invalid(key, "%s must be true or false", key)
	}
	return nil
}

func validateInt(rec Record, key string) error {
	v, ok := rec.Get(key)
	if !ok {
		return nil
	}
	if _, err := intValue(v); err != nil {
		return invalid(key, "%s must be an integer", key)
	}
	return nil
}

func validateString(rec Record, key string) error {
	v, ok := rec.Get(key)
	if !ok {
		return nil
	}
	if _, ok := v.(string); !ok {
		return invalid(key, "%s must be a string", key)
	}
	return nil
}

func validateScalar(rec Record, key string) error {
	v, ok := rec.Get(key)
	if !ok {
		return nil
	}
	switch v.(type) {
	case []any, Record:
		return invalid(key, "%s must be a single value", key)
	}
	return nil
}

func validateChoice(rec Record, key string, choices ...string) error {
	v, ok := rec.Get(key)
	if !ok {
		return nil
	}
	s, isString := v.(string)
	if isString {
		for _, c := range choices {
			if s == c {
				return nil
			}
		}
	}
	return invalid(key, "Invalid %s: %s", key, scalarString(v))
}

func validatePattern(rec Record, key string, re *regexp.Regexp) error {
	v, ok := rec.Get(key)
	if !ok {
		return nil
	}
	switch v.(type) {
	case string, int:
	default:
		return invalid(key, "Invalid %s: %s", key, scalarString(v))
	}
	if !re.MatchString(strings.TrimSpace(scalarString(v))) {
		return invalid(key, "Invalid %s: %s", key, scalarString(v))
	}
	return nil
}

// integer-valued fields may be written as numbers or numeric strings
func intValue(v any) (int, error) {
	switch val := v.(type) {
	case int:
		return val, nil
	case int64:
		return int(val), nil
	case uint64:
		return int(val), nil
	case string:
		return strconv.Atoi(strings.TrimSpace(val))
	case nil:
		return 0, nil
	}
	return 0, fmt.Errorf("not an integer: %v", v)
}
