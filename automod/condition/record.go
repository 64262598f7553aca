package condition

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// A single key/value definition in a rule record
type Entry struct {
	Key   string
	Value any
}

// Ordered mapping of lower-cased string keys to values. Values are scalars (string, int, float64, bool, nil), lists ([]any), or nested Records.
type Record []Entry

func (r Record) Get(key string) (any, bool) {
	for _, e := range r {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

func (r Record) Has(key string) bool {
	_, ok := r.Get(key)
	return ok
}

func (r Record) Keys() []string {
	out := make([]string, len(r))
	for i, e := range r {
		out[i] = e.Key
	}
	return out
}

// Returns a copy of the record with key set to val, replacing any existing value in-place (order preserved) or appending.
func (r Record) With(key string, val any) Record {
	out := make(Record, len(r), len(r)+1)
	copy(out, r)
	for i, e := range out {
		if e.Key == key {
			out[i].Value = val
			return out
		}
	}
	return append(out, Entry{Key: key, Value: val})
}

// Overlays every entry of 'top' on to a copy of the record. Entries in 'top' win on conflict.
func (r Record) Merge(top Record) Record {
	out := make(Record, len(r))
	copy(out, r)
	for _, e := range top {
		out = out.With(e.Key, e.Value)
	}
	return out
}

func (r Record) String(key string) string {
	v, ok := r.Get(key)
	if !ok || v == nil {
		return ""
	}
	return scalarString(v)
}

// Converts to plain maps, recursively. yaml.v3 sorts map keys when marshaling, which is what makes Canonical() stable.
func (r Record) toMap() map[string]any {
	m := make(map[string]any, len(r))
	for _, e := range r {
		m[e.Key] = plainValue(e.Value)
	}
	return m
}

func plainValue(v any) any {
	switch val := v.(type) {
	case Record:
		return val.toMap()
	case []any:
		out := make([]any, len(val))
		for i, x := range val {
			out[i] = plainValue(x)
		}
		return out
	default:
		return v
	}
}

// Canonical serialization of the record: YAML, with keys sorted at every level.
func (r Record) Canonical() string {
	b, err := yaml.Marshal(r.toMap())
	if err != nil {
		// all values originate from YAML decoding, so this would indicate a programming error
		panic(fmt.Sprintf("serializing rule record: %v", err))
	}
	return string(b)
}

// Sorted key list; helper for error messages and tests
func (r Record) SortedKeys() []string {
	keys := r.Keys()
	sort.Strings(keys)
	return keys
}

func scalarString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		if val {
			return "True"
		}
		return "False"
	case int:
		return strconv.Itoa(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(val)
	}
}

// Coerces a rule value to a list of strings: lists are flattened one level, scalars become a single-element list.
func stringList(v any) []string {
	switch val := v.(type) {
	case []any:
		out := make([]string, 0, len(val))
		for _, x := range val {
			out = append(out, scalarString(x))
		}
		return out
	case []string:
		return val
	default:
		return []string{scalarString(val)}
	}
}

// One document from a rule page. Index is 1-based position within the page.
type Section struct {
	Index  int
	Record Record
	// false for documents which were not a mapping (eg, plain-text comments); those are ignored by the engine
	IsRecord bool
}

// Parses rule text (a stream of YAML documents) in to sections. A syntax error is returned as a ValidationError identifying the section.
func ParseSections(text string) ([]Section, error) {
	dec := yaml.NewDecoder(strings.NewReader(text))
	var out []Section
	for idx := 1; ; idx++ {
		var doc yaml.Node
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &ValidationError{Section: idx, Message: err.Error(), Syntax: true}
		}
		sec := Section{Index: idx}
		node := &doc
		if node.Kind == yaml.DocumentNode && len(node.Content) > 0 {
			node = node.Content[0]
		}
		if node.Kind == yaml.MappingNode {
			rec, err := nodeRecord(node)
			if err != nil {
				return nil, &ValidationError{Section: idx, Message: err.Error()}
			}
			sec.Record = rec
			sec.IsRecord = true
		}
		out = append(out, sec)
	}
	return out, nil
}

// Parses text which is expected to hold a single mapping document (eg, a reusable fragment definition)
func ParseRecord(text string) (Record, error) {
	sections, err := ParseSections(text)
	if err != nil {
		return nil, err
	}
	for _, s := range sections {
		if s.IsRecord {
			return s.Record, nil
		}
	}
	return nil, fmt.Errorf("no mapping found in rule text")
}

func resolveAlias(n *yaml.Node) *yaml.Node {
	for n.Kind == yaml.AliasNode && n.Alias != nil {
		n = n.Alias
	}
	return n
}

// keys are lower-cased at every level
func nodeRecord(n *yaml.Node) (Record, error) {
	rec := make(Record, 0, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		k := resolveAlias(n.Content[i])
		if k.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("non-scalar mapping key on line %d", k.Line)
		}
		val, err := nodeValue(n.Content[i+1])
		if err != nil {
			return nil, err
		}
		rec = rec.With(strings.ToLower(k.Value), val)
	}
	return rec, nil
}

func nodeValue(n *yaml.Node) (any, error) {
	n = resolveAlias(n)
	switch n.Kind {
	case yaml.MappingNode:
		return nodeRecord(n)
	case yaml.SequenceNode:
		out := make([]any, 0, len(n.Content))
		for _, c := range n.Content {
			v, err := nodeValue(c)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case yaml.ScalarNode:
		var v any
		if err := n.Decode(&v); err != nil {
			return nil, err
		}
		return v, nil
	}
	return nil, fmt.Errorf("unsupported YAML node on line %d", n.Line)
}
