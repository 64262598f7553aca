// Compiles declarative rule records ("conditions") in to executable matchers, and validates rule records before they are accepted.
//
// A rule page is a stream of YAML documents; every mapping document is one rule record. Records are checked with Validate, then turned in to an immutable Condition with Compile.
package condition

import (
	"regexp"
)

// Which item kinds a condition applies to
type TypeScope string

var (
	TypePost    TypeScope = "submission"
	TypeComment TypeScope = "comment"
	TypeBoth    TypeScope = "both"
)

type Action string

var (
	ActionNone    Action = ""
	ActionRemove  Action = "remove"
	ActionSpam    Action = "spam"
	ActionApprove Action = "approve"
	// flag the item for human review
	ActionReport Action = "report"
)

func (a Action) IsRemoval() bool {
	return a == ActionRemove || a == ActionSpam
}

type SatisfyMode string

var (
	SatisfyAll SatisfyMode = "all"
	SatisfyAny SatisfyMode = "any"
)

// Author standing within a source
type Rank int

const (
	RankUser Rank = iota
	RankContributor
	RankModerator
)

var rankNames = map[string]Rank{
	"user":        RankUser,
	"contributor": RankContributor,
	"moderator":   RankModerator,
}

func (r Rank) String() string {
	switch r {
	case RankModerator:
		return "moderator"
	case RankContributor:
		return "contributor"
	default:
		return "user"
	}
}

// Account attribute names usable in user_conditions
var (
	AttrRank          = "rank"
	AttrAccountAge    = "account_age"
	AttrCombinedKarma = "combined_karma"
	AttrCommentKarma  = "comment_karma"
	AttrLinkKarma     = "link_karma"
	AttrIsGold        = "is_gold"
	AttrShadowbanned  = "is_shadowbanned"
)

// Single account-level comparison, eg "account_age < 7"
type Predicate struct {
	Attribute string
	// one of "<", ">", "="
	Op    string
	Value int
}

func (p Predicate) Compare(v int) bool {
	switch p.Op {
	case "<":
		return v < p.Value
	case ">":
		return v > p.Value
	default:
		return v == p.Value
	}
}

type UserPolicy struct {
	Mode       SatisfyMode
	Predicates []Predicate
}

// Whether the policy explicitly requires the author to be shadow-banned
func (up *UserPolicy) RequiresShadowban() bool {
	if up == nil {
		return false
	}
	for _, p := range up.Predicates {
		if p.Attribute == AttrShadowbanned && p.Value != 0 {
			return true
		}
	}
	return false
}

// Compiled match pattern for one field selector (a single field, or several joined with "+")
type FieldPattern struct {
	// selector as written in the record, eg "title+body"
	Key string
	// member fields of the selector
	Fields  []string
	Pattern string
	Regexp  *regexp.Regexp
	// true if a pattern match means the entry is satisfied; false for "inverse"
	Success bool
}

// One compiled moderation rule. Immutable once built by Compile.
type Condition struct {
	Type              TypeScope
	Action            Action
	Reports           int
	IsReply           *bool
	IgnoreBlockquotes bool
	Patterns          []FieldPattern
	UserPolicy        *UserPolicy

	Comment        string
	Modmail        string
	ModmailSubject string
	Message        string
	MessageSubject string

	LinkFlairText  string
	LinkFlairClass string
	UserFlairText  string
	UserFlairClass string

	// name of the reusable fragment this condition inherited from, if any
	Standard string
	// canonical serialization of the merged record; stable identity for dedup and audit
	Signature string
}

func (c *Condition) AppliesTo(isPost bool) bool {
	switch c.Type {
	case TypePost:
		return isPost
	case TypeComment:
		return !isPost
	default:
		return true
	}
}

func (c *Condition) SetsLinkFlair() bool {
	return c.LinkFlairText != "" || c.LinkFlairClass != ""
}

func (c *Condition) SetsUserFlair() bool {
	return c.UserFlairText != "" || c.UserFlairClass != ""
}

// Whether the condition sends any reply or message
func (c *Condition) Notifies() bool {
	return c.Comment != "" || c.Modmail != "" || c.Message != ""
}

// Count of extra network operations this condition's side effects need. Used to try cheap conditions first.
func (c *Condition) Cost() int {
	n := 0
	for _, b := range []bool{
		c.Action != ActionNone,
		c.UserPolicy != nil,
		c.Comment != "",
		c.Modmail != "",
		c.Message != "",
		c.SetsUserFlair(),
		c.SetsLinkFlair(),
	} {
		if b {
			n++
		}
	}
	// distinguishing the posted reply is one more request
	if c.Comment != "" {
		n++
	}
	return n
}
