// Content items (posts and comments) as seen by the rules engine.
//
// Both variants expose the same field-extraction surface (`Field`), so matching code never needs to type-switch on the concrete item kind.
package item

import (
	"fmt"
	"strings"
	"time"
)

type Kind string

var (
	KindPost    Kind = "submission"
	KindComment Kind = "comment"
)

// Fullname prefixes used by the hosting platform
const (
	CommentPrefix = "t1_"
	PostPrefix    = "t3_"
)

const DeletedAuthor = "[deleted]"

var PermalinkHost = "http://www.reddit.com"

// Reference to the author of an item. Account-level metadata (age, karma) is fetched separately and lazily, see Account.
type Author struct {
	Name string
}

// Account-level metadata for an author. Fetched through the content source client only when a rule needs it.
type Account struct {
	Name         string
	CreatedAt    time.Time
	LinkKarma    int
	CommentKarma int
	IsGold       bool
}

// Fields shared by posts and comments.
type Base struct {
	// Fullname, eg "t3_abc123"
	ID         string
	Author     *Author
	CreatedAt  time.Time
	NumReports int
	// Name of the moderator that removed the item, if any
	BannedBy string
	// Name of the moderator that approved the item, if any
	ApprovedBy string
	// Source (community) display name, case preserved
	Source string

	AuthorFlairText  string
	AuthorFlairClass string
}

type Post struct {
	Base

	Title    string
	SelfText string
	URL      string
	Domain   string
	// Platform permalink; may be a path relative to PermalinkHost
	PermalinkPath string
	IsSelf        bool

	LinkFlairText  string
	LinkFlairClass string

	// Embedded media metadata, as returned by the platform (eg, "oembed" sub-object)
	Media map[string]any
}

type Comment struct {
	Base

	Body string
	// Fullname of the post this comment belongs to
	LinkID    string
	LinkTitle string
	// Fullname of the parent (post or comment)
	ParentID string
}

// Uniform interface over posts and comments.
type Item interface {
	Kind() Kind
	Fullname() string
	Common() *Base
	// Extracts the raw text value for a match field. Unknown fields yield an empty string.
	Field(name string) string
	// Body text: self-text for posts, comment body for comments
	BodyText() string
	// Title of the item, or of the parent post for comments
	TitleText() string
	Permalink() string
	IsReply() bool
	// Item-level flair, only meaningful for posts
	ItemFlair() (text, class string)
}

var _ Item = (*Post)(nil)
var _ Item = (*Comment)(nil)

func (b *Base) AuthorName() string {
	if b.Author == nil {
		return ""
	}
	return b.Author.Name
}

func (b *Base) IsApproved() bool {
	return b.ApprovedBy != ""
}

func (b *Base) IsRemoved() bool {
	return b.BannedBy != ""
}

// common fields; returns ok=false if the field isn't one of them
func (b *Base) field(name string) (string, bool) {
	switch name {
	case "user":
		return b.AuthorName(), true
	case "author_flair_text":
		return b.AuthorFlairText, true
	case "author_flair_css_class":
		return b.AuthorFlairClass, true
	}
	return "", false
}

func (p *Post) Kind() Kind        { return KindPost }
func (p *Post) Fullname() string  { return p.ID }
func (p *Post) Common() *Base     { return &p.Base }
func (p *Post) BodyText() string  { return p.SelfText }
func (p *Post) TitleText() string { return p.Title }
func (p *Post) IsReply() bool     { return false }

func (p *Post) Permalink() string {
	if strings.HasPrefix(p.PermalinkPath, "/") {
		return PermalinkHost + p.PermalinkPath
	}
	return p.PermalinkPath
}

func (p *Post) ItemFlair() (string, string) {
	return p.LinkFlairText, p.LinkFlairClass
}

func (p *Post) Field(name string) string {
	if v, ok := p.Base.field(name); ok {
		return v
	}
	switch name {
	case "title":
		return p.Title
	case "body":
		return p.SelfText
	case "domain":
		return p.Domain
	case "url":
		// self-posts link to themselves; don't match against that
		if p.IsSelf {
			return ""
		}
		return p.URL
	case "media_user":
		return p.oembed("author_name")
	case "media_title":
		return p.oembed("title")
	case "media_description":
		return p.oembed("description")
	}
	return ""
}

func (p *Post) oembed(key string) string {
	if p.Media == nil {
		return ""
	}
	oe, ok := p.Media["oembed"].(map[string]any)
	if !ok {
		return ""
	}
	v, ok := oe[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func (c *Comment) Kind() Kind        { return KindComment }
func (c *Comment) Fullname() string  { return c.ID }
func (c *Comment) Common() *Base     { return &c.Base }
func (c *Comment) BodyText() string  { return c.Body }
func (c *Comment) TitleText() string { return c.LinkTitle }

func (c *Comment) ItemFlair() (string, string) {
	return "", ""
}

// A comment is a reply if its parent is another comment (not the post itself)
func (c *Comment) IsReply() bool {
	return strings.HasPrefix(c.ParentID, CommentPrefix)
}

func (c *Comment) Field(name string) string {
	if v, ok := c.Base.field(name); ok {
		return v
	}
	switch name {
	case "body":
		return c.Body
	case "link_id":
		// strip the fullname type prefix
		if len(c.LinkID) < len(PostPrefix) {
			return ""
		}
		return c.LinkID[len(PostPrefix):]
	}
	return ""
}

func (c *Comment) Permalink() string {
	linkID := c.LinkID
	if i := strings.Index(linkID, "_"); i >= 0 {
		linkID = linkID[i+1:]
	}
	id := strings.TrimPrefix(c.ID, CommentPrefix)
	permalink := fmt.Sprintf("%s/r/%s/comments/%s/-/%s", PermalinkHost, c.Source, linkID, id)
	if c.IsReply() {
		permalink += "?context=5"
	}
	return permalink
}

// Account age in whole days, relative to 'now'
func (a *Account) AgeDays(now time.Time) int {
	return int(now.Sub(a.CreatedAt) / (24 * time.Hour))
}
