package reddit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/bluesky-social/automoderator/automod/item"
)

// Generic "thing" envelope from the JSON API
type Thing struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

type Listing struct {
	Kind string `json:"kind"`
	Data struct {
		After    string  `json:"after"`
		Children []Thing `json:"children"`
	} `json:"data"`
}

// Some fields are a string, a boolean, or null depending on context (eg "banned_by" is true for items removed by the spam filter)
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")), bytes.Equal(b, []byte("false")):
		*f = ""
	case bytes.Equal(b, []byte("true")):
		*f = "true"
	default:
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
	}
	return nil
}

// unix seconds, as a float
type timestamp float64

func (t timestamp) Time() time.Time {
	sec, frac := math.Modf(float64(t))
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

type baseData struct {
	Name             string     `json:"name"`
	Author           string     `json:"author"`
	CreatedUTC       timestamp  `json:"created_utc"`
	NumReports       *int       `json:"num_reports"`
	BannedBy         flexString `json:"banned_by"`
	ApprovedBy       flexString `json:"approved_by"`
	Subreddit        string     `json:"subreddit"`
	AuthorFlairText  flexString `json:"author_flair_text"`
	AuthorFlairClass flexString `json:"author_flair_css_class"`
}

func (d *baseData) toBase() item.Base {
	b := item.Base{
		ID:               d.Name,
		CreatedAt:        d.CreatedUTC.Time(),
		BannedBy:         string(d.BannedBy),
		ApprovedBy:       string(d.ApprovedBy),
		Source:           d.Subreddit,
		AuthorFlairText:  string(d.AuthorFlairText),
		AuthorFlairClass: string(d.AuthorFlairClass),
	}
	if d.NumReports != nil {
		b.NumReports = *d.NumReports
	}
	if d.Author != "" && d.Author != item.DeletedAuthor {
		b.Author = &item.Author{Name: d.Author}
	}
	return b
}

type linkData struct {
	baseData
	Title          string         `json:"title"`
	SelfText       string         `json:"selftext"`
	URL            string         `json:"url"`
	Domain         string         `json:"domain"`
	Permalink      string         `json:"permalink"`
	IsSelf         bool           `json:"is_self"`
	LinkFlairText  flexString     `json:"link_flair_text"`
	LinkFlairClass flexString     `json:"link_flair_css_class"`
	Media          map[string]any `json:"media"`
}

type commentData struct {
	baseData
	Body      string `json:"body"`
	LinkID    string `json:"link_id"`
	LinkTitle string `json:"link_title"`
	ParentID  string `json:"parent_id"`
}

type messageData struct {
	Name       string    `json:"name"`
	Author     string    `json:"author"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	Subreddit  string    `json:"subreddit"`
	CreatedUTC timestamp `json:"created_utc"`
	WasComment bool      `json:"was_comment"`
}

type accountData struct {
	Name         string    `json:"name"`
	CreatedUTC   timestamp `json:"created_utc"`
	LinkKarma    int       `json:"link_karma"`
	CommentKarma int       `json:"comment_karma"`
	IsGold       bool      `json:"is_gold"`
}

type subredditData struct {
	DisplayName string `json:"display_name"`
}

type userList struct {
	Data struct {
		Children []struct {
			Name string `json:"name"`
		} `json:"children"`
	} `json:"data"`
}

type wikiPage struct {
	Data struct {
		ContentMD string `json:"content_md"`
	} `json:"data"`
}

// Converts a listing entry to an item. Returns nil (no error) for kinds which aren't posts or comments.
func thingItem(t Thing) (item.Item, error) {
	switch t.Kind {
	case "t3":
		var d linkData
		if err := json.Unmarshal(t.Data, &d); err != nil {
			return nil, fmt.Errorf("parsing link: %w", err)
		}
		return &item.Post{
			Base:           d.toBase(),
			Title:          d.Title,
			SelfText:       d.SelfText,
			URL:            d.URL,
			Domain:         d.Domain,
			PermalinkPath:  d.Permalink,
			IsSelf:         d.IsSelf,
			LinkFlairText:  string(d.LinkFlairText),
			LinkFlairClass: string(d.LinkFlairClass),
			Media:          d.Media,
		}, nil
	case "t1":
		var d commentData
		if err := json.Unmarshal(t.Data, &d); err != nil {
			return nil, fmt.Errorf("parsing comment: %w", err)
		}
		return &item.Comment{
			Base:      d.toBase(),
			Body:      d.Body,
			LinkID:    d.LinkID,
			LinkTitle: d.LinkTitle,
			ParentID:  d.ParentID,
		}, nil
	}
	return nil, nil
}

func (d *accountData) toAccount() *item.Account {
	return &item.Account{
		Name:         d.Name,
		CreatedAt:    d.CreatedUTC.Time(),
		LinkKarma:    d.LinkKarma,
		CommentKarma: d.CommentKarma,
		IsGold:       d.IsGold,
	}
}
