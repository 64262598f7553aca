package reddit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/bluesky-social/automoderator/automod/condition"
	"github.com/bluesky-social/automoderator/automod/engine"
	"github.com/bluesky-social/automoderator/automod/item"
	"github.com/bluesky-social/automoderator/automod/store"
)

// maximum page size the listing endpoints accept
const pageSize = 100

type listingParams struct {
	Limit int    `url:"limit"`
	After string `url:"after,omitempty"`
}

type idParams struct {
	ID   string `url:"id"`
	Spam *bool  `url:"spam,omitempty"`
}

type reportParams struct {
	ThingID string `url:"thing_id"`
	Reason  string `url:"reason,omitempty"`
	APIType string `url:"api_type"`
}

type flairParams struct {
	APIType  string `url:"api_type"`
	Link     string `url:"link,omitempty"`
	Name     string `url:"name,omitempty"`
	Text     string `url:"text"`
	CSSClass string `url:"css_class"`
}

type commentParams struct {
	APIType string `url:"api_type"`
	ThingID string `url:"thing_id"`
	Text    string `url:"text"`
}

type distinguishParams struct {
	ID  string `url:"id"`
	How string `url:"how"`
}

type composeParams struct {
	APIType string `url:"api_type"`
	To      string `url:"to"`
	Subject string `url:"subject"`
	Text    string `url:"text"`
}

type commentResponse struct {
	JSON struct {
		Errors [][]any `json:"errors"`
		Data   struct {
			Things []struct {
				Data struct {
					Name string `json:"name"`
				} `json:"data"`
			} `json:"things"`
		} `json:"data"`
	} `json:"json"`
}

// Listing path for a moderation queue, covering a group of sources
func queuePath(queue store.Queue, sources []string) (string, error) {
	multi := "/r/" + strings.Join(sources, "+")
	switch queue {
	case store.QueueReport:
		return multi + "/about/reports", nil
	case store.QueueSpam:
		return multi + "/about/modqueue", nil
	case store.QueueSubmission:
		return multi + "/new", nil
	case store.QueueComment:
		return multi + "/comments", nil
	}
	return "", fmt.Errorf("unknown queue: %s", queue)
}

// Fetches a listing page by page, calling fn for each entry. Stops after limit entries if limit is positive.
func (c *Client) walkListing(ctx context.Context, path string, limit int, fn func(Thing) error) error {
	seen := 0
	after := ""
	for {
		var listing Listing
		params := listingParams{Limit: pageSize, After: after}
		if limit > 0 && limit-seen < pageSize {
			params.Limit = limit - seen
		}
		if err := c.get(ctx, path, params, &listing); err != nil {
			return err
		}
		for _, t := range listing.Data.Children {
			if err := fn(t); err != nil {
				if errors.Is(err, engine.StopWalk) {
					return nil
				}
				return err
			}
			seen++
			if limit > 0 && seen >= limit {
				return nil
			}
		}
		if listing.Data.After == "" || len(listing.Data.Children) == 0 {
			return nil
		}
		after = listing.Data.After
	}
}

func (c *Client) ListItems(ctx context.Context, queue store.Queue, sources []string, limit int, fn func(item.Item) error) error {
	path, err := queuePath(queue, sources)
	if err != nil {
		return err
	}
	return c.walkListing(ctx, path, limit, func(t Thing) error {
		it, err := thingItem(t)
		if err != nil {
			c.Logger.Warn("skipping unparseable listing entry", "kind", t.Kind, "err", err)
			return nil
		}
		if it == nil {
			return nil
		}
		return fn(it)
	})
}

func (c *Client) PerformAction(ctx context.Context, it item.Item, action condition.Action) error {
	switch action {
	case condition.ActionRemove, condition.ActionSpam:
		spam := action == condition.ActionSpam
		return c.post(ctx, "/api/remove", idParams{ID: it.Fullname(), Spam: &spam}, nil)
	case condition.ActionApprove:
		return c.post(ctx, "/api/approve", idParams{ID: it.Fullname()}, nil)
	case condition.ActionReport:
		return c.post(ctx, "/api/report", reportParams{ThingID: it.Fullname(), Reason: "automoderator", APIType: "json"}, nil)
	}
	return fmt.Errorf("unsupported action: %q", action)
}

func (c *Client) SetItemFlair(ctx context.Context, it item.Item, text, class string) error {
	path := "/r/" + url.PathEscape(it.Common().Source) + "/api/flair"
	return c.post(ctx, path, flairParams{APIType: "json", Link: it.Fullname(), Text: text, CSSClass: class}, nil)
}

func (c *Client) SetAuthorFlair(ctx context.Context, source, author, text, class string) error {
	path := "/r/" + url.PathEscape(source) + "/api/flair"
	return c.post(ctx, path, flairParams{APIType: "json", Name: author, Text: text, CSSClass: class}, nil)
}

func (c *Client) PostReply(ctx context.Context, it item.Item, text string) (string, error) {
	var resp commentResponse
	if err := c.post(ctx, "/api/comment", commentParams{APIType: "json", ThingID: it.Fullname(), Text: text}, &resp); err != nil {
		return "", err
	}
	if len(resp.JSON.Errors) > 0 {
		return "", fmt.Errorf("posting reply to %s: %v", it.Fullname(), resp.JSON.Errors[0])
	}
	if len(resp.JSON.Data.Things) == 0 {
		return "", fmt.Errorf("posting reply to %s: empty response", it.Fullname())
	}
	return resp.JSON.Data.Things[0].Data.Name, nil
}

func (c *Client) Distinguish(ctx context.Context, fullname string) error {
	return c.post(ctx, "/api/distinguish", distinguishParams{ID: fullname, How: "yes"}, nil)
}

func (c *Client) SendMessage(ctx context.Context, recipient, subject, body string) error {
	return c.post(ctx, "/api/compose", composeParams{APIType: "json", To: recipient, Subject: subject, Text: body}, nil)
}

func (c *Client) userList(ctx context.Context, path string) ([]string, error) {
	var ul userList
	if err := c.get(ctx, path, nil, &ul); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ul.Data.Children))
	for _, u := range ul.Data.Children {
		names = append(names, u.Name)
	}
	return names, nil
}

func (c *Client) ListModerators(ctx context.Context, source string) ([]string, error) {
	return c.userList(ctx, "/r/"+url.PathEscape(source)+"/about/moderators")
}

func (c *Client) ListContributors(ctx context.Context, source string) ([]string, error) {
	return c.userList(ctx, "/r/"+url.PathEscape(source)+"/about/contributors")
}

// Shadow-banned accounts have a profile which 404s for everybody but the account itself
func (c *Client) ProbeAuthorVisible(ctx context.Context, author string) (bool, error) {
	err := c.get(ctx, "/user/"+url.PathEscape(author)+"/overview", listingParams{Limit: 1}, nil)
	if errors.Is(err, engine.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) GetAccount(ctx context.Context, name string) (*item.Account, error) {
	var t Thing
	if err := c.get(ctx, "/user/"+url.PathEscape(name)+"/about", nil, &t); err != nil {
		return nil, err
	}
	var d accountData
	if err := json.Unmarshal(t.Data, &d); err != nil {
		return nil, fmt.Errorf("parsing account %s: %w", name, err)
	}
	return d.toAccount(), nil
}

func (c *Client) ListModeratedSources(ctx context.Context) ([]string, error) {
	var out []string
	err := c.walkListing(ctx, "/subreddits/mine/moderator", 0, func(t Thing) error {
		var d subredditData
		if err := json.Unmarshal(t.Data, &d); err != nil {
			return fmt.Errorf("parsing subreddit: %w", err)
		}
		out = append(out, d.DisplayName)
		return nil
	})
	return out, err
}

func (c *Client) ReadInbox(ctx context.Context, fn func(engine.Message) error) error {
	return c.walkListing(ctx, "/message/inbox", 0, func(t Thing) error {
		var d messageData
		if err := json.Unmarshal(t.Data, &d); err != nil {
			c.Logger.Warn("skipping unparseable inbox entry", "kind", t.Kind, "err", err)
			return nil
		}
		return fn(engine.Message{
			Fullname:   d.Name,
			Author:     d.Author,
			Subject:    d.Subject,
			Body:       d.Body,
			Source:     d.Subreddit,
			CreatedAt:  d.CreatedUTC.Time(),
			WasComment: d.WasComment,
		})
	})
}

func (c *Client) AcceptModeratorInvite(ctx context.Context, source string) error {
	return c.post(ctx, "/r/"+url.PathEscape(source)+"/api/accept_moderator_invite", struct {
		APIType string `url:"api_type"`
	}{APIType: "json"}, nil)
}

func (c *Client) ReadRulePage(ctx context.Context, source, page string) (string, error) {
	var wp wikiPage
	if err := c.get(ctx, "/r/"+url.PathEscape(source)+"/wiki/"+url.PathEscape(page), nil, &wp); err != nil {
		return "", err
	}
	return wp.Data.ContentMD, nil
}
