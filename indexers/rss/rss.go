// Package rss polls indexer RSS feeds and wakes waiting requests whose
// title shows up in a feed, so a request does not sit until the next
// scheduled retry when its release appears.
package rss

import (
	"context"
	"strings"

	"github.com/mmcdole/gofeed"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/shelfarr-project/shelfarr/internal/db"
)

var logger = log.With().Str("component", "rss").Logger()

type Poller struct {
	database *gorm.DB
	parser   *gofeed.Parser
	feeds    []string

	// OnMatch is called once per matched request per poll.
	OnMatch func(requestID uint)
}

func NewPoller(database *gorm.DB, feeds []string, onMatch func(uint)) *Poller {
	return &Poller{
		database: database,
		parser:   gofeed.NewParser(),
		feeds:    feeds,
		OnMatch:  onMatch,
	}
}

// Poll fetches every configured feed and matches item titles against
// requests still waiting for a search hit. Feed errors are logged per
// feed and never abort the rest of the poll.
func (p *Poller) Poll(ctx context.Context) error {
	waiting, err := db.ListRequestsByStatus(p.database, db.StatusAwaitingSearch)
	if err != nil {
		return err
	}
	if len(waiting) == 0 || len(p.feeds) == 0 {
		return nil
	}

	matched := make(map[uint]bool)
	for _, feedURL := range p.feeds {
		feed, err := p.parser.ParseURLWithContext(feedURL, ctx)
		if err != nil {
			logger.Error().Err(err).Str("feed", feedURL).Msg("feed fetch failed")
			continue
		}

		for _, item := range feed.Items {
			for _, req := range waiting {
				if matched[req.ID] {
					continue
				}
				if itemMatches(item.Title, req.Title, req.Author) {
					logger.Info().
						Uint("request", req.ID).
						Str("title", req.Title).
						Str("item", item.Title).
						Msg("feed item matches waiting request")
					matched[req.ID] = true
					if p.OnMatch != nil {
						p.OnMatch(req.ID)
					}
				}
			}
		}
	}

	logger.Debug().Int("waiting", len(waiting)).Int("matched", len(matched)).Msg("poll done")
	return nil
}

// itemMatches requires every title token to appear in the feed item. The
// author is a soft signal: checked only when the title alone is a single
// token, where false positives are likely.
func itemMatches(itemTitle, title, author string) bool {
	item := strings.ToLower(itemTitle)
	tokens := strings.Fields(strings.ToLower(title))
	if len(tokens) == 0 {
		return false
	}
	for _, tok := range tokens {
		if !strings.Contains(item, tok) {
			return false
		}
	}
	if len(tokens) == 1 && author != "" {
		last := authorSurname(author)
		return strings.Contains(item, last)
	}
	return true
}

func authorSurname(author string) string {
	fields := strings.Fields(strings.ToLower(author))
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}
