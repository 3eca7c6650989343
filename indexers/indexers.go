// Package indexers defines the search result types shared by the indexer
// aggregator, the ranking algorithm, and the request pipeline.
package indexers

import (
	"context"
	"time"
)

type Protocol string

const (
	ProtocolTorrent Protocol = "torrent"
	ProtocolUsenet  Protocol = "usenet"
	// ProtocolArchive marks content-archive sources (direct HTTP downloads)
	// that have no seeder concept.
	ProtocolArchive Protocol = "archive"
)

// Category ids follow the Newznab/Torznab taxonomy the aggregator speaks.
const (
	CategoryAudioAudiobook = 3030
	CategoryBooksEbook     = 7020
)

// TorrentResult is one raw search hit prior to ranking. Despite the name it
// covers usenet and archive hits too; the protocol field disambiguates.
type TorrentResult struct {
	Title       string    `json:"title"`
	IndexerName string    `json:"indexer_name"`
	Protocol    Protocol  `json:"protocol"`
	DownloadURL string    `json:"download_url"`
	SizeBytes   int64     `json:"size_bytes"`
	Seeders     int       `json:"seeders"`
	Leechers    int       `json:"leechers"`
	Format      string    `json:"format,omitempty"`
	Flags       []string  `json:"flags,omitempty"`
	PublishDate time.Time `json:"publish_date,omitzero"`
}

// ISearcher is the indexer aggregator boundary: one search call returning
// raw candidates scoped to a category.
type ISearcher interface {
	Search(ctx context.Context, query string, categories []int) ([]TorrentResult, error)
}
