// Package ranking scores and orders raw search results. Rank is a pure
// function: no I/O, no side effects, and identical input always produces
// identical output order.
package ranking

import (
	"sort"
	"strings"

	"github.com/shelfarr-project/shelfarr/indexers"
)

const (
	maxTextScore   = 50.0
	maxFormatScore = 25.0
	maxSeederScore = 15.0
	maxSizeScore   = 10.0

	// neutralSeederScore is the fixed contribution for sources without a
	// seeder concept (usenet, content archives).
	neutralSeederScore = 7.5

	// seederSaturation is the seeder count at which the seeder component
	// reaches its maximum.
	seederSaturation = 30

	// bytesPerMinute approximates a 128 kbps audiobook stream, the baseline
	// for size plausibility.
	bytesPerMinute = int64(960_000)
)

// Query describes what a request is looking for.
type Query struct {
	Title  string
	Author string
	// DurationMinutes is the expected runtime, 0 when unknown.
	DurationMinutes int
}

// RankedTorrent is a candidate annotated with its score, bonus, and final
// 1-based rank.
type RankedTorrent struct {
	indexers.TorrentResult

	Score       float64 `json:"score"`
	BonusPoints float64 `json:"bonus_points"`
	Rank        int     `json:"rank"`
}

// Rank scores every candidate and returns them ordered best-first. Ties on
// score+bonus break by seeder count descending, then by candidate discovery
// order.
func Rank(query Query, candidates []indexers.TorrentResult, indexerWeights map[string]int, flagBonuses map[string]int) []RankedTorrent {
	ranked := make([]RankedTorrent, 0, len(candidates))
	for _, c := range candidates {
		ranked = append(ranked, RankedTorrent{
			TorrentResult: c,
			Score:         baseScore(query, c),
			BonusPoints:   bonusPoints(c, indexerWeights, flagBonuses),
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		ti := ranked[i].Score + ranked[i].BonusPoints
		tj := ranked[j].Score + ranked[j].BonusPoints
		if ti != tj {
			return ti > tj
		}
		return ranked[i].Seeders > ranked[j].Seeders
	})

	for i := range ranked {
		ranked[i].Rank = i + 1
	}
	return ranked
}

func baseScore(query Query, c indexers.TorrentResult) float64 {
	return textScore(query, c.Title) +
		formatScore(c) +
		seederScore(c) +
		sizeScore(query, c.SizeBytes)
}

// textScore is the fraction of query tokens (title and author) found in the
// candidate title, weighted to maxTextScore.
func textScore(query Query, title string) float64 {
	tokens := tokenize(query.Title + " " + query.Author)
	if len(tokens) == 0 {
		return 0
	}

	haystack := strings.ToLower(title)
	matched := 0
	for _, tok := range tokens {
		if strings.Contains(haystack, tok) {
			matched++
		}
	}
	return maxTextScore * float64(matched) / float64(len(tokens))
}

func tokenize(s string) []string {
	fields := strings.Fields(strings.ToLower(s))
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,:;!?\"'()[]")
		if len(f) > 1 {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

var formatScores = map[string]float64{
	"m4b":  maxFormatScore,
	"m4a":  20,
	"mp3":  15,
	"flac": 10,
	"epub": maxFormatScore,
	"azw3": 15,
	"mobi": 15,
	"pdf":  5,
}

func formatScore(c indexers.TorrentResult) float64 {
	format := strings.ToLower(c.Format)
	if format == "" {
		format = detectFormat(c.Title)
	}
	return formatScores[format]
}

func detectFormat(title string) string {
	lower := strings.ToLower(title)
	// m4b before m4a: "m4a" matches inside neither
	for _, f := range []string{"m4b", "m4a", "mp3", "flac", "epub", "azw3", "mobi", "pdf"} {
		if strings.Contains(lower, f) {
			return f
		}
	}
	return ""
}

func seederScore(c indexers.TorrentResult) float64 {
	if c.Protocol != indexers.ProtocolTorrent {
		return neutralSeederScore
	}
	if c.Seeders >= seederSaturation {
		return maxSeederScore
	}
	return maxSeederScore * float64(c.Seeders) / float64(seederSaturation)
}

// sizeScore checks plausibility of the reported size against the expected
// duration. Within half to double the expected size scores full marks,
// falling off linearly outside that window.
func sizeScore(query Query, sizeBytes int64) float64 {
	if query.DurationMinutes <= 0 || sizeBytes <= 0 {
		return maxSizeScore / 2
	}

	expected := int64(query.DurationMinutes) * bytesPerMinute
	ratio := float64(sizeBytes) / float64(expected)
	switch {
	case ratio >= 0.5 && ratio <= 2:
		return maxSizeScore
	case ratio < 0.5:
		return maxSizeScore * ratio / 0.5
	default:
		falloff := maxSizeScore * (1 - (ratio-2)/8)
		if falloff < 0 {
			return 0
		}
		return falloff
	}
}

// bonusPoints sums the per-indexer priority weight and the flag modifiers.
// Flag modifiers apply no matter which indexer reported the flag.
func bonusPoints(c indexers.TorrentResult, indexerWeights map[string]int, flagBonuses map[string]int) float64 {
	bonus := float64(indexerWeights[c.IndexerName])
	for _, flag := range c.Flags {
		bonus += float64(flagBonuses[flag])
	}
	return bonus
}
