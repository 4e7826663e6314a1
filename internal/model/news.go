package model

import "time"

// FetchStatus tracks article retrieval for a news item.
type FetchStatus string

const (
	FetchPending FetchStatus = "pending"
	FetchOK      FetchStatus = "fetched"
	FetchFailed  FetchStatus = "failed"
)

// Verdict is the evaluator's decision on an article.
type Verdict string

const (
	VerdictUnevaluated Verdict = "unevaluated"
	VerdictRelevant    Verdict = "relevant"
	VerdictRejected    Verdict = "rejected"
)

// NewsItem is the per-URL outcome of the news fan-out. Exactly one task
// writes each item.
type NewsItem struct {
	URL         string       `json:"url"`
	Term        string       `json:"term"`
	Title       string       `json:"title,omitempty"`
	Snippet     string       `json:"snippet,omitempty"`
	FetchStatus FetchStatus  `json:"fetch_status"`
	Text        *ArtifactRef `json:"text,omitempty"`
	Verdict     Verdict      `json:"verdict"`
	Summary     string       `json:"summary,omitempty"`
	Reason      string       `json:"reason,omitempty"`
	PublishedAt *time.Time   `json:"published_at,omitempty"`
	Error       string       `json:"error,omitempty"`
	FromCache   bool         `json:"from_cache,omitempty"`
}

// NewsSummary counts news items by outcome.
type NewsSummary struct {
	Terms       []string `json:"terms"`
	Discovered  int      `json:"discovered"`
	Relevant    int      `json:"relevant"`
	Rejected    int      `json:"rejected"`
	Unevaluated int      `json:"unevaluated"`
	FetchFailed int      `json:"fetch_failed"`
}

// NewsResult is the News Branch slot of the workflow state.
type NewsResult struct {
	Topic string     `json:"topic"`
	Terms []string   `json:"terms"`
	Items []NewsItem `json:"items"`
}

// Summary tallies the items by outcome.
func (n *NewsResult) Summary() NewsSummary {
	s := NewsSummary{Terms: n.Terms, Discovered: len(n.Items)}
	for _, it := range n.Items {
		if it.FetchStatus == FetchFailed {
			s.FetchFailed++
		}
		switch it.Verdict {
		case VerdictRelevant:
			s.Relevant++
		case VerdictRejected:
			s.Rejected++
		default:
			s.Unevaluated++
		}
	}
	return s
}

// Relevant returns the items judged relevant, in discovery order.
func (n *NewsResult) Relevant() []NewsItem {
	if n == nil {
		return nil
	}
	var out []NewsItem
	for _, it := range n.Items {
		if it.Verdict == VerdictRelevant {
			out = append(out, it)
		}
	}
	return out
}
