package urlhealth

import (
	"context"
	"net/url"
	"strings"
)

// Heuristic weights. Agreement between heuristics compounds: a candidate
// produced by several of them scores 1 - prod(1 - w_i).
const (
	weightHTTPSUpgrade = 0.9
	weightWWWToggle    = 0.7
	weightPathStrip    = 0.5
)

// DefaultConfidenceThreshold gates automatic application of a repair
const DefaultConfidenceThreshold = 0.85

// Repair is a proposed replacement for a broken URL
type Repair struct {
	Original   string   `json:"original"`
	Suggested  string   `json:"suggested"`
	Heuristics []string `json:"heuristics"`
	Confidence float64  `json:"confidence"`
	Applied    bool     `json:"applied"`
}

// ProbeFunc checks whether a candidate URL is reachable
type ProbeFunc func(ctx context.Context, rawURL string) Result

// candidate is one rewritten URL with the heuristics that produced it
type candidate struct {
	url        string
	heuristics []string
	confidence float64
}

// Repairer rewrites broken URLs with a fixed set of heuristics and probes
// the candidates
type Repairer struct {
	probe     ProbeFunc
	threshold float64
}

// NewRepairer creates a repairer. The probe is injectable so tests can avoid
// real network calls.
func NewRepairer(probe ProbeFunc, threshold float64) *Repairer {
	if threshold <= 0 {
		threshold = DefaultConfidenceThreshold
	}

	return &Repairer{
		probe:     probe,
		threshold: threshold,
	}
}

// Suggest probes repair candidates for a broken URL in descending confidence
// order and returns the first reachable one, or nil if none works. Applied is
// set when the candidate's confidence meets the threshold.
func (r *Repairer) Suggest(ctx context.Context, brokenURL string) (*Repair, error) {
	parsed, err := url.Parse(brokenURL)
	if err != nil {
		return nil, err
	}

	candidates := generateCandidates(parsed)
	for _, c := range candidates {
		if c.url == brokenURL {
			continue
		}

		result := r.probe(ctx, c.url)
		if !result.Healthy() {
			continue
		}

		return &Repair{
			Original:   brokenURL,
			Suggested:  c.url,
			Heuristics: c.heuristics,
			Confidence: c.confidence,
			Applied:    c.confidence >= r.threshold,
		}, nil
	}

	return nil, nil
}

// generateCandidates applies every combination of the rewrite heuristics,
// highest combined confidence first
func generateCandidates(parsed *url.URL) []candidate {
	type rewrite struct {
		name   string
		weight float64
		apply  func(*url.URL) bool
	}

	rewrites := []rewrite{
		{name: "https-upgrade", weight: weightHTTPSUpgrade, apply: upgradeToHTTPS},
		{name: "www-toggle", weight: weightWWWToggle, apply: toggleWWW},
		{name: "path-strip", weight: weightPathStrip, apply: stripPath},
	}

	var candidates []candidate

	// Bitmask over the rewrite set; skip the empty combination
	for mask := 1; mask < 1<<len(rewrites); mask++ {
		u := *parsed
		var names []string
		failure := 1.0

		changed := false
		for i, rw := range rewrites {
			if mask&(1<<i) == 0 {
				continue
			}
			if rw.apply(&u) {
				changed = true
				names = append(names, rw.name)
				failure *= 1 - rw.weight
			}
		}

		if !changed {
			continue
		}

		candidates = append(candidates, candidate{
			url:        u.String(),
			heuristics: names,
			confidence: 1 - failure,
		})
	}

	// Insertion sort by confidence descending; the set is tiny
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j].confidence > candidates[j-1].confidence; j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}

	return dedupe(candidates)
}

func dedupe(candidates []candidate) []candidate {
	seen := make(map[string]bool, len(candidates))
	out := candidates[:0]
	for _, c := range candidates {
		if seen[c.url] {
			continue
		}
		seen[c.url] = true
		out = append(out, c)
	}
	return out
}

func upgradeToHTTPS(u *url.URL) bool {
	if u.Scheme != "http" {
		return false
	}
	u.Scheme = "https"
	return true
}

func toggleWWW(u *url.URL) bool {
	host := u.Host
	if strings.HasPrefix(host, "www.") {
		u.Host = strings.TrimPrefix(host, "www.")
	} else {
		u.Host = "www." + host
	}
	return true
}

func stripPath(u *url.URL) bool {
	if (u.Path == "" || u.Path == "/") && u.RawQuery == "" && u.Fragment == "" {
		return false
	}
	u.Path = "/"
	u.RawQuery = ""
	u.Fragment = ""
	return true
}
