// Package combos turns a fixture list into the target paths a traversal
// visits. Fixtures arrive either as the JSON records the fixture scraper
// writes or as a saved fixtures page; both collapse to one path per distinct
// sport, competition, section and subsection.
package combos

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"drawsnerd/internal/traverse"
)

// Fixture is one scraped fixture row. Only the grouping fields drive the
// traversal; the rest is carried so the file round-trips.
type Fixture struct {
	Sport        string `json:"sport"`
	Competition  string `json:"competition"`
	Section      string `json:"section"`
	Subsection   string `json:"subsection"`
	DateTime     string `json:"date_time,omitempty"`
	Venue        string `json:"venue,omitempty"`
	HomeTeamName string `json:"home_team_name,omitempty"`
	HomeOrg      string `json:"home_org,omitempty"`
	AwayTeamName string `json:"away_team_name,omitempty"`
	AwayOrg      string `json:"away_org,omitempty"`
	Result       string `json:"result,omitempty"`
}

// sectionPattern splits "Premier League (Senior A)" into section and subsection.
var sectionPattern = regexp.MustCompile(`^(.+?)\s*(\((.+)\))?$`)

// SplitSection separates a section header into its section and optional
// parenthesised subsection.
func SplitSection(text string) (section, subsection string) {
	text = strings.TrimSpace(text)
	m := sectionPattern.FindStringSubmatch(text)
	if m == nil {
		return text, ""
	}
	return strings.TrimSpace(m[1]), strings.TrimSpace(m[3])
}

// Paths dedupes fixtures by their four grouping fields, keeping first-seen
// order. Fixtures with an empty navigable field are skipped and counted.
func Paths(fixtures []Fixture) (paths []traverse.TargetPath, skipped int) {
	seen := make(map[traverse.TargetPath]struct{}, len(fixtures))
	paths = make([]traverse.TargetPath, 0)
	for _, f := range fixtures {
		section, sub := f.Section, f.Subsection
		if sub == "" {
			section, sub = SplitSection(section)
		}
		p := traverse.TargetPath{
			Sport:       strings.TrimSpace(f.Sport),
			Competition: strings.TrimSpace(f.Competition),
			Section:     strings.TrimSpace(section),
			Subsection:  strings.TrimSpace(sub),
		}
		if p.Validate() != nil {
			skipped++
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		paths = append(paths, p)
	}
	return paths, skipped
}

// ReadJSON decodes a fixture list written as a JSON array.
func ReadJSON(r io.Reader) ([]Fixture, error) {
	var fixtures []Fixture
	if err := json.NewDecoder(r).Decode(&fixtures); err != nil {
		return nil, fmt.Errorf("decode fixtures: %w", err)
	}
	return fixtures, nil
}

// ReadPage extracts fixtures from a saved fixtures page. Headers apply to the
// fixture cards that follow them in document order.
func ReadPage(r io.Reader) ([]Fixture, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse fixtures page: %w", err)
	}

	var (
		fixtures []Fixture
		current  Fixture
	)
	doc.Find(".sport-header, .comp-header, .section-header, mat-card.desktop-fixture").Each(func(_ int, s *goquery.Selection) {
		switch {
		case s.HasClass("sport-header"):
			current.Sport = text(s)
		case s.HasClass("comp-header"):
			current.Competition = text(s)
		case s.HasClass("section-header"):
			current.Section, current.Subsection = SplitSection(text(s))
		case s.HasClass("desktop-fixture"):
			f := current
			f.DateTime = text(s.Find(".fixture-tab-date").First())
			venues := s.Find(".venue").Map(func(_ int, v *goquery.Selection) string { return text(v) })
			f.Venue = strings.Join(venues, " ")
			f.HomeTeamName = text(s.Find(".home-team").First())
			f.HomeOrg = text(s.Find(".home-org").First())
			f.AwayTeamName = text(s.Find(".away-team").First())
			f.AwayOrg = text(s.Find(".away-org").First())
			f.Result = text(s.Find(".vs-label").First())
			fixtures = append(fixtures, f)
		}
	})
	return fixtures, nil
}

// LoadFile reads fixtures from path, choosing the page parser for .html files.
func LoadFile(path string) ([]Fixture, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	lower := strings.ToLower(path)
	if strings.HasSuffix(lower, ".html") || strings.HasSuffix(lower, ".htm") {
		return ReadPage(f)
	}
	return ReadJSON(f)
}

func text(s *goquery.Selection) string {
	return strings.Join(strings.Fields(s.Text()), " ")
}
