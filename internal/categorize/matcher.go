package categorize

import (
	"regexp"
	"sort"
	"strings"

	"github.com/Veraticus/spendlot/internal/model"
)

// keywordRule is one keyword of one category.
type keywordRule struct {
	re         *regexp.Regexp
	keyword    string
	categoryID int64
	depth      int
	income     bool
}

// Matcher finds the best keyword match over a category tree.
type Matcher struct {
	rules []keywordRule
}

// NewMatcher compiles the keywords of every category in tree. Rules are
// kept in precedence order: longest keyword first, then the deeper
// category, then the lower id.
func NewMatcher(tree *model.CategoryTree) *Matcher {
	m := &Matcher{}
	for _, c := range tree.All() {
		if c.Type == model.CategoryTypeSystem {
			continue
		}
		for _, keyword := range c.Keywords {
			keyword = strings.ToLower(strings.TrimSpace(keyword))
			if keyword == "" {
				continue
			}
			m.rules = append(m.rules, keywordRule{
				re:         regexp.MustCompile(`(?:^|[^\pL\pN])` + regexp.QuoteMeta(keyword) + `(?:$|[^\pL\pN])`),
				keyword:    keyword,
				categoryID: c.ID,
				depth:      tree.Depth(c.ID),
				income:     c.IsIncome(),
			})
		}
	}

	sort.SliceStable(m.rules, func(i, j int) bool {
		a, b := m.rules[i], m.rules[j]
		if len(a.keyword) != len(b.keyword) {
			return len(a.keyword) > len(b.keyword)
		}
		if a.depth != b.depth {
			return a.depth > b.depth
		}
		return a.categoryID < b.categoryID
	})
	return m
}

// Match returns the category of the first rule whose keyword appears in
// text as a whole word. Income categories only match credits and expense
// categories only match everything else.
func (m *Matcher) Match(text string, credit bool) (categoryID int64, keyword string, ok bool) {
	text = strings.ToLower(text)
	for _, rule := range m.rules {
		if rule.income != credit {
			continue
		}
		if rule.re.MatchString(text) {
			return rule.categoryID, rule.keyword, true
		}
	}
	return 0, "", false
}

// Len returns the number of compiled keyword rules.
func (m *Matcher) Len() int {
	return len(m.rules)
}
