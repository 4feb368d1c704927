package analysis

import (
	"sort"
	"strings"
	"unicode"

	provisionrepo "github.com/katiba-labs/katiba/internal/repository/provision"
	provisionsvc "github.com/katiba-labs/katiba/internal/service/provision"
)

// similarityThreshold is the minimum token overlap for a provision to be
// flagged without a rule. Below it a provision is considered untouched by
// the bill.
const similarityThreshold = 0.15

// ruleConfidence is the floor confidence for rule-table matches. High-risk
// provisions are flagged even when the text barely overlaps.
const ruleConfidence = 0.9

// Finding is one provision the matcher believes a bill touches.
type Finding struct {
	ProvisionID int64
	Numbering   string
	Kind        string
	Confidence  float64
	RuleName    string
	Rationale   string
}

// Matcher scores a bill's text against the provision tree and the high-risk
// rule table.
type Matcher struct {
	rules *Ruleset
}

// NewMatcher creates a matcher over the given rule table.
func NewMatcher(rules *Ruleset) *Matcher {
	return &Matcher{rules: rules}
}

// Analyze walks the provision snapshot and returns the provisions the bill
// appears to touch, most confident first. Per ancestor chain only the most
// specific match is kept: a clause hit suppresses its article and chapter.
func (m *Matcher) Analyze(tree *provisionsvc.Tree, billText string) []Finding {
	billTokens := tokenize(billText)
	ruleHits := m.ruleProvisionSet(billText)

	var findings []Finding
	tree.Walk(func(n *provisionsvc.Node) {
		if rule, ok := ruleHits[n.Numbering]; ok {
			sim := jaccard(billTokens, tokenize(n.Body))
			confidence := ruleConfidence
			if sim > confidence {
				confidence = sim
			}
			findings = append(findings, Finding{
				ProvisionID: n.ID,
				Numbering:   n.Numbering,
				Kind:        n.Kind,
				Confidence:  confidence,
				RuleName:    rule.Name,
				Rationale:   rule.Reason,
			})
			return
		}

		sim := jaccard(billTokens, tokenize(n.Body))
		if sim < similarityThreshold {
			return
		}
		findings = append(findings, Finding{
			ProvisionID: n.ID,
			Numbering:   n.Numbering,
			Kind:        n.Kind,
			Confidence:  sim,
			Rationale:   "text overlap with " + n.Numbering,
		})
	})

	findings = suppressAncestors(tree, findings)

	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].Confidence != findings[j].Confidence {
			return findings[i].Confidence > findings[j].Confidence
		}
		// Equal confidence: the more specific provision wins.
		return provisionrepo.Specificity(findings[i].Kind) > provisionrepo.Specificity(findings[j].Kind)
	})
	return findings
}

// ruleProvisionSet maps provision numberings named by matching rules to the
// rule that named them.
func (m *Matcher) ruleProvisionSet(billText string) map[string]Rule {
	out := make(map[string]Rule)
	for _, rule := range m.rules.MatchBill(billText) {
		for _, numbering := range rule.Provisions {
			if _, seen := out[numbering]; !seen {
				out[numbering] = rule
			}
		}
	}
	return out
}

// suppressAncestors drops a finding when a more specific finding exists in
// its subtree, so a clause hit is reported once rather than three times up
// the chain.
func suppressAncestors(tree *provisionsvc.Tree, findings []Finding) []Finding {
	flagged := make(map[int64]bool, len(findings))
	for _, f := range findings {
		flagged[f.ProvisionID] = true
	}
	kept := findings[:0]
	for _, f := range findings {
		shadowed := false
		for _, d := range tree.Descendants(f.ProvisionID) {
			if flagged[d.ID] {
				shadowed = true
				break
			}
		}
		if !shadowed {
			kept = append(kept, f)
		}
	}
	return kept
}

// stopwords are dropped before similarity scoring. Legal prose leans hard on
// connectives, and matching on them inflates every pairwise score.
var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "that": {}, "this": {},
	"with": {}, "from": {}, "into": {}, "such": {}, "shall": {},
}

func tokenize(text string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, word := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		if len(word) < 3 {
			continue
		}
		if _, skip := stopwords[word]; skip {
			continue
		}
		tokens[word] = struct{}{}
	}
	return tokens
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	intersection := 0
	for tok := range small {
		if _, ok := large[tok]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	return float64(intersection) / float64(union)
}
