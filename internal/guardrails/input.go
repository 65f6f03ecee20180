package guardrails

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/kubilitics/kubilitics-pricing/internal/config"
	"github.com/kubilitics/kubilitics-pricing/internal/pricing"
)

// Rule names emitted by the input stage.
const (
	RuleDeniedTopic = "denied_topic"
	RuleOutOfScope  = "out_of_scope"
	RuleFraud       = "fraud_pattern"
)

type topicMatcher struct {
	topic   string
	phrases []*regexp.Regexp
}

// InputGuard screens a request before any retrieval or suggestion work.
// It is immutable once built and safe for concurrent use.
type InputGuard struct {
	denied       []topicMatcher
	allowWords   []*regexp.Regexp
	allowPattern []*regexp.Regexp
	fraudPhrases []*regexp.Regexp
	fraudPattern []*regexp.Regexp
	fraudMessage string
}

// NewInputGuard compiles the topic and fraud lists of cfg.
func NewInputGuard(cfg config.GuardrailConfig) (*InputGuard, error) {
	g := &InputGuard{
		fraudMessage: cfg.FraudMessage,
	}
	if g.fraudMessage == "" {
		g.fraudMessage = config.FraudMessage
	}

	// Sorted so the reported topic is stable when several match.
	topics := make([]string, 0, len(cfg.DeniedTopics))
	for topic := range cfg.DeniedTopics {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	for _, topic := range topics {
		m := topicMatcher{topic: topic}
		for _, phrase := range cfg.DeniedTopics[topic] {
			if re := g.phrase(phrase); re != nil {
				m.phrases = append(m.phrases, re)
			}
		}
		g.denied = append(g.denied, m)
	}

	for _, kw := range cfg.AllowedKeywords {
		if re := g.phrase(kw); re != nil {
			g.allowWords = append(g.allowWords, re)
		}
	}
	for _, phrase := range cfg.FraudPhrases {
		if re := g.phrase(phrase); re != nil {
			g.fraudPhrases = append(g.fraudPhrases, re)
		}
	}

	var err error
	if g.allowPattern, err = compileAll(cfg.AllowedPatterns); err != nil {
		return nil, fmt.Errorf("allowed patterns: %w", err)
	}
	if g.fraudPattern, err = compileAll(cfg.FraudPatterns); err != nil {
		return nil, fmt.Errorf("fraud patterns: %w", err)
	}
	return g, nil
}

// Validate returns nil when req may proceed, or the reason it may not.
// The topic check runs before the fraud check; the first failure wins.
func (g *InputGuard) Validate(req pricing.PricingRequest) *pricing.Rejection {
	text := g.normalize(req.Query)

	if rej := g.checkTopic(text); rej != nil {
		return rej
	}
	return g.checkFraud(text)
}

func (g *InputGuard) checkTopic(text string) *pricing.Rejection {
	for _, m := range g.denied {
		for _, re := range m.phrases {
			if re.MatchString(text) {
				return &pricing.Rejection{
					Stage:  pricing.StageInput,
					Rule:   RuleDeniedTopic,
					Reason: fmt.Sprintf("This assistant only handles pricing questions; the request appears to be about %s.", m.topic),
				}
			}
		}
	}

	for _, re := range g.allowWords {
		if re.MatchString(text) {
			return nil
		}
	}
	for _, re := range g.allowPattern {
		if re.MatchString(text) {
			return nil
		}
	}
	return &pricing.Rejection{
		Stage:  pricing.StageInput,
		Rule:   RuleOutOfScope,
		Reason: "The request does not look like a pricing, cost, margin or revenue question and is out of scope.",
	}
}

func (g *InputGuard) checkFraud(text string) *pricing.Rejection {
	for _, re := range g.fraudPhrases {
		if re.MatchString(text) {
			return g.fraud()
		}
	}
	for _, re := range g.fraudPattern {
		if re.MatchString(text) {
			return g.fraud()
		}
	}
	return nil
}

func (g *InputGuard) fraud() *pricing.Rejection {
	return &pricing.Rejection{Stage: pricing.StageInput, Rule: RuleFraud, Reason: g.fraudMessage}
}

// normalize applies NFKC and Unicode case folding, and collapses runs of
// whitespace, so lists match regardless of width forms or casing.
func (g *InputGuard) normalize(s string) string {
	s = norm.NFKC.String(s)
	s = cases.Fold().String(s)
	return strings.Join(strings.Fields(s), " ")
}

// phrase builds a word-bounded, whitespace-tolerant matcher for a literal.
// Blank literals yield nil.
func (g *InputGuard) phrase(p string) *regexp.Regexp {
	words := strings.Fields(g.normalize(p))
	if len(words) == 0 {
		return nil
	}
	for i, w := range words {
		words[i] = regexp.QuoteMeta(w)
	}
	return regexp.MustCompile(`(^|\W)` + strings.Join(words, `\s+`) + `($|\W)`)
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}
