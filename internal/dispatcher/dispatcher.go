// Package dispatcher implements the Natural-Language Command Dispatcher:
// it maps an operator utterance to a parameterized internal operation,
// deterministically.
//
// Algorithm:
//  1. Lowercase and tokenize the utterance.
//  2. For each intent, score against a fixed table of weighted keyword
//     groups (primary, secondary, context weights 3.0 / 2.0 / 1.0).
//  3. Extract entities by regex over the same token stream.
//  4. Select the intent with the highest score; if the top score is below
//     a threshold or multiple intents tie, classify as "unknown".
//  5. Compute confidence as a normalized blend of top score, entity
//     count, and utterance length.
//  6. Resolve to a concrete Operation with parameters pulled from
//     entities and defaults.
//  7. Dissolution-class operations resolve only when the utterance
//     carries --confirm.
//
// The package resolves intents only: the resolved Operation is neither
// executed nor enqueued to the Supervisor by this package or by its
// caller in cmd/umcc, which records the Intent in the audit log.
package dispatcher

import (
	"context"
	"regexp"
	"strings"

	"github.com/Mrpongalfer/omnimesh-sub003/contrib"
)

// IntentTaxonomy is the closed set of recognizable intents.
var IntentTaxonomy = []string{
	"make_executable", "create_symlink", "create_file", "edit_file",
	"build", "install_dependencies", "start_servers", "stop_servers",
	"system_status", "cleanup", "deploy", "configure", "help", "unknown",
}

// keywordGroup is one weighted keyword list for an intent.
type keywordGroup struct {
	words  []string
	weight float64
}

const (
	weightPrimary   = 3.0
	weightSecondary = 2.0
	weightContext   = 1.0
)

// keywordTable maps each intent to its weighted keyword groups.
var keywordTable = map[string][]keywordGroup{
	"make_executable":      {{[]string{"chmod", "executable"}, weightPrimary}, {[]string{"permission", "+x"}, weightSecondary}},
	"create_symlink":        {{[]string{"symlink", "ln"}, weightPrimary}, {[]string{"link"}, weightSecondary}},
	"create_file":           {{[]string{"create", "touch", "new file"}, weightPrimary}, {[]string{"write"}, weightSecondary}},
	"edit_file":             {{[]string{"edit", "modify", "change"}, weightPrimary}, {[]string{"update", "file"}, weightSecondary}},
	"build":                 {{[]string{"build", "compile"}, weightPrimary}, {[]string{"make", "assemble"}, weightSecondary}, {[]string{"everything", "all"}, weightContext}},
	"install_dependencies":  {{[]string{"install", "dependencies"}, weightPrimary}, {[]string{"packages", "deps"}, weightSecondary}},
	"start_servers":         {{[]string{"start", "run", "launch"}, weightPrimary}, {[]string{"servers", "services"}, weightSecondary}},
	"stop_servers":          {{[]string{"stop", "kill", "halt"}, weightPrimary}, {[]string{"servers", "services"}, weightSecondary}},
	"system_status":         {{[]string{"status", "health"}, weightPrimary}, {[]string{"check", "show"}, weightSecondary}},
	"cleanup":               {{[]string{"cleanup", "clean", "remove"}, weightPrimary}, {[]string{"purge", "delete"}, weightSecondary}},
	"deploy":                {{[]string{"deploy", "release"}, weightPrimary}, {[]string{"ship", "publish"}, weightSecondary}},
	"configure":             {{[]string{"configure", "config"}, weightPrimary}, {[]string{"set", "setting"}, weightSecondary}},
	"help":                  {{[]string{"help", "usage"}, weightPrimary}},
}

// entityPatterns extracts {service, environment, component, resource,
// action} entities by regex over the raw utterance.
var entityPatterns = map[string]*regexp.Regexp{
	"service":     regexp.MustCompile(`(?i)\b(backend|frontend|proxy|orchestrator|[a-z][a-z0-9_-]*-service)\b`),
	"environment": regexp.MustCompile(`(?i)\b(production|prod|staging|dev|development|test)\b`),
	"component":   regexp.MustCompile(`(?i)\b(backend|frontend|proxy|everything|all)\b`),
	"resource":    regexp.MustCompile(`(?i)\b(logs?|cache|containers?|tmp|artifacts?)\b`),
	"action":      regexp.MustCompile(`(?i)\b(force|immediately|now)\b`),
}

// MinScoreThreshold is the minimum top score below which an utterance is
// classified unknown even if it is the highest-scoring intent.
const MinScoreThreshold = 2.0

// Intent is the result of NL parsing.
type Intent struct {
	RawText        string
	IntentTag      string
	Entities       map[string]string
	Confidence     float64
	RequiredAction bool
	ResolvedOp     contrib.Operation
}

// Oracle optionally re-ranks low-confidence intents using an external
// service. It must never be required for correctness — see
// RankWithOracle below.
type Oracle interface {
	Rerank(ctx context.Context, utterance string, candidates []string) (string, float64, error)
}

// Parse tokenizes and classifies utterance against the closed taxonomy,
// without consulting any Oracle.
func Parse(utterance string) Intent {
	lower := strings.ToLower(strings.TrimSpace(utterance))
	tokens := strings.Fields(lower)

	scores := make(map[string]float64, len(keywordTable))
	for intent, groups := range keywordTable {
		var score float64
		for _, g := range groups {
			for _, w := range g.words {
				if strings.Contains(lower, w) {
					score += g.weight
				}
			}
		}
		if score > 0 {
			scores[intent] = score
		}
	}

	best, bestScore, tie := topScore(scores)

	entities := make(map[string]string)
	for name, re := range entityPatterns {
		if m := re.FindString(lower); m != "" {
			entities[name] = m
		}
	}

	intentTag := best
	if bestScore < MinScoreThreshold || tie {
		intentTag = "unknown"
	}

	confidence := blendConfidence(bestScore, len(entities), len(tokens), tie)

	confirmed := strings.Contains(lower, "--confirm")

	in := Intent{
		RawText:        utterance,
		IntentTag:      intentTag,
		Entities:       entities,
		Confidence:     confidence,
		RequiredAction: intentTag != "unknown" && intentTag != "system_status" && intentTag != "help",
	}

	if op, err := contrib.Get(intentTag); err == nil {
		req := contrib.Request{Entities: entities, Confirmed: confirmed}
		if op.Manifest().Safety != contrib.SafetyDissolution || confirmed {
			in.ResolvedOp = op
			_ = req // Execution happens at dispatch time, not parse time.
		}
	}

	return in
}

func topScore(scores map[string]float64) (best string, bestScore float64, tie bool) {
	for intent, score := range scores {
		switch {
		case score > bestScore:
			best, bestScore, tie = intent, score, false
		case score == bestScore && score > 0:
			tie = true
		}
	}
	return best, bestScore, tie
}

// blendConfidence normalizes a 0..1 confidence from the top score, entity
// count, and utterance length; single-word utterances are penalized.
func blendConfidence(score float64, entityCount, tokenCount int, tie bool) float64 {
	if tie || score == 0 {
		return 0
	}
	scoreComponent := score / (score + 1.0) // Asymptotic toward 1.0; a single primary+context match already clears most of the band.
	entityComponent := float64(entityCount) / float64(entityCount+2)
	lengthComponent := 1.0
	if tokenCount <= 1 {
		lengthComponent = 0.4
	}
	blend := 0.6*scoreComponent + 0.25*entityComponent + 0.15*lengthComponent
	if blend > 1 {
		blend = 1
	}
	return blend
}

// RankWithOracle re-parses utterance and, if the resulting confidence is
// below minConfidence, consults oracle to re-rank among the intents that
// scored above zero. The Oracle's verdict only ever adjusts the chosen
// tag among candidates this package already considered plausible — it
// never introduces an intent outside the closed taxonomy, and a failing
// or absent Oracle simply leaves the original Parse result unchanged.
func RankWithOracle(ctx context.Context, utterance string, minConfidence float64, oracle Oracle) Intent {
	in := Parse(utterance)
	if oracle == nil || in.Confidence >= minConfidence {
		return in
	}

	candidates := candidatesAbove(utterance, 0)
	tag, confidence, err := oracle.Rerank(ctx, utterance, candidates)
	if err != nil || !isKnownIntent(tag) {
		return in
	}

	in.IntentTag = tag
	in.Confidence = confidence
	if op, gerr := contrib.Get(tag); gerr == nil {
		in.ResolvedOp = op
	}
	return in
}

func candidatesAbove(utterance string, min float64) []string {
	lower := strings.ToLower(utterance)
	var out []string
	for intent, groups := range keywordTable {
		var score float64
		for _, g := range groups {
			for _, w := range g.words {
				if strings.Contains(lower, w) {
					score += g.weight
				}
			}
		}
		if score > min {
			out = append(out, intent)
		}
	}
	return out
}

func isKnownIntent(tag string) bool {
	for _, t := range IntentTaxonomy {
		if t == tag {
			return true
		}
	}
	return false
}
