package dispatcher_test

import (
	"context"
	"errors"
	"testing"

	"github.com/Mrpongalfer/omnimesh-sub003/internal/dispatcher"
)

func TestParse_RecognizesKnownIntent(t *testing.T) {
	in := dispatcher.Parse("build everything")
	if in.IntentTag != "build" {
		t.Fatalf("expected intent=build, got %q", in.IntentTag)
	}
	if in.Confidence <= 0 {
		t.Fatalf("expected positive confidence, got %v", in.Confidence)
	}
}

func TestParse_BuildEverythingMeetsScenarioEConfidenceFloor(t *testing.T) {
	// spec.md Scenario E: "build everything" -> intent=build, confidence >= 0.7.
	in := dispatcher.Parse("build everything")
	if in.IntentTag != "build" {
		t.Fatalf("expected intent=build, got %q", in.IntentTag)
	}
	if in.Confidence < 0.7 {
		t.Fatalf("expected confidence >= 0.7, got %v", in.Confidence)
	}
}

func TestParse_LowScoreUtteranceIsUnknown(t *testing.T) {
	in := dispatcher.Parse("the weather is nice today")
	if in.IntentTag != "unknown" {
		t.Fatalf("expected unknown for a non-matching utterance, got %q", in.IntentTag)
	}
	if in.Confidence != 0 {
		t.Fatalf("expected zero confidence for unknown, got %v", in.Confidence)
	}
}

func TestParse_ExtractsEntities(t *testing.T) {
	in := dispatcher.Parse("stop the backend servers in staging now")
	if in.Entities["service"] != "backend" {
		t.Fatalf("expected service entity=backend, got %q", in.Entities["service"])
	}
	if in.Entities["environment"] != "staging" {
		t.Fatalf("expected environment entity=staging, got %q", in.Entities["environment"])
	}
	if in.Entities["action"] != "now" {
		t.Fatalf("expected action entity=now, got %q", in.Entities["action"])
	}
}

func TestParse_HelpAndStatusAreNotRequiredAction(t *testing.T) {
	for _, utterance := range []string{"help", "show system status"} {
		in := dispatcher.Parse(utterance)
		if in.RequiredAction {
			t.Fatalf("utterance %q: expected RequiredAction=false, got true (intent=%s)", utterance, in.IntentTag)
		}
	}
}

func TestParse_UnknownIsNotRequiredAction(t *testing.T) {
	in := dispatcher.Parse("banana")
	if in.RequiredAction {
		t.Fatal("expected unknown intent to never require action")
	}
}

type fakeOracle struct {
	tag        string
	confidence float64
	err        error
}

func (f fakeOracle) Rerank(ctx context.Context, utterance string, candidates []string) (string, float64, error) {
	return f.tag, f.confidence, f.err
}

func TestRankWithOracle_SkipsOracleWhenConfidenceAlreadyMet(t *testing.T) {
	in := dispatcher.RankWithOracle(context.Background(), "build everything", 0.0, fakeOracle{tag: "deploy", confidence: 0.99})
	if in.IntentTag != "build" {
		t.Fatalf("expected the high-confidence Parse result to win without consulting the oracle, got %q", in.IntentTag)
	}
}

func TestRankWithOracle_UsesOracleOnLowConfidence(t *testing.T) {
	in := dispatcher.RankWithOracle(context.Background(), "build", 0.999, fakeOracle{tag: "build", confidence: 0.9})
	if in.IntentTag != "build" || in.Confidence != 0.9 {
		t.Fatalf("expected oracle re-rank to set confidence=0.9, got tag=%q confidence=%v", in.IntentTag, in.Confidence)
	}
}

func TestRankWithOracle_IgnoresFailingOracle(t *testing.T) {
	original := dispatcher.Parse("build")
	in := dispatcher.RankWithOracle(context.Background(), "build", 0.999, fakeOracle{err: errors.New("oracle down")})
	if in.IntentTag != original.IntentTag || in.Confidence != original.Confidence {
		t.Fatalf("expected a failing oracle to leave Parse's result unchanged, got tag=%q confidence=%v", in.IntentTag, in.Confidence)
	}
}

func TestRankWithOracle_RejectsUnknownTaxonomyTag(t *testing.T) {
	original := dispatcher.Parse("build")
	in := dispatcher.RankWithOracle(context.Background(), "build", 0.999, fakeOracle{tag: "launch_nukes", confidence: 0.99})
	if in.IntentTag != original.IntentTag {
		t.Fatalf("expected an out-of-taxonomy oracle tag to be rejected, got %q", in.IntentTag)
	}
}

func TestRankWithOracle_NilOracleLeavesParseUnchanged(t *testing.T) {
	original := dispatcher.Parse("build")
	in := dispatcher.RankWithOracle(context.Background(), "build", 0.999, nil)
	if in.IntentTag != original.IntentTag || in.Confidence != original.Confidence {
		t.Fatal("expected a nil oracle to leave Parse's result unchanged")
	}
}
