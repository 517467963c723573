package relay

import (
	"testing"

	"github.com/nero-labs/kiro-relay/internal/config"
)

func testClassifierConfig() *config.Config {
	return &config.Config{
		QuotaMarkers:       []string{"usage limit", "quota"},
		LengthErrorMarkers: []string{"too long", "maximum context"},
	}
}

func TestClassify401IsAuthExpiredNotAuthInvalid(t *testing.T) {
	c := NewClassifier(testClassifierConfig())
	policy, _ := c.Classify(401, []byte(`{"error":{"message":"unauthorized"}}`))

	if policy.Kind != KindAuthExpired {
		t.Fatalf("expected KindAuthExpired, got %s", policy.Kind)
	}
	if !policy.RefreshToken {
		t.Error("401 should set RefreshToken so the identity is refreshed before retry")
	}
	if !policy.RetrySame {
		t.Error("401 should retry the same identity, not fail over immediately")
	}
	if policy.SwitchIdentity {
		t.Error("401 should not switch identity on first failure")
	}
	if policy.DisableIdentity {
		t.Error("401 should not disable/cooldown the identity — it may just need a refresh")
	}
}

func TestClassify403IsAuthInvalid(t *testing.T) {
	c := NewClassifier(testClassifierConfig())
	policy, _ := c.Classify(403, []byte(`{"error":{"message":"forbidden"}}`))

	if policy.Kind != KindAuthInvalid {
		t.Fatalf("expected KindAuthInvalid, got %s", policy.Kind)
	}
	if policy.RefreshToken {
		t.Error("403 should not attempt a token refresh")
	}
	if !policy.SwitchIdentity || !policy.DisableIdentity {
		t.Error("403 should switch identity and disable/cooldown it")
	}
}

func TestClassify401And403AreDistinctKinds(t *testing.T) {
	c := NewClassifier(testClassifierConfig())
	p401, _ := c.Classify(401, []byte(`{}`))
	p403, _ := c.Classify(403, []byte(`{}`))

	if p401.Kind == p403.Kind {
		t.Fatalf("401 and 403 must classify to different kinds, both got %s", p401.Kind)
	}
}

func TestClassifyRateLimit429(t *testing.T) {
	c := NewClassifier(testClassifierConfig())
	policy, _ := c.Classify(429, []byte(`{"error":{"message":"rate limited"}}`))

	if policy.Kind != KindRateLimit {
		t.Fatalf("expected KindRateLimit, got %s", policy.Kind)
	}
	if !policy.SwitchIdentity || !policy.DisableIdentity {
		t.Error("rate limit should switch identity and cool it down")
	}
}

func TestClassifyQuotaMarkerWinsOverStatusCode(t *testing.T) {
	c := NewClassifier(testClassifierConfig())
	// A quota phrase in the body should classify as rate-limit/quota
	// exhaustion even behind an unrelated status code.
	policy, _ := c.Classify(400, []byte(`{"error":{"message":"daily usage limit reached"}}`))

	if policy.Kind != KindRateLimit {
		t.Fatalf("expected KindRateLimit for quota marker, got %s", policy.Kind)
	}
	if !policy.SwitchIdentity || !policy.DisableIdentity {
		t.Error("quota exhaustion should switch identity and cool it down")
	}
}

func TestClassifyLengthMarkerSetsIsLengthError(t *testing.T) {
	c := NewClassifier(testClassifierConfig())
	policy, _ := c.Classify(400, []byte(`{"error":{"message":"prompt is too long for maximum context"}}`))

	if !policy.IsLengthError {
		t.Error("expected IsLengthError for a too-long-context body")
	}
}

func TestClassifyTransientOverloaded(t *testing.T) {
	c := NewClassifier(testClassifierConfig())
	policy, _ := c.Classify(503, []byte(`{"error":{"message":"service overloaded"}}`))

	if policy.Kind != KindTransient {
		t.Fatalf("expected KindTransient, got %s", policy.Kind)
	}
	if !policy.RetrySame {
		t.Error("transient overload should retry the same identity")
	}
	if policy.SwitchIdentity || policy.DisableIdentity {
		t.Error("transient overload should not switch or disable the identity")
	}
}

func TestClassifyServerError(t *testing.T) {
	c := NewClassifier(testClassifierConfig())
	policy, _ := c.Classify(500, []byte(`{"error":{"message":"internal server error"}}`))

	if policy.Kind != KindServerError {
		t.Fatalf("expected KindServerError, got %s", policy.Kind)
	}
	if !policy.RetrySame {
		t.Error("server error should retry the same identity")
	}
}
