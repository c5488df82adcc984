package model_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vellum-systems/substrate/pkg/model"
)

func TestValidObservationType(t *testing.T) {
	valid := []string{"sensor.temperature", "a", "a.b.c", "foo_bar.baz2"}
	invalid := []string{"", "Sensor.Temp", ".leading", "trailing.", "a..b", "2abc", "a.2bc"}

	for _, v := range valid {
		assert.True(t, model.ValidObservationType(v), "expected %q valid", v)
	}
	for _, v := range invalid {
		assert.False(t, model.ValidObservationType(v), "expected %q invalid", v)
	}
}

func TestObservation_WithTags_Dedupes(t *testing.T) {
	o := model.Observation{Tags: []string{"a", "b"}}
	out := o.WithTags([]string{"b", "c"})
	assert.Equal(t, []string{"a", "b", "c"}, out.Tags)
	assert.Equal(t, []string{"a", "b"}, o.Tags, "original must be untouched")
}

func TestMatchesTrigger(t *testing.T) {
	assert.True(t, model.MatchesTrigger("*", "anything.here"))
	assert.True(t, model.MatchesTrigger("sensor.*", "sensor"))
	assert.True(t, model.MatchesTrigger("sensor.*", "sensor.temp"))
	assert.True(t, model.MatchesTrigger("sensor.*", "sensor.temp.c"))
	assert.False(t, model.MatchesTrigger("sensor.*", "sensorish"))
	assert.True(t, model.MatchesTrigger("sensor.temp", "sensor.temp"))
	assert.False(t, model.MatchesTrigger("sensor.temp", "sensor.temp2"))
}

func TestAnyTriggerMatches(t *testing.T) {
	triggers := []string{"sensor.temp", "health.*"}
	assert.True(t, model.AnyTriggerMatches(triggers, "health.glucose"))
	assert.True(t, model.AnyTriggerMatches(triggers, "sensor.temp"))
	assert.False(t, model.AnyTriggerMatches(triggers, "weather.rain"))
}

func TestIsLegalActionTransition(t *testing.T) {
	assert.True(t, model.IsLegalActionTransition(model.ActionPending, model.ActionApproved))
	assert.True(t, model.IsLegalActionTransition(model.ActionPending, model.ActionRejected))
	assert.True(t, model.IsLegalActionTransition(model.ActionApproved, model.ActionExecuted))
	assert.True(t, model.IsLegalActionTransition(model.ActionApproved, model.ActionFailed))
	assert.False(t, model.IsLegalActionTransition(model.ActionPending, model.ActionExecuted))
	assert.False(t, model.IsLegalActionTransition(model.ActionRejected, model.ActionApproved))
}

func TestIsForwardEpisodeTransition(t *testing.T) {
	assert.True(t, model.IsForwardEpisodeTransition(model.EpisodePlanned, model.EpisodeActive))
	assert.True(t, model.IsForwardEpisodeTransition(model.EpisodeActive, model.EpisodeCompleted))
	assert.True(t, model.IsForwardEpisodeTransition(model.EpisodeActive, model.EpisodeAbandoned))
	assert.False(t, model.IsForwardEpisodeTransition(model.EpisodePlanned, model.EpisodeCompleted))
	assert.False(t, model.IsForwardEpisodeTransition(model.EpisodeCompleted, model.EpisodeActive))
}

func TestIsPackEffect(t *testing.T) {
	assert.True(t, model.IsPackEffect("pack:slack:notify"))
	assert.False(t, model.IsPackEffect("pack:onlyname"))
	assert.False(t, model.IsPackEffect(model.EffectLog))
}

func TestValidEffectTag(t *testing.T) {
	assert.True(t, model.ValidEffectTag(model.EffectRouteObservation))
	assert.True(t, model.ValidEffectTag("pack:slack:notify"))
	assert.False(t, model.ValidEffectTag("not_a_real_effect"))
}

func TestEffect_FieldAccessors(t *testing.T) {
	e := model.Effect{Effect: model.EffectLog, Fields: map[string]any{"message": "hi", "level": 3}}
	v, ok := e.Field("message")
	assert.True(t, ok)
	assert.Equal(t, "hi", v)

	_, ok = e.Field("missing")
	assert.False(t, ok)

	assert.Equal(t, "hi", e.StringField("message"))
	assert.Equal(t, "", e.StringField("level"), "wrong type coerces to empty string")
	assert.Equal(t, "", e.StringField("missing"))

	var empty model.Effect
	assert.Equal(t, "", empty.StringField("anything"))
}

func TestGrant_Active(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	assert.True(t, model.Grant{}.Active(now), "no expiry, not revoked")
	assert.False(t, model.Grant{Revoked: true}.Active(now))
	assert.True(t, model.Grant{ExpiresAt: &future}.Active(now))
	assert.False(t, model.Grant{ExpiresAt: &past}.Active(now))
	assert.False(t, model.Grant{ExpiresAt: &now}.Active(now), "expires exactly at t is no longer active")
}

func TestGrant_HasScopeAndCoversResource(t *testing.T) {
	g := model.Grant{Scopes: []string{"read", "write"}, ResourceType: "variable", ResourceID: "v1"}
	assert.True(t, g.HasScope("read"))
	assert.False(t, g.HasScope("admin"))
	assert.True(t, g.CoversResource("variable", "v1"))
	assert.False(t, g.CoversResource("variable", "v2"))
	assert.False(t, g.CoversResource("episode", "v1"))

	wildcard := model.Grant{ResourceType: "variable", ResourceID: "*"}
	assert.True(t, wildcard.CoversResource("variable", "anything"))
}

func TestAgentDelegation_Active(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	assert.True(t, model.AgentDelegation{}.Active(now), "nil expiry never expires")
	assert.True(t, model.AgentDelegation{Constraints: model.DelegationConstraints{ExpiresAt: &future}}.Active(now))
	assert.False(t, model.AgentDelegation{Constraints: model.DelegationConstraints{ExpiresAt: &past}}.Active(now))
}

func TestAgentDelegation_HasScope(t *testing.T) {
	d := model.AgentDelegation{Scopes: []string{"propose_action"}}
	assert.True(t, d.HasScope("propose_action"))
	assert.False(t, d.HasScope("delete_node"))
}

func TestEntity_Reduce_DefaultReducer(t *testing.T) {
	e := model.Entity{
		Events: []model.EntityEvent{
			{Type: "weight", Data: 70.0},
			{Type: "weight", Data: 71.5},
			{Type: "mood", Data: "good"},
		},
	}
	e.Reduce(nil)
	state, ok := e.State.(map[string]any)
	assert.True(t, ok)
	assert.Equal(t, 71.5, state["weight"], "last write per type wins")
	assert.Equal(t, "good", state["mood"])
}

func TestEntity_Reduce_CustomReducer(t *testing.T) {
	e := model.Entity{
		Events: []model.EntityEvent{
			{Type: "increment", Data: 1.0},
			{Type: "increment", Data: 1.0},
			{Type: "increment", Data: 1.0},
		},
	}
	sum := func(prev any, evt model.EntityEvent) any {
		total, _ := prev.(float64)
		delta, _ := evt.Data.(float64)
		return total + delta
	}
	e.Reduce(sum)
	assert.InDelta(t, 3.0, e.State.(float64), 0.0001)
}

func TestDefaultEntityReducer_DoesNotMutatePriorState(t *testing.T) {
	prev := map[string]any{"a": 1}
	next := model.DefaultEntityReducer(prev, model.EntityEvent{Type: "b", Data: 2})
	nextMap := next.(map[string]any)
	assert.Len(t, prev, 1, "prior map left untouched")
	assert.Equal(t, 1, nextMap["a"])
	assert.Equal(t, 2, nextMap["b"])
}
