package errs_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vellum-systems/substrate/pkg/errs"
)

func TestErrors_As(t *testing.T) {
	var wrapped error = &errs.Backend{Op: "PutNode", Cause: &errs.NotFound{ResourceType: "node", ResourceID: "n1"}}

	var be *errs.Backend
	assert.True(t, errors.As(wrapped, &be))
	assert.Equal(t, "PutNode", be.Op)

	var nf *errs.NotFound
	assert.True(t, errors.As(wrapped, &nf))
	assert.Equal(t, "n1", nf.ResourceID)
}

func TestErrors_Messages(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"validation", &errs.Validation{Field: "type", Reason: "bad grammar"}, `validation: field "type": bad grammar`},
		{"notfound", &errs.NotFound{ResourceType: "policy", ResourceID: "p1"}, "policy not found: p1"},
		{"authorization", &errs.Authorization{Reason: "not owner"}, "authorization: not owner"},
		{"conflict", &errs.Conflict{Reason: "version mismatch"}, "conflict: version mismatch"},
		{"unknown effect", &errs.UnknownEffect{Effect: "pack:foo:bar"}, "unknown effect type: pack:foo:bar"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.err.Error())
		})
	}
}

func TestPolicyRuntime_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	err := &errs.PolicyRuntime{PolicyID: "p1", Cause: cause}
	assert.ErrorIs(t, err, cause)
}

func TestEffectExecution_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	err := &errs.EffectExecution{Effect: "log", Cause: cause}
	assert.ErrorIs(t, err, cause)
}
