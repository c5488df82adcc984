package schema_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vellum-systems/substrate/pkg/ingestion/schema"
)

const tempSchema = `{
	"type": "object",
	"properties": {"celsius": {"type": "number"}},
	"required": ["celsius"]
}`

func TestValidate_UnregisteredTypeAlwaysPasses(t *testing.T) {
	r := schema.NewRegistry()
	assert.NoError(t, r.Validate("sensor.temp", map[string]any{"anything": true}))
}

func TestValidate_RegisteredTypeEnforcesSchema(t *testing.T) {
	r := schema.NewRegistry()
	require.NoError(t, r.Register("sensor.temp", []byte(tempSchema)))

	assert.NoError(t, r.Validate("sensor.temp", map[string]any{"celsius": 21.5}))
	assert.Error(t, r.Validate("sensor.temp", map[string]any{"fahrenheit": 70}))
}

func TestRegister_ReplacesPriorSchema(t *testing.T) {
	r := schema.NewRegistry()
	require.NoError(t, r.Register("sensor.temp", []byte(tempSchema)))
	require.NoError(t, r.Register("sensor.temp", []byte(`{"type":"object"}`)))

	assert.NoError(t, r.Validate("sensor.temp", map[string]any{"fahrenheit": 70}))
}

func TestRegister_InvalidSchemaErrors(t *testing.T) {
	r := schema.NewRegistry()
	err := r.Register("bad.type", []byte(`not json at all`))
	assert.Error(t, err)
}
