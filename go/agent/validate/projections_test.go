package validate

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const projectionModel = `{
	"schema": {
		"type": "object",
		"properties": {
			"id": {"type": "string"},
			"count": {"type": ["integer", "null"]},
			"region": {"type": "string"},
			"nested": {
				"type": "object",
				"properties": {"city": {"type": "string"}},
				"required": ["city"]
			}
		},
		"required": ["id"]
	},
	"key": ["/id"],
	"projections": {
		"city": "/nested/city",
		"region": {"location": "/region", "partition": true}
	}
}`

func TestComputeProjections(t *testing.T) {
	var projections, err = ComputeProjections([]byte(projectionModel))
	require.NoError(t, err)

	var byField = map[string]Projection{}
	for _, p := range projections {
		byField[p.Field] = p
	}

	var id = byField["id"]
	require.True(t, id.IsPrimaryKey)
	require.True(t, id.Inference.MustExist)
	require.Equal(t, []string{"string"}, id.Inference.Types)
	require.Equal(t, "/id", id.Ptr)

	var count = byField["count"]
	require.False(t, count.IsPrimaryKey)
	require.True(t, count.Inference.IsNullable)
	require.False(t, count.Inference.MustExist)

	var region = byField["region"]
	require.True(t, region.IsPartition)
	require.Equal(t, "/region", region.Ptr)

	var city = byField["city"]
	require.Equal(t, "/nested/city", city.Ptr)
	require.Equal(t, []string{"string"}, city.Inference.Types)
	require.False(t, city.Inference.MustExist, "nested is itself optional")

	// Fields arrive sorted.
	for i := 1; i < len(projections); i++ {
		require.Less(t, projections[i-1].Field, projections[i].Field)
	}
}

func TestNullableKeyIsRejected(t *testing.T) {
	var projections, err = ComputeProjections([]byte(`{
		"schema": {
			"type": "object",
			"properties": {"id": {"type": ["string", "null"]}},
			"required": ["id"]
		},
		"key": ["/id"]
	}`))
	require.NoError(t, err)
	require.Error(t, validateKeyProjections("acmeCo/anvils", projections))
}

func TestProjectionsOfBareModel(t *testing.T) {
	var projections, err = ComputeProjections([]byte(`{"key":["/id"]}`))
	require.NoError(t, err)
	require.Len(t, projections, 1)
	require.True(t, projections[0].IsPrimaryKey)
	require.True(t, projections[0].Inference.MustExist)
}
