package parquet

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func s(v string) *string { return &v }

func TestEncode_RoundTrip(t *testing.T) {
	data, err := Encode([]string{"id", "name"}, [][]*string{
		{s("1"), s("first")},
		{s("2"), nil},
	})
	require.NoError(t, err)
	assert.Equal(t, "PAR1", string(data[:4]))

	cols, err := Columns(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name"}, cols)

	rows, err := ReadRows(context.Background(), data, nil)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, map[string]any{"id": "1", "name": "first"}, rows[0])
	assert.Equal(t, map[string]any{"id": "2", "name": nil}, rows[1])
}

func TestReadRows_EvolvedSchema(t *testing.T) {
	ctx := context.Background()

	older, err := Encode([]string{"id", "name"}, [][]*string{{s("1"), s("a")}})
	require.NoError(t, err)
	newer, err := Encode([]string{"id", "name", "status"}, [][]*string{{s("2"), s("b"), s("ACTIVE")}})
	require.NoError(t, err)

	current := []string{"id", "name", "status"}

	var all []map[string]any
	for _, f := range [][]byte{older, newer} {
		rows, err := ReadRows(ctx, f, current)
		require.NoError(t, err)
		all = append(all, rows...)
	}

	require.Len(t, all, 2)
	assert.Nil(t, all[0]["status"])
	assert.Equal(t, "a", all[0]["name"])
	assert.Equal(t, "ACTIVE", all[1]["status"])
}

func TestWriter_RejectsWrongWidth(t *testing.T) {
	_, err := Encode([]string{"a", "b"}, [][]*string{{s("only one")}})
	assert.Error(t, err)

	_, err = Encode(nil, nil)
	assert.Error(t, err)
}

func TestWriter_FlushesInBatches(t *testing.T) {
	var rows [][]*string
	for i := 0; i < DefaultBatchSize+5; i++ {
		rows = append(rows, []*string{s("x")})
	}

	data, err := Encode([]string{"v"}, rows)
	require.NoError(t, err)

	got, err := ReadRows(context.Background(), data, []string{"v"})
	require.NoError(t, err)
	assert.Len(t, got, DefaultBatchSize+5)
}
