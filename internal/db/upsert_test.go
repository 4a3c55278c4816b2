package db

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBulkUpsert_EmptyRows(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	n, err := BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "url_patterns",
		Columns:      []string{"host", "pattern"},
		ConflictKeys: []string{"host", "pattern"},
	}, nil)

	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestBulkUpsert_NoColumns(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "url_patterns",
		ConflictKeys: []string{"host"},
	}, [][]any{{"a"}})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no columns")
}

func TestBulkUpsert_NoConflictKeys(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:   "url_patterns",
		Columns: []string{"host"},
	}, [][]any{{"a"}})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys")
}
