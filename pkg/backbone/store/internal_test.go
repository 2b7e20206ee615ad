package store

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResult struct {
	n   int64
	err error
}

func (r fakeResult) LastInsertId() (int64, error) { return 0, errors.New("unsupported") }
func (r fakeResult) RowsAffected() (int64, error) { return r.n, r.err }

func TestRowsAffected(t *testing.T) {
	n, err := rowsAffected(fakeResult{n: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	unsupported := errors.New("driver does not report affected rows")
	n, err = rowsAffected(fakeResult{n: 1, err: unsupported})
	assert.ErrorIs(t, err, unsupported)
	assert.Zero(t, n, "a failed count must never read as a fresh insert")
}
