package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/waveletd/internal/storage/deltastore"
	"github.com/devrev/waveletd/internal/storage/deltastore/deltastoretest"
)

func TestStore(t *testing.T) {
	deltastoretest.Run(t, func(t *testing.T) deltastore.DeltaStore {
		return NewStore()
	}, nil)
}

func TestStore_RecordsAreCopied(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	a, err := s.Open(ctx, deltastoretest.Name)
	require.NoError(t, err)

	records := deltastoretest.Chain(deltastoretest.Name, 1, 1)
	require.NoError(t, a.Append(ctx, records))

	got, err := a.Delta(ctx, 0)
	require.NoError(t, err)
	got.Transformed.Ops[0].Participant = "mallory@example.com"

	again, err := a.Delta(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, deltastoretest.Author, again.Transformed.Ops[0].Participant)
}

func TestStore_Closed(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	a, err := s.Open(ctx, deltastoretest.Name)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	_, err = a.Delta(ctx, 0)
	assert.ErrorIs(t, err, deltastore.ErrClosed)

	require.NoError(t, s.Close())
	_, err = s.Open(ctx, deltastoretest.Name)
	assert.ErrorIs(t, err, deltastore.ErrClosed)
}
