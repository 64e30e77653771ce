//go:build integration

package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBalanceRepository_Get_MissingRowIsZero(t *testing.T) {
	db := SetupTestDB(t)
	defer db.Close()
	defer CleanupTestDB(t, db)

	repo := NewBalanceRepository(db)
	ctx := context.Background()

	balance, err := repo.Get(ctx, "aa11", "gusd")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.Balance)
	assert.Equal(t, int64(0), balance.Reserved)
	assert.Equal(t, int64(0), balance.Available())
}

func TestBalanceRepository_Adjust_UpsertsAndAccumulates(t *testing.T) {
	db := SetupTestDB(t)
	defer db.Close()
	defer CleanupTestDB(t, db)

	repo := NewBalanceRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Adjust(ctx, "aa11", "gusd", 500, 0))
	require.NoError(t, repo.Adjust(ctx, "aa11", "gusd", 250, 100))

	balance, err := repo.Get(ctx, "aa11", "gusd")
	require.NoError(t, err)
	assert.Equal(t, int64(750), balance.Balance)
	assert.Equal(t, int64(100), balance.Reserved)
	assert.Equal(t, int64(650), balance.Available())
}

func TestBalanceRepository_Adjust_ChecksBounds(t *testing.T) {
	db := SetupTestDB(t)
	defer db.Close()
	defer CleanupTestDB(t, db)

	repo := NewBalanceRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Adjust(ctx, "aa11", "gusd", 100, 0))

	// Overdraft.
	err := repo.Adjust(ctx, "aa11", "gusd", -200, 0)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	// Reserving more than the balance covers.
	err = repo.Adjust(ctx, "aa11", "gusd", 0, 150)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	// The failed adjustments must leave the row untouched.
	balance, err := repo.Get(ctx, "aa11", "gusd")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance.Balance)
	assert.Equal(t, int64(0), balance.Reserved)
}

func TestBalanceRepository_ListByUser(t *testing.T) {
	db := SetupTestDB(t)
	defer db.Close()
	defer CleanupTestDB(t, db)

	repo := NewBalanceRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Adjust(ctx, "aa11", "gusd", 500, 0))
	require.NoError(t, repo.Adjust(ctx, "aa11", "gbtc", 10, 0))
	require.NoError(t, repo.Adjust(ctx, "bb22", "gusd", 999, 0))

	balances, err := repo.ListByUser(ctx, "aa11")
	require.NoError(t, err)
	assert.Len(t, balances, 2)
	for _, b := range balances {
		assert.Equal(t, "aa11", b.UserPubkey)
	}
}
