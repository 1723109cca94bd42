package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/flatblocks"
	"github.com/unkn0wn-root/flatblocks/repo/postgres/migrations"
	"github.com/unkn0wn-root/flatblocks/repo/repotest"
)

// newTestRepo connects to FLATBLOCKS_TEST_POSTGRES_URL, migrates, and empties the tables.
func newTestRepo(t *testing.T) flatblocks.Repository {
	t.Helper()
	url := os.Getenv("FLATBLOCKS_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("FLATBLOCKS_TEST_POSTGRES_URL not set")
	}
	ctx := context.Background()

	r, err := Connect(ctx, url)
	require.NoError(t, err, "Failed to connect to test database")
	t.Cleanup(func() { _ = r.Close() })

	require.NoError(t, migrations.Up(ctx, r.Pool()))
	_, err = r.Pool().Exec(ctx,
		`TRUNCATE flatblocks_blocksetitem, flatblocks_blockset, flatblocks_flatblock RESTART IDENTITY`)
	require.NoError(t, err)
	return r
}

func TestRepository(t *testing.T) {
	repotest.Run(t, newTestRepo)
}

func TestLikePatternEscapes(t *testing.T) {
	require.Equal(t, `%50\%\_off%`, likePattern("50%_off"))
}
