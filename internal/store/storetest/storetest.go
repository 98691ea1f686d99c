// Package storetest opens migrated throwaway stores for tests of other packages.
package storetest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rendis/stepgate/internal/store"
)

// New returns a migrated LibSQLStore in t.TempDir, closed on cleanup.
func New(t testing.TB) *store.LibSQLStore {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}
