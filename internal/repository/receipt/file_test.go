package receipt

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/lob-publisher/internal/domain/lob"
)

// TestFileRepository_NotFound verifies Load returns ErrNotFound for a missing file.
func TestFileRepository_NotFound(t *testing.T) {
	t.Parallel()

	repo := NewFileRepository(filepath.Join(t.TempDir(), "missing.yaml"))
	r, err := repo.Load(context.Background())
	require.ErrorIs(t, err, ErrNotFound)
	require.Nil(t, r)
}

// TestFileRepository_SaveLoad_Roundtrip ensures Save followed by Load returns an equal receipt.
func TestFileRepository_SaveLoad_Roundtrip(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "receipt.yaml")
	repo := NewFileRepository(file)

	want := &Receipt{
		AppID:            "5b0f2a4e-8c1d-4e7a-9a57-0f3c2d1e6b8a",
		DisplayName:      "Contoso Agent",
		Created:          true,
		ContentVersionID: "1",
		FileID:           "f-1",
		FileName:         "setup.intunewin",
		Size:             1048576,
		SizeEncrypted:    20971520,
		PublishedAt:      time.Now().UTC().Truncate(time.Second),
		PublishedBy:      &lob.Actor{Hostname: "build-01", Username: "o.shokin"},
	}

	require.NoError(t, repo.Save(context.Background(), want))

	got, err := repo.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, want.AppID, got.AppID)
	require.Equal(t, want.ContentVersionID, got.ContentVersionID)
	require.Equal(t, want.SizeEncrypted, got.SizeEncrypted)
	require.True(t, want.PublishedAt.Equal(got.PublishedAt))
	require.Equal(t, want.PublishedBy, got.PublishedBy)

	_, err = os.Stat(file)
	require.NoError(t, err)
}

// TestFileRepository_SaveNil rejects a missing receipt.
func TestFileRepository_SaveNil(t *testing.T) {
	t.Parallel()

	repo := NewFileRepository(filepath.Join(t.TempDir(), "receipt.yaml"))
	require.Error(t, repo.Save(context.Background(), nil))
}
