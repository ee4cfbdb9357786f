package seed

import (
	"bytes"
	"context"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caspianwatch/caspianwatch/internal/auth"
	"github.com/caspianwatch/caspianwatch/internal/blob"
	"github.com/caspianwatch/caspianwatch/internal/storage/memory"
	"github.com/caspianwatch/caspianwatch/internal/types"
)

func TestDefaultSeed(t *testing.T) {
	d, err := Default()
	require.NoError(t, err)
	assert.Equal(t, []string{
		"Мусор",
		"Большая мертвая рыба",
		"Большое скопление мусора",
		"Нефтяные отходы",
		"Химические вещества",
	}, d.Categories)
	assert.Empty(t, d.Identities)
	assert.NotEmpty(t, d.Locations)
	assert.NotEmpty(t, d.Descriptions)
}

func TestApplyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	d, err := Parse(`
categories = ["Debris", "Oil"]

[[identities]]
username = "admin"
password = "admin123"
superuser = true

[[identities]]
username = "vol"
password = "pw"
role = "Волонтер"
telegram_id = 42
`)
	require.NoError(t, err)

	res, err := Apply(ctx, store, d)
	require.NoError(t, err)
	assert.Equal(t, &Result{CategoriesCreated: 2, IdentitiesCreated: 2}, res)

	res, err = Apply(ctx, store, d)
	require.NoError(t, err)
	assert.Equal(t, &Result{CategoriesExisting: 2, IdentitiesExisting: 2}, res)

	cats, err := store.ListCategories(ctx)
	require.NoError(t, err)
	assert.Len(t, cats, 2)

	admin, err := store.GetIdentityByUsername(ctx, "admin")
	require.NoError(t, err)
	assert.True(t, admin.IsSuperuser)
	assert.True(t, auth.CheckPassword(admin.PasswordHash, "admin123"))

	vol, err := store.GetIdentityByHandle(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, types.RoleVolunteer, vol.Role)
}

func TestParseRejectsBadData(t *testing.T) {
	tests := map[string]string{
		"unknown key":      `categorys = ["x"]`,
		"duplicate":        `categories = ["x", "x"]`,
		"empty name":       `categories = [" "]`,
		"unknown role":     "[[identities]]\nusername = \"u\"\npassword = \"p\"\nrole = \"captain\"",
		"missing password": "[[identities]]\nusername = \"u\"",
		"bad latitude":     "[[locations]]\nname = \"x\"\nlatitude = 91.0\nlongitude = 0.0",
		"not toml":         `categories = [`,
	}
	for name, text := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(text)
			assert.Error(t, err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.toml")
	require.NoError(t, os.WriteFile(path, []byte(`categories = ["Plastic"]`), 0o600))

	d, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"Plastic"}, d.Categories)

	d, err = Load("")
	require.NoError(t, err)
	assert.Len(t, d.Categories, 5)

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

type recordingImages struct {
	puts int
}

func (r *recordingImages) Put(_ context.Context, bucket string, src io.Reader) (string, error) {
	data, err := io.ReadAll(src)
	if err != nil {
		return "", err
	}
	if !bytes.HasPrefix(data, []byte{0xFF, 0xD8}) {
		return "", io.ErrUnexpectedEOF
	}
	r.puts++
	return bucket + "/fake.jpg", nil
}

func TestFakeReports(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	d, err := Default()
	require.NoError(t, err)

	images := &recordingImages{}
	_, err = FakeReports(ctx, store, images, d, FakeOptions{Count: 3})
	assert.Error(t, err, "categories must be seeded first")

	_, err = Apply(ctx, store, d)
	require.NoError(t, err)

	reports, err := FakeReports(ctx, store, images, d, FakeOptions{
		Count:  len(d.Locations) + 2,
		Bucket: blob.BucketReports,
		Jitter: 0.05,
		Rand:   rand.New(rand.NewPCG(1, 2)),
	})
	require.NoError(t, err)
	require.Len(t, reports, len(d.Locations)+2)
	assert.Equal(t, len(reports), images.puts)

	for i, r := range reports {
		loc := d.Locations[i%len(d.Locations)]
		assert.InDelta(t, loc.Latitude, r.Latitude, 0.05)
		assert.InDelta(t, loc.Longitude, r.Longitude, 0.05)
		assert.Nil(t, r.ReportedBy)
		assert.Equal(t, i%2 == 0, r.PhoneNumber != "")
		assert.LessOrEqual(t, len(r.PhoneNumber), types.MaxPhoneLength)
	}

	n, err := store.CountReports(ctx, types.ReportFilter{})
	require.NoError(t, err)
	assert.Equal(t, len(reports), n)
}

func TestFakeReportsWithBlobStore(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	d, err := Default()
	require.NoError(t, err)
	_, err = Apply(ctx, store, d)
	require.NoError(t, err)

	images, err := blob.NewFSStore(t.TempDir(), 0)
	require.NoError(t, err)
	reports, err := FakeReports(ctx, store, images, d, FakeOptions{Count: 2, Bucket: blob.BucketReports})
	require.NoError(t, err)
	for _, r := range reports {
		assert.True(t, images.Exists(r.Image), r.Image)
	}
}
