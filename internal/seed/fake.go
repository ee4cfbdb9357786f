package seed

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"io"
	"math/rand/v2"

	"github.com/caspianwatch/caspianwatch/internal/types"
)

// ImageStore is where placeholder photos of generated reports are written.
type ImageStore interface {
	Put(ctx context.Context, bucket string, r io.Reader) (string, error)
}

// ReportStore is the subset of storage.Storage FakeReports needs.
type ReportStore interface {
	ListCategories(ctx context.Context) ([]*types.Category, error)
	CreateReport(ctx context.Context, report *types.Report) error
}

// FakeOptions controls FakeReports.
type FakeOptions struct {
	Count      int
	Bucket     string
	ReportedBy *int64     // nil creates anonymous reports
	Jitter     float64    // Degrees of random offset applied to each location
	Rand       *rand.Rand // nil uses a randomly seeded source
}

// FakeReports creates opts.Count demo reports spread over the seed
// locations, each with a generated placeholder photo. Categories must
// already exist.
func FakeReports(ctx context.Context, store ReportStore, images ImageStore, d *Data, opts FakeOptions) ([]*types.Report, error) {
	if opts.Count <= 0 {
		return nil, nil
	}
	if len(d.Locations) == 0 || len(d.Descriptions) == 0 {
		return nil, fmt.Errorf("seed data has no locations or descriptions")
	}
	cats, err := store.ListCategories(ctx)
	if err != nil {
		return nil, err
	}
	if len(cats) == 0 {
		return nil, fmt.Errorf("no pollution types found; run `cw seed` first")
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	photo, err := placeholderJPEG()
	if err != nil {
		return nil, err
	}

	out := make([]*types.Report, 0, opts.Count)
	for i := 0; i < opts.Count; i++ {
		loc := d.Locations[i%len(d.Locations)]
		handle, err := images.Put(ctx, opts.Bucket, bytes.NewReader(photo))
		if err != nil {
			return out, fmt.Errorf("store placeholder image: %w", err)
		}
		r := &types.Report{
			Latitude:    clamp(loc.Latitude+jitter(rng, opts.Jitter), -90, 90),
			Longitude:   clamp(loc.Longitude+jitter(rng, opts.Jitter), -180, 180),
			Description: d.Descriptions[rng.IntN(len(d.Descriptions))],
			CategoryID:  cats[rng.IntN(len(cats))].ID,
			ReportedBy:  opts.ReportedBy,
			Image:       handle,
		}
		if i%2 == 0 {
			r.PhoneNumber = fmt.Sprintf("+7%d", 7000000000+rng.Int64N(1000000000))
		}
		if err := store.CreateReport(ctx, r); err != nil {
			return out, fmt.Errorf("create report at %s: %w", loc.Name, err)
		}
		out = append(out, r)
	}
	return out, nil
}

func jitter(rng *rand.Rand, deg float64) float64 {
	if deg <= 0 {
		return 0
	}
	return (rng.Float64()*2 - 1) * deg
}

func clamp(v, lo, hi float64) float64 {
	return min(max(v, lo), hi)
}

// placeholderJPEG renders a small steel-blue image.
func placeholderJPEG() ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, 80, 60))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.RGBA{R: 70, G: 130, B: 180, A: 255}}, image.Point{}, draw.Src)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		return nil, fmt.Errorf("encode placeholder image: %w", err)
	}
	return buf.Bytes(), nil
}
