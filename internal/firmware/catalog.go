package firmware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/probe-ota-core/internal/dfu"
	"github.com/nerrad567/probe-ota-core/internal/probe"
)

// Logger is the logging surface the catalog needs.
type Logger interface {
	Info(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any) {}

// Catalog validates and resolves firmware images.
type Catalog struct {
	repo   Repository
	logger Logger
	now    func() time.Time
}

// NewCatalog creates a catalog over repo.
func NewCatalog(repo Repository) *Catalog {
	return &Catalog{repo: repo, logger: noopLogger{}, now: time.Now}
}

// SetLogger sets the logger for catalog changes.
func (c *Catalog) SetLogger(l Logger) {
	if l == nil {
		l = noopLogger{}
	}
	c.logger = l
}

// Add registers the file at path as version of productType. The path is
// stored in absolute form together with the file's size and SHA-256.
func (c *Catalog) Add(ctx context.Context, path string, productType probe.ProductType, version string) (*Image, error) {
	pt := probe.ParseProductType(string(productType))
	if !pt.Known() {
		return nil, fmt.Errorf("%w: unknown product type %q", ErrInvalidImage, productType)
	}
	version = strings.TrimSpace(version)
	if version == "" {
		return nil, fmt.Errorf("%w: version is required", ErrInvalidImage)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidImage, err)
	}
	sum, size, err := hashFile(abs)
	if err != nil {
		return nil, err
	}

	img := &Image{
		ID:          uuid.NewString(),
		ProductType: pt,
		Version:     version,
		Path:        abs,
		SHA256:      sum,
		SizeBytes:   size,
		CreatedAt:   c.now().UTC(),
	}
	if err := c.repo.Create(ctx, img); err != nil {
		return nil, err
	}

	c.logger.Info("firmware image added",
		"image_id", img.ID,
		"product_type", string(img.ProductType),
		"version", img.Version,
		"size_bytes", img.SizeBytes,
	)
	return img, nil
}

// Resolve returns the newest image for productType.
func (c *Catalog) Resolve(ctx context.Context, productType probe.ProductType) (*Image, error) {
	img, err := c.repo.Latest(ctx, productType)
	if err != nil {
		return nil, fmt.Errorf("resolving image for %s: %w", productType, err)
	}
	return img, nil
}

// GetByID returns one image.
func (c *Catalog) GetByID(ctx context.Context, id string) (*Image, error) {
	return c.repo.Get(ctx, id)
}

// List returns images newest first. An empty productType lists all.
func (c *Catalog) List(ctx context.Context, productType probe.ProductType) ([]Image, error) {
	if productType == "" {
		return c.repo.List(ctx)
	}
	return c.repo.ListByProductType(ctx, productType)
}

// ResolveImage implements the orchestrator's image resolver.
func (c *Catalog) ResolveImage(ctx context.Context, productType probe.ProductType) (dfu.Image, error) {
	img, err := c.Resolve(ctx, productType)
	if err != nil {
		return dfu.Image{}, err
	}
	return img.DFU(), nil
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path) //nolint:gosec // operator-supplied image path
	if err != nil {
		return "", 0, fmt.Errorf("%w: %w", ErrInvalidImage, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", 0, fmt.Errorf("%w: %w", ErrInvalidImage, err)
	}
	if !info.Mode().IsRegular() {
		return "", 0, fmt.Errorf("%w: %s is not a regular file", ErrInvalidImage, path)
	}

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hashing %s: %w", path, err)
	}
	if n == 0 {
		return "", 0, fmt.Errorf("%w: %s is empty", ErrInvalidImage, path)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
