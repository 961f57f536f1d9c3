package firmware

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/nerrad567/probe-ota-core/internal/probe"
)

// Repository persists catalog entries.
type Repository interface {
	Create(ctx context.Context, img *Image) error
	Get(ctx context.Context, id string) (*Image, error)
	List(ctx context.Context) ([]Image, error)
	ListByProductType(ctx context.Context, pt probe.ProductType) ([]Image, error)
	Latest(ctx context.Context, pt probe.ProductType) (*Image, error)
}

// timeFormat keeps created_at sortable as text at sub-second resolution.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

const selectColumns = `SELECT id, product_type, version, path, sha256, size_bytes, created_at
	FROM firmware_images`

// SQLiteRepository implements Repository using the firmware_images table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository over an open database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create inserts img. A second image with the same product type and version
// returns ErrDuplicateImage.
func (r *SQLiteRepository) Create(ctx context.Context, img *Image) error {
	const query = `INSERT INTO firmware_images
		(id, product_type, version, path, sha256, size_bytes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query,
		img.ID, string(img.ProductType), img.Version, img.Path, img.SHA256, img.SizeBytes,
		img.CreatedAt.UTC().Format(timeFormat))
	if err != nil {
		var sqlErr sqlite3.Error
		if errors.As(err, &sqlErr) && sqlErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return fmt.Errorf("%w: %s %s", ErrDuplicateImage, img.ProductType, img.Version)
		}
		return fmt.Errorf("inserting image %s: %w", img.ID, err)
	}
	return nil
}

// Get returns one image by ID.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Image, error) {
	return scanImage(r.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
}

// List returns every image, newest first.
func (r *SQLiteRepository) List(ctx context.Context) ([]Image, error) {
	return r.query(ctx, selectColumns+` ORDER BY created_at DESC, rowid DESC`)
}

// ListByProductType returns the images for one product type, newest first.
func (r *SQLiteRepository) ListByProductType(ctx context.Context, pt probe.ProductType) ([]Image, error) {
	return r.query(ctx, selectColumns+` WHERE product_type = ? ORDER BY created_at DESC, rowid DESC`, string(pt))
}

// Latest returns the most recently added image for pt.
func (r *SQLiteRepository) Latest(ctx context.Context, pt probe.ProductType) (*Image, error) {
	const where = ` WHERE product_type = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`
	return scanImage(r.db.QueryRowContext(ctx, selectColumns+where, string(pt)))
}

func (r *SQLiteRepository) query(ctx context.Context, query string, args ...any) ([]Image, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying images: %w", err)
	}
	defer rows.Close()

	var images []Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		images = append(images, *img)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating images: %w", err)
	}
	return images, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanImage(row scanner) (*Image, error) {
	var (
		img       Image
		pt        string
		createdAt string
	)
	err := row.Scan(&img.ID, &pt, &img.Version, &img.Path, &img.SHA256, &img.SizeBytes, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrImageNotFound
		}
		return nil, fmt.Errorf("scanning image: %w", err)
	}
	img.ProductType = probe.ProductType(pt)
	img.CreatedAt, _ = time.Parse(timeFormat, createdAt) //nolint:errcheck // written by Create
	return &img, nil
}
