package firmware

import (
	"time"

	"github.com/nerrad567/probe-ota-core/internal/dfu"
	"github.com/nerrad567/probe-ota-core/internal/probe"
)

// Image is a catalogued firmware file.
type Image struct {
	ID          string            `json:"id"`
	ProductType probe.ProductType `json:"product_type"`
	Version     string            `json:"version"`
	Path        string            `json:"path"`
	SHA256      string            `json:"sha256"`
	SizeBytes   int64             `json:"size_bytes"`
	CreatedAt   time.Time         `json:"created_at"`
}

// DFU converts the catalog entry into the transfer engine's image.
func (i Image) DFU() dfu.Image {
	return dfu.Image{
		ID:          i.ID,
		ProductType: i.ProductType,
		Version:     i.Version,
		Path:        i.Path,
		SHA256:      i.SHA256,
		Size:        i.SizeBytes,
	}
}
