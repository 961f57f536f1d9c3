// Package firmware keeps the catalog of firmware images available for
// flashing, one or more per product type.
//
// Images are registered with Catalog.Add, which hashes the file and records
// it in SQLite. The retry path and the API resolve "the image for this
// product type" through Catalog.Resolve, which returns the most recently
// added image.
//
// The catalog stores images only. Which device was updated to what is not
// persisted.
package firmware
