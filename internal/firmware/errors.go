package firmware

import "errors"

var (
	// ErrImageNotFound is returned when no image matches the lookup.
	ErrImageNotFound = errors.New("firmware: image not found")

	// ErrInvalidImage is returned when an image fails validation on Add.
	ErrInvalidImage = errors.New("firmware: invalid image")

	// ErrDuplicateImage is returned when the product type already has an
	// image with the same version.
	ErrDuplicateImage = errors.New("firmware: image version already registered")
)
