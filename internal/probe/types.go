package probe

import (
	"strings"
	"time"
)

// ID is the stable address of one peripheral.
type ID string

// String returns the address as a string.
func (id ID) String() string { return string(id) }

// ProductType identifies the hardware family a peripheral belongs to.
// The bootloader of a device can advertise a different product type than
// its application firmware.
type ProductType string

// Known product types.
const (
	ProductUnknown     ProductType = "unknown"
	ProductProbe       ProductType = "probe"
	ProductDisplay     ProductType = "display"
	ProductRepeater    ProductType = "repeater"
	ProductGauge       ProductType = "gauge"
	ProductThermometer ProductType = "thermometer"
)

// AllProductTypes returns every recognised product type except ProductUnknown.
func AllProductTypes() []ProductType {
	return []ProductType{
		ProductProbe,
		ProductDisplay,
		ProductRepeater,
		ProductGauge,
		ProductThermometer,
	}
}

// ParseProductType maps a wire value to a ProductType.
// Unrecognised values yield ProductUnknown.
func ParseProductType(s string) ProductType {
	v := ProductType(strings.ToLower(strings.TrimSpace(s)))
	for _, pt := range AllProductTypes() {
		if v == pt {
			return pt
		}
	}
	return ProductUnknown
}

// Known reports whether pt is a recognised product type.
func (pt ProductType) Known() bool {
	return pt != "" && pt != ProductUnknown
}

// Advertisement is one broadcast observed from a nearby peripheral.
type Advertisement struct {
	ID          ID          `json:"id"`
	RSSI        int         `json:"rssi"`
	ProductType ProductType `json:"product_type"`
	SeenAt      time.Time   `json:"seen_at"`
}
