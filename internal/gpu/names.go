package gpu

import (
	"strings"
	"sync"

	"github.com/jaypipes/pcidb"
)

var (
	pciOnce sync.Once
	pciDB   *pcidb.PCIDB
	pciErr  error
)

// NameResolver maps PCI identifiers to a marketing name. It returns an empty
// string when nothing is known.
type NameResolver func(vendorID, deviceID, subVendorID, subDeviceID string) string

// LookupName resolves names from the system pci.ids database.
func LookupName(vendorID, deviceID, subVendorID, subDeviceID string) string {
	vendorID = normalizePCIID(vendorID)
	deviceID = normalizePCIID(deviceID)
	if vendorID == "" || deviceID == "" {
		return ""
	}

	db := loadPCIDatabase()
	if db == nil {
		return ""
	}

	product, ok := db.Products[vendorID+deviceID]
	if !ok || product == nil {
		return ""
	}

	subVendorID = normalizePCIID(subVendorID)
	subDeviceID = normalizePCIID(subDeviceID)
	if subVendorID != "" && subDeviceID != "" {
		for _, subsystem := range product.Subsystems {
			if subsystem == nil {
				continue
			}
			if strings.EqualFold(subsystem.VendorID, subVendorID) && strings.EqualFold(subsystem.ID, subDeviceID) {
				if subsystem.Name != "" {
					return subsystem.Name
				}
			}
		}
	}

	return product.Name
}

func loadPCIDatabase() *pcidb.PCIDB {
	pciOnce.Do(func() {
		pciDB, pciErr = pcidb.New()
	})
	if pciErr != nil || pciDB == nil {
		return nil
	}
	return pciDB
}

// resolveName fills in the device name from its PCI ids when the tool
// reported a generic one.
func resolveName(d *Device, lookup NameResolver) {
	if lookup == nil || !isGenericName(d.Name) {
		return
	}
	vendorID, deviceID := splitPCIIdentifier(d.PCIe.DeviceID)
	subVendorID, subDeviceID := splitPCIIdentifier(d.PCIe.SubsystemID)
	if resolved := lookup(vendorID, deviceID, subVendorID, subDeviceID); resolved != "" {
		d.Name = resolved
	}
}

func normalizePCIID(raw string) string {
	if raw == "" {
		return ""
	}
	value := strings.TrimSpace(raw)
	value = strings.TrimPrefix(value, "0x")
	value = strings.TrimPrefix(value, "0X")
	if value == "" {
		return ""
	}
	value = strings.ToLower(value)
	if len(value) < 4 {
		value = strings.Repeat("0", 4-len(value)) + value
	}
	return value
}

// splitPCIIdentifier splits a combined id such as 0x220410DE, where the
// upper half is the device and the lower half the vendor.
func splitPCIIdentifier(combined string) (vendorID string, deviceID string) {
	value := strings.TrimSpace(combined)
	value = strings.TrimPrefix(value, "0x")
	value = strings.TrimPrefix(value, "0X")
	if value == "" || len(value) > 8 {
		return "", ""
	}
	value = strings.ToLower(strings.Repeat("0", 8-len(value)) + value)
	return value[4:], value[:4]
}

func isGenericName(current string) bool {
	lower := strings.ToLower(strings.TrimSpace(current))
	switch lower {
	case "", "unknown", "nvidia", "graphics device", "nvidia graphics device":
		return true
	}
	if strings.HasPrefix(lower, "pci device") {
		return true
	}
	if strings.HasPrefix(lower, "0x") {
		return true
	}
	return false
}
