package chipdb

import (
	"fmt"
	"sync"
)

// SprdChip describes one Spreadtrum/Unisoc chipset entry, including the
// FDL1/FDL2 load addresses the FDL controller needs to stage a download.
type SprdChip struct {
	ChipID          uint16
	Name            string
	Architecture    string
	FDL1LoadAddr    uint32
	FDL2LoadAddr    uint32
	SRAMSize        uint32
	SupportsExploit bool
}

// Valid reports whether this record names a real chip rather than the
// zero-value "unknown" placeholder.
func (c SprdChip) Valid() bool { return c.ChipID != 0 }

var (
	sprdOnce sync.Once
	sprdDB   map[uint16]SprdChip
)

func initSprdDB() {
	sprdDB = map[uint16]SprdChip{
		0x7715: {0x7715, "SC7715", "Cortex-A7", 0x00003000, 0x80008000, 0x10000, false},
		0x7727: {0x7727, "SC7727", "Cortex-A7", 0x00003000, 0x80008000, 0x10000, false},
		0x7730: {0x7730, "SC7730", "Cortex-A7", 0x00003000, 0x80008000, 0x10000, false},
		0x7731: {0x7731, "SC7731", "Cortex-A7", 0x00003000, 0x80008000, 0x10000, true},
		0x9830: {0x9830, "SC9830", "Cortex-A7", 0x50003000, 0x80008000, 0x20000, false},
		0x9832: {0x9832, "SC9832", "Cortex-A53", 0x50003000, 0x80008000, 0x20000, true},
		0x9850: {0x9850, "SC9850", "Cortex-A53", 0x50003000, 0x80008000, 0x40000, true},
		0x9853: {0x9853, "SC9853I", "Intel x86", 0x50003000, 0x80008000, 0x40000, false},
		0x9860: {0x9860, "SC9860", "Cortex-A53", 0x50003000, 0x80008000, 0x40000, false},
		0x9863: {0x9863, "SC9863A", "Cortex-A55", 0x00005000, 0x80008000, 0x40000, true},
		0x2721: {0x2721, "UMS512", "Cortex-A75+A55", 0x00005000, 0x80008000, 0x40000, false},
		0x2722: {0x2722, "UMS9230", "Cortex-A75+A55", 0x00005000, 0x80008000, 0x40000, false},
		0x2723: {0x2723, "UMS9620", "Cortex-A75+A55", 0x00005000, 0x80008000, 0x40000, false},
		0x2730: {0x2730, "UMS9120", "Cortex-A76+A55", 0x00005000, 0x80008000, 0x40000, false},
		0x2731: {0x2731, "UMS9230-T760", "Cortex-A76+A55", 0x00005000, 0x80008000, 0x40000, false},
		0x2740: {0x2740, "UMS9520", "Cortex-A78+A55", 0x00005000, 0x80008000, 0x40000, false},
	}
}

// LookupSprd looks up a Spreadtrum chip by its chip ID. Unknown IDs
// return a zero-load-address record whose ChipID is 0 and whose Name
// carries the original key as "Unknown (0xNNNN)"; callers check Valid()
// before using the load addresses.
func LookupSprd(chipID uint16) SprdChip {
	sprdOnce.Do(initSprdDB)
	if chip, ok := sprdDB[chipID]; ok {
		return chip
	}
	return SprdChip{ChipID: 0, Name: fmt.Sprintf("Unknown (0x%04X)", chipID)}
}

// IsKnownSprd reports whether chipID has a database entry.
func IsKnownSprd(chipID uint16) bool {
	sprdOnce.Do(initSprdDB)
	_, ok := sprdDB[chipID]
	return ok
}

// AllSprdChips returns every entry in the database.
func AllSprdChips() []SprdChip {
	sprdOnce.Do(initSprdDB)
	chips := make([]SprdChip, 0, len(sprdDB))
	for _, chip := range sprdDB {
		chips = append(chips, chip)
	}
	return chips
}
