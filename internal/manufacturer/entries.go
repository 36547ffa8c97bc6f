package manufacturer

// entries is the static company-identifier table, sorted ascending by id so
// Lookup can binary search it. A small, representative subset of the
// Bluetooth SIG assigned numbers document; sourcing the full list is out of
// scope for this package (see spec.md §1).
var entries = []struct {
	id   uint16
	name string
}{
	{0x0006, "Microsoft"},
	{0x000F, "Broadcom Corporation"},
	{0x004C, "Apple, Inc."},
	{0x0059, "Nordic Semiconductor ASA"},
	{0x006F, "Microsoft"},
	{0x0075, "Samsung Electronics Co. Ltd."},
	{0x0087, "Garmin International, Inc."},
	{0x008A, "Qualcomm Technologies, Inc."},
	{0x00D2, "Xiaomi Inc."},
	{0x00E0, "Google"},
	{0x0157, "Anhui Huami Information Technology Co., Ltd."},
	{0x0171, "Amazon.com Services, Inc."},
	{0x02E1, "Nintendo Co., Ltd."},
	{0x0499, "Ruuvi Innovations Ltd."},
	{0xFFFE, "BLIMCo (test/internal use)"},
}

func init() {
	// entries must stay sorted ascending by id for sort.Search in Lookup.
	for i := 1; i < len(entries); i++ {
		if entries[i-1].id > entries[i].id {
			panic("manufacturer: entries table is not sorted")
		}
	}
}
