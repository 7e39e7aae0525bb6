package models

// DeviceLists is the MSC3202 device list delta attached to a transaction.
type DeviceLists struct {
	Changed []string `json:"changed,omitempty"`
	Removed []string `json:"removed,omitempty"`
}

// OTKCounts maps user id -> device id -> algorithm -> remaining one-time
// key count (MSC3202).
type OTKCounts map[string]map[string]map[string]int

// FallbackKeys maps user id -> device id -> unused fallback key algorithms
// (MSC3202).
type FallbackKeys map[string]map[string][]string

// Transaction is the body of a homeserver PUT /transactions/{txnId} push.
// Only Events is mandatory; the remaining sections are MSC extensions.
type Transaction struct {
	Events       []*Event     `json:"events"`
	Ephemeral    []*Event     `json:"de.sorunome.msc2409.ephemeral,omitempty"`
	DeviceLists  *DeviceLists `json:"org.matrix.msc3202.device_lists,omitempty"`
	OTKCounts    OTKCounts    `json:"org.matrix.msc3202.device_one_time_keys_count,omitempty"`
	FallbackKeys FallbackKeys `json:"org.matrix.msc3202.device_unused_fallback_key_types,omitempty"`
}
