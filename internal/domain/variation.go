package domain

// VariationSpec describes one derivative a processor produces for an asset
// subtype. Specs are static and loaded at startup.
type VariationSpec struct {
	Name     string
	Width    int
	Height   int
	Bitrate  int
	MimeType string
}

// QueueKey identifies one (asset, variation) pair. It names the broker
// counter, the broker channel and the job correlation id.
type QueueKey string

// NewQueueKey builds the key for the original (empty variation) or a
// derivative.
func NewQueueKey(assetID, variation string) QueueKey {
	if variation == "" {
		return QueueKey(assetID)
	}
	return QueueKey(assetID + ":" + variation)
}

// VariationName returns the variation name, or empty for the original
func VariationName(v *VariationSpec) string {
	if v == nil {
		return ""
	}
	return v.Name
}
