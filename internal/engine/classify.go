package engine

// Quality is the judgment recorded for one crawled position based on how
// many images it yielded.
type Quality string

// Position qualities.
const (
	QualityOK      Quality = "ok"
	QualityPartial Quality = "partial"
	QualityBroken  Quality = "broken"
	// QualityBlocked marks a broken position confirmed to be an anti-bot
	// interstitial rather than a bad page.
	QualityBlocked Quality = "blocked"
)

// Classify judges a position by image count against the profile thresholds.
// Counts below partialMin are broken, counts below okMin are partial, the
// rest are ok.
func Classify(images, partialMin, okMin int) Quality {
	if partialMin > okMin {
		partialMin = okMin
	}
	switch {
	case images < partialMin:
		return QualityBroken
	case images < okMin:
		return QualityPartial
	default:
		return QualityOK
	}
}
