package imageresolver

import (
	"strings"

	"github.com/catalogkit/assetview/internal/errors"
)

// Variant is a named image size category
type Variant string

const (
	VariantMinithumb  Variant = "minithumb"
	VariantMobile     Variant = "mobile"
	VariantTablet     Variant = "tablet"
	VariantDesktop    Variant = "desktop"
	VariantResponsive Variant = "responsive"
)

// Variants lists every accepted variant
var Variants = []Variant{VariantMinithumb, VariantMobile, VariantTablet, VariantDesktop, VariantResponsive}

// ParseVariant validates a variant name. Matching ignores case and surrounding space.
func ParseVariant(s string) (Variant, error) {
	v := Variant(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Variants {
		if v == known {
			return v, nil
		}
	}
	return "", errors.Newf("unknown image variant %q", s).
		Component("imageresolver").
		Category(errors.CategoryValidation).
		Context("variant", s).
		Build()
}

// IsDeviceClass reports whether v names a concrete device size
func (v Variant) IsDeviceClass() bool {
	return v == VariantMobile || v == VariantTablet || v == VariantDesktop
}

// Thumbnails holds size specific URLs attached to a product
type Thumbnails struct {
	Minithumb string `json:"minithumb,omitempty" yaml:"minithumb,omitempty"`
	Mobile    string `json:"mobile,omitempty" yaml:"mobile,omitempty"`
	Tablet    string `json:"tablet,omitempty" yaml:"tablet,omitempty"`
	Desktop   string `json:"desktop,omitempty" yaml:"desktop,omitempty"`
}

// Get returns the URL for a concrete variant, or "" when absent
func (t Thumbnails) Get(v Variant) string {
	switch v {
	case VariantMinithumb:
		return strings.TrimSpace(t.Minithumb)
	case VariantMobile:
		return strings.TrimSpace(t.Mobile)
	case VariantTablet:
		return strings.TrimSpace(t.Tablet)
	case VariantDesktop:
		return strings.TrimSpace(t.Desktop)
	default:
		return ""
	}
}

// IsZero reports whether no thumbnail URL is set
func (t Thumbnails) IsZero() bool {
	return t == Thumbnails{}
}

// Phase is how far the external pipeline has progressed generating variants
type Phase string

const (
	PhaseNotReady          Phase = "not_ready"
	PhaseProcessing        Phase = "processing"
	PhaseThumbnailsReady   Phase = "thumbnails_ready"
	PhaseThumbnailsSkipped Phase = "thumbnails_skipped"
)

// Valid reports whether p is a known phase
func (p Phase) Valid() bool {
	switch p {
	case PhaseNotReady, PhaseProcessing, PhaseThumbnailsReady, PhaseThumbnailsSkipped:
		return true
	}
	return false
}

// Done reports whether the pipeline has finished with the product
func (p Phase) Done() bool {
	return p == PhaseThumbnailsReady || p == PhaseThumbnailsSkipped
}

// Product describes the images available for one catalog product.
// It is owned by the caller; the engine only caches a refreshed phase.
type Product struct {
	ID                string     `json:"id" yaml:"id"`
	PrimaryURL        string     `json:"image_primary,omitempty" yaml:"image_primary,omitempty"`
	Thumbnails        Thumbnails `json:"thumbnails" yaml:"thumbnails"`
	ThumbnailURL      string     `json:"thumbnail_url,omitempty" yaml:"thumbnail_url,omitempty"`
	StaticFallbackURL string     `json:"static_fallback_url,omitempty" yaml:"static_fallback_url,omitempty"`
	Phase             Phase      `json:"regeneration_phase,omitempty" yaml:"regeneration_phase,omitempty"`
}

// PhaseData is what the phase query collaborator reports for a product
type PhaseData struct {
	ThumbnailURL string     `json:"thumbnail_url,omitempty"`
	Thumbnails   Thumbnails `json:"thumbnails"`
}

// IsZero reports whether the data carries no URL
func (d PhaseData) IsZero() bool {
	return strings.TrimSpace(d.ThumbnailURL) == "" && d.Thumbnails.IsZero()
}

// Snapshot is the current answer of a phase query
type Snapshot struct {
	Data    *PhaseData
	Loading bool
}

// PhaseQuerier returns phase data for a product in a given phase. Lookup must
// not block; a query in progress reports Loading.
type PhaseQuerier interface {
	Lookup(productID string, phase Phase) Snapshot
}

// Source names the chain stage a candidate came from
type Source string

const (
	SourcePhaseData    Source = "phase_data"
	SourceThumbnail    Source = "thumbnail"
	SourceConstructed  Source = "constructed"
	SourceThumbnailURL Source = "thumbnail_url"
	SourcePrimary      Source = "primary"
	SourceStatic       Source = "static_fallback"
	SourcePlaceholder  Source = "placeholder"
)

// Candidate is a resolved URL and where it came from
type Candidate struct {
	URL    string `json:"url"`
	Source Source `json:"source"`
}

// IsPlaceholder reports whether the chain fell through to the placeholder
func (c Candidate) IsPlaceholder() bool {
	return c.Source == SourcePlaceholder
}
