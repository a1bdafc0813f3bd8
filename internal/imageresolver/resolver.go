package imageresolver

import (
	"regexp"
	"strings"
)

// DefaultPlaceholderURL is served when no candidate URL exists
const DefaultPlaceholderURL = "/placeholder-product.jpg"

// sizeSuffix matches the size token the pipeline appends to generated files,
// e.g. "_desktop_320x260.jpg"
var sizeSuffix = regexp.MustCompile(`_(desktop|tablet|mobile|minithumb)_\d+x\d+(\.[A-Za-z0-9]+)$`)

var sizeTokens = map[Variant]string{
	VariantMinithumb: "_minithumb_40x40",
	VariantMobile:    "_mobile_190x153",
	VariantTablet:    "_tablet_300x230",
	VariantDesktop:   "_desktop_320x260",
}

// ConstructVariantURL derives the URL of another generated size from a
// generated thumbnail URL. It returns "" when thumbnailURL carries no size token.
func ConstructVariantURL(thumbnailURL string, v Variant) string {
	token, ok := sizeTokens[v]
	if !ok || !sizeSuffix.MatchString(thumbnailURL) {
		return ""
	}
	return sizeSuffix.ReplaceAllString(thumbnailURL, token+"${2}")
}

// Resolver walks the candidate priority chain. It holds no per-slot state.
type Resolver struct {
	placeholder string
	deviceClass Variant
	phases      PhaseQuerier
}

// NewResolver creates a Resolver. A nil querier disables the phase stage.
func NewResolver(placeholder string, deviceClass Variant, phases PhaseQuerier) *Resolver {
	if strings.TrimSpace(placeholder) == "" {
		placeholder = DefaultPlaceholderURL
	}
	if !deviceClass.IsDeviceClass() {
		deviceClass = VariantDesktop
	}
	return &Resolver{placeholder: placeholder, deviceClass: deviceClass, phases: phases}
}

// Placeholder returns the placeholder URL
func (r *Resolver) Placeholder() string { return r.placeholder }

// Resolve returns the best candidate for product p at variant v
func (r *Resolver) Resolve(p Product, v Variant) Candidate {
	size := v
	if size == VariantResponsive || size == "" {
		size = r.deviceClass
	}

	if r.phases != nil && p.Phase == PhaseThumbnailsReady && p.ID != "" {
		if snap := r.phases.Lookup(p.ID, p.Phase); snap.Data != nil {
			if url := pickSized(snap.Data.Thumbnails, snap.Data.ThumbnailURL, size); url != "" {
				return Candidate{URL: url, Source: SourcePhaseData}
			}
		}
	}

	if url := p.Thumbnails.Get(size); url != "" {
		return Candidate{URL: url, Source: SourceThumbnail}
	}
	thumb := strings.TrimSpace(p.ThumbnailURL)
	if url := ConstructVariantURL(thumb, size); url != "" {
		return Candidate{URL: url, Source: SourceConstructed}
	}
	if thumb != "" {
		return Candidate{URL: thumb, Source: SourceThumbnailURL}
	}
	if primary := strings.TrimSpace(p.PrimaryURL); primary != "" {
		return Candidate{URL: primary, Source: SourcePrimary}
	}
	return Candidate{URL: r.placeholder, Source: SourcePlaceholder}
}

func pickSized(t Thumbnails, thumbnailURL string, size Variant) string {
	if url := t.Get(size); url != "" {
		return url
	}
	thumbnailURL = strings.TrimSpace(thumbnailURL)
	if url := ConstructVariantURL(thumbnailURL, size); url != "" {
		return url
	}
	return thumbnailURL
}
