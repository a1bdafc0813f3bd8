package phasecache

import (
	"context"
	"net/url"
	"strings"

	"github.com/catalogkit/assetview/internal/errors"
	"github.com/catalogkit/assetview/internal/httpclient"
	"github.com/catalogkit/assetview/internal/imageresolver"
)

// HTTPSource queries the regeneration pipeline's phase endpoint,
// GET {BaseURL}/products/{id}/phase, which answers with PhaseData JSON.
type HTTPSource struct {
	Client  *httpclient.Client
	BaseURL string
}

// NewHTTPSource creates an HTTPSource for baseURL
func NewHTTPSource(client *httpclient.Client, baseURL string) (*HTTPSource, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.Newf("invalid phase source url %q", baseURL).
			Component("phasecache").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if client == nil {
		client = httpclient.New(nil)
	}
	return &HTTPSource{Client: client, BaseURL: strings.TrimRight(baseURL, "/")}, nil
}

// FetchPhase implements Source. A product unknown to the pipeline yields
// empty data rather than an error.
func (s *HTTPSource) FetchPhase(ctx context.Context, productID string) (imageresolver.PhaseData, error) {
	var data imageresolver.PhaseData
	endpoint := s.BaseURL + "/products/" + url.PathEscape(productID) + "/phase"

	if err := s.Client.GetJSON(ctx, endpoint, &data); err != nil {
		if errors.IsNotFound(err) {
			return imageresolver.PhaseData{}, nil
		}
		return data, err
	}
	return data, nil
}
