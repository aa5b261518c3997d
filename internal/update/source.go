package update

import (
	"context"
	"io"
	"net/http"
	"os"
	"strings"

	mendererrors "github.com/mendersoftware/mender-sub010/internal/errors"
	"github.com/mendersoftware/mender-sub010/internal/updatemodule"
)

// ArtifactSource opens a readable stream for an install() source argument,
// handling the http(s) vs local-file branching of spec.md §4.5.
type ArtifactSource interface {
	Open(ctx context.Context, uriOrPath string) (io.ReadCloser, error)
}

// HeaderParser extracts a streaming header view (payload type, provides,
// clears-provides, name, group) from an artifact stream. The artifact's
// internal tar/checksum/signature format is a Non-goal (spec.md §1); this
// engine only ever consumes whatever Header the parser hands back.
type HeaderParser func(r io.Reader) (updatemodule.Header, error)

// httpOrFileSource is the default ArtifactSource: an http(s):// prefix
// dispatches to an HTTP GET requiring a 200 response; anything else is
// opened as a local file path.
type httpOrFileSource struct {
	httpClient *http.Client
}

// NewArtifactSource builds the default ArtifactSource. A nil httpClient
// falls back to http.DefaultClient.
func NewArtifactSource(httpClient *http.Client) ArtifactSource {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &httpOrFileSource{httpClient: httpClient}
}

func (s *httpOrFileSource) Open(ctx context.Context, uriOrPath string) (io.ReadCloser, error) {
	if strings.HasPrefix(uriOrPath, "http://") || strings.HasPrefix(uriOrPath, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, uriOrPath, nil)
		if err != nil {
			return nil, mendererrors.Wrap(mendererrors.KindRequest, err, "building artifact fetch request")
		}
		resp, err := s.httpClient.Do(req)
		if err != nil {
			return nil, mendererrors.Wrap(mendererrors.KindRequest, err, "fetching artifact "+uriOrPath)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, mendererrors.Newf(mendererrors.KindUnexpectedHTTPResponse, "fetching artifact %s: unexpected status %d", uriOrPath, resp.StatusCode)
		}
		return resp.Body, nil
	}

	f, err := os.Open(uriOrPath)
	if err != nil {
		return nil, mendererrors.Wrap(mendererrors.KindRequest, err, "opening local artifact "+uriOrPath)
	}
	return f, nil
}
