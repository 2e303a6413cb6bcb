package processing

import (
	"context"
	"fmt"
	"strings"

	"github.com/citra-space/citrascope/internal/fitsio"
)

// HeaderCheck verifies that the capture carries the FITS keywords the
// downstream catalog needs. Found keywords are extracted; a missing one
// is reported fail-open so the raw capture still reaches the server.
type HeaderCheck struct {
	required []string
}

// NewHeaderCheck requires the given keywords, DATE-OBS and EXPTIME when
// none are configured.
func NewHeaderCheck(required []string) *HeaderCheck {
	if len(required) == 0 {
		required = []string{"DATE-OBS", "EXPTIME"}
	}
	return &HeaderCheck{required: required}
}

func (h *HeaderCheck) Name() string { return "headercheck" }

func (h *HeaderCheck) Process(_ context.Context, pctx *Context) (Result, error) {
	header, _, err := fitsio.ReadHeader(pctx.WorkingPath)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read FITS header: %w", err)
	}

	extracted := make(map[string]any, len(h.required))
	var missing []string
	for _, key := range h.required {
		if value, ok := header.GetString(key); ok {
			extracted[strings.ToLower(key)] = value
		} else {
			missing = append(missing, key)
		}
	}

	if len(missing) > 0 {
		return Result{
			ShouldUpload: true,
			Extracted:    extracted,
			Confidence:   0,
			Reason:       "missing header keywords: " + strings.Join(missing, ", "),
		}, nil
	}
	return Result{ShouldUpload: true, Extracted: extracted, Confidence: 1}, nil
}

var _ Processor = (*HeaderCheck)(nil)
