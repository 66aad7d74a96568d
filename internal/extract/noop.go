// Package extract holds extraction collaborator implementations. The engine
// treats extraction as opaque: anything satisfying harvest.Extractor plugs in.
package extract

import (
	"context"

	"github.com/bizscout/harvester/internal/harvest"
)

// Noop is an extractor that finds nothing. It keeps the engine runnable in
// deployments where the site-specific extractor ships separately.
type Noop struct{}

// Extract implements harvest.Extractor.
func (Noop) Extract(_ context.Context, _ string, pageURL string) (harvest.ExtractResult, error) {
	return harvest.ExtractResult{CurrentPage: 1, TotalPages: 1}, nil
}
