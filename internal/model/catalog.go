package model

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/semfold/semfold/internal/config"
	"github.com/semfold/semfold/internal/errors"
)

// Catalog resolves model identifiers to load specifications.
// Weights live under <dataDir>/models/<id>.weights.
type Catalog struct {
	specs map[string]Spec
}

// NewCatalog builds a catalog from configured model entries.
func NewCatalog(dataDir string, models []config.ModelConfig) (*Catalog, error) {
	specs := make(map[string]Spec, len(models))
	for _, m := range models {
		spec := Spec{
			ID:         m.ID,
			Backend:    BackendKind(m.Backend),
			Dimension:  m.Dimension,
			WeightsURL: m.WeightsURL,
			Endpoint:   m.Endpoint,
		}
		// remote-http models have no local weights; everything else keeps a
		// weights file when a download source is configured.
		if spec.Backend != BackendRemoteHTTP && m.WeightsURL != "" {
			spec.WeightsPath = filepath.Join(dataDir, "models", safeFileName(m.ID)+".weights")
		}
		specs[m.ID] = spec
	}
	return &Catalog{specs: specs}, nil
}

// Resolve returns the spec for a model id.
func (c *Catalog) Resolve(id string) (Spec, error) {
	spec, ok := c.specs[id]
	if !ok {
		return Spec{}, errors.Newf(errors.ErrCodeModelUnknown, "unknown model: %s", id)
	}
	return spec, nil
}

// WeightsPresent reports whether the model's weights exist on disk.
// Models without local weights are always present.
func (c *Catalog) WeightsPresent(id string) (bool, error) {
	spec, err := c.Resolve(id)
	if err != nil {
		return false, err
	}
	if !spec.HasWeights() {
		return true, nil
	}
	_, err = os.Stat(spec.WeightsPath)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, errors.Wrap(errors.ErrCodeInternal, err)
}

// safeFileName flattens a model id into a filesystem-safe name.
func safeFileName(id string) string {
	r := strings.NewReplacer("/", "_", ":", "_", " ", "_")
	return r.Replace(id)
}
