package phase

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
)

// ErrModelLoad marks a model artifact that could not be loaded or is
// structurally unusable. Fatal at startup.
var ErrModelLoad = errors.New("phase model load failed")

// Classifier assigns a sampled color to the nearest centroid of a trained
// clustering model. Safe for concurrent use; the centroid set is immutable
// after construction.
type Classifier struct {
	centroids [][3]float64
}

// modelArtifact is the on-disk JSON shape of a trained centroid model.
type modelArtifact struct {
	Centroids [][]float64 `json:"centroids"`
}

// LoadModel reads a centroid artifact from path and builds a Classifier.
// The artifact must contain at least one 3-dimensional centroid.
func LoadModel(path string) (*Classifier, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrModelLoad, path, err)
	}

	var art modelArtifact
	if err := json.Unmarshal(raw, &art); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrModelLoad, path, err)
	}
	return NewClassifier(art.Centroids)
}

// NewClassifier builds a Classifier from raw centroid vectors.
func NewClassifier(centroids [][]float64) (*Classifier, error) {
	if len(centroids) == 0 {
		return nil, fmt.Errorf("%w: no centroids", ErrModelLoad)
	}

	cs := make([][3]float64, len(centroids))
	for i, c := range centroids {
		if len(c) != 3 {
			return nil, fmt.Errorf("%w: centroid %d has %d dimensions, want 3", ErrModelLoad, i, len(c))
		}
		cs[i] = [3]float64{c[0], c[1], c[2]}
	}
	return &Classifier{centroids: cs}, nil
}

// Classify returns the phase whose centroid is nearest to the sample.
// Cluster ids map to phases directly, with no offset. A winning index outside
// the phase enumeration returns Unknown: a stale or misconfigured artifact can
// carry more clusters than there are phases, and that must not be trusted.
// Classify never fails for a well-formed sample.
func (c *Classifier) Classify(s Sample) Phase {
	best := 0
	bestDist := math.Inf(1)
	for i, ct := range c.centroids {
		dr := s[0] - ct[0]
		dg := s[1] - ct[1]
		db := s[2] - ct[2]
		d := dr*dr + dg*dg + db*db
		if d < bestDist {
			bestDist = d
			best = i
		}
	}

	p := Phase(best)
	if !p.Valid() {
		return Unknown
	}
	return p
}

// Clusters returns the number of centroids in the model.
func (c *Classifier) Clusters() int {
	return len(c.centroids)
}
