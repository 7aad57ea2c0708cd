package cache

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/ha1tch/ledgersync/pkg/models"
)

// FeatureKey returns the cache key holding a user's feature vector
func FeatureKey(vpa string) string {
	return "user:" + vpa + ":features"
}

// FeatureWriter stores per-user feature vectors
type FeatureWriter struct {
	cache  Cache
	logger zerolog.Logger
}

// NewFeatureWriter creates a writer over cache
func NewFeatureWriter(cache Cache, logger zerolog.Logger) *FeatureWriter {
	return &FeatureWriter{
		cache:  cache,
		logger: logger.With().Str("component", "features").Logger(),
	}
}

// Write overwrites the user's feature vector
func (w *FeatureWriter) Write(ctx context.Context, vpa string, fv models.FeatureVector) error {
	data, err := fv.Encode()
	if err != nil {
		return err
	}
	return w.cache.Set(ctx, FeatureKey(vpa), data)
}

// Read returns the user's feature vector. Absent users yield ErrNotFound.
func (w *FeatureWriter) Read(ctx context.Context, vpa string) (models.FeatureVector, error) {
	data, err := w.cache.Get(ctx, FeatureKey(vpa))
	if err != nil {
		return models.FeatureVector{}, err
	}
	return models.DecodeFeatureVector(data)
}

// UpdateRisk replaces the risk component and keeps the KYC flag. A user
// with no cached vector, or one that cannot be decoded, gets [risk, 0].
func (w *FeatureWriter) UpdateRisk(ctx context.Context, vpa string, risk float64) (models.FeatureVector, error) {
	var updated models.FeatureVector
	err := w.cache.Update(ctx, FeatureKey(vpa), func(old []byte, found bool) ([]byte, error) {
		current := models.FeatureVector{}
		if found {
			fv, err := models.DecodeFeatureVector(old)
			if err != nil {
				w.logger.Warn().Err(err).Str("vpa", vpa).Msg("Replacing undecodable feature vector")
			} else {
				current = fv
			}
		}
		updated = current.WithRisk(risk)
		return updated.Encode()
	})
	if err != nil {
		return models.FeatureVector{}, err
	}
	return updated, nil
}

// IsNotFound reports whether err means the key was absent
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
