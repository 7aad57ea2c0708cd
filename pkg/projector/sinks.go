package projector

import (
	"context"

	"github.com/ha1tch/ledgersync/pkg/cache"
	"github.com/ha1tch/ledgersync/pkg/models"
)

// FeatureSink writes a user's feature vector once the user node committed.
// The cache write comes after the graph write so the scoring service never
// sees features for a user the graph does not have.
func FeatureSink(m Mappers, w *cache.FeatureWriter) Sink[models.UserRecord] {
	return func(ctx context.Context, rec models.UserRecord) error {
		node, err := m.UserNode(rec)
		if err != nil {
			return err
		}
		return w.Write(ctx, node.VPA, node.Features())
	}
}
