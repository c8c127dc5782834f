package ingestion

import (
	"context"

	"github.com/aliyun/aliyun-pai-featurestore-core/api"
	"github.com/aliyun/aliyun-pai-featurestore-core/domain"
	"github.com/aliyun/aliyun-pai-featurestore-core/metrics"
)

// LoadBatchSize is the number of rows appended to the offline log at once.
var LoadBatchSize = 1000

// LoadBatch copies the rows of the view's batch source within tr into the
// offline log. For a push fed view this replays the backing batch source.
// Rows already in the log are skipped, so loading twice is harmless. Rows
// that do not fit the view are rejected in the receipt by their ordinal in
// the source.
func (g *Gateway) LoadBatch(ctx context.Context, featureView *domain.FeatureView, tr api.TimeRange) (*api.WriteReceipt, error) {
	src := featureView.BatchSource()
	if src == nil {
		return nil, api.NewError(api.CodeInvalidArgument, "feature view %s has no batch source", featureView.Name)
	}
	it, err := src.ResolveBatch(ctx, featureView.SourceColumns(), tr)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	receipt := &api.WriteReceipt{}
	batch := make([]*api.FeatureRow, 0, LoadBatchSize)
	indexes := make([]int, 0, LoadBatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		added, errs := featureView.OfflineDao().Append(ctx, batch)
		receipt.OfflineAdded += added
		metrics.OfflineRows(featureView.Name, added)
		for j, err := range errs {
			if err != nil {
				receipt.Reject(indexes[j], err)
			} else {
				receipt.Accepted++
			}
		}
		if errs == nil {
			receipt.Accepted += len(batch)
		}
		batch = batch[:0]
		indexes = indexes[:0]
	}

	ordinal := 0
	for it.Next() {
		row, err := featureView.ToFeatureRow(it.Record())
		if err != nil {
			receipt.Reject(ordinal, err)
		} else {
			batch = append(batch, row)
			indexes = append(indexes, ordinal)
		}
		ordinal++
		if len(batch) >= LoadBatchSize {
			flush()
		}
	}
	if err := it.Err(); err != nil {
		return receipt, err
	}
	flush()
	g.log.Infof("loaded %s from %s: %d rows read, %d new, %d rejected",
		featureView.Name, src.Name(), ordinal, receipt.OfflineAdded, receipt.Rejected)
	return receipt, nil
}
