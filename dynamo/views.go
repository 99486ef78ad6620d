package dynamo

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/lattice/internal/shard"
	"github.com/jacentio/lattice/schema"
	"github.com/jacentio/lattice/store"
)

// entries computes the view entries doc emits under the given views.
func (b *Backend) entries(views schema.Indexes, id string, doc schema.Document) []entry {
	emitted := views.Emit(doc)
	out := make([]entry, len(emitted))
	for seq, e := range emitted {
		out[seq] = entry{
			PK:    shard.ViewPK(e.Index, e.Key, id, b.config.NumShards),
			SK:    shard.ViewSK(id, seq),
			View:  e.Index,
			Key:   e.Key,
			DocID: id,
		}
	}
	return out
}

// entryWrites returns the transaction items replacing the entries at
// oldKeys with entries. Keys present in both are overwritten rather than
// deleted, since a transaction may touch each item only once.
func (b *Backend) entryWrites(oldKeys []entryKey, entries []entry) ([]types.TransactWriteItem, error) {
	keep := make(map[entryKey]bool, len(entries))
	var items []types.TransactWriteItem

	for _, e := range entries {
		keep[e.key()] = true
		item, err := attributevalue.MarshalMap(e)
		if err != nil {
			return nil, fmt.Errorf("marshal view entry: %w", err)
		}
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName: aws.String(b.viewsTable),
				Item:      item,
			},
		})
	}

	for _, k := range oldKeys {
		if keep[k] {
			continue
		}
		items = append(items, types.TransactWriteItem{
			Delete: &types.Delete{
				TableName: aws.String(b.viewsTable),
				Key:       k.item(),
			},
		})
	}
	return items, nil
}

// Query returns the rows of an installed view for key, ordered by
// document id.
func (b *Backend) Query(ctx context.Context, index, key string) ([]store.Row, error) {
	views, _, err := b.currentViews(ctx)
	if err != nil {
		return nil, err
	}
	if _, ok := views[index]; !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrUnknownIndex, index)
	}

	numShards := b.config.NumShards

	// Fast path for single shard (default)
	if numShards == 1 {
		rows, err := b.queryShard(ctx, index, key, 0)
		if err != nil {
			return nil, err
		}
		return sortRows(rows), nil
	}

	// Multi-shard fan-out
	var mu sync.Mutex
	var all []store.Row
	var wg sync.WaitGroup
	errs := make(chan error, numShards)

	for shardNum := 0; shardNum < numShards; shardNum++ {
		wg.Add(1)
		go func(shardNum int) {
			defer wg.Done()

			rows, err := b.queryShard(ctx, index, key, shardNum)
			if err != nil {
				errs <- fmt.Errorf("shard %02x: %w", shardNum, err)
				return
			}

			mu.Lock()
			all = append(all, rows...)
			mu.Unlock()
		}(shardNum)
	}

	go func() {
		wg.Wait()
		close(errs)
	}()

	for err := range errs {
		if err != nil {
			return nil, err
		}
	}

	return sortRows(all), nil
}

// queryShard reads every entry of one shard of a view key.
func (b *Backend) queryShard(ctx context.Context, index, key string, shardNum int) ([]store.Row, error) {
	rows := []store.Row{}

	paginator := dynamodb.NewQueryPaginator(b.api, &dynamodb.QueryInput{
		TableName:              aws.String(b.viewsTable),
		KeyConditionExpression: aws.String("pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: shard.PK(index, key, shardNum)},
		},
		ConsistentRead: aws.Bool(true),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			var e entry
			if err := attributevalue.UnmarshalMap(item, &e); err != nil {
				return nil, fmt.Errorf("unmarshal view entry: %w", err)
			}
			// Partition keys are not escaped, so "a#b"+"c" and "a"+"b#c"
			// share a partition.
			if e.View != index || e.Key != key {
				continue
			}
			rows = append(rows, store.Row{ID: e.DocID, Key: e.Key})
		}
	}

	return rows, nil
}

// sortRows orders rows by document id, keeping the emission order of one
// document's rows.
func sortRows(rows []store.Row) []store.Row {
	slices.SortStableFunc(rows, func(a, b store.Row) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return rows
}

// Compact deletes every view entry and re-emits entries for the installed
// views from all documents, recording the new entry keys on each document.
// Documents written while compaction runs keep the entries of their own
// write. On success the design revision it rebuilt is stored on the
// artifact, unless the artifact was replaced meanwhile.
func (b *Backend) Compact(ctx context.Context) error {
	views, designRev, err := b.currentViews(ctx)
	if err != nil {
		return err
	}

	var stale []types.WriteRequest
	scan := dynamodb.NewScanPaginator(b.api, &dynamodb.ScanInput{
		TableName:            aws.String(b.viewsTable),
		ProjectionExpression: aws.String("pk, sk"),
	})
	for scan.HasMorePages() {
		page, err := scan.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("scan view entries: %w", err)
		}
		for _, item := range page.Items {
			stale = append(stale, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: item}})
		}
	}
	if err := b.batchWrite(ctx, stale); err != nil {
		return fmt.Errorf("delete view entries: %w", err)
	}

	rebuilt, skipped := 0, 0
	scan = dynamodb.NewScanPaginator(b.api, &dynamodb.ScanInput{
		TableName:      aws.String(b.docsTable),
		ConsistentRead: aws.Bool(true),
	})
	for scan.HasMorePages() {
		page, err := scan.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("scan documents: %w", err)
		}
		for _, item := range page.Items {
			rec, _, err := decodeItem(item)
			if err != nil {
				return err
			}
			if rec.ID == b.config.DesignID {
				continue
			}
			ok, err := b.reindex(ctx, views, rec)
			if err != nil {
				return err
			}
			if ok {
				rebuilt++
			} else {
				skipped++
			}
		}
	}

	b.config.Logger.Info("views rebuilt",
		"table", b.viewsTable,
		"views", len(views),
		"deleted", len(stale),
		"documents", rebuilt,
		"skipped", skipped,
	)
	if designRev == "" {
		return nil
	}
	return b.markBuilt(ctx, designRev)
}

// markBuilt records designRev as rebuilt on the design artifact.
func (b *Backend) markBuilt(ctx context.Context, designRev string) error {
	_, err := b.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(b.docsTable),
		Key:                 docKey(b.config.DesignID),
		UpdateExpression:    aws.String("SET #built = :built"),
		ConditionExpression: aws.String("#rev = :rev"),
		ExpressionAttributeNames: map[string]string{
			"#built": attrBuilt,
			"#rev":   attrRev,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":built": &types.AttributeValueMemberS{Value: designRev},
			":rev":   &types.AttributeValueMemberS{Value: designRev},
		},
	})

	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		b.config.Logger.Warn("design artifact changed during compaction", "rev", designRev)
		return nil
	}
	if err != nil {
		return fmt.Errorf("record index build: %w", err)
	}
	return nil
}

// reindex writes the entries of one document and records their keys on it.
// It reports false when the document changed since it was read.
func (b *Backend) reindex(ctx context.Context, views schema.Indexes, rec *store.Record) (bool, error) {
	entries := b.entries(views, rec.ID, rec.Doc)

	puts := make([]types.WriteRequest, len(entries))
	keys := make([]entryKey, len(entries))
	for i, e := range entries {
		item, err := attributevalue.MarshalMap(e)
		if err != nil {
			return false, fmt.Errorf("marshal view entry: %w", err)
		}
		puts[i] = types.WriteRequest{PutRequest: &types.PutRequest{Item: item}}
		keys[i] = e.key()
	}
	if err := b.batchWrite(ctx, puts); err != nil {
		return false, fmt.Errorf("write view entries of %s: %w", rec.ID, err)
	}

	viewsAttr, err := attributevalue.Marshal(keys)
	if err != nil {
		return false, fmt.Errorf("marshal view keys: %w", err)
	}
	_, err = b.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(b.docsTable),
		Key:                 docKey(rec.ID),
		UpdateExpression:    aws.String("SET #views = :views"),
		ConditionExpression: aws.String("#rev = :rev"),
		ExpressionAttributeNames: map[string]string{
			"#views": attrViews,
			"#rev":   attrRev,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":views": viewsAttr,
			":rev":   &types.AttributeValueMemberS{Value: rec.Rev},
		},
	})

	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		b.config.Logger.Warn("document changed during compaction", "id", rec.ID, "rev", rec.Rev)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// batchWrite applies write requests to the view entry table in batches,
// retrying unprocessed items.
func (b *Backend) batchWrite(ctx context.Context, requests []types.WriteRequest) error {
	for start := 0; start < len(requests); start += maxBatchWrite {
		pending := map[string][]types.WriteRequest{
			b.viewsTable: requests[start:min(start+maxBatchWrite, len(requests))],
		}

		for attempt := 1; len(pending) > 0; attempt++ {
			if attempt > maxBatchAttempts {
				return fmt.Errorf("batch write: items still unprocessed after %d attempts", maxBatchAttempts)
			}
			if attempt > 1 {
				if err := pause(ctx, attempt); err != nil {
					return err
				}
			}

			result, err := b.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
			if err != nil {
				return err
			}
			pending = result.UnprocessedItems
		}
	}
	return nil
}
