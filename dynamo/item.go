package dynamo

import (
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/lattice/schema"
	"github.com/jacentio/lattice/store"
)

// Backend-managed document attributes.
const (
	attrID    = "id"
	attrRev   = "_rev"
	attrViews = "_views"
	attrBuilt = "_built"
)

// entryKey is the primary key of a view entry.
type entryKey struct {
	PK string `dynamodbav:"pk"`
	SK string `dynamodbav:"sk"`
}

// entry is one key a view emitted for one document.
type entry struct {
	PK    string `dynamodbav:"pk"`
	SK    string `dynamodbav:"sk"`
	View  string `dynamodbav:"view"`
	Key   string `dynamodbav:"key"`
	DocID string `dynamodbav:"doc_id"`
}

func (e entry) key() entryKey {
	return entryKey{PK: e.PK, SK: e.SK}
}

func (k entryKey) item() map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: k.PK},
		"sk": &types.AttributeValueMemberS{Value: k.SK},
	}
}

// docKey returns the documents table key of id.
func docKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrID: &types.AttributeValueMemberS{Value: id},
	}
}

// encodeItem renders a document as a documents table item. Document
// attributes are stored top-level next to the revision and the keys of the
// view entries the document owns.
func encodeItem(id, rev string, doc schema.Document, keys []entryKey) (map[string]types.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(map[string]any(doc))
	if err != nil {
		return nil, fmt.Errorf("marshal document %s: %w", id, err)
	}
	if keys == nil {
		keys = []entryKey{}
	}
	views, err := attributevalue.Marshal(keys)
	if err != nil {
		return nil, fmt.Errorf("marshal view keys: %w", err)
	}

	item[attrID] = &types.AttributeValueMemberS{Value: id}
	item[attrRev] = &types.AttributeValueMemberS{Value: rev}
	item[attrViews] = views
	return item, nil
}

// decodeItem converts a documents table item back into a record and the
// keys of its view entries.
func decodeItem(item map[string]types.AttributeValue) (*store.Record, []entryKey, error) {
	id, ok := item[attrID].(*types.AttributeValueMemberS)
	if !ok {
		return nil, nil, errors.New("item has no string id")
	}
	rec := &store.Record{ID: id.Value}
	if v, ok := item[attrRev].(*types.AttributeValueMemberS); ok {
		rec.Rev = v.Value
	}

	var keys []entryKey
	if v, ok := item[attrViews]; ok {
		if err := attributevalue.Unmarshal(v, &keys); err != nil {
			return nil, nil, fmt.Errorf("unmarshal view keys of %s: %w", id.Value, err)
		}
	}

	attrs := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		if k == attrRev || k == attrViews || k == attrBuilt {
			continue
		}
		attrs[k] = v
	}
	var doc map[string]any
	if err := attributevalue.UnmarshalMap(attrs, &doc); err != nil {
		return nil, nil, fmt.Errorf("unmarshal document %s: %w", id.Value, err)
	}
	rec.Doc = schema.Document(doc)
	return rec, keys, nil
}

// revOf returns the revision stored on an item, or "" for a nil item.
func revOf(item map[string]types.AttributeValue) string {
	if v, ok := item[attrRev].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

// mapTransactionError maps DynamoDB transaction errors for document writes.
// A failed condition on any item means the document was written
// concurrently.
func mapTransactionError(err error) error {
	if err == nil {
		return nil
	}

	var txErr *types.TransactionCanceledException
	if errors.As(err, &txErr) {
		for _, reason := range txErr.CancellationReasons {
			if reason.Code == nil {
				continue
			}
			switch *reason.Code {
			case "ConditionalCheckFailed", "TransactionConflict":
				return store.ErrConflict
			}
		}
	}

	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return store.ErrConflict
	}

	return err
}
