// Package dynamo implements the document store contract on Amazon DynamoDB.
//
// A store location names two tables: the documents table "<location>",
// keyed by document id, and the view entry table "<location>-views", which
// materializes the indexes of the installed design artifact. View entries
// are written in the same transaction as the document that emits them, so
// index queries never observe a half-written document.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/lattice/schema"
	"github.com/jacentio/lattice/store"
)

// DynamoDB request limits.
const (
	maxTransactItems = 100
	maxBatchGet      = 100
	maxBatchWrite    = 25

	// maxBatchAttempts bounds retries of unprocessed batch items.
	maxBatchAttempts = 5
)

// API is the subset of the DynamoDB client the backend uses.
// *dynamodb.Client satisfies it.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	BatchGetItem(ctx context.Context, params *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// Backend is a store.Backend over a pair of DynamoDB tables.
type Backend struct {
	api        API
	config     Config
	docsTable  string
	viewsTable string

	mu        sync.RWMutex
	views     schema.Indexes
	designRev string
}

// Open connects to the tables of location, creating them when
// config.CreateTables is set, and loads the installed indexes.
func Open(ctx context.Context, api API, location string, config Config) (*Backend, error) {
	config.validate()
	if location == "" {
		return nil, errors.New("store location is required")
	}

	b := &Backend{
		api:        api,
		config:     config,
		docsTable:  location,
		viewsTable: location + config.ViewTableSuffix,
		views:      schema.Indexes{},
	}

	for _, input := range []*dynamodb.CreateTableInput{documentsTableInput(b.docsTable), viewsTableInput(b.viewsTable)} {
		if err := b.ensureTable(ctx, input); err != nil {
			return nil, err
		}
	}

	if _, _, err := b.currentViews(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// Opener returns a store.Opener that opens DynamoDB stores through api.
// The location is the documents table name.
func Opener(api API, config Config) store.Opener {
	return func(ctx context.Context, location string) (store.Backend, error) {
		return Open(ctx, api, location, config)
	}
}

// documentsTableInput describes the documents table. The table streams
// new and old images for the change feed.
func documentsTableInput(name string) *dynamodb.CreateTableInput {
	return &dynamodb.CreateTableInput{
		TableName: aws.String(name),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(attrID), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(attrID), KeyType: types.KeyTypeHash},
		},
		BillingMode: types.BillingModePayPerRequest,
		StreamSpecification: &types.StreamSpecification{
			StreamEnabled:  aws.Bool(true),
			StreamViewType: types.StreamViewTypeNewAndOldImages,
		},
	}
}

// viewsTableInput describes the view entry table.
func viewsTableInput(name string) *dynamodb.CreateTableInput {
	return &dynamodb.CreateTableInput{
		TableName: aws.String(name),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("pk"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("sk"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("pk"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("sk"), KeyType: types.KeyTypeRange},
		},
		BillingMode: types.BillingModePayPerRequest,
	}
}

// ensureTable checks that a table exists, creating it if allowed.
func (b *Backend) ensureTable(ctx context.Context, input *dynamodb.CreateTableInput) error {
	name := aws.ToString(input.TableName)

	_, err := b.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: input.TableName})
	if err == nil {
		return nil
	}
	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("describe table %s: %w", name, err)
	}
	if !b.config.CreateTables {
		return fmt.Errorf("table %s does not exist", name)
	}

	_, err = b.api.CreateTable(ctx, input)
	var inUse *types.ResourceInUseException
	if err != nil && !errors.As(err, &inUse) {
		return fmt.Errorf("create table %s: %w", name, err)
	}

	b.config.Logger.Info("waiting for table", "table", name)
	waiter := dynamodb.NewTableExistsWaiter(b.api)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: input.TableName}, b.config.TableWaitTimeout); err != nil {
		return fmt.Errorf("wait for table %s: %w", name, err)
	}
	return nil
}

// currentViews returns the indexes of the stored design artifact and its
// revision. The cached views are reparsed only when another writer replaced
// the artifact since they were loaded.
func (b *Backend) currentViews(ctx context.Context) (schema.Indexes, string, error) {
	item, err := b.getItem(ctx, b.config.DesignID)
	if err != nil {
		return nil, "", fmt.Errorf("load design artifact: %w", err)
	}
	rev := revOf(item)

	b.mu.RLock()
	views, cached := b.views, b.designRev
	b.mu.RUnlock()
	if rev == cached {
		return views, rev, nil
	}

	views = schema.Indexes{}
	if item != nil {
		rec, _, err := decodeItem(item)
		if err != nil {
			return nil, "", err
		}
		if views, err = store.ParseDesign(rec.Doc); err != nil {
			return nil, "", err
		}
	}
	b.setViews(views, rev)
	return views, rev, nil
}

func (b *Backend) setViews(views schema.Indexes, rev string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.views = views
	b.designRev = rev
}

// Built returns the design revision recorded by the last Compact that ran
// to completion, or "" when none has.
func (b *Backend) Built(ctx context.Context) (string, error) {
	item, err := b.getItem(ctx, b.config.DesignID)
	if err != nil {
		return "", err
	}
	if v, ok := item[attrBuilt].(*types.AttributeValueMemberS); ok {
		return v.Value, nil
	}
	return "", nil
}

// getItem reads the raw item of id, returning nil when it doesn't exist.
func (b *Backend) getItem(ctx context.Context, id string) (map[string]types.AttributeValue, error) {
	result, err := b.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(b.docsTable),
		Key:            docKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	return result.Item, nil
}

// Get retrieves a document by id, returning store.ErrNotFound if missing.
func (b *Backend) Get(ctx context.Context, id string) (*store.Record, error) {
	item, err := b.getItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, store.ErrNotFound
	}
	rec, _, err := decodeItem(item)
	return rec, err
}

// BulkGet retrieves documents in input order, with nil entries for
// missing ids.
func (b *Backend) BulkGet(ctx context.Context, ids []string) ([]*store.Record, error) {
	// BatchGetItem rejects duplicate keys within a request.
	seen := make(map[string]bool, len(ids))
	var unique []string
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}

	found := make(map[string]*store.Record, len(unique))
	for start := 0; start < len(unique); start += maxBatchGet {
		chunk := unique[start:min(start+maxBatchGet, len(unique))]
		keys := make([]map[string]types.AttributeValue, len(chunk))
		for i, id := range chunk {
			keys[i] = docKey(id)
		}
		if err := b.batchGet(ctx, keys, found); err != nil {
			return nil, err
		}
	}

	out := make([]*store.Record, len(ids))
	for i, id := range ids {
		out[i] = found[id]
	}
	return out, nil
}

// batchGet reads one chunk of keys, retrying unprocessed keys.
func (b *Backend) batchGet(ctx context.Context, keys []map[string]types.AttributeValue, found map[string]*store.Record) error {
	request := map[string]types.KeysAndAttributes{
		b.docsTable: {Keys: keys, ConsistentRead: aws.Bool(true)},
	}

	for attempt := 1; len(request) > 0; attempt++ {
		if attempt > maxBatchAttempts {
			return fmt.Errorf("batch get: keys still unprocessed after %d attempts", maxBatchAttempts)
		}
		if attempt > 1 {
			if err := pause(ctx, attempt); err != nil {
				return err
			}
		}

		result, err := b.api.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{RequestItems: request})
		if err != nil {
			return err
		}
		for _, item := range result.Responses[b.docsTable] {
			rec, _, err := decodeItem(item)
			if err != nil {
				return err
			}
			found[rec.ID] = rec
		}
		request = result.UnprocessedKeys
	}
	return nil
}

// Put writes doc under id when rev matches the stored revision (empty for
// a new document). The document, the deletion of its stale view entries
// and the put of its new ones form one transaction.
func (b *Backend) Put(ctx context.Context, id, rev string, doc schema.Document) (string, error) {
	if id == "" {
		return "", errors.New("document id is required")
	}

	var views schema.Indexes
	isDesign := id == b.config.DesignID
	if isDesign {
		var err error
		if views, err = store.ParseDesign(doc); err != nil {
			return "", err
		}
	}

	current, err := b.getItem(ctx, id)
	if err != nil {
		return "", err
	}
	var oldKeys []entryKey
	if current != nil {
		if _, oldKeys, err = decodeItem(current); err != nil {
			return "", err
		}
	}
	if revOf(current) != rev {
		return "", store.ErrConflict
	}

	var entries []entry
	if !isDesign {
		installed, _, err := b.currentViews(ctx)
		if err != nil {
			return "", err
		}
		entries = b.entries(installed, id, doc)
	}
	newKeys := make([]entryKey, len(entries))
	for i, e := range entries {
		newKeys[i] = e.key()
	}

	next := store.NextRevision(rev)
	item, err := encodeItem(id, next, doc, newKeys)
	if err != nil {
		return "", err
	}

	put := &types.Put{
		TableName: aws.String(b.docsTable),
		Item:      item,
	}
	if rev == "" {
		put.ConditionExpression = aws.String("attribute_not_exists(id)")
	} else {
		put.ConditionExpression = aws.String("#rev = :rev")
		put.ExpressionAttributeNames = map[string]string{"#rev": attrRev}
		put.ExpressionAttributeValues = map[string]types.AttributeValue{
			":rev": &types.AttributeValueMemberS{Value: rev},
		}
	}

	items := []types.TransactWriteItem{{Put: put}}
	writes, err := b.entryWrites(oldKeys, entries)
	if err != nil {
		return "", err
	}
	items = append(items, writes...)
	if len(items) > maxTransactItems {
		return "", fmt.Errorf("document %s changes %d index entries; at most %d fit one transaction",
			id, len(items)-1, maxTransactItems-1)
	}

	_, err = b.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	if err := mapTransactionError(err); err != nil {
		return "", err
	}

	if isDesign {
		b.setViews(views, next)
	}
	return next, nil
}

// Post writes doc under a generated id.
func (b *Backend) Post(ctx context.Context, doc schema.Document) (string, string, error) {
	id := store.NewID()
	rev, err := b.Put(ctx, id, "", doc)
	if err != nil {
		return "", "", err
	}
	return id, rev, nil
}

// Remove deletes the document at rev together with its view entries.
func (b *Backend) Remove(ctx context.Context, id, rev string) error {
	current, err := b.getItem(ctx, id)
	if err != nil {
		return err
	}
	if current == nil {
		return store.ErrNotFound
	}
	if revOf(current) != rev {
		return store.ErrConflict
	}
	_, oldKeys, err := decodeItem(current)
	if err != nil {
		return err
	}

	items := []types.TransactWriteItem{{
		Delete: &types.Delete{
			TableName:                aws.String(b.docsTable),
			Key:                      docKey(id),
			ConditionExpression:      aws.String("#rev = :rev"),
			ExpressionAttributeNames: map[string]string{"#rev": attrRev},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":rev": &types.AttributeValueMemberS{Value: rev},
			},
		},
	}}
	writes, err := b.entryWrites(oldKeys, nil)
	if err != nil {
		return err
	}
	items = append(items, writes...)
	if len(items) > maxTransactItems {
		return fmt.Errorf("document %s owns %d index entries; at most %d fit one transaction",
			id, len(items)-1, maxTransactItems-1)
	}

	_, err = b.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	if err := mapTransactionError(err); err != nil {
		return err
	}

	if id == b.config.DesignID {
		b.setViews(schema.Indexes{}, "")
	}
	return nil
}

// Close releases the backend. The DynamoDB client holds no connections of
// its own, so there is nothing to release.
func (b *Backend) Close() error {
	return nil
}

// pause waits before a retry of unprocessed batch items.
func pause(ctx context.Context, attempt int) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		return nil
	}
}
