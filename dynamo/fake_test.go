package dynamo

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeAPI is an in-memory stand-in for the DynamoDB operations the backend
// issues. It understands exactly the condition and key expressions the
// backend builds.
type fakeAPI struct {
	mu           sync.Mutex
	tables       map[string]map[string]map[string]types.AttributeValue
	transactions int
}

func newFakeAPI(tables ...string) *fakeAPI {
	f := &fakeAPI{tables: make(map[string]map[string]map[string]types.AttributeValue)}
	for _, name := range tables {
		f.tables[name] = make(map[string]map[string]types.AttributeValue)
	}
	return f
}

func str(av types.AttributeValue) string {
	if s, ok := av.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

// keyOf derives the storage key of an item or key map.
func keyOf(item map[string]types.AttributeValue) string {
	if _, ok := item["sk"]; ok {
		return str(item["pk"]) + "\x00" + str(item["sk"])
	}
	return str(item["id"])
}

func (f *fakeAPI) table(name *string) (map[string]map[string]types.AttributeValue, error) {
	t, ok := f.tables[aws.ToString(name)]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("no table " + aws.ToString(name))}
	}
	return t, nil
}

func holds(cond *string, names map[string]string, values map[string]types.AttributeValue, existing map[string]types.AttributeValue) (bool, error) {
	switch aws.ToString(cond) {
	case "":
		return true, nil
	case "attribute_not_exists(id)":
		return existing == nil, nil
	case "#rev = :rev":
		return existing != nil && str(existing[names["#rev"]]) == str(values[":rev"]), nil
	default:
		return false, fmt.Errorf("fake: unsupported condition %q", aws.ToString(cond))
	}
}

func (f *fakeAPI) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	return &dynamodb.GetItemOutput{Item: t[keyOf(in.Key)]}, nil
}

func (f *fakeAPI) BatchGetItem(ctx context.Context, in *dynamodb.BatchGetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &dynamodb.BatchGetItemOutput{Responses: map[string][]map[string]types.AttributeValue{}}
	for name, ka := range in.RequestItems {
		t, err := f.table(aws.String(name))
		if err != nil {
			return nil, err
		}
		seen := map[string]bool{}
		for _, k := range ka.Keys {
			if seen[keyOf(k)] {
				return nil, errors.New("fake: duplicate key in batch")
			}
			seen[keyOf(k)] = true
			if item, ok := t[keyOf(k)]; ok {
				out.Responses[name] = append(out.Responses[name], item)
			}
		}
	}
	return out, nil
}

func (f *fakeAPI) BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for name, reqs := range in.RequestItems {
		if len(reqs) > maxBatchWrite {
			return nil, errors.New("fake: batch too large")
		}
		t, err := f.table(aws.String(name))
		if err != nil {
			return nil, err
		}
		for _, r := range reqs {
			switch {
			case r.PutRequest != nil:
				t[keyOf(r.PutRequest.Item)] = r.PutRequest.Item
			case r.DeleteRequest != nil:
				delete(t, keyOf(r.DeleteRequest.Key))
			}
		}
	}
	return &dynamodb.BatchWriteItemOutput{}, nil
}

func (f *fakeAPI) TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transactions++

	if len(in.TransactItems) > maxTransactItems {
		return nil, errors.New("fake: transaction too large")
	}

	touched := map[string]bool{}
	reasons := make([]types.CancellationReason, len(in.TransactItems))
	failed := false
	for i, ti := range in.TransactItems {
		var (
			name   *string
			key    string
			cond   *string
			names  map[string]string
			values map[string]types.AttributeValue
		)
		switch {
		case ti.Put != nil:
			name, key, cond, names, values = ti.Put.TableName, keyOf(ti.Put.Item), ti.Put.ConditionExpression, ti.Put.ExpressionAttributeNames, ti.Put.ExpressionAttributeValues
		case ti.Delete != nil:
			name, key, cond, names, values = ti.Delete.TableName, keyOf(ti.Delete.Key), ti.Delete.ConditionExpression, ti.Delete.ExpressionAttributeNames, ti.Delete.ExpressionAttributeValues
		default:
			return nil, errors.New("fake: unsupported transaction item")
		}
		id := aws.ToString(name) + "/" + key
		if touched[id] {
			return nil, errors.New("fake: transaction touches an item twice")
		}
		touched[id] = true

		t, err := f.table(name)
		if err != nil {
			return nil, err
		}
		ok, err := holds(cond, names, values, t[key])
		if err != nil {
			return nil, err
		}
		if !ok {
			reasons[i].Code = aws.String("ConditionalCheckFailed")
			failed = true
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{CancellationReasons: reasons}
	}

	for _, ti := range in.TransactItems {
		switch {
		case ti.Put != nil:
			f.tables[aws.ToString(ti.Put.TableName)][keyOf(ti.Put.Item)] = ti.Put.Item
		case ti.Delete != nil:
			delete(f.tables[aws.ToString(ti.Delete.TableName)], keyOf(ti.Delete.Key))
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func (f *fakeAPI) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	existing := t[keyOf(in.Key)]
	ok, err := holds(in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, existing)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("condition failed")}
	}
	var attr string
	switch aws.ToString(in.UpdateExpression) {
	case "SET #views = :views":
		attr = "views"
	case "SET #built = :built":
		attr = "built"
	default:
		return nil, fmt.Errorf("fake: unsupported update %q", aws.ToString(in.UpdateExpression))
	}
	updated := make(map[string]types.AttributeValue, len(existing)+1)
	for k, v := range existing {
		updated[k] = v
	}
	updated[in.ExpressionAttributeNames["#"+attr]] = in.ExpressionAttributeValues[":"+attr]
	t[keyOf(in.Key)] = updated
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeAPI) Query(ctx context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if aws.ToString(in.KeyConditionExpression) != "pk = :pk" {
		return nil, fmt.Errorf("fake: unsupported key condition %q", aws.ToString(in.KeyConditionExpression))
	}
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	pk := str(in.ExpressionAttributeValues[":pk"])
	var keys []string
	for k, item := range t {
		if str(item["pk"]) == pk {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	out := &dynamodb.QueryOutput{}
	for _, k := range keys {
		out.Items = append(out.Items, t[k])
	}
	return out, nil
}

func (f *fakeAPI) Scan(ctx context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	out := &dynamodb.ScanOutput{}
	for _, item := range t {
		if in.ProjectionExpression == nil {
			out.Items = append(out.Items, item)
			continue
		}
		projected := map[string]types.AttributeValue{}
		for _, attr := range strings.Split(aws.ToString(in.ProjectionExpression), ",") {
			attr = strings.TrimSpace(attr)
			if v, ok := item[attr]; ok {
				projected[attr] = v
			}
		}
		out.Items = append(out.Items, projected)
	}
	return out, nil
}

func (f *fakeAPI) DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.table(in.TableName); err != nil {
		return nil, err
	}
	return &dynamodb.DescribeTableOutput{Table: &types.TableDescription{
		TableName:   in.TableName,
		TableStatus: types.TableStatusActive,
	}}, nil
}

func (f *fakeAPI) CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(in.TableName)
	if _, ok := f.tables[name]; ok {
		return nil, &types.ResourceInUseException{Message: aws.String("table exists")}
	}
	f.tables[name] = make(map[string]map[string]types.AttributeValue)
	return &dynamodb.CreateTableOutput{}, nil
}

func (f *fakeAPI) count(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tables[table])
}
