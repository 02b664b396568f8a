// Package dynamo implements the Record Store on a single DynamoDB table with
// partition key "pk" (collection) and sort key "sk" (document key).
package dynamo

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/kasuganosora/friendsync/store"
	"go.uber.org/zap"
)

// maxBatchWriteItems is DynamoDB's BatchWriteItem request limit.
const maxBatchWriteItems = 25

// item is the stored shape of one document.
type item struct {
	PK   string `dynamodbav:"pk"`
	SK   string `dynamodbav:"sk"`
	Data string `dynamodbav:"data"`
	Rev  string `dynamodbav:"rev"`
}

type itemKey struct {
	PK string `dynamodbav:"pk"`
	SK string `dynamodbav:"sk"`
}

// API is the subset of the DynamoDB client used by Store.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// Config holds DynamoDB connection settings.
type Config struct {
	Table       string
	Region      string
	Endpoint    string
	MaxAttempts int
}

// Store is the DynamoDB-backed Record Store.
type Store struct {
	client      API
	table       string
	maxAttempts int
	logger      *zap.Logger
}

// NewClient loads the default AWS configuration and builds a DynamoDB client.
func NewClient(ctx context.Context, cfg Config) (*dynamodb.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("dynamo: load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// New wraps an existing client.
func New(client API, cfg Config, logger *zap.Logger) *Store {
	return &Store{client: client, table: cfg.Table, maxAttempts: cfg.MaxAttempts, logger: logger}
}

func (s *Store) key(ref store.Ref) (map[string]types.AttributeValue, error) {
	return attributevalue.MarshalMap(itemKey{PK: ref.Collection, SK: ref.Key})
}

func (s *Store) Get(ctx context.Context, ref store.Ref) (*store.Snapshot, error) {
	key, err := s.key(ref)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            key,
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamo: get %s: %w", ref, err)
	}
	if out.Item == nil {
		return &store.Snapshot{Ref: ref}, nil
	}
	return decodeItem(out.Item)
}

func (s *Store) Query(ctx context.Context, q store.Query) ([]*store.Snapshot, error) {
	values := map[string]types.AttributeValue{
		":pk": &types.AttributeValueMemberS{Value: q.Collection},
	}
	cond := "pk = :pk"
	if q.Prefix != "" {
		cond += " AND begins_with(sk, :prefix)"
		values[":prefix"] = &types.AttributeValueMemberS{Value: q.Prefix}
	}
	in := &dynamodb.QueryInput{
		TableName:                 aws.String(s.table),
		KeyConditionExpression:    aws.String(cond),
		ExpressionAttributeValues: values,
		ConsistentRead:            aws.Bool(true),
	}
	if q.StartAfter != "" {
		start, err := s.key(store.Ref{Collection: q.Collection, Key: q.StartAfter})
		if err != nil {
			return nil, err
		}
		in.ExclusiveStartKey = start
	}

	var out []*store.Snapshot
	for {
		if q.Limit > 0 {
			in.Limit = aws.Int32(int32(q.Limit - len(out)))
		}
		page, err := s.client.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("dynamo: query %s: %w", q.Collection, err)
		}
		for _, raw := range page.Items {
			snap, err := decodeItem(raw)
			if err != nil {
				return nil, err
			}
			out = append(out, snap)
		}
		if page.LastEvaluatedKey == nil || (q.Limit > 0 && len(out) >= q.Limit) {
			return out, nil
		}
		in.ExclusiveStartKey = page.LastEvaluatedKey
	}
}

func (s *Store) Batch(ctx context.Context, writes []store.Write) error {
	if err := store.CheckBatch(writes); err != nil {
		return err
	}
	for start := 0; start < len(writes); start += maxBatchWriteItems {
		end := min(start+maxBatchWriteItems, len(writes))
		reqs := make([]types.WriteRequest, 0, end-start)
		for _, w := range writes[start:end] {
			req, err := s.writeRequest(w)
			if err != nil {
				return err
			}
			reqs = append(reqs, req)
		}
		pending := map[string][]types.WriteRequest{s.table: reqs}
		for tries := 0; len(pending[s.table]) > 0; tries++ {
			if tries == 5 {
				return fmt.Errorf("dynamo: batch: %d writes left unprocessed", len(pending[s.table]))
			}
			out, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
			if err != nil {
				return fmt.Errorf("dynamo: batch: %w", err)
			}
			pending = out.UnprocessedItems
		}
	}
	return nil
}

func (s *Store) writeRequest(w store.Write) (types.WriteRequest, error) {
	if w.Delete {
		key, err := s.key(w.Ref)
		if err != nil {
			return types.WriteRequest{}, err
		}
		return types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: key}}, nil
	}
	av, err := encodeItem(w)
	if err != nil {
		return types.WriteRequest{}, err
	}
	return types.WriteRequest{PutRequest: &types.PutRequest{Item: av}}, nil
}

func (s *Store) RunTransaction(ctx context.Context, fn store.TxFunc) error {
	return store.Run(ctx, s.maxAttempts, func() store.Attempt {
		return &attempt{Buffer: store.NewBuffer(), s: s}
	}, fn)
}

type attempt struct {
	*store.Buffer
	s *Store
}

func (a *attempt) Get(ctx context.Context, ref store.Ref) (*store.Snapshot, error) {
	if err := a.BeforeRead(); err != nil {
		return nil, err
	}
	snap, err := a.s.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	a.Observe(snap)
	return snap, nil
}

func (a *attempt) Commit(ctx context.Context) error {
	if len(a.Writes()) == 0 {
		return nil
	}
	items, err := a.s.transactItems(a.Buffer)
	if err != nil {
		return err
	}
	_, err = a.s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems:      items,
		ClientRequestToken: aws.String(uuid.NewString()),
	})
	if isConflict(err) {
		return store.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("dynamo: commit: %w", err)
	}
	return nil
}

// transactItems turns the attempt into conditional writes plus condition
// checks for documents that were read but not written.
func (s *Store) transactItems(b *store.Buffer) ([]types.TransactWriteItem, error) {
	reads := b.Reads()
	var items []types.TransactWriteItem
	for _, w := range b.Writes() {
		rev, read := reads[w.Ref]
		cond, values := condition(rev, read)
		if w.Delete {
			key, err := s.key(w.Ref)
			if err != nil {
				return nil, err
			}
			items = append(items, types.TransactWriteItem{Delete: &types.Delete{
				TableName:                 aws.String(s.table),
				Key:                       key,
				ConditionExpression:       cond,
				ExpressionAttributeValues: values,
			}})
			continue
		}
		av, err := encodeItem(w)
		if err != nil {
			return nil, err
		}
		items = append(items, types.TransactWriteItem{Put: &types.Put{
			TableName:                 aws.String(s.table),
			Item:                      av,
			ConditionExpression:       cond,
			ExpressionAttributeValues: values,
		}})
	}
	for ref, rev := range reads {
		if b.Wrote(ref) {
			continue
		}
		key, err := s.key(ref)
		if err != nil {
			return nil, err
		}
		cond, values := condition(rev, true)
		items = append(items, types.TransactWriteItem{ConditionCheck: &types.ConditionCheck{
			TableName:                 aws.String(s.table),
			Key:                       key,
			ConditionExpression:       cond,
			ExpressionAttributeValues: values,
		}})
	}
	return items, nil
}

// condition builds the revision guard for a document observed with rev.
func condition(rev string, read bool) (*string, map[string]types.AttributeValue) {
	if !read {
		return nil, nil
	}
	if rev == "" {
		return aws.String("attribute_not_exists(pk)"), nil
	}
	return aws.String("rev = :rev"), map[string]types.AttributeValue{
		":rev": &types.AttributeValueMemberS{Value: rev},
	}
}

func isConflict(err error) bool {
	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		for _, r := range canceled.CancellationReasons {
			if r.Code == nil {
				continue
			}
			switch *r.Code {
			case "ConditionalCheckFailed", "TransactionConflict":
				return true
			}
		}
		return false
	}
	var inProgress *types.TransactionInProgressException
	return errors.As(err, &inProgress)
}

func encodeItem(w store.Write) (map[string]types.AttributeValue, error) {
	av, err := attributevalue.MarshalMap(item{
		PK:   w.Ref.Collection,
		SK:   w.Ref.Key,
		Data: string(w.Data),
		Rev:  uuid.NewString(),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamo: encode %s: %w", w.Ref, err)
	}
	return av, nil
}

func decodeItem(raw map[string]types.AttributeValue) (*store.Snapshot, error) {
	var it item
	if err := attributevalue.UnmarshalMap(raw, &it); err != nil {
		return nil, fmt.Errorf("dynamo: decode item: %w", err)
	}
	return &store.Snapshot{
		Ref:      store.Ref{Collection: it.PK, Key: it.SK},
		Data:     []byte(it.Data),
		Revision: it.Rev,
		Exists:   true,
	}, nil
}
