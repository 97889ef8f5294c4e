package limitstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoDBAPI is the slice of the DynamoDB client this store uses.
type DynamoDBAPI interface {
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

type DynamoDBStoreOpts struct {
	TimeProvider func() time.Time
	TTLGrace     time.Duration
}

// DynamoDBStore keeps counters in a DynamoDB table keyed by
// (license_key_hash, endpoint). All coordination happens through conditional
// UpdateItem expressions; the table's native TTL attribute reaps stale
// entries as hygiene.
type DynamoDBStore struct {
	client       DynamoDBAPI
	table        string
	timeProvider func() time.Time
	ttlGrace     time.Duration
}

func NewDynamoDBStore(client DynamoDBAPI, table string, opts *DynamoDBStoreOpts) *DynamoDBStore {
	s := &DynamoDBStore{
		client:       client,
		table:        table,
		timeProvider: time.Now,
		ttlGrace:     time.Minute,
	}
	if opts != nil && opts.TimeProvider != nil {
		s.timeProvider = opts.TimeProvider
	}
	if opts != nil && opts.TTLGrace > 0 {
		s.ttlGrace = opts.TTLGrace
	}
	return s
}

func (s *DynamoDBStore) CheckAndIncrement(ctx context.Context, key Key, limit int, window time.Duration) (Result, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		now := s.timeProvider()

		res, err := s.tryIncrement(ctx, key, limit, window, now)
		if err == nil {
			return res, nil
		}
		var ccfe *types.ConditionalCheckFailedException
		if !errors.As(err, &ccfe) {
			return Result{}, fmt.Errorf("%w: check and increment: %v", ErrStoreUnavailable, err)
		}

		// The conditional increment was rejected: the window is either open
		// and exhausted, or stale. Read the entry to tell which.
		entry, err := s.getEntry(ctx, key)
		if err != nil {
			return Result{}, fmt.Errorf("%w: entry read: %v", ErrStoreUnavailable, err)
		}
		if entry == nil {
			// Entry vanished between write and read (TTL reaper). Retry from
			// the top; the next increment will recreate it.
			continue
		}

		resetAt := time.Unix(entry.WindowStart, 0).Add(window)
		if now.Unix()-entry.WindowStart < int64(window/time.Second) {
			return Result{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
		}

		// Stale window: roll it over, guarded by the window_start we just
		// observed so only one racer resets.
		won, err := s.tryResetWindow(ctx, key, entry.WindowStart, now, window)
		if err != nil {
			return Result{}, fmt.Errorf("%w: window reset: %v", ErrStoreUnavailable, err)
		}
		if won {
			return Result{
				Allowed:   true,
				Remaining: int64(limit) - 1,
				ResetAt:   now.Add(window),
			}, nil
		}
		select {
		case <-ctx.Done():
			return Result{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, ctx.Err())
		case <-time.After(backoff(attempt)):
		}
	}

	return Result{}, fmt.Errorf("%w: contention retries exhausted", ErrStoreUnavailable)
}

func (s *DynamoDBStore) tryIncrement(ctx context.Context, key Key, limit int, window time.Duration, now time.Time) (Result, error) {
	ttl := now.Unix() + int64(window/time.Second) + int64(s.ttlGrace/time.Second)
	stale := now.Unix() - int64(window/time.Second)

	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.table),
		Key:                 s.itemKey(key),
		UpdateExpression:    aws.String("SET request_count = if_not_exists(request_count, :zero) + :one, window_start = if_not_exists(window_start, :start), #ttl = :ttl"),
		ConditionExpression: aws.String("attribute_not_exists(request_count) OR (window_start > :stale AND request_count < :limit)"),
		ExpressionAttributeNames: map[string]string{
			"#ttl": "ttl",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":zero":  &types.AttributeValueMemberN{Value: "0"},
			":one":   &types.AttributeValueMemberN{Value: "1"},
			":limit": &types.AttributeValueMemberN{Value: strconv.Itoa(limit)},
			":start": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
			":stale": &types.AttributeValueMemberN{Value: strconv.FormatInt(stale, 10)},
			":ttl":   &types.AttributeValueMemberN{Value: strconv.FormatInt(ttl, 10)},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		return Result{}, err
	}

	var entry Entry
	if err := attributevalue.UnmarshalMap(out.Attributes, &entry); err != nil {
		return Result{}, err
	}
	remaining := int64(limit) - entry.RequestCount
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   true,
		Remaining: remaining,
		ResetAt:   time.Unix(entry.WindowStart, 0).Add(window),
	}, nil
}

func (s *DynamoDBStore) tryResetWindow(ctx context.Context, key Key, observedStart int64, now time.Time, window time.Duration) (bool, error) {
	ttl := now.Unix() + int64(window/time.Second) + int64(s.ttlGrace/time.Second)

	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.table),
		Key:                 s.itemKey(key),
		UpdateExpression:    aws.String("SET request_count = :one, window_start = :start, #ttl = :ttl"),
		ConditionExpression: aws.String("window_start = :observed"),
		ExpressionAttributeNames: map[string]string{
			"#ttl": "ttl",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one":      &types.AttributeValueMemberN{Value: "1"},
			":start":    &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
			":observed": &types.AttributeValueMemberN{Value: strconv.FormatInt(observedStart, 10)},
			":ttl":      &types.AttributeValueMemberN{Value: strconv.FormatInt(ttl, 10)},
		},
	})
	if err != nil {
		var ccfe *types.ConditionalCheckFailedException
		if errors.As(err, &ccfe) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *DynamoDBStore) getEntry(ctx context.Context, key Key) (*Entry, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            s.itemKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, nil
	}
	var entry Entry
	if err := attributevalue.UnmarshalMap(out.Item, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *DynamoDBStore) Status(ctx context.Context, licenseHash string) (map[string]Entry, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("license_key_hash = :hash"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":hash": &types.AttributeValueMemberS{Value: licenseHash},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: status query: %v", ErrStoreUnavailable, err)
	}

	entries := make(map[string]Entry, len(out.Items))
	for _, item := range out.Items {
		var entry Entry
		if err := attributevalue.UnmarshalMap(item, &entry); err != nil {
			return nil, fmt.Errorf("%w: status unmarshal: %v", ErrStoreUnavailable, err)
		}
		entries[entry.Category] = entry
	}
	return entries, nil
}

func (s *DynamoDBStore) itemKey(key Key) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"license_key_hash": &types.AttributeValueMemberS{Value: key.LicenseHash},
		"endpoint":         &types.AttributeValueMemberS{Value: key.Category},
	}
}
