package limitstore_test

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrapbird/syncgate/pkg/infra/limitstore"
)

type fakeDynamoClient struct {
	updateResponses []func(*dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error)
	updateCalls     int
	getItem         map[string]types.AttributeValue
	getErr          error
	queryItems      []map[string]types.AttributeValue
	queryErr        error
}

func (f *fakeDynamoClient) UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	if f.updateCalls >= len(f.updateResponses) {
		return nil, errors.New("unexpected UpdateItem call")
	}
	fn := f.updateResponses[f.updateCalls]
	f.updateCalls++
	return fn(params)
}

func (f *fakeDynamoClient) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &dynamodb.GetItemOutput{Item: f.getItem}, nil
}

func (f *fakeDynamoClient) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return &dynamodb.QueryOutput{Items: f.queryItems}, nil
}

func entryItem(category string, count, windowStart int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"endpoint":      &types.AttributeValueMemberS{Value: category},
		"request_count": &types.AttributeValueMemberN{Value: strconv.FormatInt(count, 10)},
		"window_start":  &types.AttributeValueMemberN{Value: strconv.FormatInt(windowStart, 10)},
	}
}

func updated(count, windowStart int64) func(*dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error) {
	return func(*dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error) {
		return &dynamodb.UpdateItemOutput{Attributes: entryItem("auth", count, windowStart)}, nil
	}
}

func conditionFailed() func(*dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error) {
	return func(*dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error) {
		return nil, &types.ConditionalCheckFailedException{}
	}
}

func TestDynamoDBStore_Admits(t *testing.T) {
	now := time.Unix(1700000000, 0)
	client := &fakeDynamoClient{
		updateResponses: []func(*dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error){
			updated(3, now.Unix()-10),
		},
	}
	store := limitstore.NewDynamoDBStore(client, "rate-limits", &limitstore.DynamoDBStoreOpts{
		TimeProvider: func() time.Time { return now },
	})

	res, err := store.CheckAndIncrement(context.Background(), limitstore.Key{LicenseHash: "sha256:lic-a", Category: "auth"}, 5, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(2), res.Remaining)
	assert.Equal(t, time.Unix(now.Unix()-10+60, 0), res.ResetAt)
}

func TestDynamoDBStore_DeniesWhenWindowOpenAndExhausted(t *testing.T) {
	now := time.Unix(1700000000, 0)
	windowStart := now.Unix() - 10
	client := &fakeDynamoClient{
		updateResponses: []func(*dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error){
			conditionFailed(),
		},
		getItem: entryItem("auth", 5, windowStart),
	}
	store := limitstore.NewDynamoDBStore(client, "rate-limits", &limitstore.DynamoDBStoreOpts{
		TimeProvider: func() time.Time { return now },
	})

	res, err := store.CheckAndIncrement(context.Background(), limitstore.Key{LicenseHash: "sha256:lic-a", Category: "auth"}, 5, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(0), res.Remaining)
	assert.Equal(t, time.Unix(windowStart+60, 0), res.ResetAt)
}

func TestDynamoDBStore_StaleWindowResetWon(t *testing.T) {
	now := time.Unix(1700000000, 0)
	staleStart := now.Unix() - 120
	client := &fakeDynamoClient{
		updateResponses: []func(*dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error){
			conditionFailed(),
			// The guarded reset succeeds.
			updated(1, now.Unix()),
		},
		getItem: entryItem("auth", 5, staleStart),
	}
	store := limitstore.NewDynamoDBStore(client, "rate-limits", &limitstore.DynamoDBStoreOpts{
		TimeProvider: func() time.Time { return now },
	})

	res, err := store.CheckAndIncrement(context.Background(), limitstore.Key{LicenseHash: "sha256:lic-a", Category: "auth"}, 5, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(4), res.Remaining)
	assert.Equal(t, now.Add(time.Minute), res.ResetAt)
}

func TestDynamoDBStore_StaleWindowResetLostThenRetries(t *testing.T) {
	now := time.Unix(1700000000, 0)
	staleStart := now.Unix() - 120
	client := &fakeDynamoClient{
		updateResponses: []func(*dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error){
			conditionFailed(), // increment rejected, window stale
			conditionFailed(), // reset lost to another racer
			updated(2, now.Unix()), // retry admits on the fresh window
		},
		getItem: entryItem("auth", 5, staleStart),
	}
	store := limitstore.NewDynamoDBStore(client, "rate-limits", &limitstore.DynamoDBStoreOpts{
		TimeProvider: func() time.Time { return now },
	})

	res, err := store.CheckAndIncrement(context.Background(), limitstore.Key{LicenseHash: "sha256:lic-a", Category: "auth"}, 5, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(3), res.Remaining)
}

func TestDynamoDBStore_BackendError(t *testing.T) {
	now := time.Unix(1700000000, 0)
	client := &fakeDynamoClient{
		updateResponses: []func(*dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error){
			func(*dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error) {
				return nil, errors.New("throttled")
			},
		},
	}
	store := limitstore.NewDynamoDBStore(client, "rate-limits", &limitstore.DynamoDBStoreOpts{
		TimeProvider: func() time.Time { return now },
	})

	_, err := store.CheckAndIncrement(context.Background(), limitstore.Key{LicenseHash: "sha256:lic-a", Category: "auth"}, 5, time.Minute)
	assert.ErrorIs(t, err, limitstore.ErrStoreUnavailable)
}

func TestDynamoDBStore_Status(t *testing.T) {
	client := &fakeDynamoClient{
		queryItems: []map[string]types.AttributeValue{
			entryItem("auth", 3, 1700000000),
			entryItem("file", 42, 1700000000),
		},
	}
	store := limitstore.NewDynamoDBStore(client, "rate-limits", nil)

	entries, err := store.Status(context.Background(), "sha256:lic-a")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(3), entries["auth"].RequestCount)
	assert.Equal(t, int64(42), entries["file"].RequestCount)
}
