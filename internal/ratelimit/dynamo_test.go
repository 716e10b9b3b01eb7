package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"
)

// fakeDynamo evaluates the two condition expressions DynamoLimiter issues.
type fakeDynamo struct {
	items   map[string]map[string]types.AttributeValue
	failAll error
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: map[string]map[string]types.AttributeValue{}}
}

func numOf(t types.AttributeValue) int64 {
	n, _ := strconv.ParseInt(t.(*types.AttributeValueMemberN).Value, 10, 64)
	return n
}

func pkOf(key map[string]types.AttributeValue) string {
	return key["PK"].(*types.AttributeValueMemberS).Value
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	if f.failAll != nil {
		return nil, f.failAll
	}
	item, ok := f.items[pkOf(in.Key)]
	now := numOf(in.ExpressionAttributeValues[":now"])
	max := numOf(in.ExpressionAttributeValues[":max"])
	if !ok || numOf(item["resetAt"]) <= now || numOf(item["count"]) >= max {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("condition failed")}
	}
	item["count"] = numberAttr(numOf(item["count"]) + 1)
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if f.failAll != nil {
		return nil, f.failAll
	}
	pk := pkOf(in.Item)
	now := numOf(in.ExpressionAttributeValues[":now"])
	if item, ok := f.items[pk]; ok && numOf(item["resetAt"]) > now {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("condition failed")}
	}
	f.items[pk] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func TestNewDynamoLimiter_Validation(t *testing.T) {
	_, err := NewDynamoLimiter(nil, "t", 1, time.Minute, nil)
	require.Error(t, err)
	_, err = NewDynamoLimiter(newFakeDynamo(), " ", 1, time.Minute, nil)
	require.Error(t, err)
}

func TestDynamoLimiter_RejectsAfterCapAndResets(t *testing.T) {
	clock := newFakeClock()
	db := newFakeDynamo()
	l, err := NewDynamoLimiter(db, "rate-limits", 2, time.Hour, clock)
	require.NoError(t, err)
	ctx := context.Background()

	require.True(t, l.Admit(ctx, "+15551234567"))
	require.True(t, l.Admit(ctx, "+15551234567"))
	require.False(t, l.Admit(ctx, "+15551234567"))

	item := db.items["RATE#+15551234567"]
	require.Equal(t, int64(2), numOf(item["count"]))

	clock.Advance(time.Hour)
	require.True(t, l.Admit(ctx, "+15551234567"))
	require.Equal(t, int64(1), numOf(db.items["RATE#+15551234567"]["count"]))
}

func TestDynamoLimiter_FailsOpen(t *testing.T) {
	db := newFakeDynamo()
	db.failAll = errors.New("throttled")
	l, err := NewDynamoLimiter(db, "rate-limits", 1, time.Minute, newFakeClock())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.True(t, l.Admit(context.Background(), "+15551234567"))
	}
}
