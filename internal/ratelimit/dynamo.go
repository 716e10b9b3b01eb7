package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const bucketPKPrefix = "RATE#"

// dynamodbAPI is the minimal DynamoDB interface required by DynamoLimiter.
type dynamodbAPI interface {
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// DynamoLimiter keeps one bucket item per phone number in a DynamoDB table with
// partition key "PK". Conditional writes make admission atomic across instances.
type DynamoLimiter struct {
	api       dynamodbAPI
	tableName string
	max       int
	window    time.Duration
	clock     Clock
}

var _ Limiter = (*DynamoLimiter)(nil)

// NewDynamoLimiter creates a limiter backed by tableName.
func NewDynamoLimiter(api dynamodbAPI, tableName string, max int, window time.Duration, clock Clock) (*DynamoLimiter, error) {
	if api == nil {
		return nil, errors.New("ratelimit: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("ratelimit: table name must not be empty")
	}
	if max <= 0 {
		max = DefaultMaxMessages
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &DynamoLimiter{api: api, tableName: tableName, max: max, window: window, clock: clock}, nil
}

func bucketKey(phone string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: bucketPKPrefix + phone},
	}
}

func numberAttr(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

// Admit increments the live bucket if it is under the cap, otherwise tries to
// open a fresh window. AWS errors fail open so an outage never silences customers.
func (l *DynamoLimiter) Admit(ctx context.Context, phone string) bool {
	now := l.clock.Now()
	admitted, err := l.increment(ctx, phone, now)
	if err == nil && admitted {
		return true
	}
	if err != nil {
		slog.Error("DynamoLimiter.Admit: increment failed, admitting", "error", err)
		return true
	}

	admitted, err = l.openWindow(ctx, phone, now)
	if err != nil {
		slog.Error("DynamoLimiter.Admit: open window failed, admitting", "error", err)
		return true
	}
	if !admitted {
		slog.Warn("DynamoLimiter.Admit: rate limit exceeded", "max", l.max, "window", l.window)
	}
	return admitted
}

// increment bumps count on a bucket whose window is still open and under the cap.
// It returns false without error when the condition does not hold.
func (l *DynamoLimiter) increment(ctx context.Context, phone string, now time.Time) (bool, error) {
	_, err := l.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(l.tableName),
		Key:                 bucketKey(phone),
		UpdateExpression:    aws.String("SET #count = #count + :one"),
		ConditionExpression: aws.String("attribute_exists(PK) AND #resetAt > :now AND #count < :max"),
		ExpressionAttributeNames: map[string]string{
			"#count":   "count",
			"#resetAt": "resetAt",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": numberAttr(1),
			":now": numberAttr(now.UnixMilli()),
			":max": numberAttr(int64(l.max)),
		},
	})
	if err == nil {
		return true, nil
	}
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return false, nil
	}
	return false, fmt.Errorf("ratelimit: increment bucket: %w", err)
}

// openWindow starts a new bucket with count 1 when none exists or the old window
// has elapsed. It returns false without error when a live bucket is at its cap.
func (l *DynamoLimiter) openWindow(ctx context.Context, phone string, now time.Time) (bool, error) {
	resetAt := now.Add(l.window)
	item := bucketKey(phone)
	item["count"] = numberAttr(1)
	item["resetAt"] = numberAttr(resetAt.UnixMilli())
	// TTL attribute so DynamoDB reaps idle buckets.
	item["ttl"] = numberAttr(resetAt.Add(l.window).Unix())

	_, err := l.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(l.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK) OR #resetAt <= :now"),
		ExpressionAttributeNames: map[string]string{
			"#resetAt": "resetAt",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": numberAttr(now.UnixMilli()),
		},
	})
	if err == nil {
		return true, nil
	}
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return false, nil
	}
	return false, fmt.Errorf("ratelimit: open bucket window: %w", err)
}
