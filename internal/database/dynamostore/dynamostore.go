// Package dynamostore is the DynamoDB allocation store. It uses the
// integration table layout deployed alongside the SIP media application:
// partition key sma_number, sort key connect_number, a global secondary
// index on in_use, and string-valued "true"/"false" flags.
package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/flowpbx/takeback/internal/allocator"
	"github.com/flowpbx/takeback/internal/database/models"
)

// Attribute names in the integration table.
const (
	attrGatewayNumber  = "sma_number"
	attrRoutingNumber  = "connect_number"
	attrInUse          = "in_use"
	attrSessionID      = "transaction_id"
	attrClaimedAt      = "call_timestamp"
	attrOriginalCaller = "original_calling_number"
)

// DefaultIndex is the name of the in_use global secondary index.
const DefaultIndex = "in_use"

// API is the subset of *dynamodb.Client used by Store.
type API interface {
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// Store implements allocator.AdminStore on a DynamoDB table.
type Store struct {
	api   API
	table string
	index string
}

var _ allocator.AdminStore = (*Store)(nil)

// New creates a Store for table. An empty index selects DefaultIndex.
func New(api API, table, index string) *Store {
	if index == "" {
		index = DefaultIndex
	}
	slog.Info("dynamodb store configured", "table", table, "index", index)
	return &Store{api: api, table: table, index: index}
}

func str(v string) types.AttributeValue  { return &types.AttributeValueMemberS{Value: v} }
func num(v int64) types.AttributeValue   { return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)} }
func boolStr(v bool) types.AttributeValue { return str(strconv.FormatBool(v)) }

func itemKey(key models.PairKey) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrGatewayNumber: str(key.GatewayNumber),
		attrRoutingNumber: str(key.RoutingNumber),
	}
}

// QueryAvailable queries the in_use index for one free pair.
func (s *Store) QueryAvailable(ctx context.Context) (*models.Pair, error) {
	out, err := s.api.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.table),
		IndexName:                 aws.String(s.index),
		KeyConditionExpression:    aws.String("in_use = :false"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":false": boolStr(false)},
		Limit:                     aws.Int32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("querying available pair: %w", err)
	}
	if len(out.Items) == 0 {
		return nil, nil
	}
	return decodePair(out.Items[0])
}

// ConditionalClaim marks the pair in use if in_use is absent or false.
func (s *Store) ConditionalClaim(ctx context.Context, key models.PairKey, claim allocator.Claim) error {
	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key:       itemKey(key),
		UpdateExpression: aws.String("SET transaction_id = :transaction_id, call_timestamp = :ts, " +
			"in_use = :true, original_calling_number = :caller"),
		ConditionExpression: aws.String("attribute_not_exists(in_use) OR in_use = :false"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":transaction_id": str(claim.SessionID),
			":caller":         str(claim.OriginalCaller),
			":ts":             num(claim.ClaimedAt.Unix()),
			":true":           boolStr(true),
			":false":          boolStr(false),
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return allocator.ErrPreconditionFailed
		}
		return fmt.Errorf("claiming pair: %w", err)
	}
	return nil
}

// Release sets in_use to "false".
func (s *Store) Release(ctx context.Context, key models.PairKey) error {
	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       itemKey(key),
		UpdateExpression:          aws.String("SET in_use = :false"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":false": boolStr(false)},
	})
	if err != nil {
		return fmt.Errorf("releasing pair: %w", err)
	}
	return nil
}

// Get reads one pair with a strongly consistent read.
func (s *Store) Get(ctx context.Context, key models.PairKey) (*models.Pair, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            itemKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("getting pair: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	return decodePair(out.Item)
}

// Put provisions an available pair unless it already exists.
func (s *Store) Put(ctx context.Context, key models.PairKey) error {
	item := itemKey(key)
	item[attrInUse] = boolStr(false)

	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(sma_number)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return nil
		}
		return fmt.Errorf("putting pair: %w", err)
	}
	return nil
}

// List scans the whole table.
func (s *Store) List(ctx context.Context) ([]models.Pair, error) {
	var (
		pairs    []models.Pair
		startKey map[string]types.AttributeValue
	)
	for {
		out, err := s.api.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(s.table),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("scanning pairs: %w", err)
		}
		for _, item := range out.Items {
			p, err := decodePair(item)
			if err != nil {
				return nil, err
			}
			pairs = append(pairs, *p)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].GatewayNumber != pairs[j].GatewayNumber {
			return pairs[i].GatewayNumber < pairs[j].GatewayNumber
		}
		return pairs[i].RoutingNumber < pairs[j].RoutingNumber
	})
	return pairs, nil
}

// ListClaimedBefore queries the in_use index for claimed pairs and filters
// by call_timestamp.
func (s *Store) ListClaimedBefore(ctx context.Context, cutoff time.Time) ([]models.Pair, error) {
	var (
		pairs    []models.Pair
		startKey map[string]types.AttributeValue
	)
	for {
		out, err := s.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			IndexName:              aws.String(s.index),
			KeyConditionExpression: aws.String("in_use = :true"),
			FilterExpression:       aws.String("call_timestamp < :cutoff"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":true":   boolStr(true),
				":cutoff": num(cutoff.Unix()),
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("querying claimed pairs: %w", err)
		}
		for _, item := range out.Items {
			p, err := decodePair(item)
			if err != nil {
				return nil, err
			}
			pairs = append(pairs, *p)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return pairs, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

// ReleaseStale releases the pair only if it is still claimed and its
// call_timestamp predates cutoff.
func (s *Store) ReleaseStale(ctx context.Context, key models.PairKey, cutoff time.Time) (bool, error) {
	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.table),
		Key:                 itemKey(key),
		UpdateExpression:    aws.String("SET in_use = :false"),
		ConditionExpression: aws.String("in_use = :true AND call_timestamp < :cutoff"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":true":   boolStr(true),
			":false":  boolStr(false),
			":cutoff": num(cutoff.Unix()),
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return false, nil
		}
		return false, fmt.Errorf("releasing stale pair: %w", err)
	}
	return true, nil
}

// decodePair maps an item to a Pair. Missing optional attributes are left
// at their zero value.
func decodePair(item map[string]types.AttributeValue) (*models.Pair, error) {
	var p models.Pair

	p.GatewayNumber = stringAttr(item, attrGatewayNumber)
	p.RoutingNumber = stringAttr(item, attrRoutingNumber)
	if p.GatewayNumber == "" || p.RoutingNumber == "" {
		return nil, fmt.Errorf("item missing %s or %s", attrGatewayNumber, attrRoutingNumber)
	}

	p.InUse = stringAttr(item, attrInUse) == "true"
	p.SessionID = stringAttr(item, attrSessionID)
	p.OriginalCaller = stringAttr(item, attrOriginalCaller)

	if n, ok := item[attrClaimedAt].(*types.AttributeValueMemberN); ok {
		secs, err := strconv.ParseInt(n.Value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", attrClaimedAt, err)
		}
		t := time.Unix(secs, 0).UTC()
		p.ClaimedAt = &t
	}
	return &p, nil
}

func stringAttr(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

// CountByState returns the number of available and in-use pairs. It scans
// the table, which is acceptable for the small pools this table holds.
func (s *Store) CountByState(ctx context.Context) (available, inUse int64, err error) {
	pairs, err := s.List(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, p := range pairs {
		if p.InUse {
			inUse++
		} else {
			available++
		}
	}
	return available, inUse, nil
}
