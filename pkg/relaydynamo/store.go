// Copyright 2024-2026 Aiku AI

// Package relaydynamo keeps relay links in a DynamoDB table keyed by the
// relay message id.
package relaydynamo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/aiku/feedback-relay/pkg/relay"
)

const keyPrefix = "LINK#"

// dynamodbAPI is the part of the DynamoDB client the store uses.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// Store implements relay.CorrelationStore on a single DynamoDB table with a
// string partition key named PK.
type Store struct {
	api       dynamodbAPI
	tableName string
	ttl       time.Duration
}

var _ relay.CorrelationStore = (*Store)(nil)

type linkItem struct {
	PK              string `dynamodbav:"PK"`
	RelayMessageID  int64  `dynamodbav:"relayMessageId"`
	CorrespondentID int64  `dynamodbav:"correspondentId"`
	ChannelID       int64  `dynamodbav:"channelId"`
	CreatedAt       int64  `dynamodbav:"createdAt"`
	TTL             int64  `dynamodbav:"ttl,omitempty"`
}

// New creates a Store. A zero ttl keeps links forever.
func New(api dynamodbAPI, tableName string, ttl time.Duration) (*Store, error) {
	if api == nil {
		return nil, errors.New("relaydynamo: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("relaydynamo: table name must not be empty")
	}
	return &Store{api: api, tableName: tableName, ttl: ttl}, nil
}

// NewFromConfig loads the default AWS configuration and creates a Store.
// endpoint overrides the service URL, which is useful for DynamoDB Local.
func NewFromConfig(ctx context.Context, tableName, region, endpoint string, ttl time.Duration) (*Store, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("relaydynamo: load aws config: %w", err)
	}
	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return New(client, tableName, ttl)
}

func linkPK(id relay.MessageID) string {
	return keyPrefix + strconv.FormatInt(int64(id), 10)
}

// PutLink implements relay.CorrelationStore. Writes overwrite any previous
// link for the same relay message.
func (s *Store) PutLink(ctx context.Context, link *relay.Link) error {
	item := linkItem{
		PK:              linkPK(link.RelayMessageID),
		RelayMessageID:  int64(link.RelayMessageID),
		CorrespondentID: int64(link.CorrespondentID),
		ChannelID:       int64(link.ChannelID),
		CreatedAt:       link.CreatedAt.UnixMilli(),
	}
	if s.ttl > 0 {
		item.TTL = link.CreatedAt.Add(s.ttl).Unix()
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return &relay.StoreError{Op: "put", Err: fmt.Errorf("marshal link: %w", err)}
	}
	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      av,
	})
	if err != nil {
		return &relay.StoreError{Op: "put", Err: err}
	}
	return nil
}

// GetLink implements relay.CorrelationStore. Reads are strongly consistent so
// a reply arriving right after the forward still finds its link.
func (s *Store) GetLink(ctx context.Context, id relay.MessageID) (*relay.Link, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: linkPK(id)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, &relay.StoreError{Op: "get", Err: err}
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}
	var item linkItem
	if err = attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, &relay.StoreError{Op: "get", Err: fmt.Errorf("unmarshal link: %w", err)}
	}
	if s.ttl > 0 && item.TTL > 0 && time.Now().Unix() >= item.TTL {
		// DynamoDB deletes expired items lazily.
		return nil, nil
	}
	return &relay.Link{
		RelayMessageID:  relay.MessageID(item.RelayMessageID),
		CorrespondentID: relay.UserID(item.CorrespondentID),
		ChannelID:       relay.ChannelID(item.ChannelID),
		CreatedAt:       time.UnixMilli(item.CreatedAt),
	}, nil
}
