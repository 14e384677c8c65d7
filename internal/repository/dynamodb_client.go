package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"care-mediator/internal/domain"
)

const (
	pkPrefixProfile = "PROFILE#"
	pkPrefixHistory = "HIST#"
	pkPending       = "PENDING"
	skRecord        = "RECORD"
)

// ErrVersionConflict is returned when a conditional write on the pending-relay
// slot loses to a concurrent writer.
var ErrVersionConflict = domain.ErrRelayConflict

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Client wraps a single DynamoDB table holding the three keyed stores:
// profile-by-participant, conversation-history-by-participant, and the single
// fixed-key pending-relay record. History and profile writes are
// whole-document replaces so concurrent writers for the same key cannot
// interleave partial appends.
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

func profilePK(participantID string) string {
	return pkPrefixProfile + participantID
}

func historyPK(participantID string) string {
	return pkPrefixHistory + participantID
}

func recordKey(pk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: skRecord},
	}
}

// GetProfile loads a participant's profile. A missing document yields an
// empty profile and found=false.
func (c *Client) GetProfile(ctx context.Context, participantID string) (domain.Profile, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            recordKey(profilePK(participantID)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, false, fmt.Errorf("repository: GetProfile: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Profile{}, false, nil
	}

	fields, err := mapAttr(out.Item, "fields")
	if err != nil {
		return nil, false, fmt.Errorf("repository: GetProfile decode fields: %w", err)
	}
	return fields, true, nil
}

// PutProfile replaces a participant's profile document. Merging is the
// caller's concern; the store layer only ever writes whole documents.
func (c *Client) PutProfile(ctx context.Context, participantID string, profile domain.Profile) error {
	if strings.TrimSpace(participantID) == "" {
		return errors.New("repository: PutProfile: participant id is required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":     &types.AttributeValueMemberS{Value: profilePK(participantID)},
			"SK":     &types.AttributeValueMemberS{Value: skRecord},
			"fields": profileAttr(profile),
		},
	})
	if err != nil {
		return fmt.Errorf("repository: PutProfile: %w", err)
	}
	return nil
}

// LoadHistory returns the participant's recorded conversation in original
// order, or an empty sequence if none exists.
func (c *Client) LoadHistory(ctx context.Context, participantID string) ([]domain.ChatMessage, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            recordKey(historyPK(participantID)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: LoadHistory: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}

	msgs, err := messagesAttr(out.Item, "messages")
	if err != nil {
		return nil, fmt.Errorf("repository: LoadHistory decode messages: %w", err)
	}
	return msgs, nil
}

// SaveHistory replaces the participant's conversation document.
func (c *Client) SaveHistory(ctx context.Context, participantID string, messages []domain.ChatMessage) error {
	if strings.TrimSpace(participantID) == "" {
		return errors.New("repository: SaveHistory: participant id is required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":       &types.AttributeValueMemberS{Value: historyPK(participantID)},
			"SK":       &types.AttributeValueMemberS{Value: skRecord},
			"messages": messagesItem(messages),
		},
	})
	if err != nil {
		return fmt.Errorf("repository: SaveHistory: %w", err)
	}
	return nil
}

// GetPending loads the pending-relay slot. found=false means the slot is idle.
func (c *Client) GetPending(ctx context.Context) (domain.PendingRelay, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            recordKey(pkPending),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.PendingRelay{}, false, fmt.Errorf("repository: GetPending: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.PendingRelay{}, false, nil
	}

	text, err := strAttr(out.Item, "text")
	if err != nil {
		return domain.PendingRelay{}, false, fmt.Errorf("repository: GetPending: %w", err)
	}
	version, err := intAttr(out.Item, "version")
	if err != nil {
		return domain.PendingRelay{}, false, fmt.Errorf("repository: GetPending: %w", err)
	}
	return domain.PendingRelay{Text: text, Version: version}, true, nil
}

// PutPending writes the pending-relay slot with an optimistic-concurrency
// check: the write succeeds only if the stored version still equals
// expectedVersion (0 meaning "slot absent"). The stored version becomes
// expectedVersion+1. Returns ErrVersionConflict when a concurrent writer won.
func (c *Client) PutPending(ctx context.Context, text string, expectedVersion int64) error {
	in := &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":      &types.AttributeValueMemberS{Value: pkPending},
			"SK":      &types.AttributeValueMemberS{Value: skRecord},
			"text":    &types.AttributeValueMemberS{Value: text},
			"version": &types.AttributeValueMemberN{Value: strconv.FormatInt(expectedVersion+1, 10)},
		},
	}
	if expectedVersion == 0 {
		in.ConditionExpression = aws.String("attribute_not_exists(PK)")
	} else {
		in.ConditionExpression = aws.String("version = :v")
		in.ExpressionAttributeValues = map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberN{Value: strconv.FormatInt(expectedVersion, 10)},
		}
	}

	if _, err := c.api.PutItem(ctx, in); err != nil {
		var conditionErr *types.ConditionalCheckFailedException
		if errors.As(err, &conditionErr) {
			return ErrVersionConflict
		}
		return fmt.Errorf("repository: PutPending: %w", err)
	}
	return nil
}

// ClearPending deletes the pending-relay slot if its version still matches.
func (c *Client) ClearPending(ctx context.Context, expectedVersion int64) error {
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 recordKey(pkPending),
		ConditionExpression: aws.String("version = :v"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberN{Value: strconv.FormatInt(expectedVersion, 10)},
		},
	})
	if err != nil {
		var conditionErr *types.ConditionalCheckFailedException
		if errors.As(err, &conditionErr) {
			return ErrVersionConflict
		}
		return fmt.Errorf("repository: ClearPending: %w", err)
	}
	return nil
}

func profileAttr(profile domain.Profile) types.AttributeValue {
	fields := make(map[string]types.AttributeValue, len(profile))
	for k, v := range profile {
		fields[k] = &types.AttributeValueMemberS{Value: v}
	}
	return &types.AttributeValueMemberM{Value: fields}
}

func messagesItem(messages []domain.ChatMessage) types.AttributeValue {
	items := make([]types.AttributeValue, 0, len(messages))
	for _, m := range messages {
		items = append(items, &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			"role":    &types.AttributeValueMemberS{Value: m.Role},
			"content": &types.AttributeValueMemberS{Value: m.Content},
		}})
	}
	return &types.AttributeValueMemberL{Value: items}
}

func mapAttr(item map[string]types.AttributeValue, key string) (domain.Profile, error) {
	v, ok := item[key]
	if !ok {
		return nil, fmt.Errorf("missing attribute %q", key)
	}
	m, ok := v.(*types.AttributeValueMemberM)
	if !ok {
		return nil, fmt.Errorf("attribute %q is not a map", key)
	}
	out := make(domain.Profile, len(m.Value))
	for k, av := range m.Value {
		s, ok := av.(*types.AttributeValueMemberS)
		if !ok {
			return nil, fmt.Errorf("attribute %q field %q is not a string", key, k)
		}
		out[k] = s.Value
	}
	return out, nil
}

func messagesAttr(item map[string]types.AttributeValue, key string) ([]domain.ChatMessage, error) {
	v, ok := item[key]
	if !ok {
		return nil, fmt.Errorf("missing attribute %q", key)
	}
	l, ok := v.(*types.AttributeValueMemberL)
	if !ok {
		return nil, fmt.Errorf("attribute %q is not a list", key)
	}
	msgs := make([]domain.ChatMessage, 0, len(l.Value))
	for i, av := range l.Value {
		m, ok := av.(*types.AttributeValueMemberM)
		if !ok {
			return nil, fmt.Errorf("attribute %q item %d is not a map", key, i)
		}
		role, err := strAttr(m.Value, "role")
		if err != nil {
			return nil, err
		}
		content, err := strAttr(m.Value, "content")
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, domain.ChatMessage{Role: role, Content: content})
	}
	return msgs, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
