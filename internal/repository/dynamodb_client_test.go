package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"care-mediator/internal/domain"
)

type fakeDynamo struct {
	getOut        *dynamodb.GetItemOutput
	getErr        error
	putErr        error
	deleteErr     error
	lastGetInput  *dynamodb.GetItemInput
	lastPutInput  *dynamodb.PutItemInput
	lastDelInput  *dynamodb.DeleteItemInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGetInput = in
	return f.getOut, f.getErr
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPutInput = in
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.lastDelInput = in
	return &dynamodb.DeleteItemOutput{}, f.deleteErr
}

func mustNewClient(t *testing.T, db *fakeDynamo) *Client {
	t.Helper()
	c, err := New(db, "test-table")
	require.NoError(t, err)
	return c
}

func profileItem(fields map[string]string) map[string]types.AttributeValue {
	m := map[string]types.AttributeValue{}
	for k, v := range fields {
		m[k] = &types.AttributeValueMemberS{Value: v}
	}
	return map[string]types.AttributeValue{
		"PK":     &types.AttributeValueMemberS{Value: "PROFILE#U1"},
		"SK":     &types.AttributeValueMemberS{Value: skRecord},
		"fields": &types.AttributeValueMemberM{Value: m},
	}
}

func historyItem(msgs []domain.ChatMessage) map[string]types.AttributeValue {
	items := make([]types.AttributeValue, 0, len(msgs))
	for _, msg := range msgs {
		items = append(items, &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			"role":    &types.AttributeValueMemberS{Value: msg.Role},
			"content": &types.AttributeValueMemberS{Value: msg.Content},
		}})
	}
	return map[string]types.AttributeValue{
		"PK":       &types.AttributeValueMemberS{Value: "HIST#U1"},
		"SK":       &types.AttributeValueMemberS{Value: skRecord},
		"messages": &types.AttributeValueMemberL{Value: items},
	}
}

// ---------------------------------------------------------------------------
// Profiles
// ---------------------------------------------------------------------------

func TestGetProfile_HappyPath(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: profileItem(map[string]string{"name": "母", "tone": "やさしい敬語"})}}
	c := mustNewClient(t, db)
	p, found, err := c.GetProfile(context.Background(), "U1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "母", p["name"])
	require.Equal(t, "やさしい敬語", p["tone"])
	require.Equal(t, "PROFILE#U1", db.lastGetInput.Key["PK"].(*types.AttributeValueMemberS).Value)
}

func TestGetProfile_Missing(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{}}
	c := mustNewClient(t, db)
	p, found, err := c.GetProfile(context.Background(), "U1")
	require.NoError(t, err)
	require.False(t, found)
	require.Empty(t, p)
}

func TestGetProfile_GetItemError(t *testing.T) {
	db := &fakeDynamo{getErr: errors.New("boom")}
	c := mustNewClient(t, db)
	_, _, err := c.GetProfile(context.Background(), "U1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "GetProfile")
}

func TestGetProfile_MalformedFields(t *testing.T) {
	item := map[string]types.AttributeValue{
		"PK":     &types.AttributeValueMemberS{Value: "PROFILE#U1"},
		"fields": &types.AttributeValueMemberS{Value: "not-a-map"},
	}
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: item}}
	c := mustNewClient(t, db)
	_, _, err := c.GetProfile(context.Background(), "U1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not a map")
}

func TestPutProfile_HappyPath(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	err := c.PutProfile(context.Background(), "U1", domain.Profile{"name": "裕智"})
	require.NoError(t, err)
	fields := db.lastPutInput.Item["fields"].(*types.AttributeValueMemberM)
	require.Equal(t, "裕智", fields.Value["name"].(*types.AttributeValueMemberS).Value)
}

func TestPutProfile_EmptyID(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})
	err := c.PutProfile(context.Background(), " ", domain.Profile{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "required")
}

func TestPutProfile_DynamoError(t *testing.T) {
	db := &fakeDynamo{putErr: errors.New("throttled")}
	c := mustNewClient(t, db)
	err := c.PutProfile(context.Background(), "U1", domain.Profile{"name": "x"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "PutProfile")
}

// ---------------------------------------------------------------------------
// History
// ---------------------------------------------------------------------------

func TestLoadHistory_HappyPath(t *testing.T) {
	msgs := []domain.ChatMessage{
		{Role: domain.RoleUser, Content: "めまいがします"},
		{Role: domain.RoleAssistant, Content: "お大事になさってください"},
	}
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: historyItem(msgs)}}
	c := mustNewClient(t, db)
	got, err := c.LoadHistory(context.Background(), "U1")
	require.NoError(t, err)
	require.Equal(t, msgs, got)
	require.Equal(t, "HIST#U1", db.lastGetInput.Key["PK"].(*types.AttributeValueMemberS).Value)
}

func TestLoadHistory_Missing(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{}}
	c := mustNewClient(t, db)
	got, err := c.LoadHistory(context.Background(), "U1")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestLoadHistory_MalformedItem(t *testing.T) {
	item := map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: "HIST#U1"},
		"messages": &types.AttributeValueMemberL{Value: []types.AttributeValue{
			&types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
				"role": &types.AttributeValueMemberS{Value: "user"},
			}},
		}},
	}
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: item}}
	c := mustNewClient(t, db)
	_, err := c.LoadHistory(context.Background(), "U1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "content")
}

func TestSaveHistory_WholeDocumentReplace(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	msgs := []domain.ChatMessage{{Role: domain.RoleUser, Content: "こんにちは"}}
	require.NoError(t, c.SaveHistory(context.Background(), "U1", msgs))

	// the full document is written, not a partial append
	require.Nil(t, db.lastPutInput.ConditionExpression)
	list := db.lastPutInput.Item["messages"].(*types.AttributeValueMemberL)
	require.Len(t, list.Value, 1)
}

func TestSaveHistory_DynamoError(t *testing.T) {
	db := &fakeDynamo{putErr: errors.New("down")}
	c := mustNewClient(t, db)
	err := c.SaveHistory(context.Background(), "U1", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "SaveHistory")
}

// ---------------------------------------------------------------------------
// Pending relay
// ---------------------------------------------------------------------------

func pendingItem(text string, version string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":      &types.AttributeValueMemberS{Value: pkPending},
		"SK":      &types.AttributeValueMemberS{Value: skRecord},
		"text":    &types.AttributeValueMemberS{Value: text},
		"version": &types.AttributeValueMemberN{Value: version},
	}
}

func TestGetPending_HappyPath(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: pendingItem("母がめまいを訴えています", "3")}}
	c := mustNewClient(t, db)
	p, found, err := c.GetPending(context.Background())
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "母がめまいを訴えています", p.Text)
	require.Equal(t, int64(3), p.Version)
}

func TestGetPending_Idle(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{}}
	c := mustNewClient(t, db)
	_, found, err := c.GetPending(context.Background())
	require.NoError(t, err)
	require.False(t, found)
}

func TestGetPending_MalformedVersion(t *testing.T) {
	item := pendingItem("x", "3")
	item["version"] = &types.AttributeValueMemberS{Value: "bad"}
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: item}}
	c := mustNewClient(t, db)
	_, _, err := c.GetPending(context.Background())
	require.Error(t, err)
}

func TestPutPending_FreshSlot(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	require.NoError(t, c.PutPending(context.Background(), "報告案", 0))
	require.Equal(t, "attribute_not_exists(PK)", *db.lastPutInput.ConditionExpression)
	require.Equal(t, "1", db.lastPutInput.Item["version"].(*types.AttributeValueMemberN).Value)
}

func TestPutPending_Overwrite(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	require.NoError(t, c.PutPending(context.Background(), "新しい報告案", 2))
	require.Equal(t, "version = :v", *db.lastPutInput.ConditionExpression)
	require.Equal(t, "2", db.lastPutInput.ExpressionAttributeValues[":v"].(*types.AttributeValueMemberN).Value)
	require.Equal(t, "3", db.lastPutInput.Item["version"].(*types.AttributeValueMemberN).Value)
}

func TestPutPending_VersionConflict(t *testing.T) {
	db := &fakeDynamo{putErr: &types.ConditionalCheckFailedException{}}
	c := mustNewClient(t, db)
	err := c.PutPending(context.Background(), "x", 1)
	require.ErrorIs(t, err, ErrVersionConflict)
}

func TestPutPending_DynamoError(t *testing.T) {
	db := &fakeDynamo{putErr: errors.New("down")}
	c := mustNewClient(t, db)
	err := c.PutPending(context.Background(), "x", 1)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrVersionConflict)
}

func TestClearPending_HappyPath(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	require.NoError(t, c.ClearPending(context.Background(), 3))
	require.Equal(t, "version = :v", *db.lastDelInput.ConditionExpression)
	require.Equal(t, "3", db.lastDelInput.ExpressionAttributeValues[":v"].(*types.AttributeValueMemberN).Value)
}

func TestClearPending_VersionConflict(t *testing.T) {
	db := &fakeDynamo{deleteErr: &types.ConditionalCheckFailedException{}}
	c := mustNewClient(t, db)
	err := c.ClearPending(context.Background(), 3)
	require.ErrorIs(t, err, ErrVersionConflict)
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil, "test-table")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be nil")
}

func TestNew_EmptyTableName(t *testing.T) {
	_, err := New(&fakeDynamo{}, " ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be empty")
}
