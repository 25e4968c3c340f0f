package infra

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/puretik/modmail-relay/domain/model"
)

// DynamoDB is a Datastore for deployments that already run on AWS.
// Selected with DB_DRIVER=dynamodb.
type DynamoDB struct {
	db *dynamodb.Client
}

var tableNamePrefix = "modmail_relay"
var ticketTableName = tableNamePrefix + "_tickets"

const (
	userStateIndexName = "UserStateIndex"
	threadIndexName    = "ThreadIndex"
)

func NewDynamoDB() (*DynamoDB, error) {
	if os.Getenv("DYNAMO_TABLE_NAME_PREFIX") != "" {
		tableNamePrefix = os.Getenv("DYNAMO_TABLE_NAME_PREFIX")
		ticketTableName = tableNamePrefix + "_tickets"
	}
	if os.Getenv("DYNAMO_TICKET_TABLE_NAME") != "" {
		ticketTableName = os.Getenv("DYNAMO_TICKET_TABLE_NAME")
	}
	var db *dynamodb.Client
	if os.Getenv("DYNAMO_LOCAL") != "" {
		cfg, err := config.LoadDefaultConfig(context.TODO(),
			config.WithRegion("dummy"),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("dummy", "dummy", "dummy")),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration: %v", err)
		}

		db = dynamodb.NewFromConfig(cfg,
			func(o *dynamodb.Options) {
				o.BaseEndpoint = aws.String("http://localhost:8000")
			},
		)
	} else {
		cfg, err := config.LoadDefaultConfig(context.TODO())
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration: %v", err)
		}

		db = dynamodb.NewFromConfig(cfg)
	}
	d := &DynamoDB{
		db: db,
	}
	if os.Getenv("DYNAMO_LOCAL") != "" {
		if err := d.EnsureTable(); err != nil {
			return nil, err
		}
	}
	return d, nil
}

const (
	waitInterval = 2 * time.Second
	maxWaitTries = 30
)

func (d *DynamoDB) EnsureTable() error {
	_, err := d.db.DescribeTable(context.TODO(), &dynamodb.DescribeTableInput{
		TableName: aws.String(ticketTableName),
	})
	if err == nil {
		return nil
	}

	if err := d.createTable(); err != nil {
		return err
	}

	for i := 0; i < maxWaitTries; i++ {
		out, err := d.db.DescribeTable(context.TODO(), &dynamodb.DescribeTableInput{
			TableName: aws.String(ticketTableName),
		})
		if err != nil {
			return fmt.Errorf("failed to describe table %s: %v", ticketTableName, err)
		}

		if out.Table.TableStatus == types.TableStatusActive {
			return nil
		}

		time.Sleep(waitInterval)
	}

	return fmt.Errorf("table %s creation timed out", ticketTableName)
}

func (d *DynamoDB) createTable() error {
	createTableInput := &dynamodb.CreateTableInput{
		TableName: aws.String(ticketTableName),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("user_id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("state"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("thread_ts"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("id"), KeyType: types.KeyTypeHash},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			{
				IndexName: aws.String(userStateIndexName),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String("user_id"), KeyType: types.KeyTypeHash},
					{AttributeName: aws.String("state"), KeyType: types.KeyTypeRange},
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
				ProvisionedThroughput: &types.ProvisionedThroughput{
					ReadCapacityUnits:  aws.Int64(5),
					WriteCapacityUnits: aws.Int64(5),
				},
			},
			{
				IndexName: aws.String(threadIndexName),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String("thread_ts"), KeyType: types.KeyTypeHash},
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
				ProvisionedThroughput: &types.ProvisionedThroughput{
					ReadCapacityUnits:  aws.Int64(5),
					WriteCapacityUnits: aws.Int64(5),
				},
			},
		},
		ProvisionedThroughput: &types.ProvisionedThroughput{
			ReadCapacityUnits:  aws.Int64(5),
			WriteCapacityUnits: aws.Int64(5),
		},
	}

	_, err := d.db.CreateTable(context.TODO(), createTableInput)
	if err != nil {
		return fmt.Errorf("failed to create table %s: %v", ticketTableName, err)
	}

	return nil
}

func (d *DynamoDB) putTicket(t *model.Ticket) error {
	input := &dynamodb.PutItemInput{
		TableName: aws.String(ticketTableName),
		Item:      ticketToItem(t),
	}

	_, err := d.db.PutItem(context.TODO(), input)
	return err
}

func ticketToItem(t *model.Ticket) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"id":               &types.AttributeValueMemberS{Value: t.ID},
		"user_id":          &types.AttributeValueMemberS{Value: t.UserID},
		"channel_id":       &types.AttributeValueMemberS{Value: t.ChannelID},
		"state":            &types.AttributeValueMemberS{Value: string(t.State)},
		"created_at":       &types.AttributeValueMemberS{Value: t.CreatedAt.UTC().Format(time.RFC3339)},
		"last_activity_at": &types.AttributeValueMemberS{Value: t.LastActivityAt.UTC().Format(time.RFC3339)},
	}
	// thread_ts keys the ThreadIndex GSI and Dynamo rejects empty strings
	// in index key attributes; a ticket without a bound thread omits the
	// attribute entirely (sparse index).
	if t.ThreadTS != "" {
		item["thread_ts"] = &types.AttributeValueMemberS{Value: t.ThreadTS}
	}
	return item
}

func (d *DynamoDB) GetOpenTicket(userID string) (*model.Ticket, error) {
	return d.getTicketInState(userID, model.StateOpen)
}

func (d *DynamoDB) GetClosingTicket(userID string) (*model.Ticket, error) {
	return d.getTicketInState(userID, model.StateClosing)
}

func (d *DynamoDB) getTicketInState(userID string, state model.TicketState) (*model.Ticket, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(ticketTableName),
		IndexName:              aws.String(userStateIndexName),
		KeyConditionExpression: aws.String("user_id = :user_id AND #st = :state"),
		ExpressionAttributeNames: map[string]string{
			"#st": "state",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":user_id": &types.AttributeValueMemberS{Value: userID},
			":state":   &types.AttributeValueMemberS{Value: string(state)},
		},
		Limit: aws.Int32(1),
	}

	result, err := d.db.Query(context.TODO(), input)
	if err != nil {
		return nil, err
	}
	if len(result.Items) == 0 {
		return nil, nil
	}
	return itemToTicket(result.Items[0])
}

func (d *DynamoDB) GetTicket(ticketID string) (*model.Ticket, error) {
	input := &dynamodb.GetItemInput{
		TableName: aws.String(ticketTableName),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: ticketID},
		},
	}

	result, err := d.db.GetItem(context.TODO(), input)
	if err != nil {
		return nil, err
	}
	if result.Item == nil {
		return nil, nil
	}
	return itemToTicket(result.Item)
}

func (d *DynamoDB) GetTicketByThread(threadTS string) (*model.Ticket, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(ticketTableName),
		IndexName:              aws.String(threadIndexName),
		KeyConditionExpression: aws.String("thread_ts = :thread_ts"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":thread_ts": &types.AttributeValueMemberS{Value: threadTS},
		},
		Limit: aws.Int32(1),
	}

	result, err := d.db.Query(context.TODO(), input)
	if err != nil {
		return nil, err
	}
	if len(result.Items) == 0 {
		return nil, nil
	}
	return itemToTicket(result.Items[0])
}

func (d *DynamoDB) CreateTicket(t *model.Ticket) error {
	existing, err := d.GetOpenTicket(t.UserID)
	if err != nil {
		return err
	}
	if existing != nil {
		return model.ErrDuplicateTicket
	}
	stored := *t
	stored.State = model.StateOpen
	return d.putTicket(&stored)
}

func (d *DynamoDB) BindThread(ticketID, channelID, threadTS string) error {
	t, err := d.GetTicket(ticketID)
	if err != nil {
		return err
	}
	if t == nil {
		return model.ErrTicketNotFound
	}
	t.ChannelID = channelID
	t.ThreadTS = threadTS
	return d.putTicket(t)
}

func (d *DynamoDB) Touch(ticketID string, at time.Time) error {
	t, err := d.GetTicket(ticketID)
	if err != nil {
		return err
	}
	if t == nil || t.State == model.StateClosed {
		return model.ErrTicketNotFound
	}
	t.LastActivityAt = at
	if t.State == model.StateClosing {
		newer, err := d.GetOpenTicket(t.UserID)
		if err != nil {
			return err
		}
		if newer == nil || newer.ID == t.ID {
			t.State = model.StateOpen
		}
	}
	return d.putTicket(t)
}

func (d *DynamoDB) MarkClosing(ticketID string) error {
	t, err := d.GetTicket(ticketID)
	if err != nil {
		return err
	}
	if t == nil || t.State != model.StateOpen {
		return nil
	}
	t.State = model.StateClosing
	return d.putTicket(t)
}

func (d *DynamoDB) MarkClosed(ticketID string) error {
	t, err := d.GetTicket(ticketID)
	if err != nil {
		return err
	}
	if t == nil || t.State == model.StateClosed {
		return nil
	}
	if t.State == model.StateOpen {
		return model.ErrInvalidState
	}
	t.State = model.StateClosed
	return d.putTicket(t)
}

func (d *DynamoDB) ListIdle(threshold time.Time) ([]model.Ticket, error) {
	// RFC3339 in UTC sorts lexicographically, so the comparison can run
	// inside the filter expression.
	input := &dynamodb.ScanInput{
		TableName:        aws.String(ticketTableName),
		FilterExpression: aws.String("#st = :state AND last_activity_at <= :threshold"),
		ExpressionAttributeNames: map[string]string{
			"#st": "state",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":state":     &types.AttributeValueMemberS{Value: string(model.StateOpen)},
			":threshold": &types.AttributeValueMemberS{Value: threshold.UTC().Format(time.RFC3339)},
		},
	}

	result, err := d.db.Scan(context.TODO(), input)
	if err != nil {
		return nil, err
	}

	var tickets []model.Ticket
	for _, item := range result.Items {
		t, err := itemToTicket(item)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, *t)
	}

	// Dynamo cannot order a scan, sort here instead.
	sort.Slice(tickets, func(i, j int) bool {
		return tickets[i].LastActivityAt.Before(tickets[j].LastActivityAt)
	})
	return tickets, nil
}

func itemToTicket(item map[string]types.AttributeValue) (*model.Ticket, error) {
	createdAtStr := getStringValue(item, "created_at")
	createdAt, err := time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at (%s): %v", createdAtStr, err)
	}
	lastActivityStr := getStringValue(item, "last_activity_at")
	lastActivity, err := time.Parse(time.RFC3339, lastActivityStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse last_activity_at (%s): %v", lastActivityStr, err)
	}

	return &model.Ticket{
		ID:             getStringValue(item, "id"),
		UserID:         getStringValue(item, "user_id"),
		ChannelID:      getStringValue(item, "channel_id"),
		ThreadTS:       getStringValue(item, "thread_ts"),
		State:          model.TicketState(getStringValue(item, "state")),
		CreatedAt:      createdAt,
		LastActivityAt: lastActivity,
	}, nil
}

func getStringValue(item map[string]types.AttributeValue, key string) string {
	if v, ok := item[key].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}
