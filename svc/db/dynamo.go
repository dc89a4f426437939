package db

import (
	"context"
	"strconv"
	"strings"
	"time"

	"psst/pkg/domain"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/pkg/errors"
)

// DynamoAPI is the subset of the DynamoDB client the store calls.
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// dynamoItem is one row of the pastes table. expiry drives reads; ttl holds
// the same instant so DynamoDB purges the row once it lapses.
type dynamoItem struct {
	ID          string      `dynamodbav:"paste_id"`
	Expiry      int64       `dynamodbav:"expiry"`
	TTL         int64       `dynamodbav:"ttl"`
	Used        bool        `dynamodbav:"used"`
	Encrypted   bool        `dynamodbav:"encrypted"`
	Content     *string     `dynamodbav:"content,omitempty"`
	BlobRef     string      `dynamodbav:"s3_key,omitempty"`
	HasSecrets  bool        `dynamodbav:"has_secrets"`
	SecretTypes secretTypes `dynamodbav:"secret_types,omitempty"`
	Salt        string      `dynamodbav:"salt,omitempty"`
	IV          string      `dynamodbav:"iv,omitempty"`
	Size        int         `dynamodbav:"size"`
	CreatedAt   int64       `dynamodbav:"created_at"`
}

// secretTypes is stored as one comma-joined string, the shape existing tables
// hold. String sets are accepted on read.
type secretTypes []string

func (s secretTypes) MarshalDynamoDBAttributeValue() (types.AttributeValue, error) {
	if len(s) == 0 {
		return &types.AttributeValueMemberNULL{Value: true}, nil
	}
	return &types.AttributeValueMemberS{Value: strings.Join(s, ", ")}, nil
}

func (s *secretTypes) UnmarshalDynamoDBAttributeValue(av types.AttributeValue) error {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		*s = nil
		for _, label := range strings.Split(v.Value, ",") {
			if label = strings.TrimSpace(label); label != "" {
				*s = append(*s, label)
			}
		}
	case *types.AttributeValueMemberSS:
		*s = append(secretTypes(nil), v.Value...)
	case *types.AttributeValueMemberNULL:
		*s = nil
	default:
		return errors.Errorf("secret_types: unsupported attribute type %T", av)
	}
	return nil
}

func toItem(p *domain.Paste) dynamoItem {
	var categories []string
	if len(p.SecretCategories) > 0 {
		categories = p.SecretCategories
	}
	return dynamoItem{
		ID:          p.ID,
		Expiry:      p.ExpiresAt.Unix(),
		TTL:         p.ExpiresAt.Unix(),
		Used:        p.Consumed,
		Encrypted:   p.IsEncrypted,
		Content:     p.Content,
		BlobRef:     p.BlobRef,
		HasSecrets:  p.SecretFlag,
		SecretTypes: categories,
		Salt:        p.Salt,
		IV:          p.IV,
		Size:        p.Size,
		CreatedAt:   p.CreatedAt.Unix(),
	}
}

func (it dynamoItem) paste() *domain.Paste {
	return &domain.Paste{
		ID:               it.ID,
		ExpiresAt:        time.Unix(it.Expiry, 0),
		Consumed:         it.Used,
		IsEncrypted:      it.Encrypted,
		Content:          it.Content,
		BlobRef:          it.BlobRef,
		SecretFlag:       it.HasSecrets,
		SecretCategories: it.SecretTypes,
		Salt:             it.Salt,
		IV:               it.IV,
		Size:             it.Size,
		CreatedAt:        time.Unix(it.CreatedAt, 0),
	}
}

type Dynamo struct {
	api     DynamoAPI
	table   string
	timeout time.Duration
}

func NewDynamo(api DynamoAPI, table string, timeout time.Duration) *Dynamo {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dynamo{api: api, table: table, timeout: timeout}
}

func NewDynamoFromConfig(awsCfg aws.Config, table string, timeout time.Duration) *Dynamo {
	return NewDynamo(dynamodb.NewFromConfig(awsCfg), table, timeout)
}

func (d *Dynamo) key(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"paste_id": &types.AttributeValueMemberS{Value: id}}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func (d *Dynamo) Put(ctx context.Context, p *domain.Paste) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	item, err := attributevalue.MarshalMap(toItem(p))
	if err != nil {
		return errors.Wrap(err, "marshal paste item")
	}
	_, err = d.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(paste_id)"),
	})
	if isConditionFailed(err) {
		return ErrExists
	}
	return errors.Wrap(err, "put paste item")
}

func (d *Dynamo) Get(ctx context.Context, id string) (*domain.Paste, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	out, err := d.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            d.key(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, errors.Wrap(err, "get paste item")
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	var it dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, errors.Wrap(err, "unmarshal paste item")
	}
	return it.paste(), nil
}

// Consume is a single conditional UpdateItem. "used" is a reserved word, hence
// the attribute name placeholders.
func (d *Dynamo) Consume(ctx context.Context, id string, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	_, err := d.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(d.table),
		Key:                 d.key(id),
		UpdateExpression:    aws.String("SET #used = :t"),
		ConditionExpression: aws.String("attribute_exists(paste_id) AND #used = :f AND #expiry > :now"),
		ExpressionAttributeNames: map[string]string{
			"#used":   "used",
			"#expiry": "expiry",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":t":   &types.AttributeValueMemberBOOL{Value: true},
			":f":   &types.AttributeValueMemberBOOL{Value: false},
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
		},
	})
	if isConditionFailed(err) {
		return ErrConditionFailed
	}
	return errors.Wrap(err, "consume paste item")
}

func (d *Dynamo) Exists(ctx context.Context, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	out, err := d.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:            aws.String(d.table),
		Key:                  d.key(id),
		ProjectionExpression: aws.String("paste_id"),
		ConsistentRead:       aws.Bool(true),
	})
	if err != nil {
		return false, errors.Wrap(err, "exists paste item")
	}
	return len(out.Item) > 0, nil
}

func (d *Dynamo) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	_, err := d.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(d.table),
		Key:                 d.key(id),
		ConditionExpression: aws.String("attribute_exists(paste_id)"),
	})
	if isConditionFailed(err) {
		return ErrNotFound
	}
	return errors.Wrap(err, "delete paste item")
}

func (d *Dynamo) List(ctx context.Context, limit int) ([]*domain.Paste, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	var (
		out   []*domain.Paste
		start map[string]types.AttributeValue
	)
	for len(out) < limit {
		page, err := d.api.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(d.table),
			Limit:             aws.Int32(int32(limit - len(out))),
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, errors.Wrap(err, "scan paste items")
		}
		var items []dynamoItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, errors.Wrap(err, "unmarshal paste items")
		}
		for _, it := range items {
			out = append(out, it.paste())
		}
		if len(page.LastEvaluatedKey) == 0 {
			break
		}
		start = page.LastEvaluatedKey
	}
	return out, nil
}

func (d *Dynamo) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	_, err := d.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(d.table)})
	return errors.Wrap(err, "describe table")
}

func (d *Dynamo) Close() error { return nil }
