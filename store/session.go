package store

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/Yulian302/lfusys-services-uploads/apperror"
	"github.com/Yulian302/lfusys-services-uploads/models"
	"github.com/Yulian302/lfusys-services-uploads/retries"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoAPI is the part of the DynamoDB client the session store uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoSessionStore keeps sessions in a table keyed by session_id. The
// received set is a number set updated with ADD, so concurrent chunk
// deliveries from several server instances never lose an index, and the
// reassembly claim is a conditional status transition.
type DynamoSessionStore struct {
	client    DynamoAPI
	tableName string
	ttl       time.Duration
}

func NewDynamoSessionStore(client DynamoAPI, tableName string, ttl time.Duration) *DynamoSessionStore {
	return &DynamoSessionStore{
		client:    client,
		tableName: tableName,
		ttl:       ttl,
	}
}

func (s *DynamoSessionStore) IsReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	return retries.Retry(
		ctx,
		retries.HealthAttempts,
		retries.HealthBaseDelay,
		func() error {
			_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
				TableName: aws.String(s.tableName),
			})
			return err
		},
		retries.IsRetriableAWSError,
	)
}

func (s *DynamoSessionStore) Name() string {
	return "SessionStore[dynamodb]"
}

func sessionKeyAttr(key models.SessionKey) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"session_id": &types.AttributeValueMemberS{Value: key.ID()},
	}
}

func unixN(t time.Time) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.Unix(), 10)}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func (s *DynamoSessionStore) MarkReceived(ctx context.Context, key models.SessionKey, receipt models.ChunkReceipt) (*models.UploadSession, bool, error) {
	if receipt.At.IsZero() {
		receipt.At = time.Now()
	}

	var out *dynamodb.UpdateItemOutput
	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			var err error
			out, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
				TableName: aws.String(s.tableName),
				Key:       sessionKeyAttr(key),
				UpdateExpression: aws.String("SET file_name = if_not_exists(file_name, :fn), " +
					"total_chunks = if_not_exists(total_chunks, :tc), " +
					"#st = if_not_exists(#st, :collecting), " +
					"client_addr = if_not_exists(client_addr, :client), " +
					"created_at = if_not_exists(created_at, :now), " +
					"updated_at = :now, expiration_time = :exp " +
					"ADD received :idx, received_bytes :size"),
				ConditionExpression: aws.String("attribute_not_exists(session_id) OR #st = :collecting"),
				ExpressionAttributeNames: map[string]string{
					"#st": "status",
				},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":fn":         &types.AttributeValueMemberS{Value: key.FileName},
					":tc":         &types.AttributeValueMemberN{Value: strconv.Itoa(key.TotalChunks)},
					":collecting": &types.AttributeValueMemberS{Value: string(models.StatusCollecting)},
					":client":     &types.AttributeValueMemberS{Value: receipt.ClientAddr},
					":now":        unixN(receipt.At),
					":exp":        unixN(receipt.At.Add(s.ttl)),
					":idx":        &types.AttributeValueMemberNS{Value: []string{strconv.Itoa(receipt.Index)}},
					":size":       &types.AttributeValueMemberN{Value: strconv.FormatInt(receipt.Size, 10)},
				},
				ReturnValues: types.ReturnValueAllNew,
			})
			return err
		},
		retries.IsRetriableAWSError,
	)
	if isConditionFailed(err) {
		return nil, false, apperror.ErrSessionBusy
	}
	if err != nil {
		return nil, false, err
	}

	session, err := decodeSession(out.Attributes)
	if err != nil {
		return nil, false, err
	}
	if !session.Complete() {
		return session, false, nil
	}

	claimed, err := s.claim(ctx, key, receipt.At)
	if err != nil {
		return nil, false, err
	}
	if claimed {
		session.Status = models.StatusReassembling
	}
	return session, claimed, nil
}

func (s *DynamoSessionStore) claim(ctx context.Context, key models.SessionKey, now time.Time) (bool, error) {
	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
				TableName:           aws.String(s.tableName),
				Key:                 sessionKeyAttr(key),
				UpdateExpression:    aws.String("SET #st = :reassembling, updated_at = :now"),
				ConditionExpression: aws.String("#st = :collecting"),
				ExpressionAttributeNames: map[string]string{
					"#st": "status",
				},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":reassembling": &types.AttributeValueMemberS{Value: string(models.StatusReassembling)},
					":collecting":   &types.AttributeValueMemberS{Value: string(models.StatusCollecting)},
					":now":          unixN(now),
				},
			})
			return err
		},
		retries.IsRetriableAWSError,
	)
	if isConditionFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *DynamoSessionStore) GetSession(ctx context.Context, key models.SessionKey) (*models.UploadSession, error) {
	var session *models.UploadSession

	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
				TableName:      aws.String(s.tableName),
				Key:            sessionKeyAttr(key),
				ConsistentRead: aws.Bool(true),
			})
			if err != nil {
				return err
			}

			if out.Item == nil {
				return apperror.ErrSessionNotFound
			}

			session, err = decodeSession(out.Item)
			return err
		},
		func(err error) bool {
			return !errors.Is(err, apperror.ErrSessionNotFound) && retries.IsRetriableAWSError(err)
		},
	)
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (s *DynamoSessionStore) Release(ctx context.Context, key models.SessionKey) error {
	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
				TableName:           aws.String(s.tableName),
				Key:                 sessionKeyAttr(key),
				UpdateExpression:    aws.String("SET #st = :collecting"),
				ConditionExpression: aws.String("attribute_exists(session_id)"),
				ExpressionAttributeNames: map[string]string{
					"#st": "status",
				},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":collecting": &types.AttributeValueMemberS{Value: string(models.StatusCollecting)},
				},
			})
			return err
		},
		retries.IsRetriableAWSError,
	)
	if isConditionFailed(err) {
		return apperror.ErrSessionNotFound
	}
	return err
}

func (s *DynamoSessionStore) Delete(ctx context.Context, key models.SessionKey) error {
	return retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName: aws.String(s.tableName),
				Key:       sessionKeyAttr(key),
			})
			return err
		},
		retries.IsRetriableAWSError,
	)
}

func (s *DynamoSessionStore) ListStale(ctx context.Context, cutoff time.Time) ([]models.UploadSession, error) {
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:        aws.String(s.tableName),
		FilterExpression: aws.String("updated_at < :cutoff"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":cutoff": unixN(cutoff),
		},
	})

	var stale []models.UploadSession
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			session, err := decodeSession(item)
			if err != nil {
				return nil, err
			}
			stale = append(stale, *session)
		}
	}
	return stale, nil
}

func decodeSession(item map[string]types.AttributeValue) (*models.UploadSession, error) {
	var session models.UploadSession
	if err := attributevalue.UnmarshalMap(item, &session); err != nil {
		return nil, err
	}
	if _, err := models.ParseSessionStatus(string(session.Status)); err != nil {
		return nil, err
	}
	sort.Ints(session.Received)
	return &session, nil
}
