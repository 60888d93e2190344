package store

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/Yulian302/lfusys-services-uploads/apperror"
	"github.com/Yulian302/lfusys-services-uploads/models"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Runs against localstack; set LOCALSTACK_ENDPOINT (e.g. http://localhost:4566).
func setupDynamo(t *testing.T) (*dynamodb.Client, string) {
	endpoint := os.Getenv("LOCALSTACK_ENDPOINT")
	if endpoint == "" {
		t.Skip("LOCALSTACK_ENDPOINT not set")
	}
	ctx := context.Background()

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion("us-east-1"))
	require.NoError(t, err)

	db := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})

	table := "upload-sessions-" + uuid.NewString()[:8]
	_, err = db.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(table),
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String("session_id"),
				AttributeType: types.ScalarAttributeTypeS,
			},
		},
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String("session_id"),
				KeyType:       types.KeyTypeHash,
			},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	var exists *types.ResourceInUseException
	if err != nil && !errors.As(err, &exists) {
		require.NoError(t, err)
	}
	t.Cleanup(func() {
		_, _ = db.DeleteTable(context.Background(), &dynamodb.DeleteTableInput{TableName: aws.String(table)})
	})

	return db, table
}

func TestDynamoSessionStore_Lifecycle(t *testing.T) {
	db, table := setupDynamo(t)
	ctx := context.Background()
	s := NewDynamoSessionStore(db, table, time.Hour)
	require.NoError(t, s.IsReady(ctx))

	key := models.SessionKey{FileName: "doc.pdf", TotalChunks: 3}
	for _, idx := range []int{1, 0} {
		_, claimed, err := s.MarkReceived(ctx, key, models.ChunkReceipt{Index: idx, Size: 4, ClientAddr: "10.0.0.1"})
		require.NoError(t, err)
		assert.False(t, claimed)
	}

	sess, err := s.GetSession(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, sess.Received)
	assert.Equal(t, "doc.pdf", sess.FileName)
	assert.Equal(t, models.StatusCollecting, sess.Status)

	sess, claimed, err := s.MarkReceived(ctx, key, models.ChunkReceipt{Index: 2, Size: 4})
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.True(t, sess.Complete())

	_, _, err = s.MarkReceived(ctx, key, models.ChunkReceipt{Index: 2, Size: 4})
	assert.ErrorIs(t, err, apperror.ErrSessionBusy)

	require.NoError(t, s.Release(ctx, key))
	stale, err := s.ListStale(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, stale, 1)

	require.NoError(t, s.Delete(ctx, key))
	_, err = s.GetSession(ctx, key)
	assert.ErrorIs(t, err, apperror.ErrSessionNotFound)
}

func TestDynamoSessionStore_ConcurrentChunksSingleClaim(t *testing.T) {
	db, table := setupDynamo(t)
	ctx := context.Background()
	s := NewDynamoSessionStore(db, table, time.Hour)

	const total = 16
	key := models.SessionKey{FileName: "big.bin", TotalChunks: total}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		claims int
	)
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, claimed, err := s.MarkReceived(ctx, key, models.ChunkReceipt{Index: idx, Size: 1})
			if err == nil && claimed {
				mu.Lock()
				claims++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, claims)
}
