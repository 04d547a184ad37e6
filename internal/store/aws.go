package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/rollgate/rollgate/internal/awsclient"
	"github.com/rollgate/rollgate/internal/interfaces"
)

// AWSStoreConfig configures the replicated attempt store
type AWSStoreConfig struct {
	// DynamoDB settings
	DynamoDBTable string `json:"dynamodb_table"`
	LockTable     string `json:"lock_table,omitempty"` // Defaults to <DynamoDBTable>-locks

	// S3 settings
	S3Bucket string `json:"s3_bucket"`
	S3Prefix string `json:"s3_prefix,omitempty"` // Optional prefix for record objects

	// Common settings
	Region   string `json:"region"`
	Endpoint string `json:"endpoint,omitempty"` // For LocalStack or custom endpoints
	// AWS credentials should be provided via IAM roles, instance profiles, or environment variables
	// Never store credentials in configuration files

	// Lock behavior; zero values take the provider defaults
	LockTTL             time.Duration `json:"-"`
	LockRefreshInterval time.Duration `json:"-"`
}

// AWSStore implements AttemptStore using DynamoDB for attempt metadata and
// backend locks, and S3 for attempt record documents. This is the store for
// replicated servers: the lock table is what serializes attempts across
// replicas.
type AWSStore struct {
	config       AWSStoreConfig
	dynamoClient *dynamodb.Client
	s3Client     *s3.Client
	locks        *DynamoDBLockProvider
}

// NewAWSStore creates an attempt store backed by DynamoDB and S3, creating
// the table, lock table, and bucket on first use
func NewAWSStore(ctx context.Context, cfg AWSStoreConfig) (*AWSStore, error) {
	if err := validateAWSStoreConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid AWS configuration: %w", err)
	}
	if cfg.LockTable == "" {
		cfg.LockTable = cfg.DynamoDBTable + "-locks"
	}

	awsCfg, err := awsclient.Load(ctx, awsclient.Config{Region: cfg.Region, Endpoint: cfg.Endpoint})
	if err != nil {
		return nil, err
	}

	dynamoClient := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		o.BaseEndpoint = awsclient.BaseEndpoint(cfg.Endpoint)
	})
	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = awsclient.BaseEndpoint(cfg.Endpoint)
		if awsclient.IsLocalEndpoint(cfg.Endpoint) {
			o.UsePathStyle = true // Required for LocalStack
		}
	})

	locks, err := NewDynamoDBLockProvider(ctx, dynamoClient, DynamoDBLockConfig{
		TableName:       cfg.LockTable,
		TTL:             cfg.LockTTL,
		RefreshInterval: cfg.LockRefreshInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create DynamoDB lock provider: %w", err)
	}

	store := &AWSStore{
		config:       cfg,
		dynamoClient: dynamoClient,
		s3Client:     s3Client,
		locks:        locks,
	}

	if err := store.initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize AWS attempt store: %w", err)
	}

	return store, nil
}

// validateAWSStoreConfig validates the AWS attempt store configuration
func validateAWSStoreConfig(cfg AWSStoreConfig) error {
	if cfg.DynamoDBTable == "" {
		return fmt.Errorf("DynamoDB table name is required")
	}
	if cfg.S3Bucket == "" {
		return fmt.Errorf("S3 bucket name is required")
	}
	if cfg.Region == "" {
		return fmt.Errorf("AWS region is required")
	}
	return nil
}

// initialize sets up the DynamoDB table and S3 bucket
func (a *AWSStore) initialize(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 120*time.Second)
	defer cancel()

	// Retry in case of transient issues during first boot
	maxRetries := 3
	retryDelay := 2 * time.Second

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err := a.ensureAttemptTable(ctx); err != nil {
			lastErr = fmt.Errorf("failed to ensure DynamoDB table (attempt %d/%d): %w", attempt, maxRetries, err)
			if attempt < maxRetries {
				select {
				case <-ctx.Done():
					return fmt.Errorf("timeout during DynamoDB table initialization: %w", ctx.Err())
				case <-time.After(retryDelay):
					continue
				}
			}
			return lastErr
		}

		if err := a.ensureRecordBucket(ctx); err != nil {
			lastErr = fmt.Errorf("failed to ensure S3 bucket (attempt %d/%d): %w", attempt, maxRetries, err)
			if attempt < maxRetries {
				select {
				case <-ctx.Done():
					return fmt.Errorf("timeout during S3 bucket initialization: %w", ctx.Err())
				case <-time.After(retryDelay):
					continue
				}
			}
			return lastErr
		}

		break
	}

	return nil
}

// ensureAttemptTable ensures the metadata table exists with the expected schema
func (a *AWSStore) ensureAttemptTable(ctx context.Context) error {
	describeResp, err := a.dynamoClient.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(a.config.DynamoDBTable),
	})
	if err == nil {
		if describeResp.Table.TableStatus == types.TableStatusActive {
			return nil
		}

		// Table exists but is not active yet, wait for it
		waiter := dynamodb.NewTableExistsWaiter(a.dynamoClient)
		if waitErr := waiter.Wait(ctx, &dynamodb.DescribeTableInput{
			TableName: aws.String(a.config.DynamoDBTable),
		}, 5*time.Minute); waitErr != nil {
			return fmt.Errorf("failed to wait for existing table to be active: %w", waitErr)
		}
		return nil
	}

	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("failed to describe table: %w", err)
	}

	// Table doesn't exist; create it, tolerating concurrent creation by
	// another replica
	maxRetries := 3
	retryDelay := 1 * time.Second

	for attempt := 1; attempt <= maxRetries; attempt++ {
		_, createErr := a.dynamoClient.CreateTable(ctx, &dynamodb.CreateTableInput{
			TableName: aws.String(a.config.DynamoDBTable),
			KeySchema: []types.KeySchemaElement{
				{
					AttributeName: aws.String("PK"), // Partition key: attempt ID
					KeyType:       types.KeyTypeHash,
				},
			},
			AttributeDefinitions: []types.AttributeDefinition{
				{
					AttributeName: aws.String("PK"),
					AttributeType: types.ScalarAttributeTypeS,
				},
				{
					AttributeName: aws.String("State"),
					AttributeType: types.ScalarAttributeTypeS,
				},
				{
					AttributeName: aws.String("CreatedAt"),
					AttributeType: types.ScalarAttributeTypeS,
				},
			},
			GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
				{
					IndexName: aws.String("StateIndex"),
					KeySchema: []types.KeySchemaElement{
						{
							AttributeName: aws.String("State"),
							KeyType:       types.KeyTypeHash,
						},
						{
							AttributeName: aws.String("CreatedAt"),
							KeyType:       types.KeyTypeRange,
						},
					},
					Projection: &types.Projection{
						ProjectionType: types.ProjectionTypeAll,
					},
				},
			},
			BillingMode: types.BillingModePayPerRequest,
		})

		if createErr == nil {
			break
		}

		var alreadyExists *types.ResourceInUseException
		if errors.As(createErr, &alreadyExists) {
			break
		}

		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				return fmt.Errorf("timeout during table creation retry: %w", ctx.Err())
			case <-time.After(retryDelay):
				continue
			}
		}

		return fmt.Errorf("failed to create DynamoDB table after %d attempts: %w", maxRetries, createErr)
	}

	waiter := dynamodb.NewTableExistsWaiter(a.dynamoClient)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(a.config.DynamoDBTable),
	}, 10*time.Minute); err != nil {
		return fmt.Errorf("failed to wait for table to be active: %w", err)
	}

	finalDescribe, err := a.dynamoClient.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(a.config.DynamoDBTable),
	})
	if err != nil {
		return fmt.Errorf("failed to verify table is active: %w", err)
	}
	if finalDescribe.Table.TableStatus != types.TableStatusActive {
		return fmt.Errorf("table is not active after waiting, status: %s", finalDescribe.Table.TableStatus)
	}

	return nil
}

// ensureRecordBucket ensures the S3 bucket for attempt records exists
func (a *AWSStore) ensureRecordBucket(ctx context.Context) error {
	_, err := a.s3Client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(a.config.S3Bucket),
	})
	if err == nil {
		return nil
	}

	var noBucket *s3types.NoSuchBucket
	if !errors.As(err, &noBucket) && !strings.Contains(err.Error(), "NotFound") {
		return fmt.Errorf("failed to access S3 bucket: %w", err)
	}

	createInput := &s3.CreateBucketInput{
		Bucket: aws.String(a.config.S3Bucket),
	}

	// LocalStack has issues with LocationConstraint, and us-east-1 rejects it
	if a.config.Region != "us-east-1" && !awsclient.IsLocalEndpoint(a.config.Endpoint) {
		createInput.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(a.config.Region),
		}
	}

	if _, err := a.s3Client.CreateBucket(ctx, createInput); err != nil {
		return fmt.Errorf("failed to create S3 bucket: %w", err)
	}
	return nil
}

// CreateAttempt stores attempt metadata in DynamoDB
func (a *AWSStore) CreateAttempt(ctx context.Context, meta *interfaces.AttemptMetadata) error {
	if meta == nil {
		return fmt.Errorf("attempt metadata is required")
	}
	if err := validateAttemptID(meta.AttemptID); err != nil {
		return fmt.Errorf("invalid attempt ID: %w", err)
	}

	item, err := a.marshalAttemptMetadata(*meta)
	if err != nil {
		return fmt.Errorf("failed to marshal attempt metadata: %w", err)
	}

	if _, err := a.dynamoClient.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(a.config.DynamoDBTable),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("failed to save attempt metadata: %w", err)
	}
	return nil
}

// GetAttempt retrieves attempt metadata from DynamoDB
func (a *AWSStore) GetAttempt(ctx context.Context, attemptID string) (*interfaces.AttemptMetadata, error) {
	result, err := a.dynamoClient.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(a.config.DynamoDBTable),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: attemptID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get attempt metadata: %w", err)
	}
	if result.Item == nil {
		return nil, fmt.Errorf("attempt %s not found", attemptID)
	}

	return a.unmarshalAttemptMetadata(result.Item), nil
}

// ListAttempts returns all attempt metadata
func (a *AWSStore) ListAttempts(ctx context.Context) ([]*interfaces.AttemptMetadata, error) {
	var attempts []*interfaces.AttemptMetadata
	var lastEvaluatedKey map[string]types.AttributeValue

	for {
		input := &dynamodb.ScanInput{
			TableName: aws.String(a.config.DynamoDBTable),
		}
		if lastEvaluatedKey != nil {
			input.ExclusiveStartKey = lastEvaluatedKey
		}

		result, err := a.dynamoClient.Scan(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempts from DynamoDB: %w", err)
		}

		for _, item := range result.Items {
			meta := a.unmarshalAttemptMetadata(item)
			if meta.AttemptID == "" {
				continue // Skip invalid entries
			}
			attempts = append(attempts, meta)
		}

		lastEvaluatedKey = result.LastEvaluatedKey
		if lastEvaluatedKey == nil {
			break
		}
	}

	return attempts, nil
}

// UpdateAttemptState updates the state of an attempt
func (a *AWSStore) UpdateAttemptState(ctx context.Context, attemptID string, state interfaces.RolloutState) error {
	meta, err := a.GetAttempt(ctx, attemptID)
	if err != nil {
		return err
	}

	meta.State = state
	meta.UpdatedAt = time.Now().UTC()

	return a.CreateAttempt(ctx, meta)
}

// DeleteAttempt removes attempt metadata and its record
func (a *AWSStore) DeleteAttempt(ctx context.Context, attemptID string) error {
	if _, err := a.dynamoClient.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(a.config.DynamoDBTable),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: attemptID},
		},
	}); err != nil {
		return fmt.Errorf("failed to delete attempt metadata: %w", err)
	}

	return a.DeleteAttemptRecord(ctx, attemptID)
}

// SaveAttemptRecord writes the serialized attempt record to S3
func (a *AWSStore) SaveAttemptRecord(ctx context.Context, attemptID string, record []byte) error {
	if err := validateAttemptID(attemptID); err != nil {
		return fmt.Errorf("invalid attempt ID: %w", err)
	}

	if _, err := a.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.config.S3Bucket),
		Key:         aws.String(a.recordKey(attemptID)),
		Body:        strings.NewReader(string(record)),
		ContentType: aws.String("application/json"),
	}); err != nil {
		return fmt.Errorf("failed to save attempt record to S3: %w", err)
	}
	return nil
}

// LoadAttemptRecord retrieves the serialized attempt record from S3
func (a *AWSStore) LoadAttemptRecord(ctx context.Context, attemptID string) ([]byte, error) {
	if err := validateAttemptID(attemptID); err != nil {
		return nil, fmt.Errorf("invalid attempt ID: %w", err)
	}

	result, err := a.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.config.S3Bucket),
		Key:    aws.String(a.recordKey(attemptID)),
	})
	if err != nil {
		var noSuchKey *s3types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, fmt.Errorf("attempt record %s not found", attemptID)
		}
		return nil, fmt.Errorf("failed to get attempt record from S3: %w", err)
	}
	defer func() { _ = result.Body.Close() }()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read S3 object body: %w", err)
	}
	return data, nil
}

// DeleteAttemptRecord removes the attempt record from S3
func (a *AWSStore) DeleteAttemptRecord(ctx context.Context, attemptID string) error {
	if err := validateAttemptID(attemptID); err != nil {
		return fmt.Errorf("invalid attempt ID: %w", err)
	}

	if _, err := a.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.config.S3Bucket),
		Key:    aws.String(a.recordKey(attemptID)),
	}); err != nil {
		var noSuchKey *s3types.NoSuchKey
		if !errors.As(err, &noSuchKey) {
			return fmt.Errorf("failed to delete attempt record from S3: %w", err)
		}
	}
	return nil
}

// LockBackend claims the distributed lock for a backend handle
func (a *AWSStore) LockBackend(ctx context.Context, handle interfaces.BackendHandle) (interfaces.BackendLock, error) {
	return a.locks.AcquireLock(ctx, handle)
}

// UnlockBackend releases a backend lock
func (a *AWSStore) UnlockBackend(_ context.Context, lock interfaces.BackendLock) error {
	dynamoLock, ok := lock.(*DynamoDBLock)
	if !ok {
		return fmt.Errorf("invalid lock type")
	}
	return dynamoLock.Release()
}

// Ping checks DynamoDB and S3 connectivity
func (a *AWSStore) Ping(ctx context.Context) error {
	if _, err := a.dynamoClient.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(a.config.DynamoDBTable),
	}); err != nil {
		return fmt.Errorf("DynamoDB connectivity failed: %w", err)
	}

	if _, err := a.s3Client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(a.config.S3Bucket),
	}); err != nil {
		return fmt.Errorf("S3 connectivity failed: %w", err)
	}

	return nil
}

// GetStorageInfo returns information about the storage backend
func (a *AWSStore) GetStorageInfo() *interfaces.StorageInfo {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	info := &interfaces.StorageInfo{
		Type:     "aws",
		Exists:   true,
		Writable: true,
	}

	result, err := a.dynamoClient.Scan(ctx, &dynamodb.ScanInput{
		TableName: aws.String(a.config.DynamoDBTable),
		Select:    types.SelectCount,
	})
	if err == nil {
		info.AttemptCount = int(result.Count)
	}

	// Summing record sizes would require listing every S3 object; skip it
	info.TotalSizeBytes = 0
	info.UsedPercent = 0

	return info
}

// Shutdown stops lock refresh goroutines
func (a *AWSStore) Shutdown() {
	a.locks.Shutdown()
}

// recordKey generates the S3 key for an attempt's record document
func (a *AWSStore) recordKey(attemptID string) string {
	key := fmt.Sprintf("records/%s.json", attemptID)
	if a.config.S3Prefix != "" {
		return strings.TrimSuffix(a.config.S3Prefix, "/") + "/" + key
	}
	return key
}

// marshalAttemptMetadata converts metadata to a DynamoDB item
func (a *AWSStore) marshalAttemptMetadata(meta interfaces.AttemptMetadata) (map[string]types.AttributeValue, error) {
	// DynamoDB rejects empty string attributes, so required fields are
	// checked and optional empties are omitted
	if meta.AttemptID == "" {
		return nil, fmt.Errorf("attempt ID cannot be empty")
	}
	if meta.BackendHandle == "" {
		return nil, fmt.Errorf("backend handle cannot be empty")
	}
	if meta.State == "" {
		return nil, fmt.Errorf("state cannot be empty")
	}

	item := map[string]types.AttributeValue{
		"PK":               &types.AttributeValueMemberS{Value: meta.AttemptID},
		"BackendHandle":    &types.AttributeValueMemberS{Value: string(meta.BackendHandle)},
		"TargetVersionRef": &types.AttributeValueMemberS{Value: string(meta.TargetVersionRef)},
		"Strategy":         &types.AttributeValueMemberS{Value: string(meta.Strategy)},
		"State":            &types.AttributeValueMemberS{Value: string(meta.State)},
		"CreatedAt":        &types.AttributeValueMemberS{Value: meta.CreatedAt.UTC().Format(time.RFC3339)},
		"UpdatedAt":        &types.AttributeValueMemberS{Value: meta.UpdatedAt.UTC().Format(time.RFC3339)},
	}

	if meta.Outcome != "" {
		item["Outcome"] = &types.AttributeValueMemberS{Value: string(meta.Outcome)}
	}
	if meta.EndedAt != nil {
		item["EndedAt"] = &types.AttributeValueMemberS{Value: meta.EndedAt.UTC().Format(time.RFC3339)}
	}
	if meta.ErrorMessage != "" {
		item["ErrorMessage"] = &types.AttributeValueMemberS{Value: meta.ErrorMessage}
	}

	return item, nil
}

// unmarshalAttemptMetadata converts a DynamoDB item to attempt metadata
func (a *AWSStore) unmarshalAttemptMetadata(item map[string]types.AttributeValue) *interfaces.AttemptMetadata {
	meta := &interfaces.AttemptMetadata{}

	if v, ok := item["PK"]; ok {
		if s, ok := v.(*types.AttributeValueMemberS); ok {
			meta.AttemptID = s.Value
		}
	}

	if v, ok := item["BackendHandle"]; ok {
		if s, ok := v.(*types.AttributeValueMemberS); ok {
			meta.BackendHandle = interfaces.BackendHandle(s.Value)
		}
	}

	if v, ok := item["TargetVersionRef"]; ok {
		if s, ok := v.(*types.AttributeValueMemberS); ok {
			meta.TargetVersionRef = interfaces.VersionRef(s.Value)
		}
	}

	if v, ok := item["Strategy"]; ok {
		if s, ok := v.(*types.AttributeValueMemberS); ok {
			meta.Strategy = interfaces.Strategy(s.Value)
		}
	}

	if v, ok := item["State"]; ok {
		if s, ok := v.(*types.AttributeValueMemberS); ok {
			meta.State = interfaces.RolloutState(s.Value)
		}
	}

	if v, ok := item["Outcome"]; ok {
		if s, ok := v.(*types.AttributeValueMemberS); ok {
			meta.Outcome = interfaces.RolloutOutcome(s.Value)
		}
	}

	if v, ok := item["CreatedAt"]; ok {
		if s, ok := v.(*types.AttributeValueMemberS); ok {
			if t, err := time.Parse(time.RFC3339, s.Value); err == nil {
				meta.CreatedAt = t
			}
		}
	}

	if v, ok := item["UpdatedAt"]; ok {
		if s, ok := v.(*types.AttributeValueMemberS); ok {
			if t, err := time.Parse(time.RFC3339, s.Value); err == nil {
				meta.UpdatedAt = t
			}
		}
	}

	if v, ok := item["EndedAt"]; ok {
		if s, ok := v.(*types.AttributeValueMemberS); ok {
			if t, err := time.Parse(time.RFC3339, s.Value); err == nil {
				meta.EndedAt = &t
			}
		}
	}

	if v, ok := item["ErrorMessage"]; ok {
		if s, ok := v.(*types.AttributeValueMemberS); ok {
			meta.ErrorMessage = s.Value
		}
	}

	return meta
}

// Interface compliance check
var _ interfaces.AttemptStore = (*AWSStore)(nil)
