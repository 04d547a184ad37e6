package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/rollgate/rollgate/internal/interfaces"
)

const (
	acquireRetries   = 3
	acquireBaseDelay = 100 * time.Millisecond
	acquireMaxDelay  = 5 * time.Second

	// lockCallTimeout bounds the single-item calls (refresh, release).
	lockCallTimeout = 10 * time.Second
	// tableReadyTimeout bounds first-use table creation end to end.
	tableReadyTimeout = 5 * time.Minute
)

// DynamoDBLockConfig holds configuration for DynamoDB-based backend locking
type DynamoDBLockConfig struct {
	TableName       string        `json:"table_name"`
	TTL             time.Duration `json:"ttl"`              // Lock TTL duration
	RefreshInterval time.Duration `json:"refresh_interval"` // How often to refresh the lock
	AcquireTimeout  time.Duration `json:"acquire_timeout"`  // How long to wait when acquiring
}

// DynamoDBLockProvider implements distributed backend locking using
// conditional writes. The TTL attribute lets DynamoDB expire locks left
// behind by crashed replicas.
type DynamoDBLockProvider struct {
	client  *dynamodb.Client
	config  DynamoDBLockConfig
	ownerID string // Unique identifier for this lock holder

	mu           sync.Mutex
	refreshStops map[string]chan struct{}
}

// DynamoDBLock represents a backend lock held in DynamoDB
type DynamoDBLock struct {
	id          string
	lockID      string
	handle      interfaces.BackendHandle
	createdAt   time.Time
	provider    *DynamoDBLockProvider
	refreshStop chan struct{}
	stopOnce    sync.Once
}

// lockInfo is what lands in the item's Info attribute, for operators
// inspecting a stuck lock with the console or CLI
type lockInfo struct {
	BackendHandle string `json:"backend_handle"`
	Hostname      string `json:"hostname"`
	Created       int64  `json:"created"`
}

// NewDynamoDBLockProvider creates a lock provider on an existing DynamoDB
// client, creating the lock table on first use
func NewDynamoDBLockProvider(ctx context.Context, client *dynamodb.Client, cfg DynamoDBLockConfig) (*DynamoDBLockProvider, error) {
	if cfg.TableName == "" {
		return nil, fmt.Errorf("lock table name is required")
	}

	if cfg.TTL == 0 {
		cfg.TTL = 15 * time.Minute
	}
	if cfg.RefreshInterval == 0 {
		cfg.RefreshInterval = cfg.TTL / 5
	}
	if cfg.AcquireTimeout == 0 {
		cfg.AcquireTimeout = 10 * time.Second
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}

	provider := &DynamoDBLockProvider{
		client:       client,
		config:       cfg,
		ownerID:      fmt.Sprintf("%s-%d-%d", hostname, os.Getpid(), time.Now().Unix()),
		refreshStops: make(map[string]chan struct{}),
	}

	if err := provider.ensureTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure lock table exists: %w", err)
	}

	return provider, nil
}

// ensureTable creates the lock table on first use. The table is keyed by
// LockID alone; expiry rides on the TTL attribute.
func (p *DynamoDBLockProvider) ensureTable(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, tableReadyTimeout)
	defer cancel()

	_, err := p.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(p.config.TableName),
	})
	if err == nil {
		return nil
	}
	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("failed to describe table: %w", err)
	}

	if err := p.createTable(ctx); err != nil {
		return err
	}
	p.enableExpiry(ctx)
	return nil
}

// createTable provisions the lock table and waits for it to go active.
// Two replicas racing the create both succeed: the loser treats
// ResourceInUse as done.
func (p *DynamoDBLockProvider) createTable(ctx context.Context) error {
	_, err := p.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(p.config.TableName),
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("LockID"), KeyType: types.KeyTypeHash},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("LockID"), AttributeType: types.ScalarAttributeTypeS},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		var inUse *types.ResourceInUseException
		if !errors.As(err, &inUse) {
			return fmt.Errorf("failed to create lock table: %w", err)
		}
	}

	waiter := dynamodb.NewTableExistsWaiter(p.client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(p.config.TableName),
	}, tableReadyTimeout); err != nil {
		return fmt.Errorf("timeout waiting for lock table to become active: %w", err)
	}
	return nil
}

// enableExpiry turns on item expiry for the TTL attribute. The outcome is
// ignored: the call is rejected when TTL is already enabled, and
// LocalStack does not support it at all.
func (p *DynamoDBLockProvider) enableExpiry(ctx context.Context) {
	_, _ = p.client.UpdateTimeToLive(ctx, &dynamodb.UpdateTimeToLiveInput{
		TableName: aws.String(p.config.TableName),
		TimeToLiveSpecification: &types.TimeToLiveSpecification{
			AttributeName: aws.String("TTL"),
			Enabled:       aws.Bool(true),
		},
	})
}

// AcquireLock attempts to claim the lock for a backend handle, retrying
// transient failures with exponential backoff. A held lock fails
// immediately.
func (p *DynamoDBLockProvider) AcquireLock(ctx context.Context, handle interfaces.BackendHandle) (*DynamoDBLock, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.AcquireTimeout)
	defer cancel()

	info, err := json.Marshal(lockInfo{
		BackendHandle: string(handle),
		Hostname:      p.ownerID,
		Created:       time.Now().UTC().Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lock info: %w", err)
	}

	lockID := "backend/" + string(handle)

	var lastErr error
	for attempt := 0; attempt <= acquireRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoffDelay(attempt - 1)):
			case <-ctx.Done():
				return nil, fmt.Errorf("lock acquisition canceled during retry: %w", ctx.Err())
			}
		}

		lock, err := p.claim(ctx, lockID, handle, info)
		if err == nil {
			return lock, nil
		}

		var held *types.ConditionalCheckFailedException
		if errors.As(err, &held) {
			return nil, fmt.Errorf("backend %s is already locked by another process", handle)
		}
		lastErr = err
	}

	return nil, fmt.Errorf("failed to acquire lock after %d retries: %w", acquireRetries, lastErr)
}

// backoffDelay doubles from the base up to the cap, plus half again so
// retries from two replicas do not stay in step.
func backoffDelay(attempt int) time.Duration {
	delay := min(acquireBaseDelay<<attempt, acquireMaxDelay)
	return delay + delay/2
}

// claim writes the lock item, conditioned on no other replica holding it,
// and starts the refresh loop on success.
func (p *DynamoDBLockProvider) claim(ctx context.Context, lockID string, handle interfaces.BackendHandle, info []byte) (*DynamoDBLock, error) {
	now := time.Now().UTC()

	_, err := p.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(p.config.TableName),
		Item: map[string]types.AttributeValue{
			"LockID":  &types.AttributeValueMemberS{Value: lockID},
			"Owner":   &types.AttributeValueMemberS{Value: p.ownerID},
			"Created": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
			"TTL":     &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(p.config.TTL).Unix(), 10)},
			"Info":    &types.AttributeValueMemberS{Value: string(info)},
		},
		ConditionExpression: aws.String("attribute_not_exists(LockID)"),
	})
	if err != nil {
		return nil, err
	}

	lock := &DynamoDBLock{
		id:          fmt.Sprintf("dynamodb-lock-%d", now.UnixNano()),
		lockID:      lockID,
		handle:      handle,
		createdAt:   now,
		provider:    p,
		refreshStop: make(chan struct{}),
	}

	p.mu.Lock()
	p.refreshStops[lock.id] = lock.refreshStop
	p.mu.Unlock()

	go p.refreshLock(lock)

	return lock, nil
}

// refreshLock extends the TTL every interval until the lock is released.
// A refresh that fails means the lock was lost or stolen, so the loop
// stops and lets the item expire.
func (p *DynamoDBLockProvider) refreshLock(lock *DynamoDBLock) {
	ticker := time.NewTicker(p.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-lock.refreshStop:
			return
		case <-ticker.C:
			if err := p.extendTTL(lock.lockID); err != nil {
				return
			}
		}
	}
}

// extendTTL pushes the expiry out by one TTL, conditioned on this replica
// still owning the item
func (p *DynamoDBLockProvider) extendTTL(lockID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), lockCallTimeout)
	defer cancel()

	expiry := time.Now().UTC().Add(p.config.TTL).Unix()
	_, err := p.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(p.config.TableName),
		Key:              lockKey(lockID),
		UpdateExpression: aws.String("SET #ttl = :ttl"),
		ExpressionAttributeNames: map[string]string{
			"#ttl":   "TTL",
			"#owner": "Owner",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ttl":   &types.AttributeValueMemberN{Value: strconv.FormatInt(expiry, 10)},
			":owner": &types.AttributeValueMemberS{Value: p.ownerID},
		},
		ConditionExpression: aws.String("#owner = :owner"),
	})
	return err
}

func lockKey(lockID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"LockID": &types.AttributeValueMemberS{Value: lockID},
	}
}

// Shutdown stops all refresh goroutines
func (p *DynamoDBLockProvider) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, stop := range p.refreshStops {
		close(stop)
	}
	p.refreshStops = make(map[string]chan struct{})
}

// ID returns the lock identifier
func (l *DynamoDBLock) ID() string {
	return l.id
}

// BackendHandle returns the locked backend handle
func (l *DynamoDBLock) BackendHandle() interfaces.BackendHandle {
	return l.handle
}

// CreatedAt returns when the lock was claimed
func (l *DynamoDBLock) CreatedAt() time.Time {
	return l.createdAt
}

// Release stops the refresh goroutine and deletes the lock item. Releasing
// a lock owned by another process fails without touching it.
func (l *DynamoDBLock) Release() error {
	l.stopOnce.Do(func() {
		close(l.refreshStop)

		l.provider.mu.Lock()
		delete(l.provider.refreshStops, l.id)
		l.provider.mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), lockCallTimeout)
	defer cancel()

	_, err := l.provider.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(l.provider.config.TableName),
		Key:                 lockKey(l.lockID),
		ConditionExpression: aws.String("#owner = :owner"),
		ExpressionAttributeNames: map[string]string{
			"#owner": "Owner",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner": &types.AttributeValueMemberS{Value: l.provider.ownerID},
		},
	})
	if err != nil {
		var conditionalCheckFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionalCheckFailed) {
			return fmt.Errorf("lock is not owned by this process")
		}
		return fmt.Errorf("failed to release lock: %w", err)
	}

	return nil
}

// Interface compliance check
var _ interfaces.BackendLock = (*DynamoDBLock)(nil)
