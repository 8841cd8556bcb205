package gcalnotify

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/gofrs/flock"
	"github.com/shogo82148/go-retry"
)

// StorageOption contains configuration for cursor persistence.
//
// Supported storage types:
//   - "dynamodb": one item per calendar in a DynamoDB table (default, recommended for production)
//   - "file": a local gob file guarded by a lock file (suitable for development)
type StorageOption struct {
	Type       string `help:"storage type" default:"dynamodb" enum:"dynamodb,file" env:"GCALNOTIFY_STORAGE_TYPE"`
	TableName  string `help:"dynamodb table name" default:"gcalnotify" env:"GCALNOTIFY_DDB_TABLE_NAME"`
	AutoCreate bool   `help:"auto create dynamodb table" default:"false" env:"GCALNOTIFY_DDB_AUTO_CREATE" negatable:""`
	DataFile   string `help:"file storage data file" default:"gcalnotify.dat" env:"GCALNOTIFY_FILE_STORAGE_DATA_FILE"`
	LockFile   string `help:"file storage lock file" default:"gcalnotify.lock" env:"GCALNOTIFY_FILE_STORAGE_LOCK_FILE"`
}

// CursorItem is the persisted sync state of one calendar.
//
// Version starts at 1 and grows by one on every write; SaveCursor only
// succeeds when the stored version is exactly Version-1.
type CursorItem struct {
	CalendarKey string
	CalendarID  string
	Cursor      string
	Version     int64
	UpdatedAt   time.Time
}

// Next returns a copy of the item carrying cursor with the version advanced.
func (item *CursorItem) Next(cursor string, now time.Time) *CursorItem {
	next := *item
	next.Cursor = cursor
	next.Version = item.Version + 1
	next.UpdatedAt = now
	return &next
}

// Storage persists one sync cursor per calendar key.
type Storage interface {
	// FindCursor returns *CursorNotFound when nothing is stored for the key.
	FindCursor(ctx context.Context, calendarKey string) (*CursorItem, error)
	// SaveCursor returns *CursorConflict when another writer advanced the cursor first.
	SaveCursor(ctx context.Context, item *CursorItem) error
	FindAllCursors(ctx context.Context) (<-chan []*CursorItem, error)
}

type CursorNotFound struct {
	CalendarKey string
}

func (err *CursorNotFound) Error() string {
	return fmt.Sprintf("cursor for calendar_key:%s not found", err.CalendarKey)
}

type CursorConflict struct {
	CalendarKey string
	Version     int64
}

func (err *CursorConflict) Error() string {
	return fmt.Sprintf("cursor for calendar_key:%s was updated concurrently (expected version %d)", err.CalendarKey, err.Version-1)
}

// NewStorage creates a Storage implementation based on the configuration type.
func NewStorage(ctx context.Context, cfg StorageOption) (Storage, error) {
	switch cfg.Type {
	case "dynamodb":
		return NewDynamoDBStorage(ctx, cfg)
	case "file":
		return NewFileStorage(ctx, cfg)
	}
	return nil, errors.New("unknown storage type")
}

// DynamoDBClient is the interface for the Amazon DynamoDB operations used by DynamoDBStorage.
// This is satisfied by *dynamodb.Client.
type DynamoDBClient interface {
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

type DynamoDBStorage struct {
	client    DynamoDBClient
	tableName string
}

func NewDynamoDBStorage(ctx context.Context, cfg StorageOption) (*DynamoDBStorage, error) {
	awsCfg, err := loadAWSConfig(ctx)
	if err != nil {
		return nil, err
	}
	s := NewDynamoDBStorageWithClient(dynamodb.NewFromConfig(awsCfg), cfg.TableName)
	slog.InfoContext(ctx, "check describe dynamodb table", "table_name", s.tableName)
	exists, err := s.tableExists(ctx)
	if err != nil {
		return nil, err
	}
	if !exists && cfg.AutoCreate {
		if err := s.createTable(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// NewDynamoDBStorageWithClient wraps an existing client without checking the table.
func NewDynamoDBStorageWithClient(client DynamoDBClient, tableName string) *DynamoDBStorage {
	return &DynamoDBStorage{
		client:    client,
		tableName: tableName,
	}
}

func GetAttributeValueAs[T types.AttributeValue](key string, values map[string]types.AttributeValue) (T, bool) {
	var empty T
	value, ok := values[key]
	if !ok {
		return empty, false
	}
	if v, ok := value.(T); ok {
		return v, true
	}
	return empty, false
}

func NewCursorItemWithDynamoDBAttributeValues(values map[string]types.AttributeValue) *CursorItem {
	item := &CursorItem{}
	if v, ok := GetAttributeValueAs[*types.AttributeValueMemberS]("CalendarKey", values); ok {
		item.CalendarKey = v.Value
	}
	if v, ok := GetAttributeValueAs[*types.AttributeValueMemberS]("CalendarID", values); ok {
		item.CalendarID = v.Value
	}
	if v, ok := GetAttributeValueAs[*types.AttributeValueMemberS]("Cursor", values); ok {
		item.Cursor = v.Value
	}
	if v, ok := GetAttributeValueAs[*types.AttributeValueMemberN]("Version", values); ok {
		if version, err := strconv.ParseInt(v.Value, 10, 64); err == nil {
			item.Version = version
		}
	}
	if v, ok := GetAttributeValueAs[*types.AttributeValueMemberN]("UpdatedAt", values); ok {
		if updatedAt, err := strconv.ParseInt(v.Value, 10, 64); err == nil {
			item.UpdatedAt = time.UnixMilli(updatedAt)
		}
	}
	return item
}

func (item *CursorItem) ToDynamoDBAttributeValues() map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"CalendarKey": &types.AttributeValueMemberS{Value: item.CalendarKey},
		"CalendarID":  &types.AttributeValueMemberS{Value: item.CalendarID},
		"Cursor":      &types.AttributeValueMemberS{Value: item.Cursor},
		"Version":     &types.AttributeValueMemberN{Value: strconv.FormatInt(item.Version, 10)},
		"UpdatedAt":   &types.AttributeValueMemberN{Value: strconv.FormatInt(item.UpdatedAt.UnixMilli(), 10)},
	}
}

func (s *DynamoDBStorage) tableExists(ctx context.Context) (bool, error) {
	slog.DebugContext(ctx, "describe dynamodb table", "table_name", s.tableName)
	table, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	})
	if err != nil {
		var ae smithy.APIError
		if errors.As(err, &ae) && ae.ErrorCode() == "ResourceNotFoundException" {
			return false, nil
		}
		slog.DebugContext(ctx, "DescribeTable failed", "error", err)
		return false, err
	}
	slog.DebugContext(ctx, "exists table", "table_name", s.tableName, "status", table.Table.TableStatus)
	if table.Table.TableStatus == types.TableStatusActive || table.Table.TableStatus == types.TableStatusUpdating {
		return true, nil
	}
	return false, nil
}

func (s *DynamoDBStorage) waitTableActive(ctx context.Context) error {
	policy := retry.Policy{
		MinDelay: 200 * time.Millisecond,
		MaxDelay: 2 * time.Second,
		MaxCount: 20,
		Jitter:   100 * time.Millisecond,
	}
	retrier := policy.Start(ctx)
	var err error
	var exists bool
	slog.DebugContext(ctx, "start wait dynamodb table active", "table_name", s.tableName)
	for retrier.Continue() {
		exists, err = s.tableExists(ctx)
		if err == nil && exists {
			return nil
		}
	}
	if err == nil {
		return errors.New("table not active")
	}
	return fmt.Errorf("table not active: %w", err)
}

func (s *DynamoDBStorage) createTable(ctx context.Context) error {
	slog.DebugContext(ctx, "create dynamodb table", "table_name", s.tableName)
	output, err := s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.tableName),
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String("CalendarKey"),
				AttributeType: types.ScalarAttributeTypeS,
			},
		},
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String("CalendarKey"),
				KeyType:       types.KeyTypeHash,
			},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		var ae smithy.APIError
		if errors.As(err, &ae) && ae.ErrorCode() == "ResourceInUseException" {
			slog.DebugContext(ctx, "table is being created, wait table active", "table_name", s.tableName)
			return s.waitTableActive(ctx)
		}
		slog.DebugContext(ctx, "CreateTable failed", "error", err)
		return err
	}
	slog.InfoContext(ctx, "create dynamodb table", "table_arn", aws.ToString(output.TableDescription.TableArn))
	return s.waitTableActive(ctx)
}

func (s *DynamoDBStorage) FindCursor(ctx context.Context, calendarKey string) (*CursorItem, error) {
	slog.DebugContext(ctx, "get item from dynamodb table", "calendar_key", calendarKey, "table_name", s.tableName)
	output, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"CalendarKey": &types.AttributeValueMemberS{Value: calendarKey},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		slog.WarnContext(ctx, "failed get item from dynamodb table", "calendar_key", calendarKey, "table_name", s.tableName, "error", err)
		return nil, err
	}
	if len(output.Item) == 0 {
		return nil, &CursorNotFound{CalendarKey: calendarKey}
	}
	return NewCursorItemWithDynamoDBAttributeValues(output.Item), nil
}

func (s *DynamoDBStorage) SaveCursor(ctx context.Context, item *CursorItem) error {
	input := &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item.ToDynamoDBAttributeValues(),
	}
	if item.Version <= 1 {
		input.ConditionExpression = aws.String("attribute_not_exists(CalendarKey)")
	} else {
		input.ConditionExpression = aws.String("#Version = :PrevVersion")
		input.ExpressionAttributeNames = map[string]string{
			"#Version": "Version",
		}
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":PrevVersion": &types.AttributeValueMemberN{Value: strconv.FormatInt(item.Version-1, 10)},
		}
	}
	slog.DebugContext(ctx, "put item to dynamodb table", "calendar_key", item.CalendarKey, "version", item.Version, "table_name", s.tableName)
	if _, err := s.client.PutItem(ctx, input); err != nil {
		var ae smithy.APIError
		if errors.As(err, &ae) && ae.ErrorCode() == "ConditionalCheckFailedException" {
			return &CursorConflict{CalendarKey: item.CalendarKey, Version: item.Version}
		}
		slog.WarnContext(ctx, "failed put item to dynamodb table", "calendar_key", item.CalendarKey, "table_name", s.tableName, "error", err)
		return err
	}
	slog.InfoContext(ctx, "put item to dynamodb table", "calendar_key", item.CalendarKey, "version", item.Version, "table_name", s.tableName)
	return nil
}

func (s *DynamoDBStorage) FindAllCursors(ctx context.Context) (<-chan []*CursorItem, error) {
	slog.DebugContext(ctx, "scan dynamodb table", "table_name", s.tableName)
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:      aws.String(s.tableName),
		Select:         types.SelectAllAttributes,
		ConsistentRead: aws.Bool(false),
	})
	output, err := paginator.NextPage(ctx)
	if err != nil {
		slog.DebugContext(ctx, "scan dynamodb table failed", "error", err)
		return nil, err
	}
	ch := make(chan []*CursorItem, 10)
	ch <- Map(output.Items, NewCursorItemWithDynamoDBAttributeValues)
	go func() {
		defer close(ch)
		for paginator.HasMorePages() {
			output, err := paginator.NextPage(ctx)
			if err != nil {
				slog.ErrorContext(ctx, "background scan dynamodb table failed", "error", err)
				return
			}
			select {
			case ch <- Map(output.Items, NewCursorItemWithDynamoDBAttributeValues):
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// FileStorage keeps every cursor in one gob file. Each operation holds an
// exclusive lock on LockFile for its whole read-modify-write and rewrites only
// the key it owns, so concurrent cycles never clobber each other's cursors.
type FileStorage struct {
	LockFile string
	FilePath string

	mu sync.Mutex
}

type fileStorageData struct {
	Cursors map[string]*CursorItem
}

func NewFileStorage(_ context.Context, cfg StorageOption) (*FileStorage, error) {
	return &FileStorage{
		FilePath: cfg.DataFile,
		LockFile: cfg.LockFile,
	}, nil
}

func (s *FileStorage) FindCursor(ctx context.Context, calendarKey string) (*CursorItem, error) {
	var ret *CursorItem
	err := s.transactional(ctx, false, func(data *fileStorageData) error {
		item, ok := data.Cursors[calendarKey]
		if !ok {
			return &CursorNotFound{CalendarKey: calendarKey}
		}
		copied := *item
		ret = &copied
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *FileStorage) SaveCursor(ctx context.Context, item *CursorItem) error {
	return s.transactional(ctx, true, func(data *fileStorageData) error {
		var current int64
		if stored, ok := data.Cursors[item.CalendarKey]; ok {
			current = stored.Version
		}
		if current != item.Version-1 {
			return &CursorConflict{CalendarKey: item.CalendarKey, Version: item.Version}
		}
		copied := *item
		data.Cursors[item.CalendarKey] = &copied
		slog.DebugContext(ctx, "update cursor", "calendar_key", item.CalendarKey, "version", item.Version)
		return nil
	})
}

func (s *FileStorage) FindAllCursors(ctx context.Context) (<-chan []*CursorItem, error) {
	ch := make(chan []*CursorItem, 1)
	go func() {
		defer close(ch)
		if err := s.transactional(ctx, false, func(data *fileStorageData) error {
			items := make([]*CursorItem, 0, len(data.Cursors))
			for _, item := range data.Cursors {
				copied := *item
				items = append(items, &copied)
			}
			ch <- items
			return nil
		}); err != nil {
			slog.ErrorContext(ctx, "failed background cursors read", "error", err)
		}
	}()
	return ch, nil
}

func (s *FileStorage) transactional(ctx context.Context, write bool, fn func(*fileStorageData) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fileLock := flock.New(s.LockFile)
	policy := retry.Policy{
		MinDelay: 100 * time.Millisecond,
		MaxDelay: 1 * time.Second,
		MaxCount: 10,
		Jitter:   35 * time.Millisecond,
	}
	retrier := policy.Start(ctx)
	var err error
	var locked bool
	for retrier.Continue() {
		locked, err = fileLock.TryLock()
		if err != nil {
			slog.DebugContext(ctx, "get file storage lock failed", "lock_file", s.LockFile, "error", err)
			continue
		}
		if locked {
			break
		}
	}
	if !locked {
		if err == nil {
			err = ctx.Err()
		}
		return fmt.Errorf("cannot get lock: %w", err)
	}
	defer func() {
		if err := fileLock.Unlock(); err != nil {
			slog.DebugContext(ctx, "file storage unlock failed", "error", err)
		}
	}()
	data, err := s.restore(ctx)
	if err != nil {
		return err
	}
	if err := fn(data); err != nil {
		return err
	}
	if !write {
		return nil
	}
	return s.store(ctx, data)
}

func (s *FileStorage) restore(ctx context.Context) (*fileStorageData, error) {
	data := &fileStorageData{Cursors: make(map[string]*CursorItem)}
	fp, err := os.Open(s.FilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return data, nil
		}
		return nil, fmt.Errorf("open file storage: %w", err)
	}
	defer fp.Close()
	if err := gob.NewDecoder(fp).Decode(data); err != nil && err != io.EOF {
		slog.ErrorContext(ctx, "failed restore file storage", "data_file", s.FilePath, "error", err)
		return nil, err
	}
	if data.Cursors == nil {
		data.Cursors = make(map[string]*CursorItem)
	}
	return data, nil
}

// store writes to a temporary file and renames it over FilePath.
func (s *FileStorage) store(ctx context.Context, data *fileStorageData) error {
	fp, err := os.CreateTemp(filepath.Dir(s.FilePath), filepath.Base(s.FilePath)+".*")
	if err != nil {
		slog.ErrorContext(ctx, "failed store to file storage: create file", "error", err)
		return err
	}
	tmpName := fp.Name()
	if err := gob.NewEncoder(fp).Encode(data); err != nil {
		fp.Close()
		os.Remove(tmpName)
		slog.ErrorContext(ctx, "failed store to file storage: encode gob", "error", err)
		return err
	}
	if err := fp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.FilePath); err != nil {
		os.Remove(tmpName)
		return err
	}
	slog.DebugContext(ctx, "file storage store", "data_file", s.FilePath)
	return nil
}
