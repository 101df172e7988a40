package bootstrap

import (
	"fmt"

	"querywatch/config"
	"querywatch/storage"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"go.uber.org/zap"
)

// StorageComponents holds the query store and what must be closed with it.
type StorageComponents struct {
	Store  storage.QueryStore
	SQLite *storage.SQLite
}

// Close releases the SQLite pools, if any.
func (s *StorageComponents) Close() error {
	if s == nil || s.SQLite == nil {
		return nil
	}
	return s.SQLite.Close()
}

// NewAWSSession creates the session shared by every AWS client. A configured
// endpoint points all services at it (localstack).
func NewAWSSession(cfg *config.Config) (*session.Session, error) {
	awsCfg := aws.NewConfig().WithRegion(cfg.AWS.Region)
	if cfg.AWS.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.AWS.Endpoint).WithS3ForcePathStyle(true)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	return sess, nil
}

// InitStore opens the configured query store backend.
func InitStore(cfg *config.Config, sess *session.Session, sugar *zap.SugaredLogger) (*StorageComponents, error) {
	switch cfg.Store.Backend {
	case config.StoreSQLite:
		db, err := storage.NewSQLite(cfg.Store.SQLitePath, sugar)
		if err != nil {
			sugar.Error(ClassifySQLiteError(err, cfg.Store.SQLitePath))
			return nil, fmt.Errorf("failed to open SQLite store: %w", err)
		}
		store, err := storage.NewSQLiteQueryStore(db, sugar)
		if err != nil {
			_ = db.Close()
			sugar.Error(ClassifySQLiteError(err, cfg.Store.SQLitePath))
			return nil, fmt.Errorf("failed to initialize SQLite store: %w", err)
		}
		sugar.Infow("Query store ready", "backend", config.StoreSQLite, "path", cfg.Store.SQLitePath)
		return &StorageComponents{Store: store, SQLite: db}, nil

	case config.StoreDynamoDB:
		if sess == nil {
			return nil, fmt.Errorf("dynamodb store requires an AWS session")
		}
		store := storage.NewDynamoDBQueryStore(dynamodb.New(sess), cfg.Store.DynamoDBTable, sugar)
		sugar.Infow("Query store ready", "backend", config.StoreDynamoDB, "table", cfg.Store.DynamoDBTable)
		return &StorageComponents{Store: store}, nil

	default:
		return nil, fmt.Errorf("unsupported store backend: %s", cfg.Store.Backend)
	}
}
