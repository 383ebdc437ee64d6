// Package storage opens the configured allocation store backend.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/flowpbx/takeback/internal/allocator"
	"github.com/flowpbx/takeback/internal/config"
	"github.com/flowpbx/takeback/internal/database"
	"github.com/flowpbx/takeback/internal/database/dynamostore"
	"github.com/flowpbx/takeback/internal/database/pgstore"
)

// Store is an allocation store that can also report occupancy.
type Store interface {
	allocator.AdminStore
	CountByState(ctx context.Context) (available, inUse int64, err error)
}

// Backend is an open allocation store.
type Backend struct {
	Store
	Name  string
	close func() error
}

// Close releases the backend's connections.
func (b *Backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// Open opens the backend selected by cfg.Store.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Backend, error) {
	switch cfg.Store {
	case "sqlite":
		db, err := database.Open(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		logger.Info("allocation store opened", "store", "sqlite", "path", db.Path())
		return &Backend{Store: database.NewPairRepository(db), Name: "sqlite", close: db.Close}, nil

	case "postgres":
		s, err := pgstore.New(cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("opening postgres store: %w", err)
		}
		logger.Info("allocation store opened", "store", "postgres")
		return &Backend{Store: s, Name: "postgres", close: s.Close}, nil

	case "dynamodb":
		awsCfg, err := LoadAWSConfig(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s := dynamostore.New(dynamodb.NewFromConfig(awsCfg), cfg.DynamoDBTable, cfg.DynamoDBIndex)
		logger.Info("allocation store opened", "store", "dynamodb",
			"table", cfg.DynamoDBTable, "index", cfg.DynamoDBIndex, "region", awsCfg.Region)
		return &Backend{Store: s, Name: "dynamodb"}, nil
	}
	return nil, fmt.Errorf("unknown store %q", cfg.Store)
}

// LoadAWSConfig resolves AWS credentials and region, preferring the
// configured region over the SDK's default chain.
func LoadAWSConfig(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.AWSRegion != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.AWSRegion))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading aws config: %w", err)
	}
	return awsCfg, nil
}
