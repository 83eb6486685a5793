package repository

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

// MongoSettings configures the cart store connection. Zero values fall back
// to the defaults in withDefaults.
type MongoSettings struct {
	URI            string
	Database       string
	AppName        string
	MaxPoolSize    uint64
	MinPoolSize    uint64
	ConnectTimeout time.Duration
}

func (s MongoSettings) withDefaults() MongoSettings {
	if s.MaxPoolSize == 0 {
		s.MaxPoolSize = 100
	}
	if s.MinPoolSize > s.MaxPoolSize {
		s.MinPoolSize = s.MaxPoolSize
	}
	if s.ConnectTimeout <= 0 {
		s.ConnectTimeout = 10 * time.Second
	}
	return s
}

// ConnectMongoDB opens the cart database. Cart writes use majority write
// concern so an item acknowledged to the user survives a primary failover.
func ConnectMongoDB(ctx context.Context, settings MongoSettings) (*mongo.Database, error) {
	s := settings.withDefaults()
	if s.URI == "" || s.Database == "" {
		return nil, fmt.Errorf("mongo uri and database are required")
	}

	clientOpts := options.Client().
		ApplyURI(s.URI).
		SetAppName(s.AppName).
		SetConnectTimeout(s.ConnectTimeout).
		SetServerSelectionTimeout(s.ConnectTimeout).
		SetMaxPoolSize(s.MaxPoolSize).
		SetMinPoolSize(s.MinPoolSize).
		SetWriteConcern(writeconcern.Majority())

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("connect to mongo %s: %w", s.Database, err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("ping mongo %s: %w", s.Database, err)
	}

	return client.Database(s.Database), nil
}
