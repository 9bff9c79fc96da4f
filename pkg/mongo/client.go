// Package mongo provides a thin wrapper around the official MongoDB driver with
// connection verification, collection accessors and index bootstrapping for
// the record collection.
package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/ouvidoriag/ogfinal-sub001/pkg/config"
)

// Client wraps a mongo-driver client bound to one database.
type Client struct {
	client *mongo.Client
	db     *mongo.Database
	cfg    config.MongoConfig
}

// NewClient connects to MongoDB and verifies the connection with a ping
// against the primary.
func NewClient(ctx context.Context, cfg config.MongoConfig) (*Client, error) {
	opts := options.Client().
		ApplyURI(cfg.URI).
		SetMaxPoolSize(cfg.MaxPoolSize).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetServerSelectionTimeout(cfg.ConnectTimeout)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connecting to mongo: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping failed: %w", err)
	}
	return &Client{client: client, db: client.Database(cfg.Database), cfg: cfg}, nil
}

// Database returns the configured database handle.
func (c *Client) Database() *mongo.Database {
	return c.db
}

// Records returns the citizen-request record collection.
func (c *Client) Records() *mongo.Collection {
	return c.db.Collection(c.cfg.RecordCollection)
}

// CacheEntries returns the collection backing the mongo cache backend.
func (c *Client) CacheEntries() *mongo.Collection {
	return c.db.Collection(c.cfg.CacheCollection)
}

// Ping checks primary reachability.
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client.
func (c *Client) Close(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

// EnsureRecordIndexes creates the indexes the paginator and the dimension
// builders rely on. It is idempotent.
func (c *Client) EnsureRecordIndexes(ctx context.Context, dimensionFields []string) error {
	models := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}},
			Options: options.Index().SetName("createdAt_id_desc"),
		},
		{
			Keys:    bson.D{{Key: "createdAtIso", Value: 1}},
			Options: options.Index().SetName("createdAtIso_1"),
		},
	}
	for _, field := range dimensionFields {
		models = append(models, mongo.IndexModel{
			Keys:    bson.D{{Key: field, Value: 1}},
			Options: options.Index().SetName(field + "_1"),
		})
	}
	if _, err := c.Records().Indexes().CreateMany(ctx, models); err != nil {
		return fmt.Errorf("creating record indexes: %w", err)
	}
	return nil
}
