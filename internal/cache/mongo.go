package cache

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// entry is the document layout of the cache collection.
type entry struct {
	Key       string    `bson:"_id"`
	Data      []byte    `bson:"data"`
	CreatedAt time.Time `bson:"createdAt"`
	ExpiresAt time.Time `bson:"expiresAt"`
}

// MongoBackend keeps entries in a collection next to the records. A TTL
// index reaps expired documents; reads also ignore anything past expiresAt
// since the reaper runs only once a minute.
type MongoBackend struct {
	coll *mongo.Collection
	now  func() time.Time
}

// NewMongoBackend creates a MongoBackend over coll.
func NewMongoBackend(coll *mongo.Collection) *MongoBackend {
	return &MongoBackend{coll: coll, now: time.Now}
}

// EnsureIndexes creates the TTL index on expiresAt.
func (b *MongoBackend) EnsureIndexes(ctx context.Context) error {
	_, err := b.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expiresAt", Value: 1}},
		Options: options.Index().SetName("expiresAt_ttl").SetExpireAfterSeconds(0),
	})
	if err != nil {
		return fmt.Errorf("creating cache ttl index: %w", err)
	}
	return nil
}

func (b *MongoBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var e entry
	err := b.coll.FindOne(ctx, bson.M{"_id": key, "expiresAt": bson.M{"$gt": b.now()}}).Decode(&e)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return e.Data, true, nil
}

func (b *MongoBackend) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	now := b.now()
	_, err := b.coll.ReplaceOne(ctx,
		bson.M{"_id": key},
		entry{Key: key, Data: data, CreatedAt: now, ExpiresAt: now.Add(ttl)},
		options.Replace().SetUpsert(true),
	)
	return err
}

func (b *MongoBackend) DeletePattern(ctx context.Context, pattern string) (int64, error) {
	res, err := b.coll.DeleteMany(ctx, bson.M{"_id": bson.M{"$regex": GlobToRegex(pattern)}})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (b *MongoBackend) Ping(ctx context.Context) error {
	return b.coll.Database().Client().Ping(ctx, nil)
}

func (b *MongoBackend) Name() string { return "mongo" }

// GlobToRegex translates a key glob ('*' and '?') into an anchored regular
// expression.
func GlobToRegex(pattern string) string {
	var sb strings.Builder
	sb.WriteByte('^')
	for _, r := range pattern {
		switch r {
		case '*':
			sb.WriteString(".*")
		case '?':
			sb.WriteByte('.')
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteByte('$')
	return sb.String()
}
