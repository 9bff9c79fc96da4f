//go:build integration

// Package mongotest starts a single-node MongoDB replica set in Docker for
// integration tests. Tests skip when no container runtime is available.
package mongotest

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"

	"github.com/ouvidoriag/ogfinal-sub001/pkg/config"
	pkgmongo "github.com/ouvidoriag/ogfinal-sub001/pkg/mongo"
)

const image = "mongo:7"

// Start runs a replica-set container and returns a connected client on a
// fresh database. Both are torn down when the test ends.
func Start(t *testing.T) *pkgmongo.Client {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := mongodb.Run(ctx, image, mongodb.WithReplicaSet("rs0"))
	if err != nil {
		t.Fatalf("starting mongodb container: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("terminating mongodb container: %v", err)
		}
	})

	uri, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("mongodb connection string: %v", err)
	}
	if !strings.Contains(uri, "?") {
		uri = strings.TrimSuffix(uri, "/") + "/?directConnection=true"
	}

	client, err := pkgmongo.NewClient(ctx, Config(uri))
	if err != nil {
		t.Fatalf("connecting to mongodb: %v", err)
	}
	t.Cleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Close(closeCtx)
	})
	return client
}

// Config is the client configuration used against the test container.
func Config(uri string) config.MongoConfig {
	return config.MongoConfig{
		URI:              uri,
		Database:         "insights_it",
		RecordCollection: "records",
		CacheCollection:  "aggregation_cache",
		MaxPoolSize:      10,
		ConnectTimeout:   30 * time.Second,
	}
}
