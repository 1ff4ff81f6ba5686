package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/stepflow/internal/testutil"
)

func TestMongoStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping MongoDB container test in short mode")
	}
	uri := testutil.GetMongoURI(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err, "mongo.Connect failed")
	t.Cleanup(func() {
		_ = client.Disconnect(context.Background())
	})

	const dbName, collName = "stepflow_test", "flows_test"
	suite.Run(t, &FlowStoreSuite{newStore: func() FlowStore {
		_ = client.Database(dbName).Collection(collName).Drop(context.Background())
		return NewMongoFlowStore(client, dbName, collName)
	}})
}
