package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func testDriverClient(t *testing.T) *mongodriver.Client {
	t.Helper()
	// Connect is lazy in the v1 driver: no server is contacted until an
	// operation runs, so construction-only tests need no mongod.
	cli, err := mongodriver.Connect(context.Background(), options.Client().ApplyURI("mongodb://127.0.0.1:27017"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cli.Disconnect(context.Background()) })
	return cli
}

func TestNewValidatesOptions(t *testing.T) {
	t.Parallel()

	_, err := New(Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mongo client is required")

	_, err = New(Options{Client: testDriverClient(t)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database name is required")
}

func TestNewDefaultsTimeout(t *testing.T) {
	t.Parallel()

	c, err := New(Options{Client: testDriverClient(t), Database: "flow_test"})
	require.NoError(t, err)
	assert.Equal(t, defaultTimeout, c.Timeout())

	c, err = New(Options{Client: testDriverClient(t), Database: "flow_test", Timeout: 250 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, c.Timeout())
}

func TestClientName(t *testing.T) {
	t.Parallel()

	c, err := New(Options{Client: testDriverClient(t), Database: "flow_test"})
	require.NoError(t, err)
	assert.Equal(t, "mongo", c.Name())
}

func TestCollectionHandles(t *testing.T) {
	t.Parallel()

	c, err := New(Options{Client: testDriverClient(t), Database: "flow_test"})
	require.NoError(t, err)

	coll := c.Collection("instances")
	require.NotNil(t, coll)
	assert.NotNil(t, coll.Indexes())
}
