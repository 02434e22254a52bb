// Package mongo implements the low-level MongoDB client used by the
// workflow store. It exposes narrow collection handles so the store can be
// exercised against fakes in tests and against a real mongod in production.
package mongo

//go:generate cmg gen .

import (
	"context"
	"errors"
	"time"

	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"
)

type (
	// Client exposes the database handles the workflow store persists
	// through. It reports health via the clue health.Pinger contract.
	Client interface {
		health.Pinger

		// Collection returns a handle on the named collection.
		Collection(name string) Collection
		// Timeout is the per-operation bound store methods apply.
		Timeout() time.Duration
	}

	// Options configures the Mongo client implementation.
	Options struct {
		Client   *mongodriver.Client
		Database string
		Timeout  time.Duration
	}

	// Collection is the subset of *mongo.Collection the store uses,
	// extracted so tests can substitute fakes.
	Collection interface {
		FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) SingleResult
		Find(ctx context.Context, filter any, opts ...*options.FindOptions) (Cursor, error)
		InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error)
		InsertMany(ctx context.Context, documents []any, opts ...*options.InsertManyOptions) (*mongodriver.InsertManyResult, error)
		UpdateOne(ctx context.Context, filter, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
		ReplaceOne(ctx context.Context, filter, replacement any, opts ...*options.ReplaceOptions) (*mongodriver.UpdateResult, error)
		FindOneAndUpdate(ctx context.Context, filter, update any, opts ...*options.FindOneAndUpdateOptions) SingleResult
		FindOneAndDelete(ctx context.Context, filter any, opts ...*options.FindOneAndDeleteOptions) SingleResult
		DeleteOne(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error)
		DeleteMany(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error)
		CountDocuments(ctx context.Context, filter any, opts ...*options.CountOptions) (int64, error)
		Indexes() IndexView
	}

	// SingleResult mirrors *mongo.SingleResult.
	SingleResult interface {
		Decode(val any) error
		Err() error
	}

	// Cursor mirrors *mongo.Cursor.
	Cursor interface {
		Next(ctx context.Context) bool
		Decode(val any) error
		Err() error
		Close(ctx context.Context) error
	}

	// IndexView mirrors mongo.IndexView.
	IndexView interface {
		CreateMany(ctx context.Context, models []mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) ([]string, error)
	}

	client struct {
		mongo   *mongodriver.Client
		db      *mongodriver.Database
		timeout time.Duration
	}
)

const (
	defaultTimeout = 5 * time.Second
	clientName     = "mongo"
)

// New returns a Client backed by the provided MongoDB client.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{
		mongo:   opts.Client,
		db:      opts.Client.Database(opts.Database),
		timeout: timeout,
	}, nil
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) Collection(name string) Collection {
	return mongoCollection{coll: c.db.Collection(name)}
}

func (c *client) Timeout() time.Duration {
	return c.timeout
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) SingleResult {
	return c.coll.FindOne(ctx, filter, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (Cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document, opts...)
}

func (c mongoCollection) InsertMany(ctx context.Context, documents []any, opts ...*options.InsertManyOptions) (*mongodriver.InsertManyResult, error) {
	return c.coll.InsertMany(ctx, documents, opts...)
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) ReplaceOne(ctx context.Context, filter, replacement any, opts ...*options.ReplaceOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.ReplaceOne(ctx, filter, replacement, opts...)
}

func (c mongoCollection) FindOneAndUpdate(ctx context.Context, filter, update any, opts ...*options.FindOneAndUpdateOptions) SingleResult {
	return c.coll.FindOneAndUpdate(ctx, filter, update, opts...)
}

func (c mongoCollection) FindOneAndDelete(ctx context.Context, filter any, opts ...*options.FindOneAndDeleteOptions) SingleResult {
	return c.coll.FindOneAndDelete(ctx, filter, opts...)
}

func (c mongoCollection) DeleteOne(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteOne(ctx, filter, opts...)
}

func (c mongoCollection) DeleteMany(ctx context.Context, filter any, opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteMany(ctx, filter, opts...)
}

func (c mongoCollection) CountDocuments(ctx context.Context, filter any, opts ...*options.CountOptions) (int64, error) {
	return c.coll.CountDocuments(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() IndexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Next(ctx context.Context) bool {
	return c.cur.Next(ctx)
}

func (c mongoCursor) Decode(val any) error {
	return c.cur.Decode(val)
}

func (c mongoCursor) Err() error {
	return c.cur.Err()
}

func (c mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateMany(ctx context.Context, models []mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) ([]string, error) {
	return v.view.CreateMany(ctx, models, opts...)
}
