// Package mongo provides a MongoDB-backed SessionStore.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/drewfead/triage/internal/session"
	"github.com/drewfead/triage/internal/store"
)

const (
	defaultCollection = "sessions"
	defaultOpTimeout  = 5 * time.Second
)

// Options configures the Mongo session store.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// Store persists session documents in one Mongo collection keyed by id.
type Store struct {
	mongo   *mongodriver.Client
	owned   bool
	coll    collection
	timeout time.Duration
}

var _ store.SessionStore = (*Store)(nil)

// Dial connects to uri and returns a Store that owns the client.
func Dial(ctx context.Context, uri, database, coll string, timeout time.Duration) (*Store, error) {
	clientOpts := options.Client().
		ApplyURI(uri).
		SetBSONOptions(&options.BSONOptions{DefaultDocumentM: true})
	cl, err := mongodriver.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := cl.Ping(ctx, readpref.Primary()); err != nil {
		_ = cl.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	s, err := New(ctx, Options{Client: cl, Database: database, Collection: coll, Timeout: timeout})
	if err != nil {
		_ = cl.Disconnect(context.Background())
		return nil, err
	}
	s.owned = true
	return s, nil
}

// New returns a Store on an existing client, creating indexes if needed.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	name := opts.Collection
	if name == "" {
		name = defaultCollection
	}
	wrapper := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(name)}

	s := newStoreWithCollection(opts.Client, wrapper, opts.Timeout)
	ictx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := ensureIndexes(ictx, wrapper); err != nil {
		return nil, fmt.Errorf("mongo indexes: %w", err)
	}
	return s, nil
}

func newStoreWithCollection(cl *mongodriver.Client, coll collection, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &Store{mongo: cl, coll: coll, timeout: timeout}
}

// Ping checks connectivity to the primary.
func (s *Store) Ping(ctx context.Context) error {
	if s.mongo == nil {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Close disconnects the client when the store owns it.
func (s *Store) Close() error {
	if !s.owned || s.mongo == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.mongo.Disconnect(ctx)
}

// Upsert writes doc, keeping the original created_at of an existing document.
func (s *Store) Upsert(ctx context.Context, doc *session.Document) error {
	if doc == nil || doc.ID == "" {
		return store.ErrInvalidDocument
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"id": doc.ID}
	update := bson.M{
		"$set": fromDocument(doc),
		"$setOnInsert": bson.M{
			"created_at": doc.CreatedAt.UTC(),
		},
	}
	if _, err := s.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("upsert session %s: %w", doc.ID, err)
	}
	return nil
}

// Query returns documents matching f, newest first.
func (s *Store) Query(ctx context.Context, f store.Filter, limit int) ([]*session.Document, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	findOpts := options.Find().SetSort(bson.D{
		{Key: "updated_at", Value: -1},
		{Key: "id", Value: 1},
	})
	if limit > 0 {
		findOpts.SetLimit(int64(limit))
	}
	cur, err := s.coll.Find(ctx, buildFilter(f), findOpts)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		_ = cur.Close(ctx)
	}()

	var out []*session.Document
	for cur.Next(ctx) {
		var doc session.Document
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode session: %w", err)
		}
		out = append(out, &doc)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func buildFilter(f store.Filter) bson.M {
	filter := bson.M{}
	if f.Scenario != "" {
		filter["scenario"] = f.Scenario
	}
	idCond := bson.M{}
	if len(f.IDs) > 0 {
		idCond["$in"] = f.IDs
	}
	if len(f.ExcludeIDs) > 0 {
		idCond["$nin"] = f.ExcludeIDs
	}
	if len(idCond) > 0 {
		filter["id"] = idCond
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		filter["status"] = bson.M{"$in": statuses}
	}
	return filter
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// sessionFields is the $set half of an upsert. created_at is written only on
// insert so it is absent here.
type sessionFields struct {
	ID           string          `bson:"id"`
	Scenario     string          `bson:"scenario"`
	InputText    string          `bson:"input_text"`
	Status       session.Status  `bson:"status"`
	Steps        []session.Step  `bson:"steps"`
	Diagnosis    string          `bson:"diagnosis"`
	ErrorMessage string          `bson:"error_message,omitempty"`
	RunMeta      session.RunMeta `bson:"run_meta"`
	UpdatedAt    time.Time       `bson:"updated_at"`
}

func fromDocument(doc *session.Document) sessionFields {
	steps := doc.Steps
	if steps == nil {
		steps = []session.Step{}
	}
	return sessionFields{
		ID:           doc.ID,
		Scenario:     doc.Scenario,
		InputText:    doc.InputText,
		Status:       doc.Status,
		Steps:        steps,
		Diagnosis:    doc.Diagnosis,
		ErrorMessage: doc.ErrorMessage,
		RunMeta:      doc.RunMeta,
		UpdatedAt:    doc.UpdatedAt.UTC(),
	}
}

func ensureIndexes(ctx context.Context, coll collection) error {
	idIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := coll.Indexes().CreateOne(ctx, idIndex); err != nil {
		return err
	}
	scenarioIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "scenario", Value: 1},
			{Key: "updated_at", Value: -1},
		},
	}
	if _, err := coll.Indexes().CreateOne(ctx, scenarioIndex); err != nil {
		return err
	}
	return nil
}

type collection interface {
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error)
	UpdateOne(ctx context.Context, filter any, update any,
		opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...*options.CreateIndexesOptions) (string, error)
}

type cursor interface {
	Close(ctx context.Context) error
	Decode(val any) error
	Err() error
	Next(ctx context.Context) bool
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
