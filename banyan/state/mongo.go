// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	multierror "github.com/hashicorp/go-multierror"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/banyan-project/banyan/banyan/structs"
)

// MongoConfig carries the connection settings for the production store.
type MongoConfig struct {
	Host   string
	Port   int
	DBName string
}

func (c *MongoConfig) uri() string {
	return fmt.Sprintf("mongodb://%s:%d", c.Host, c.Port)
}

// MongoStore implements Store on a MongoDB database. The adapter is a thin
// translation layer: every Update maps onto a single update document, so
// each call is atomic on the server side.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
	logger hclog.Logger
}

// NewMongoStore connects to the configured database. We assume the deployment
// runs with no access control, matching the rest of the trusted-network
// posture.
func NewMongoStore(ctx context.Context, cfg *MongoConfig, logger hclog.Logger) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.uri()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to document store: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to reach document store at %s: %w", cfg.uri(), err)
	}

	return &MongoStore{
		client: client,
		db:     client.Database(cfg.DBName),
		logger: logger.Named("state"),
	}, nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)

	indexes := []struct {
		coll  string
		model mongo.IndexModel
	}{
		{CollUsers, mongo.IndexModel{Keys: bson.D{{Key: "name", Value: 1}}, Options: unique}},
		{CollUsers, mongo.IndexModel{Keys: bson.D{{Key: "request_token", Value: 1}}}},
		{CollTasks, mongo.IndexModel{
			Keys:    bson.D{{Key: "name", Value: 1}},
			Options: options.Index().SetUnique(true).SetPartialFilterExpression(bson.M{"name": bson.M{"$exists": true}}),
		}},
		{CollTasks, mongo.IndexModel{Keys: bson.D{{Key: "state", Value: 1}}}},
		{CollExecutionInfo, mongo.IndexModel{Keys: bson.D{{Key: "task_id", Value: 1}}}},
		{CollExecutionInfo, mongo.IndexModel{Keys: bson.D{{Key: "worker_id", Value: 1}}}},
	}

	var mErr multierror.Error
	for _, idx := range indexes {
		if _, err := s.db.Collection(idx.coll).Indexes().CreateOne(ctx, idx.model); err != nil {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("failed to create index on %s: %w", idx.coll, err))
		}
	}
	return mErr.ErrorOrNil()
}

// document converts an Update into the store's operator form.
func (u *Update) document() bson.M {
	doc := bson.M{}

	set := bson.M{}
	for field, value := range u.SetFields {
		set[field] = value
	}
	if u.TouchModify {
		set["modify_time"] = time.Now().UTC()
	}
	if len(set) > 0 {
		doc["$set"] = set
	}

	if len(u.IncFields) > 0 {
		inc := bson.M{}
		for field, delta := range u.IncFields {
			inc[field] = delta
		}
		doc["$inc"] = inc
	}
	if len(u.PushFields) > 0 {
		push := bson.M{}
		for field, values := range u.PushFields {
			push[field] = bson.M{"$each": values}
		}
		doc["$push"] = push
	}
	if len(u.AddFields) > 0 {
		add := bson.M{}
		for field, values := range u.AddFields {
			add[field] = bson.M{"$each": values}
		}
		doc["$addToSet"] = add
	}
	if len(u.PullFields) > 0 {
		pull := bson.M{}
		for field, values := range u.PullFields {
			pull[field] = bson.M{"$in": values}
		}
		doc["$pull"] = pull
	}

	return doc
}

func (s *MongoStore) insert(ctx context.Context, coll string, doc interface{}) error {
	_, err := s.db.Collection(coll).InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return structs.ErrDuplicateName
	}
	return err
}

func (s *MongoStore) updateOne(ctx context.Context, coll, id string, up *Update, missing error) error {
	res, err := s.db.Collection(coll).UpdateOne(ctx, bson.M{"_id": id}, up.document())
	if err != nil {
		return err
	}
	if res.MatchedCount != 1 {
		return missing
	}
	return nil
}

func (s *MongoStore) InsertTask(ctx context.Context, task *structs.Task) error {
	return s.insert(ctx, CollTasks, task)
}

func (s *MongoStore) TaskByID(ctx context.Context, id string) (*structs.Task, error) {
	var task structs.Task
	err := s.db.Collection(CollTasks).FindOne(ctx, bson.M{"_id": id}).Decode(&task)
	if err == mongo.ErrNoDocuments {
		return nil, structs.ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *MongoStore) TasksByID(ctx context.Context, ids []string) ([]*structs.Task, error) {
	cur, err := s.db.Collection(CollTasks).Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, err
	}
	var tasks []*structs.Task
	if err := cur.All(ctx, &tasks); err != nil {
		return nil, err
	}
	if len(tasks) != len(ids) {
		return nil, structs.ErrTaskNotFound
	}
	return tasks, nil
}

func (s *MongoStore) ListTasks(ctx context.Context, taskState string) ([]*structs.Task, error) {
	filter := bson.M{}
	if taskState != "" {
		filter["state"] = taskState
	}
	cur, err := s.db.Collection(CollTasks).Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	tasks := []*structs.Task{}
	if err := cur.All(ctx, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *MongoStore) UpdateTask(ctx context.Context, id string, up *Update) error {
	return s.updateOne(ctx, CollTasks, id, up, structs.ErrTaskNotFound)
}

func (s *MongoStore) UpdateTasks(ctx context.Context, ids []string, up *Update) error {
	res, err := s.db.Collection(CollTasks).UpdateMany(ctx, bson.M{"_id": bson.M{"$in": ids}}, up.document())
	if err != nil {
		return err
	}
	if res.MatchedCount != int64(len(ids)) {
		return structs.ErrTaskNotFound
	}
	return nil
}

func (s *MongoStore) RemoveContinuationEverywhere(ctx context.Context, id string) error {
	_, err := s.db.Collection(CollTasks).UpdateMany(ctx,
		bson.M{"continuations": id},
		bson.M{"$pull": bson.M{"continuations": id}})
	return err
}

func (s *MongoStore) InsertExecutionRecord(ctx context.Context, rec *structs.ExecutionRecord) error {
	return s.insert(ctx, CollExecutionInfo, rec)
}

func (s *MongoStore) ExecutionRecordByID(ctx context.Context, id string) (*structs.ExecutionRecord, error) {
	var rec structs.ExecutionRecord
	err := s.db.Collection(CollExecutionInfo).FindOne(ctx, bson.M{"_id": id}).Decode(&rec)
	if err == mongo.ErrNoDocuments {
		return nil, structs.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *MongoStore) ListExecutionRecords(ctx context.Context) ([]*structs.ExecutionRecord, error) {
	cur, err := s.db.Collection(CollExecutionInfo).Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	recs := []*structs.ExecutionRecord{}
	if err := cur.All(ctx, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *MongoStore) UpdateExecutionRecord(ctx context.Context, id string, up *Update) error {
	return s.updateOne(ctx, CollExecutionInfo, id, up, structs.ErrRecordNotFound)
}

func (s *MongoStore) RecordsForWorker(ctx context.Context, workerID string) ([]*structs.ExecutionRecord, error) {
	cur, err := s.db.Collection(CollExecutionInfo).Find(ctx, bson.M{"worker_id": workerID})
	if err != nil {
		return nil, err
	}
	recs := []*structs.ExecutionRecord{}
	if err := cur.All(ctx, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *MongoStore) WorkerUpdatedSince(ctx context.Context, workerID string, since time.Time) (bool, error) {
	err := s.db.Collection(CollExecutionInfo).FindOne(ctx, bson.M{
		"worker_id":   workerID,
		"last_update": bson.M{"$gt": since},
	}).Err()
	if err == mongo.ErrNoDocuments {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *MongoStore) InsertUser(ctx context.Context, user *structs.User) error {
	return s.insert(ctx, CollUsers, user)
}

func (s *MongoStore) userBy(ctx context.Context, filter bson.M) (*structs.User, error) {
	var user structs.User
	err := s.db.Collection(CollUsers).FindOne(ctx, filter).Decode(&user)
	if err == mongo.ErrNoDocuments {
		return nil, structs.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *MongoStore) UserByID(ctx context.Context, id string) (*structs.User, error) {
	return s.userBy(ctx, bson.M{"_id": id})
}

func (s *MongoStore) UserByName(ctx context.Context, name string) (*structs.User, error) {
	return s.userBy(ctx, bson.M{"name": name})
}

func (s *MongoStore) UserByRequestToken(ctx context.Context, token string) (*structs.User, error) {
	return s.userBy(ctx, bson.M{"request_token": token})
}

func (s *MongoStore) ListUsers(ctx context.Context) ([]*structs.User, error) {
	cur, err := s.db.Collection(CollUsers).Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
	if err != nil {
		return nil, err
	}
	users := []*structs.User{}
	if err := cur.All(ctx, &users); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *MongoStore) DeleteUserByName(ctx context.Context, name string) error {
	res, err := s.db.Collection(CollUsers).DeleteOne(ctx, bson.M{"name": name})
	if err != nil {
		return err
	}
	if res.DeletedCount != 1 {
		return structs.ErrUserNotFound
	}
	return nil
}

func (s *MongoStore) InsertWorker(ctx context.Context, worker *structs.RegisteredWorker) error {
	return s.insert(ctx, CollRegisteredWorkers, worker)
}

func (s *MongoStore) WorkerByID(ctx context.Context, id string) (*structs.RegisteredWorker, error) {
	var worker structs.RegisteredWorker
	err := s.db.Collection(CollRegisteredWorkers).FindOne(ctx, bson.M{"_id": id}).Decode(&worker)
	if err == mongo.ErrNoDocuments {
		return nil, structs.ErrWorkerNotFound
	}
	if err != nil {
		return nil, err
	}
	return &worker, nil
}

func (s *MongoStore) ListWorkers(ctx context.Context) ([]*structs.RegisteredWorker, error) {
	cur, err := s.db.Collection(CollRegisteredWorkers).Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	workers := []*structs.RegisteredWorker{}
	if err := cur.All(ctx, &workers); err != nil {
		return nil, err
	}
	return workers, nil
}

func (s *MongoStore) DeleteWorker(ctx context.Context, id string) error {
	res, err := s.db.Collection(CollRegisteredWorkers).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount != 1 {
		return structs.ErrWorkerNotFound
	}
	return nil
}
