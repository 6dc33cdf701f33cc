// Package mongodb implements the persistence port on MongoDB. Each namespace
// maps onto its own database, each kind onto a collection, and entity
// properties are stored as native BSON so filters and sorts push down.
package mongodb

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"gcloud-connector/internal/datastore/domain/model"
	"gcloud-connector/internal/datastore/domain/repository"
	"gcloud-connector/internal/shared/database"
	"gcloud-connector/internal/shared/errors"
	"gcloud-connector/internal/shared/logger"
	"gcloud-connector/internal/shared/utils"
)

// sequencesCollection holds the per-kind ID allocators. Kinds can never start
// with a double underscore, so the name cannot collide.
const sequencesCollection = "__sequences"

type MongoBackend struct {
	client     *mongo.Client
	namespaces *database.NamespaceManager
	log        logger.Logger
}

var _ repository.Backend = (*MongoBackend)(nil)

func NewMongoBackend(client *mongo.Client, namespaces *database.NamespaceManager, log logger.Logger) *MongoBackend {
	if log == nil {
		log = logger.NewLogger()
	}
	return &MongoBackend{client: client, namespaces: namespaces, log: log}
}

func (b *MongoBackend) collection(ctx context.Context, namespace, kind string) (*mongo.Collection, error) {
	db, err := b.namespaces.DatabaseForNamespace(ctx, namespace)
	if err != nil {
		return nil, err
	}
	return db.Collection(kind), nil
}

// group splits keys by namespace and kind so each batch hits one collection.
type keyGroup struct {
	namespace string
	kind      string
	keys      []model.Key
	positions []int
}

func groupKeys(keys []model.Key) []*keyGroup {
	index := make(map[string]*keyGroup)
	var groups []*keyGroup
	for i, key := range keys {
		id := key.Namespace + "|" + key.Kind()
		g, ok := index[id]
		if !ok {
			g = &keyGroup{namespace: key.Namespace, kind: key.Kind()}
			index[id] = g
			groups = append(groups, g)
		}
		g.keys = append(g.keys, key)
		g.positions = append(g.positions, i)
	}
	return groups
}

func (b *MongoBackend) GetMulti(ctx context.Context, keys []model.Key) ([]*model.Entity, error) {
	results := make([]*model.Entity, len(keys))
	for _, g := range groupKeys(keys) {
		coll, err := b.collection(ctx, g.namespace, g.kind)
		if err != nil {
			return nil, err
		}

		ids := make([]string, len(g.keys))
		for i, key := range g.keys {
			ids[i] = key.Encode()
		}
		cursor, err := coll.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
		if err != nil {
			return nil, errors.NewInfrastructureError("entity lookup failed").WithCause(err)
		}

		found := make(map[string]*model.Entity, len(g.keys))
		for cursor.Next(ctx) {
			var doc entityDoc
			if err := cursor.Decode(&doc); err != nil {
				cursor.Close(ctx)
				return nil, errors.NewInfrastructureError("entity decode failed").WithCause(err)
			}
			e, err := doc.toEntity()
			if err != nil {
				cursor.Close(ctx)
				return nil, err
			}
			found[doc.ID] = e
		}
		if err := cursor.Err(); err != nil {
			cursor.Close(ctx)
			return nil, errors.NewInfrastructureError("entity lookup failed").WithCause(err)
		}
		cursor.Close(ctx)

		for i, key := range g.keys {
			results[g.positions[i]] = found[key.Encode()]
		}
	}
	return results, nil
}

func (b *MongoBackend) PutMulti(ctx context.Context, entities []*model.Entity) ([]model.Key, error) {
	keys := make([]model.Key, len(entities))
	prepared := make([]*model.Entity, len(entities))
	for i, e := range entities {
		key := e.Key
		if key.Incomplete() {
			ids, err := b.AllocateIDs(ctx, key.Namespace, key.Kind(), 1)
			if err != nil {
				return nil, err
			}
			key = key.Parent().IntID(key.Kind(), ids[0])
		}
		if err := key.Validate(); err != nil {
			return nil, err
		}
		stored := e.Clone()
		stored.Key = key
		keys[i] = key
		prepared[i] = stored
	}

	for _, g := range groupKeys(keys) {
		coll, err := b.collection(ctx, g.namespace, g.kind)
		if err != nil {
			return nil, err
		}
		writes := make([]mongo.WriteModel, len(g.keys))
		for i, pos := range g.positions {
			doc, err := fromEntity(prepared[pos])
			if err != nil {
				return nil, err
			}
			writes[i] = mongo.NewReplaceOneModel().
				SetFilter(bson.M{"_id": doc.ID}).
				SetReplacement(doc).
				SetUpsert(true)
		}
		if _, err := coll.BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(true)); err != nil {
			return nil, errors.NewInfrastructureError("entity write failed").WithCause(err)
		}
	}
	return keys, nil
}

func (b *MongoBackend) DeleteMulti(ctx context.Context, keys []model.Key) error {
	for _, g := range groupKeys(keys) {
		coll, err := b.collection(ctx, g.namespace, g.kind)
		if err != nil {
			return err
		}
		ids := make([]string, len(g.keys))
		for i, key := range g.keys {
			ids[i] = key.Encode()
		}
		if _, err := coll.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}}); err != nil {
			return errors.NewInfrastructureError("entity delete failed").WithCause(err)
		}
	}
	return nil
}

func (b *MongoBackend) AllocateIDs(ctx context.Context, namespace, kind string, n int) ([]int64, error) {
	if n <= 0 {
		return nil, errors.NewValidationError("allocation count must be positive")
	}
	db, err := b.namespaces.DatabaseForNamespace(ctx, namespace)
	if err != nil {
		return nil, err
	}

	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err = db.Collection(sequencesCollection).FindOneAndUpdate(ctx,
		bson.M{"_id": kind},
		bson.M{"$inc": bson.M{"seq": int64(n)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return nil, errors.NewInfrastructureError("ID allocation failed").
			WithDetail("kind", kind).
			WithCause(err)
	}

	ids := make([]int64, n)
	for i := range ids {
		ids[i] = counter.Seq - int64(n) + int64(i) + 1
	}
	return ids, nil
}

func (b *MongoBackend) ReserveIDs(ctx context.Context, namespace, kind string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	highest := ids[0]
	for _, id := range ids[1:] {
		if id > highest {
			highest = id
		}
	}
	db, err := b.namespaces.DatabaseForNamespace(ctx, namespace)
	if err != nil {
		return err
	}
	_, err = db.Collection(sequencesCollection).UpdateOne(ctx,
		bson.M{"_id": kind},
		bson.M{"$max": bson.M{"seq": highest}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return errors.NewInfrastructureError("ID reservation failed").
			WithDetail("kind", kind).
			WithCause(err)
	}
	return nil
}

func (b *MongoBackend) RunQuery(ctx context.Context, q *model.Query) ([]*model.Entity, error) {
	coll, err := b.collection(ctx, q.Namespace, q.Kind)
	if err != nil {
		return nil, err
	}
	filter, findOptions, err := TranslateQuery(q)
	if err != nil {
		return nil, err
	}

	cursor, err := coll.Find(ctx, filter, findOptions)
	if err != nil {
		return nil, errors.NewInfrastructureError("query execution failed").
			WithDetail("kind", q.Kind).
			WithCause(err)
	}
	defer cursor.Close(ctx)

	var results []*model.Entity
	for cursor.Next(ctx) {
		var doc entityDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, errors.NewInfrastructureError("entity decode failed").WithCause(err)
		}
		e, err := doc.toEntity()
		if err != nil {
			return nil, err
		}
		if q.KeysOnly {
			e = model.NewEntity(e.Key)
		}
		results = append(results, e)
	}
	if err := cursor.Err(); err != nil {
		return nil, errors.NewInfrastructureError("query execution failed").WithCause(err)
	}
	return results, nil
}

func (b *MongoBackend) Count(ctx context.Context, q *model.Query) (int64, error) {
	coll, err := b.collection(ctx, q.Namespace, q.Kind)
	if err != nil {
		return 0, err
	}
	filter, _, err := TranslateQuery(q)
	if err != nil {
		return 0, err
	}
	count, err := coll.CountDocuments(ctx, filter)
	if err != nil {
		return 0, errors.NewInfrastructureError("count execution failed").
			WithDetail("kind", q.Kind).
			WithCause(err)
	}
	return count, nil
}

// RunInTransaction wraps fn in a MongoDB session transaction. The callback's
// context carries a transaction ID so cache tiers stand aside, and the
// session context routes every operation through the transaction.
func (b *MongoBackend) RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx repository.Backend) error) error {
	session, err := b.client.StartSession()
	if err != nil {
		return errors.NewTransactionError("failed to start session").WithCause(err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (interface{}, error) {
		txCtx := utils.WithTransactionID(sessCtx, uuid.NewString())
		return nil, fn(txCtx, b)
	})
	if err != nil {
		if appErr, ok := err.(*errors.AppError); ok {
			return appErr
		}
		return errors.NewTransactionError(fmt.Sprintf("transaction failed: %v", err)).WithCause(err)
	}
	return nil
}

func (b *MongoBackend) Close(ctx context.Context) error {
	if err := b.namespaces.Close(); err != nil {
		return err
	}
	return b.client.Disconnect(ctx)
}
