package persistence

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/stepflow/pkg/api"
)

const mongoTimeout = 5 * time.Second

// MongoFlowStore is a FlowStore backed by a MongoDB collection.
type MongoFlowStore struct {
	coll *mongo.Collection
}

var _ FlowStore = (*MongoFlowStore)(nil)

// NewMongoFlowStore creates a Mongo-backed flow store.
// dbName defaults to "stepflow" if empty, collName defaults to "flows".
func NewMongoFlowStore(client *mongo.Client, dbName, collName string) *MongoFlowStore {
	if dbName == "" {
		dbName = "stepflow"
	}
	if collName == "" {
		collName = "flows"
	}

	return &MongoFlowStore{
		coll: client.Database(dbName).Collection(collName),
	}
}

type mongoFlowDoc struct {
	ID          string `bson:"_id"`
	FlowType    string `bson:"flow_type"`
	UserID      string `bson:"user_id"`
	Status      string `bson:"status"`
	PauseReason string `bson:"pause_reason"`
	CreatedAt   int64  `bson:"created_at"`
	UpdatedAt   int64  `bson:"updated_at"`
	Version     int64  `bson:"version"`
	Document    []byte `bson:"document"`
}

func (s *MongoFlowStore) SaveFlow(ctx context.Context, flow *api.FlowState) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	data, err := EncodeFlow(flow)
	if err != nil {
		return err
	}

	doc := mongoFlowDoc{
		ID:          flow.FlowID,
		FlowType:    flow.FlowType,
		UserID:      flow.UserID,
		Status:      string(flow.Status),
		PauseReason: flow.PauseReason,
		CreatedAt:   flow.CreatedAt.UnixNano(),
		UpdatedAt:   flow.UpdatedAt.UnixNano(),
		Version:     flow.Version,
		Document:    data,
	}

	_, err = s.coll.ReplaceOne(ctx, bson.M{"_id": flow.FlowID}, doc, options.Replace().SetUpsert(true))
	return err
}

func (s *MongoFlowStore) GetFlow(ctx context.Context, id string) (*api.FlowState, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	var doc mongoFlowDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrFlowNotFound
		}
		return nil, err
	}
	return DecodeFlow(doc.Document)
}

func (s *MongoFlowStore) ListFlowsByStatus(ctx context.Context, statuses ...api.FlowStatus) ([]*api.FlowState, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*mongoTimeout)
	defer cancel()

	return s.find(ctx, mongoFilter(api.FlowQuery{Statuses: statuses}), options.Find())
}

func (s *MongoFlowStore) QueryFlows(ctx context.Context, q api.FlowQuery) (api.FlowPage, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*mongoTimeout)
	defer cancel()

	q = q.Normalized()
	filter := mongoFilter(q)

	total, err := s.coll.CountDocuments(ctx, filter)
	if err != nil {
		return api.FlowPage{}, err
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(int64(q.Offset)).
		SetLimit(int64(q.Limit))
	flows, err := s.find(ctx, filter, opts)
	if err != nil {
		return api.FlowPage{}, err
	}

	page := api.FlowPage{Total: int(total), Offset: q.Offset, Limit: q.Limit, Items: make([]api.FlowSummary, 0, len(flows))}
	for _, f := range flows {
		page.Items = append(page.Items, f.Summary())
	}
	return page, nil
}

func (s *MongoFlowStore) DeleteFlows(ctx context.Context, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	res, err := s.coll.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return 0, err
	}
	return int(res.DeletedCount), nil
}

func (s *MongoFlowStore) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]*api.FlowState, error) {
	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var flows []*api.FlowState
	for cur.Next(ctx) {
		var doc mongoFlowDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		f, err := DecodeFlow(doc.Document)
		if err != nil {
			return nil, err
		}
		flows = append(flows, f)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return flows, nil
}

func mongoFilter(q api.FlowQuery) bson.M {
	filter := bson.M{}
	if len(q.Statuses) > 0 {
		statuses := make([]string, len(q.Statuses))
		for i, st := range q.Statuses {
			statuses[i] = string(st)
		}
		filter["status"] = bson.M{"$in": statuses}
	}
	if q.FlowType != "" {
		filter["flow_type"] = q.FlowType
	}
	if q.UserID != "" {
		filter["user_id"] = q.UserID
	}
	if q.PauseReason != "" {
		filter["pause_reason"] = q.PauseReason
	}
	created := bson.M{}
	if q.CreatedFrom != nil {
		created["$gte"] = q.CreatedFrom.UnixNano()
	}
	if q.CreatedTo != nil {
		created["$lte"] = q.CreatedTo.UnixNano()
	}
	if len(created) > 0 {
		filter["created_at"] = created
	}
	if q.UpdatedBefore != nil {
		filter["updated_at"] = bson.M{"$lt": q.UpdatedBefore.UnixNano()}
	}
	return filter
}
