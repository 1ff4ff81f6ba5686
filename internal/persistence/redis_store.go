package persistence

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/stepflow/pkg/api"
)

// RedisFlowStore is a FlowStore backed by Redis.
// It uses a simple key structure:
//
//	<prefix>flow:<id>              => JSON flow document
//	<prefix>idx:all                => SET of all flow IDs
//	<prefix>idx:type:<flowType>    => SET of flow IDs for a given flow type
//	<prefix>idx:status:<status>    => SET of flow IDs for a given status
//
// Status sets are moved on every save. Documents are authoritative: list
// and query results are re-filtered against the decoded payload.
type RedisFlowStore struct {
	client redis.UniversalClient
	prefix string
}

var _ FlowStore = (*RedisFlowStore)(nil)

// NewRedisFlowStore creates a RedisFlowStore.
// prefix is optional but recommended (e.g. "stepflow:").
func NewRedisFlowStore(client redis.UniversalClient, prefix string) *RedisFlowStore {
	if prefix == "" {
		prefix = "stepflow:"
	}
	return &RedisFlowStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisFlowStore) keyFlow(id string) string {
	return s.prefix + "flow:" + id
}

func (s *RedisFlowStore) keyAll() string {
	return s.prefix + "idx:all"
}

func (s *RedisFlowStore) keyType(flowType string) string {
	return s.prefix + "idx:type:" + flowType
}

func (s *RedisFlowStore) keyStatus(status api.FlowStatus) string {
	return s.prefix + "idx:status:" + string(status)
}

func (s *RedisFlowStore) SaveFlow(ctx context.Context, flow *api.FlowState) error {
	data, err := EncodeFlow(flow)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.keyFlow(flow.FlowID), data, 0)
	pipe.SAdd(ctx, s.keyAll(), flow.FlowID)
	pipe.SAdd(ctx, s.keyType(flow.FlowType), flow.FlowID)
	for _, st := range AllStatuses {
		if st != flow.Status {
			pipe.SRem(ctx, s.keyStatus(st), flow.FlowID)
		}
	}
	pipe.SAdd(ctx, s.keyStatus(flow.Status), flow.FlowID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisFlowStore) GetFlow(ctx context.Context, id string) (*api.FlowState, error) {
	data, err := s.client.Get(ctx, s.keyFlow(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrFlowNotFound
		}
		return nil, err
	}
	return DecodeFlow(data)
}

func (s *RedisFlowStore) ListFlowsByStatus(ctx context.Context, statuses ...api.FlowStatus) ([]*api.FlowState, error) {
	var ids []string
	var err error
	if len(statuses) == 0 {
		ids, err = s.client.SMembers(ctx, s.keyAll()).Result()
	} else {
		keys := make([]string, len(statuses))
		for i, st := range statuses {
			keys[i] = s.keyStatus(st)
		}
		ids, err = s.client.SUnion(ctx, keys...).Result()
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	flows, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	q := api.FlowQuery{Statuses: statuses}
	out := flows[:0]
	for _, f := range flows {
		if q.Matches(f) {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *RedisFlowStore) QueryFlows(ctx context.Context, q api.FlowQuery) (api.FlowPage, error) {
	var ids []string
	var err error

	switch {
	case len(q.Statuses) > 0:
		keys := make([]string, len(q.Statuses))
		for i, st := range q.Statuses {
			keys[i] = s.keyStatus(st)
		}
		ids, err = s.client.SUnion(ctx, keys...).Result()
	case q.FlowType != "":
		ids, err = s.client.SMembers(ctx, s.keyType(q.FlowType)).Result()
	default:
		ids, err = s.client.SMembers(ctx, s.keyAll()).Result()
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		return api.FlowPage{}, err
	}

	flows, err := s.load(ctx, ids)
	if err != nil {
		return api.FlowPage{}, err
	}
	return pageOf(flows, q), nil
}

func (s *RedisFlowStore) DeleteFlows(ctx context.Context, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	flows, err := s.load(ctx, ids)
	if err != nil {
		return 0, err
	}

	pipe := s.client.TxPipeline()
	for _, f := range flows {
		pipe.Del(ctx, s.keyFlow(f.FlowID))
		pipe.SRem(ctx, s.keyAll(), f.FlowID)
		pipe.SRem(ctx, s.keyType(f.FlowType), f.FlowID)
		for _, st := range AllStatuses {
			pipe.SRem(ctx, s.keyStatus(st), f.FlowID)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(flows), nil
}

// load fetches documents for ids in one pipeline, skipping ids whose
// document has disappeared.
func (s *RedisFlowStore) load(ctx context.Context, ids []string) ([]*api.FlowState, error) {
	if len(ids) == 0 {
		return []*api.FlowState{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.keyFlow(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	flows := make([]*api.FlowState, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		f, err := DecodeFlow(data)
		if err != nil {
			return nil, err
		}
		flows = append(flows, f)
	}
	return flows, nil
}
