package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const changesSuffix = ":changes"

// writeScript applies create/update atomically: conditions are evaluated
// against the current hash and the change is published on the document's
// channel. Returns the resulting hash, or nil when a condition failed.
var writeScript = redis.NewScript(`
	local exists = redis.call('EXISTS', KEYS[1]) == 1
	if ARGV[1] == 'create' and exists then
		return false
	end
	local n = tonumber(ARGV[2])
	local i = 3
	for c = 1, n do
		local op, field, want = ARGV[i], ARGV[i + 1], ARGV[i + 2]
		i = i + 3
		if op == 'exists' then
			if not exists then
				return false
			end
		else
			local cur = redis.call('HGET', KEYS[1], field)
			if not cur then
				cur = ''
			end
			if op == 'eq' and cur ~= want then
				return false
			end
			if op == 'ne' and cur == want then
				return false
			end
		end
	end
	if i <= #ARGV then
		redis.call('HSET', KEYS[1], unpack(ARGV, i, #ARGV))
	end
	redis.call('PUBLISH', KEYS[2], 'changed')
	return redis.call('HGETALL', KEYS[1])
`)

var appendScript = redis.NewScript(`
	local n = redis.call('RPUSH', KEYS[1], ARGV[1])
	redis.call('PUBLISH', KEYS[2], n)
	return n
`)

// RedisStore keeps documents as hashes and lists as Redis lists; change
// notification rides on pub/sub channels next to each key.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "peercall"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// DialRedis connects with opts and verifies the server answers before
// returning the store.
func DialRedis(ctx context.Context, opts *redis.UniversalOptions, prefix string) (*RedisStore, error) {
	client := redis.NewUniversalClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %v: %w", opts.Addrs, err)
	}
	return NewRedisStore(client, prefix), nil
}

// docKey hash-tags the document part so a document, its lists and their
// change channels share one cluster slot.
func (s *RedisStore) docKey(ref DocRef) string {
	return s.prefix + ":{" + ref.Collection + ":" + ref.ID + "}"
}

func (s *RedisStore) listKey(ref DocRef, list string) string {
	return s.docKey(ref) + ":" + list
}

func (s *RedisStore) write(ctx context.Context, mode string, ref DocRef, fields Fields, conds []Condition) (Fields, error) {
	key := s.docKey(ref)
	args := make([]any, 0, 2+3*len(conds)+2*len(fields))
	args = append(args, mode, len(conds))
	for _, c := range conds {
		args = append(args, string(c.op), c.field, c.value)
	}
	for k, v := range fields {
		args = append(args, k, v)
	}
	res, err := writeScript.Run(ctx, s.client, []string{key, key + changesSuffix}, args...).StringSlice()
	if err != nil {
		return nil, err
	}
	doc := make(Fields, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		doc[res[i]] = res[i+1]
	}
	return doc, nil
}

func (s *RedisStore) Create(ctx context.Context, ref DocRef, fields Fields) error {
	_, err := s.write(ctx, "create", ref, fields, nil)
	if errors.Is(err, redis.Nil) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("create %s: %w", ref, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, ref DocRef) (Fields, error) {
	res, err := s.client.HGetAll(ctx, s.docKey(ref)).Result()
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", ref, err)
	}
	if len(res) == 0 {
		return nil, ErrNotFound
	}
	return Fields(res), nil
}

func (s *RedisStore) Update(ctx context.Context, ref DocRef, fields Fields, conds ...Condition) (Fields, error) {
	doc, err := s.write(ctx, "update", ref, fields, conds)
	if errors.Is(err, redis.Nil) {
		return nil, ErrConditionFailed
	}
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", ref, err)
	}
	return doc, nil
}

// listen subscribes to channel and runs fetch once up front and once per
// notification. Subscribing before the first fetch closes the gap where a
// change lands between the read and the subscription.
func (s *RedisStore) listen(ctx context.Context, channel string, fetch func(ctx context.Context, sub *subscription)) (Unsubscribe, error) {
	ps := s.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	ch := ps.Channel()

	subCtx, cancel := context.WithCancel(ctx)
	sub := newSubscription(cancel, func() {
		if err := ps.Close(); err != nil {
			log.Debug().Err(err).Str("module", "store.redis").Str("channel", channel).Msg("pubsub close")
		}
	})

	go func() {
		fetch(subCtx, sub)
		for {
			select {
			case <-subCtx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				fetch(subCtx, sub)
			}
		}
	}()
	return sub.unsubscribe, nil
}

func (s *RedisStore) Watch(ctx context.Context, ref DocRef, onChange func(Fields), onError func(error)) (Unsubscribe, error) {
	return s.listen(ctx, s.docKey(ref)+changesSuffix, func(ctx context.Context, sub *subscription) {
		doc, err := s.Get(ctx, ref)
		if errors.Is(err, ErrNotFound) {
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			sub.deliver(func() {
				if onError != nil {
					onError(err)
				}
			})
			return
		}
		sub.deliver(func() { onChange(doc) })
	})
}

func (s *RedisStore) Append(ctx context.Context, ref DocRef, list string, data []byte) (string, error) {
	key := s.listKey(ref, list)
	n, err := appendScript.Run(ctx, s.client, []string{key, key + changesSuffix}, data).Int64()
	if err != nil {
		return "", fmt.Errorf("append %s/%s: %w", ref, list, err)
	}
	return strconv.FormatInt(n-1, 10), nil
}

func (s *RedisStore) WatchList(ctx context.Context, ref DocRef, list string, onEntry func(Entry), onError func(error)) (Unsubscribe, error) {
	key := s.listKey(ref, list)
	var cursor int64
	return s.listen(ctx, key+changesSuffix, func(ctx context.Context, sub *subscription) {
		res, err := s.client.LRange(ctx, key, cursor, -1).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			sub.deliver(func() {
				if onError != nil {
					onError(fmt.Errorf("read %s: %w", key, err))
				}
			})
			return
		}
		for _, data := range res {
			e := Entry{ID: strconv.FormatInt(cursor, 10), Data: []byte(data)}
			cursor++
			if !sub.deliver(func() { onEntry(e) }) {
				return
			}
		}
	})
}

func (s *RedisStore) Now(ctx context.Context) (time.Time, error) {
	t, err := s.client.Time(ctx).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("server time: %w", err)
	}
	return t, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
