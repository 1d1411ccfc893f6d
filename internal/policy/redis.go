package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/log"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/xerrors"
)

const (
	DefaultRedisKey     = "ratelimit:policies"
	DefaultRedisChannel = "rules-update"

	// redisDefaultField holds the default policy in the rules hash.
	redisDefaultField = "default"
)

type RedisSourceOptions struct {
	Logger log.Logger
	Client redis.UniversalClient

	// Key is a hash of endpoint -> JSON policy. The field "default" holds the
	// default policy.
	Key string

	// Channel is subscribed to for change notifications. Empty disables.
	Channel string
}

// ErrInvalidRule is returned by PutRule for a rule that would not compile.
var ErrInvalidRule = errors.New("invalid rule")

// RedisSource reads rules stored in a Redis hash, one JSON policy per
// endpoint, the way the rules admin UI writes them. The version is the
// SHA-256 of the sorted field/value pairs.
type RedisSource struct {
	client  redis.UniversalClient
	key     string
	channel string
	logger  log.Logger
}

func NewRedisSource(opts RedisSourceOptions) (*RedisSource, error) {
	if opts.Client == nil {
		return nil, xerrors.New("redis client is required")
	}
	if opts.Key == "" {
		opts.Key = DefaultRedisKey
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &RedisSource{
		client:  opts.Client,
		key:     opts.Key,
		channel: opts.Channel,
		logger:  opts.Logger,
	}, nil
}

func (r *RedisSource) Kind() SourceKind { return SourceRedis }

func (r *RedisSource) fetch(ctx context.Context) (map[string]string, string, error) {
	fields, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, "", xerrors.Wrapf(err, "redis HGETALL %s", r.key)
	}
	return fields, cryptoutil.SHA256Hex(canonicalFields(fields)), nil
}

// canonicalFields renders the hash in a stable order for hashing.
func canonicalFields(fields map[string]string) []byte {
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)
	var b bytes.Buffer
	for _, k := range names {
		b.WriteString(k)
		b.WriteByte(0)
		b.WriteString(fields[k])
		b.WriteByte('\n')
	}
	return b.Bytes()
}

func (r *RedisSource) Current(ctx context.Context) (string, error) {
	_, version, err := r.fetch(ctx)
	return version, err
}

func (r *RedisSource) Load(ctx context.Context, version string) (*Document, error) {
	fields, actual, err := r.fetch(ctx)
	if err != nil {
		return nil, err
	}
	if !cryptoutil.HashEqual(actual, version) {
		return nil, xerrors.Newf("redis rules %s changed while loading: expected %s, got %s", r.key, truncHash(version), truncHash(actual))
	}

	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)

	doc := &Document{}
	for _, name := range names {
		var spec ratelimit.PolicySpec
		if err := json.Unmarshal([]byte(fields[name]), &spec); err != nil {
			return nil, xerrors.Wrapf(err, "redis rule %q", name)
		}
		if name == redisDefaultField {
			doc.Default = &spec
			continue
		}
		if spec.Endpoint == "" {
			spec.Endpoint = name
		}
		doc.Rules = append(doc.Rules, spec)
	}
	return doc, nil
}

// Notify subscribes to the configured channel. Any message on it fires the
// returned channel. Returns nil when no channel is configured or the
// subscription fails, which a select treats as never ready.
func (r *RedisSource) Notify(ctx context.Context) <-chan struct{} {
	if r.channel == "" {
		return nil
	}
	pubsub := r.client.Subscribe(ctx, r.channel)
	// wait for the subscription to be confirmed so no publish is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		r.logger.Error(ctx, err, "redis policy source: subscribe failed, relying on polling",
			"channel", r.channel,
		)
		_ = pubsub.Close()
		return nil
	}

	out := make(chan struct{}, 1)
	msgs := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				// coalesce bursts, one pending poll is enough
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out
}

// RuleField is the hash field a rule endpoint is stored under: the endpoint as
// Compile normalizes it, or "default" for the default policy.
func RuleField(endpoint string) string {
	if strings.TrimSpace(endpoint) == redisDefaultField {
		return redisDefaultField
	}
	field, _ := compilePattern(endpoint)
	return field
}

// PutRule creates or replaces the rule for spec.Endpoint and announces the
// change on the channel. The running snapshot picks it up on the next
// watcher poll. Returns the field written.
func (r *RedisSource) PutRule(ctx context.Context, spec ratelimit.PolicySpec) (string, error) {
	field := RuleField(spec.Endpoint)
	p := spec.Policy()
	p.Name = field
	if err := p.Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidRule, err)
	}

	stored := ratelimit.SpecFromPolicy(p)
	if field == redisDefaultField {
		stored.Endpoint = ""
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return "", xerrors.Wrapf(err, "encode rule %q", field)
	}

	if err := r.write(ctx, func(pipe redis.Pipeliner) {
		pipe.HSet(ctx, r.key, field, data)
	}); err != nil {
		return "", xerrors.Wrapf(err, "redis HSET %s %s", r.key, field)
	}
	r.logger.Info(ctx, "rate limit rule stored",
		"endpoint", field,
		"limit", p.Limit,
		"window", p.Window,
		"algorithm", p.Algorithm,
	)
	return field, nil
}

// DeleteRule removes the rule for endpoint. found is false when there was
// nothing to remove.
func (r *RedisSource) DeleteRule(ctx context.Context, endpoint string) (field string, found bool, err error) {
	field = RuleField(endpoint)
	var del *redis.IntCmd
	if err := r.write(ctx, func(pipe redis.Pipeliner) {
		del = pipe.HDel(ctx, r.key, field)
	}); err != nil {
		return field, false, xerrors.Wrapf(err, "redis HDEL %s %s", r.key, field)
	}
	found = del.Val() > 0
	if found {
		r.logger.Info(ctx, "rate limit rule deleted", "endpoint", field)
	}
	return field, found, nil
}

// write runs fn and the change notification in one MULTI so subscribers
// never hear about a write that didn't happen.
func (r *RedisSource) write(ctx context.Context, fn func(redis.Pipeliner)) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		fn(pipe)
		if r.channel != "" {
			pipe.Publish(ctx, r.channel, r.key)
		}
		return nil
	})
	return err
}
