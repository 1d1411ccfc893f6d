package main

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/redis/go-redis/v9"

	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/log"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/policy"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/prof"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-ratelimit/internal/xerrors"
)

// initialLoadTimeout bounds the startup fetch so a slow source can't hold the
// listeners closed; the watcher keeps trying afterwards.
const initialLoadTimeout = 15 * time.Second

// newPolicySource builds the configured source. A nil source means the
// static default policy only. The returned close func releases clients.
func newPolicySource(ctx context.Context, L log.Logger, conf cfg.App) (policy.Source, func(), error) {
	noop := func() {}

	switch conf.PolicySource {
	case cfg.PolicySourceStatic:
		return nil, noop, nil

	case cfg.PolicySourceFile:
		src, err := policy.NewFileSource(conf.PolicyFile)
		if err != nil {
			return nil, noop, err
		}
		return src, noop, nil

	case cfg.PolicySourceRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     conf.PolicyRedisAddr,
			Password: conf.PolicyRedisPassword,
			DB:       conf.PolicyRedisDB,
		})
		src, err := policy.NewRedisSource(policy.RedisSourceOptions{
			Logger:  L,
			Client:  client,
			Key:     conf.PolicyRedisKey,
			Channel: conf.PolicyRedisChannel,
		})
		if err != nil {
			_ = client.Close()
			return nil, noop, err
		}
		return src, func() { _ = client.Close() }, nil

	case cfg.PolicySourceS3:
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, noop, xerrors.Wrap(err, "load AWS config")
		}

		// leave the interface nil rather than holding a typed nil pointer
		var verifier policy.SignatureVerifier
		if conf.PolicySigningKeyARN != "" {
			kv := cryptoutil.NewKMSVerifier(kms.NewFromConfig(awsCfg), conf.PolicySigningKeyARN)
			L.Info(ctx, "policy documents will be signature checked", "key_arn", kv.KeyARN())
			verifier = kv
		} else {
			L.Warn(ctx, "policy signing key not configured, s3 rules documents will not be signature checked")
		}

		src, err := policy.NewS3Source(policy.S3SourceOptions{
			Logger:   L,
			SSMParam: conf.PolicySSMParam,
			S3Bucket: conf.PolicyS3Bucket,
			S3Prefix: conf.PolicyS3Prefix,
			S3:       s3.NewFromConfig(awsCfg),
			SSM:      ssm.NewFromConfig(awsCfg),
			Verifier: verifier,
		})
		if err != nil {
			return nil, noop, err
		}
		return src, noop, nil
	}
	return nil, noop, xerrors.Newf("unknown policy source %q", conf.PolicySource)
}

// loadInitialPolicies installs the first snapshot. A source that fails here
// doesn't stop startup: the default policy is served until the watcher
// succeeds.
func loadInitialPolicies(ctx context.Context, L log.Logger, src policy.Source, mgr *policy.Manager, fallback ratelimit.Policy) error {
	if src != nil {
		lctx, cancel := context.WithTimeout(ctx, initialLoadTimeout)
		snap, err := policy.LoadSnapshot(lctx, src, fallback)
		cancel()
		if err == nil {
			mgr.Set(snap)
			L.Info(ctx, "loaded rate limit policies",
				"source", snap.Meta.Source,
				"version", snap.Meta.Version,
				"rules", snap.Len(),
			)
			return nil
		}
		L.Error(ctx, err, "failed to load rate limit policies, serving default policy until the source recovers",
			"source", src.Kind(),
		)
	}

	snap, err := policy.StaticSnapshot(fallback)
	if err != nil {
		return err
	}
	mgr.Set(snap)
	L.Info(ctx, "serving static default policy",
		"limit", fallback.Limit,
		"window", fallback.Window,
		"algorithm", fallback.Algorithm,
	)
	return nil
}

// startPolicies installs the first snapshot and, for a dynamic source,
// starts the watcher that keeps it current. rules is non-nil only for the
// redis source, the one that can be edited in place. The close func
// releases the source's clients.
func startPolicies(ctx context.Context, L log.Logger, conf cfg.App, m *metrics.ServerMetrics) (mgr *policy.Manager, rules *policy.RedisSource, closeSource func(), err error) {
	fallback := conf.DefaultPolicy()
	mgr = policy.NewManager()

	src, closeSource, err := newPolicySource(ctx, L, conf)
	if err != nil {
		return nil, nil, nil, xerrors.Wrapf(err, "create %s policy source", conf.PolicySource)
	}
	if err := loadInitialPolicies(ctx, L, src, mgr, fallback); err != nil {
		closeSource()
		return nil, nil, nil, xerrors.Wrap(err, "install default policy")
	}
	if snap, ok := mgr.Get(); ok {
		m.SetPolicySet(string(snap.Meta.Source), snap.Meta.Version, snap.Meta.LoadedAt)
		m.SetPolicyRules(snap.Len())
	}
	rules, _ = src.(*policy.RedisSource)

	if src != nil {
		w := policy.NewWatcher(&policy.WatcherOptions{
			Logger:         L,
			Source:         src,
			Manager:        mgr,
			PollInterval:   conf.PolicyPollInterval,
			Fallback:       fallback,
			Metrics:        m,
			StaleThreshold: conf.PolicyStaleAfter,
			OnSwap: func(s *policy.Snapshot) {
				m.SetPolicySet(string(s.Meta.Source), s.Meta.Version, s.Meta.LoadedAt)
			},
		})
		go prof.Do(ctx, "policy-watcher", func(ctx context.Context) { _ = w.Run(ctx) })
	}
	return mgr, rules, closeSource, nil
}
