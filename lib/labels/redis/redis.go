// Package redis implements a label source over Redis. Exchanges and smart contracts are kept in two sets, labels in a
// hash and the mixer address in a plain key, all under a common prefix.
package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/tarancss/fundflow/lib/labels"
)

// Key suffixes.
const (
	ExchangesKey = "exchanges"
	ContractsKey = "contracts"
	LabelsKey    = "labels"
	MixerKey     = "mixer"
)

// DefaultPrefix is used when none is given.
const DefaultPrefix = "fundflow:"

// Source loads labels from Redis.
type Source struct {
	client *redis.Client
	prefix string
}

// New connects to the redis server in url.
func New(url, prefix string) (*Source, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return NewWithClient(client, prefix), nil
}

// NewWithClient returns a source using client.
func NewWithClient(client *redis.Client, prefix string) *Source {
	if prefix == "" {
		prefix = DefaultPrefix
	}

	return &Source{client: client, prefix: prefix}
}

// Close closes the client.
func (s *Source) Close() error {
	return s.client.Close()
}

// Load implements labels.Source.
func (s *Source) Load(ctx context.Context) (labels.Data, error) {
	var d labels.Data

	pipe := s.client.Pipeline()
	ex := pipe.SMembers(ctx, s.prefix+ExchangesKey)
	sc := pipe.SMembers(ctx, s.prefix+ContractsKey)
	lb := pipe.HGetAll(ctx, s.prefix+LabelsKey)
	mx := pipe.Get(ctx, s.prefix+MixerKey)

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return d, fmt.Errorf("load labels: %w", err)
	}

	d.Exchanges = ex.Val()
	d.SmartContracts = sc.Val()
	d.Labels = lb.Val()
	d.Mixer = mx.Val()

	return d, nil
}

// Save writes d, replacing the sets and the hash.
func (s *Source) Save(ctx context.Context, d labels.Data) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.prefix+ExchangesKey, s.prefix+ContractsKey, s.prefix+LabelsKey, s.prefix+MixerKey)

		if len(d.Exchanges) > 0 {
			pipe.SAdd(ctx, s.prefix+ExchangesKey, toArgs(d.Exchanges)...)
		}

		if len(d.SmartContracts) > 0 {
			pipe.SAdd(ctx, s.prefix+ContractsKey, toArgs(d.SmartContracts)...)
		}

		if len(d.Labels) > 0 {
			args := make([]interface{}, 0, 2*len(d.Labels))
			for a, l := range d.Labels {
				args = append(args, a, l)
			}

			pipe.HSet(ctx, s.prefix+LabelsKey, args...)
		}

		if d.Mixer != "" {
			pipe.Set(ctx, s.prefix+MixerKey, d.Mixer, 0)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("save labels: %w", err)
	}

	return nil
}

func toArgs(ss []string) []interface{} {
	r := make([]interface{}, len(ss))
	for i, s := range ss {
		r[i] = s
	}

	return r
}
