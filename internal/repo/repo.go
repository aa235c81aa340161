// Package repo is the persistence layer: Redis-backed repositories for the
// configured entities. Runtime status is never stored here; a restart
// recovers configuration only and every entity comes back stopped.
package repo

import "go.uber.org/zap"

type Repository struct {
	log    *zap.Logger
	client *RedisClient

	Inputs *InputRepository
}

func NewRepository(log *zap.Logger, redisAddr string, redisDB int) *Repository {
	log = log.Named("repo")
	client := newRedisClient(redisAddr, redisDB, log)

	return &Repository{
		log,
		client,
		newInputRepository(log, client),
	}
}

// Close releases the underlying Redis connection pool.
func (r *Repository) Close() error { return r.client.Close() }
