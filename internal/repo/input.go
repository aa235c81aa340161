package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/edirooss/streamdist-server/internal/domain/stream"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	ErrInputNotFound = errors.New("input not found")

	inputKeyPrefix = "sdist:input:"
	nextIDKey      = "sdist:input:next_id"
	inputIDsKey    = "sdist:inputs" // SET of string IDs: {"1", "2", ...}
)

func inputKeyInt(id int64) string  { return inputKeyPrefix + strconv.FormatInt(id, 10) }
func inputKeyStr(id string) string { return inputKeyPrefix + id }

// nextOutputIDKey holds the per-input output ID counter. It lives next to
// the input record and is deleted with it.
func nextOutputIDKey(inputID int64) string {
	return inputKeyPrefix + strconv.FormatInt(inputID, 10) + ":next_output_id"
}

// InputRepository provides Redis-backed persistence for Input entities. An
// input's outputs are embedded in its record: they share the input's
// lifecycle and are always read and written together.
type InputRepository struct {
	client *RedisClient
	log    *zap.Logger
}

// newInputRepository initializes a new InputRepository instance.
func newInputRepository(log *zap.Logger, client *RedisClient) *InputRepository {
	log = log.Named("inputs")

	return &InputRepository{
		log:    log,
		client: client,
	}
}

// GenerateID increments and returns the next unique input ID.
func (r *InputRepository) GenerateID(ctx context.Context) (int64, error) {
	id, err := r.client.Incr(ctx, nextIDKey).Result()
	if err != nil {
		return 0, fmt.Errorf("incr: %w", err)
	}
	return id, nil
}

// GenerateOutputID increments and returns the next output ID within one
// input. Output IDs are only unique per input.
func (r *InputRepository) GenerateOutputID(ctx context.Context, inputID int64) (int64, error) {
	id, err := r.client.Incr(ctx, nextOutputIDKey(inputID)).Result()
	if err != nil {
		return 0, fmt.Errorf("incr: %w", err)
	}
	return id, nil
}

// Upsert persists an Input (outputs included) and adds its ID to the Redis
// index set.
func (r *InputRepository) Upsert(ctx context.Context, in *stream.Input) error {
	key := inputKeyInt(in.ID)

	payload, err := encodeInput(in)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, key, payload, 0)
	pipe.SAdd(ctx, inputIDsKey, strconv.FormatInt(in.ID, 10))

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	return nil
}

// Delete removes an input by ID, along with its output ID counter.
// Returns ErrInputNotFound if the input key was not present in Redis.
// Logs a warning if the input record and index set are inconsistent.
func (r *InputRepository) Delete(ctx context.Context, id int64) error {
	key := inputKeyInt(id)
	idStr := strconv.FormatInt(id, 10)

	pipe := r.client.TxPipeline()
	delRes := pipe.Del(ctx, key)
	sremRes := pipe.SRem(ctx, inputIDsKey, idStr)
	pipe.Del(ctx, nextOutputIDKey(id))

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("exec: %w", err)
	}

	delCount := delRes.Val()
	sremCount := sremRes.Val()

	// If both returned 0, nothing existed
	if delCount == 0 && sremCount == 0 {
		return ErrInputNotFound
	}

	// If they differ, log it — data/index mismatch
	if delCount != sremCount {
		r.log.Warn(
			"input delete mismatch",
			zap.String("key", key),
			zap.String("id", idStr),
			zap.Int64("del_count", delCount),
			zap.Int64("srem_count", sremCount),
		)
	}

	return nil
}

// HasID returns true if an input with the given ID exists.
func (r *InputRepository) HasID(ctx context.Context, id int64) (bool, error) {
	ok, err := r.client.SIsMember(ctx, inputIDsKey, strconv.FormatInt(id, 10)).Result()
	if err != nil {
		return false, fmt.Errorf("ismember: %w", err)
	}
	return ok, nil
}

// GetByID fetches an input by its ID.
// Returns ErrInputNotFound if the key does not exist.
func (r *InputRepository) GetByID(ctx context.Context, id int64) (*stream.Input, error) {
	key := inputKeyInt(id)

	value, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrInputNotFound
		}
		return nil, fmt.Errorf("get: %w", err)
	}

	in, err := decodeInput(value)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return in, nil
}

// GetAll returns all Inputs currently indexed in Redis.
//
// Note: This operation is **not strongly consistent**. It issues two separate
// calls:
//  1. SMEMBERS to collect the set of input IDs.
//  2. MGET to fetch the input payloads.
//
// If inputs are created or deleted between those two calls, the result may
// contain transient inconsistencies (e.g. an ID with no value, or a value not
// yet indexed). Callers should treat the result as **an eventually
// consistent** snapshot, not a transactional view.
func (r *InputRepository) GetAll(ctx context.Context) ([]*stream.Input, error) {
	ids, err := r.client.SMembers(ctx, inputIDsKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("smembers: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = inputKeyStr(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget: %w", err)
	}

	return r.parseMGetResult(keys, vals)
}

// encodeInput serializes an Input to JSON.
func encodeInput(in *stream.Input) ([]byte, error) {
	return json.Marshal(in)
}

// decodeInput deserializes a JSON payload into an Input.
func decodeInput(raw []byte) (*stream.Input, error) {
	var in stream.Input
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, err
	}
	if in.Outputs == nil {
		in.Outputs = []*stream.Output{}
	}
	return &in, nil
}

// parseMGetResult converts Redis MGET results to Input structs.
// It logs warnings for missing keys and errors for unexpected payload types.
// Callers should treat missing keys as eventual-consistency artifacts, not
// hard failures.
func (r *InputRepository) parseMGetResult(keys []string, vals []interface{}) ([]*stream.Input, error) {
	out := make([]*stream.Input, 0, len(vals))

	for i, v := range vals {
		if v == nil {
			r.log.Warn(
				"input missing during MGET",
				zap.String("key", keys[i]),
				zap.Int("index", i),
			)
			continue
		}

		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("key %s at index %d: unexpected type (got %T, want string)", keys[i], i, v)
		}
		in, err := decodeInput([]byte(s))
		if err != nil {
			return nil, fmt.Errorf("key %s at index %d: decode input: %w", keys[i], i, err)
		}
		out = append(out, in)
	}
	return out, nil
}
