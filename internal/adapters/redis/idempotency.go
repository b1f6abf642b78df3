package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robertarktes/ride-bookings/internal/domain"
	"github.com/robertarktes/ride-bookings/internal/idempotency"
)

var (
	completeScript = redis.NewScript(`
		local v = redis.call('GET', KEYS[1])
		if v then
			local e = cjson.decode(v)
			if e.owner ~= ARGV[1] then
				return 0
			end
		end
		redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
		return 1
	`)

	releasePendingScript = redis.NewScript(`
		local v = redis.call('GET', KEYS[1])
		if not v then
			return 0
		end
		local e = cjson.decode(v)
		if e.owner == ARGV[1] and (e.booking_id == nil or e.booking_id == '') then
			return redis.call('DEL', KEYS[1])
		end
		return 0
	`)
)

// Idempotency is an idempotency.Backend storing entries as JSON strings.
type Idempotency struct {
	client *redis.Client
}

func NewIdempotency(client *redis.Client) *Idempotency {
	return &Idempotency{client: client}
}

type idempEntry struct {
	Owner     string `json:"owner"`
	BookingID string `json:"booking_id,omitempty"`
}

func (e idempEntry) toEntry() (idempotency.Entry, error) {
	out := idempotency.Entry{Owner: e.Owner}
	if e.BookingID == "" {
		return out, nil
	}
	id, err := uuid.Parse(e.BookingID)
	if err != nil {
		return idempotency.Entry{}, errors.Wrap(err, "parse booking id")
	}
	out.BookingID = id
	return out, nil
}

func idempKey(key string) string {
	return "idemp:" + key
}

func (i *Idempotency) Reserve(ctx context.Context, key, owner string, ttl time.Duration) (idempotency.Entry, bool, error) {
	data, err := json.Marshal(idempEntry{Owner: owner})
	if err != nil {
		return idempotency.Entry{}, false, err
	}

	// The existing entry can expire between SETNX and GET; one more round settles it.
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := i.client.SetNX(ctx, idempKey(key), data, ttl).Result()
		if err != nil {
			return idempotency.Entry{}, false, errors.Wrap(err, "reserve idempotency key")
		}
		if ok {
			return idempotency.Entry{Owner: owner}, true, nil
		}

		val, err := i.client.Get(ctx, idempKey(key)).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return idempotency.Entry{}, false, errors.Wrap(err, "read idempotency key")
		}
		var existing idempEntry
		if err := json.Unmarshal(val, &existing); err != nil {
			return idempotency.Entry{}, false, errors.Wrap(err, "decode idempotency entry")
		}
		entry, err := existing.toEntry()
		return entry, false, err
	}
	return idempotency.Entry{}, false, errors.Newf("idempotency key %s kept vanishing", key)
}

func (i *Idempotency) Complete(ctx context.Context, key, owner string, bookingID uuid.UUID, ttl time.Duration) error {
	data, err := json.Marshal(idempEntry{Owner: owner, BookingID: bookingID.String()})
	if err != nil {
		return err
	}
	res, err := completeScript.Run(ctx, i.client, []string{idempKey(key)}, owner, string(data), ttl.Milliseconds()).Int()
	if err != nil {
		return errors.Wrap(err, "complete idempotency key")
	}
	if res == 0 {
		return domain.ErrIdempotencyKeyConflict
	}
	return nil
}

func (i *Idempotency) Release(ctx context.Context, key, owner string) error {
	err := releasePendingScript.Run(ctx, i.client, []string{idempKey(key)}, owner).Err()
	return errors.Wrap(err, "release idempotency key")
}
