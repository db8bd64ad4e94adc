package lists

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Persister mirrors list mutations into Redis so entries survive restarts.
// Keys are <prefix>:<space>:<key>, values <expiryEpoch>:<reason>, with the
// Redis TTL set to the remaining lifetime.
type Persister struct {
	rdb    *redis.Client
	prefix string
	logger *log.Logger
}

// NewPersister connects to Redis and verifies connectivity with a ping.
func NewPersister(addr, password string, db int, kind Kind) (*Persister, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}
	return &Persister{
		rdb:    rdb,
		prefix: kind.Prefix(),
		logger: log.New(log.Writer(), "[PERSIST] ", log.LstdFlags),
	}, nil
}

// MakePersistent attaches a persister to the store. Every subsequent add
// and delete is mirrored.
func (s *Store) MakePersistent(p *Persister) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persist = p
}

// Close releases the Redis connection pool.
func (p *Persister) Close() error { return p.rdb.Close() }

func (p *Persister) redisKey(space KeySpace, key string) string {
	return p.prefix + ":" + space.String() + ":" + key
}

func (p *Persister) add(space KeySpace, key string, exp time.Time, reason string) {
	ttl := time.Until(exp)
	if ttl <= 0 {
		return
	}
	val := fmt.Sprintf("%d:%s", exp.Unix(), reason)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.rdb.Set(ctx, p.redisKey(space, key), val, ttl).Err(); err != nil {
		p.logger.Printf("⚠️  persist add %s: %v", key, err)
	}
}

func (p *Persister) del(space KeySpace, key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.rdb.Del(ctx, p.redisKey(space, key)).Err(); err != nil {
		p.logger.Printf("⚠️  persist del %s: %v", key, err)
	}
}

// LoadPersistEntries scans the mirror and reinjects entries with their
// remaining lifetime, without replication or webhooks. Returns the number of
// entries restored. Callers treat an error here as fatal at startup.
func (s *Store) LoadPersistEntries(ctx context.Context) (int, error) {
	s.mu.Lock()
	p := s.persist
	s.mu.Unlock()
	if p == nil {
		return 0, fmt.Errorf("store is not persistent")
	}

	now := s.now()
	restored := 0
	var cursor uint64
	for {
		keys, next, err := p.rdb.Scan(ctx, cursor, p.prefix+":*", 250).Result()
		if err != nil {
			return restored, fmt.Errorf("scan %s: %w", p.prefix, err)
		}
		for _, rk := range keys {
			val, err := p.rdb.Get(ctx, rk).Result()
			if err == redis.Nil {
				continue // expired between scan and get
			}
			if err != nil {
				return restored, fmt.Errorf("get %s: %w", rk, err)
			}
			space, key, exp, reason, perr := p.parse(rk, val)
			if perr != nil {
				p.logger.Printf("⚠️  skipping malformed persisted entry %s: %v", rk, perr)
				continue
			}
			secs := int(exp.Sub(now) / time.Second)
			if secs <= 0 {
				continue
			}
			s.addKey(space, key, secs, reason, false)
			restored++
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	p.logger.Printf("restored %d %s entries from redis", restored, p.prefix)
	return restored, nil
}

func (p *Persister) parse(redisKey, val string) (KeySpace, string, time.Time, string, error) {
	rest, ok := strings.CutPrefix(redisKey, p.prefix+":")
	if !ok {
		return 0, "", time.Time{}, "", fmt.Errorf("unexpected prefix")
	}
	spaceStr, key, ok := strings.Cut(rest, ":")
	if !ok {
		return 0, "", time.Time{}, "", fmt.Errorf("missing key space")
	}
	space, err := ParseKeySpace(spaceStr)
	if err != nil {
		return 0, "", time.Time{}, "", err
	}
	epochStr, reason, ok := strings.Cut(val, ":")
	if !ok {
		return 0, "", time.Time{}, "", fmt.Errorf("malformed value %q", val)
	}
	epoch, err := strconv.ParseInt(epochStr, 10, 64)
	if err != nil {
		return 0, "", time.Time{}, "", fmt.Errorf("malformed expiry %q", epochStr)
	}
	return space, key, time.Unix(epoch, 0), reason, nil
}
