package store

import (
	"strconv"

	"github.com/go-redis/redis"
)

const redisDLRPrefix = "dlr:"

// RedisDLR keeps entries as redis hashes under dlr:<smsc>:<ts>:<dst>.
type RedisDLR struct {
	client *redis.Client
}

// OpenRedisDLR connects to the redis instance at addr.
func OpenRedisDLR(addr, password string, db int) (*RedisDLR, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping().Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisDLR{client: client}, nil
}

func redisKey(smscID, timestamp, destination string) string {
	return redisDLRPrefix + smscID + ":" + timestamp + ":" + destination
}

func (r *RedisDLR) Add(d *DLR) error {
	return r.client.HMSet(redisKey(d.SMSCID, d.Timestamp, d.Destination),
		map[string]interface{}{
			"source":  d.Sender,
			"service": d.Service,
			"url":     d.URL,
			"boxc":    d.BoxCID,
			"mask":    strconv.Itoa(int(d.Mask)),
		}).Err()
}

func (r *RedisDLR) Get(smscID, timestamp, destination string) (*DLR, error) {
	vals, err := r.client.HGetAll(redisKey(smscID, timestamp, destination)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}
	mask, _ := strconv.Atoi(vals["mask"])
	return &DLR{
		SMSCID:      smscID,
		Timestamp:   timestamp,
		Destination: destination,
		Sender:      vals["source"],
		Service:     vals["service"],
		URL:         vals["url"],
		BoxCID:      vals["boxc"],
		Mask:        int32(mask),
	}, nil
}

func (r *RedisDLR) Remove(smscID, timestamp, destination string) error {
	return r.client.Del(redisKey(smscID, timestamp, destination)).Err()
}

func (r *RedisDLR) Update(d *DLR) error { return r.Add(d) }

func (r *RedisDLR) Messages() (int, error) {
	keys, err := r.client.Keys(redisDLRPrefix + "*").Result()
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (r *RedisDLR) Flush() error {
	keys, err := r.client.Keys(redisDLRPrefix + "*").Result()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(keys...).Err()
}

func (r *RedisDLR) Shutdown() error { return r.client.Close() }

// OpenDLRBackend builds the backend named by the dlr-db configuration;
// an empty or "internal" type yields the in-memory table.
func OpenDLRBackend(cfg DLRDBConfig) (DLRBackend, error) {
	switch cfg.Type {
	case "", "internal":
		return NewMemoryDLR(), nil
	case "mysql":
		return OpenSQLDLR("mysql", cfg)
	case "sqlite3":
		return OpenSQLDLR("sqlite3", cfg)
	case "redis":
		return OpenRedisDLR(cfg.DSN, "", 0)
	}
	return nil, errUnknownDLRType(cfg.Type)
}

type errUnknownDLRType string

func (e errUnknownDLRType) Error() string {
	return "store: unknown dlr-db type " + string(e)
}
