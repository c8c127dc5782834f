package redis

import (
	"fmt"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

type Redis struct {
	Name         string
	Address      string
	Client       *goredis.Client
	RegisterTime time.Time
}

var redisInstances sync.Map

func GetRedis(name string) (*Redis, error) {
	value, ok := redisInstances.Load(name)
	if !ok {
		return nil, fmt.Errorf("Redis not found, name:%s", name)
	}

	redisInstance, ok := value.(*Redis)
	if !ok {
		return nil, fmt.Errorf("Redis not found, name:%s", name)
	}

	return redisInstance, nil
}

func RegisterRedis(name, address, password string, db int) *Redis {
	if value, ok := redisInstances.Load(name); ok {
		if r, ok2 := value.(*Redis); ok2 && r.Address == address {
			return r
		}
		RemoveRedis(name)
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:         address,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     100,
	})
	r := &Redis{
		Name:         name,
		Address:      address,
		Client:       client,
		RegisterTime: time.Now(),
	}
	redisInstances.Store(name, r)
	return r
}

func RemoveRedis(name string) {
	value, ok := redisInstances.LoadAndDelete(name)
	if !ok {
		return
	}
	if r, ok := value.(*Redis); ok && r.Client != nil {
		r.Client.Close()
	}
}
