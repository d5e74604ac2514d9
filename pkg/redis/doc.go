// Package redis connects to Redis with retry and exposes a readiness check.
//
// The client backs the Redis Streams event log and the availability snapshot store.
//
//	var cfg redis.Config
//	config.MustLoad(&cfg)
//	client, err := redis.Connect(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer client.Close()
package redis
