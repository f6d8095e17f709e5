// Package redistest contains utilities for unit tests with Redis.
package redistest

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

// Redis is an in-memory Redis server and client for unit tests.
//
// miniredis supports everything the lease lock needs (SET NX PX, Lua compare
// scripts, TTL fast-forward), so tests run without a real server.
type Redis struct {
	Server *miniredis.Miniredis
	Client *redis.Client
}

// NewRedis starts an in-memory Redis server and returns a connected client.
func NewRedis(ctx context.Context, t testing.TB) *Redis {
	server, err := miniredis.Run()
	if err != nil {
		t.Fatal("Failed to start miniredis:", err)
	}
	client := redis.NewClient(&redis.Options{
		Addr: server.Addr(),
	})
	if err := client.Ping(ctx).Err(); err != nil {
		server.Close()
		t.Fatal("Failed to ping miniredis:", err)
	}
	return &Redis{
		Server: server,
		Client: client,
	}
}

// Close shuts down the client and the server.
func (r *Redis) Close(t testing.TB) {
	if err := r.Client.Close(); err != nil {
		t.Log("redistest: Failed to close client:", err)
	}
	r.Server.Close()
}
