package app

import "github.com/cespare/xxhash/v2"

const shardCount = 32

func shardOf(key string) int {
	return int(xxhash.Sum64String(key) % shardCount)
}
