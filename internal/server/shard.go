package server

import "hash/fnv"

// numShards is the stripe count for registry, presence and membership locks.
const numShards = 32

func shardFor(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % numShards
}
