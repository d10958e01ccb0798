package skv

import "hash/fnv"

// posForKey maps a key to a ring position in [0,R) using 64-bit
// FNV-1a over the key's UTF-8 encoding. Every node must use the same
// hash or routing would disagree; any uniform hash would do, this one
// is fixed here so it is the same everywhere.
func posForKey(key string, r int) int {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int(h.Sum64() % uint64(r))
}
