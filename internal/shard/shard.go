// Package shard provides partition keys for the sharded DynamoDB pivot table.
package shard

import (
	"fmt"
	"hash/fnv"
	"strconv"
)

// MaxShards is the largest shard count a two-hex-digit suffix can address.
const MaxShards = 256

// OwnerRef names one side of a join table for one owner, e.g. "post_tag#post_id#7".
func OwnerRef(table, key string, owner int64) string {
	return table + "#" + key + "#" + strconv.FormatInt(owner, 10)
}

// PivotPK computes the sharded partition key for a pivot adjacency item.
// With numShards=1, all items of an owner go to shard "00".
// With numShards>1, items are spread across shards by the related ID.
func PivotPK(ownerRef string, related int64, numShards int) string {
	if numShards <= 1 {
		return ShardPK(ownerRef, 0)
	}
	h := fnv.New32a()
	h.Write([]byte(strconv.FormatInt(related, 10)))
	return ShardPK(ownerRef, int(h.Sum32()%uint32(numShards)))
}

// ShardPK returns the partition key of one shard of ownerRef. Readers fan out
// over ShardPK(ownerRef, 0..numShards-1).
func ShardPK(ownerRef string, n int) string {
	return fmt.Sprintf("%s#%02x", ownerRef, n)
}
