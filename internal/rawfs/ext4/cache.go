package ext4

// cacheKey identifies one block of a per-group table: the group the table
// belongs to and the block index within it
type cacheKey struct {
	group uint32
	index uint64
}

// blockCache holds the most recently read table block. Directory walks
// touch neighbouring inodes of the same group, so one slot is enough.
type blockCache struct {
	key   cacheKey
	data  []byte
	valid bool
}

func (c *blockCache) get(key cacheKey) ([]byte, bool) {
	if c.valid && c.key == key {
		return c.data, true
	}
	return nil, false
}

func (c *blockCache) put(key cacheKey, data []byte) {
	c.key = key
	c.data = data
	c.valid = true
}
