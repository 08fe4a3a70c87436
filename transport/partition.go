package transport

import "github.com/cespare/xxhash/v2"

// SelectChannel returns the channel index in [0, n) for a message. The key is
// hashed when set, otherwise the id. With n <= 1 the result is always 0.
func SelectChannel(key, id string, n int) int {
	if n <= 1 {
		return 0
	}
	s := key
	if s == "" {
		s = id
	}
	return reduce(int64(xxhash.Sum64String(s)), n)
}

// reduce maps a signed hash onto [0, n).
func reduce(h int64, n int) int {
	r := h % int64(n)
	if r < 0 {
		r = -r
	}
	return int(r)
}
