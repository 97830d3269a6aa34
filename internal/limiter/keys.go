package limiter

import (
	"strconv"
	"strings"
)

// DefaultKeyPrefix namespaces every key written by the limiter.
const DefaultKeyPrefix = "turnstile"

// keyspace builds store keys of the form prefix:{identity}:algorithm[:suffix...].
// The braces form a Redis cluster hash tag: all keys of one identity hash to
// the same slot, so a strategy can touch several of them in one transaction.
type keyspace struct {
	prefix string
}

func newKeyspace(prefix string) keyspace {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return keyspace{prefix: prefix}
}

func (k keyspace) key(identity string, alg Algorithm, suffix ...string) string {
	var b strings.Builder
	b.Grow(len(k.prefix) + len(identity) + len(alg) + 8)
	b.WriteString(k.prefix)
	b.WriteString(":{")
	b.WriteString(identity)
	b.WriteString("}:")
	b.WriteString(string(alg))
	for _, s := range suffix {
		b.WriteByte(':')
		b.WriteString(s)
	}
	return b.String()
}

func (k keyspace) window(identity string, alg Algorithm, start int64) string {
	return k.key(identity, alg, strconv.FormatInt(start, 10))
}
