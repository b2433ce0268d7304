package ratelimit

import (
	"fmt"
	"hash/fnv"
	"strings"
)

// KeyFromRequest builds the default limiter key: client IP plus path plus a
// short hash of the user agent, so distinct clients behind one IP still
// spread across keys.
func KeyFromRequest(request Request) string {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(request.UserAgent))
	return fmt.Sprintf("%s:%s:%08x", strings.TrimSpace(request.ClientIP), strings.TrimSpace(request.Path), hasher.Sum32())
}
