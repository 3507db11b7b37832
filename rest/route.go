package rest

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"

	"github.com/exelabs/concord/discord"
)

// APIVersion is the REST API version the dispatcher targets.
const APIVersion = "10"

// BaseURL is the versioned REST base path.
const BaseURL = "https://discord.com/api/v" + APIVersion

// Route is one REST call target. Path is the concrete request path;
// the bucket key is derived from the method, the path template and the
// major parameters only, so e.g. all message fetches in one channel share
// a bucket while different channels do not.
type Route struct {
	Method string
	Path   string
	key    string
}

// majorPrefixes are the path roots whose first parameter participates in
// bucket derivation. The exact rule is protocol-version dependent; this
// matches the v10 behavior.
var majorPrefixes = [...]string{"/channels/", "/guilds/", "/webhooks/"}

// NewRoute builds a Route from a printf-style template. Every %s/%d in
// the template is substituted from params; only major parameters join the
// bucket key.
func NewRoute(method, template string, params ...any) Route {
	path := template
	if len(params) > 0 {
		path = fmt.Sprintf(template, params...)
	}

	h := fnv.New64a()
	h.Write([]byte(method))
	h.Write([]byte{':'})
	h.Write([]byte(template))
	if len(params) > 0 {
		for _, p := range majorPrefixes {
			if strings.HasPrefix(template, p) {
				h.Write([]byte{':'})
				h.Write([]byte(paramString(params[0])))
				break
			}
		}
	}

	return Route{
		Method: method,
		Path:   path,
		key:    strconv.FormatUint(h.Sum64(), 16),
	}
}

// BucketKey returns the local rate-limit bucket key.
func (r Route) BucketKey() string { return r.key }

func paramString(p any) string {
	switch v := p.(type) {
	case string:
		return v
	case discord.Snowflake:
		return v.String()
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}
