// Package keys derives cache keys. Everything here is pure: no I/O, no clocks.
//
// Keys have the shape <namespace>:<identifier> or <namespace>:<canonical query>.
// Two logically equivalent queries always produce the same key (see Canonicalize).
package keys

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/unkn0wn-root/tiercache/internal/util"
)

// Namespaces used by the built-in entity families.
const (
	NSUser          = "user"
	NSProfile       = "profile"
	NSProfileByUser = "profile:user"
	NSProfileSearch = "profileSearch"
	NSNearby        = "nearby"
)

// Empty is the marker every absent, nil or empty-string query value collapses to.
const Empty = "_"

const sep = ":"

// Query is a raw query object: filter name -> value.
// Values may be nil, strings, string slices, numbers, bools or fmt.Stringers.
type Query map[string]any

// FromValues converts url.Values into a Query; multi-valued params are joined with commas.
func FromValues(v url.Values) Query {
	q := make(Query, len(v))
	for k, vs := range v {
		q[k] = strings.Join(vs, ",")
	}
	return q
}

// Join builds ns:part1:part2... Empty parts are kept as the Empty marker so
// positional keys never shift.
func Join(ns string, parts ...string) string {
	var b strings.Builder
	b.WriteString(ns)
	for _, p := range parts {
		b.WriteString(sep)
		if p == "" {
			p = Empty
		}
		b.WriteString(p)
	}
	return b.String()
}

func User(id string) string           { return Join(NSUser, id) }
func Profile(id string) string        { return Join(NSProfile, id) }
func ProfileByUser(uid string) string { return Join(NSProfileByUser, uid) }

// ProfileSearch is the key of one search-result page.
func ProfileSearch(q Query) string { return QueryKey(NSProfileSearch, q) }

// Nearby keys a proximity lookup around loc within dist, refined by q.
func Nearby(loc string, dist float64, q Query) string {
	ns := Join(NSNearby, loc, strconv.FormatFloat(dist, 'f', -1, 64))
	return QueryKey(ns, q)
}

// Pattern returns the glob matching every key of namespace ns.
func Pattern(ns string) string { return ns + sep + "*" }

// QueryKey returns ns:<canonical q>. fields declares the filters this namespace
// understands; see Canonicalize.
func QueryKey(ns string, q Query, fields ...string) string {
	return ns + sep + Canonicalize(q, fields...)
}

// HashedQuery is QueryKey with the canonical form replaced by a short digest.
// Use it when filters can be long; equivalence is preserved.
func HashedQuery(ns string, q Query, fields ...string) string {
	return util.Digest(ns, Canonicalize(q, fields...))
}

// Canonicalize renders q as a deterministic string:
//
//  1. nil, empty-string and empty-slice values become the Empty marker;
//  2. string values containing commas are split, trimmed, sorted and rejoined;
//  3. keys are sorted;
//  4. the result is k=v pairs joined by '&' with query escaping.
//
// Declared fields that are missing from q are emitted with the Empty marker;
// undeclared keys whose value is empty are dropped. Both rules make an omitted
// filter and a present-but-empty filter produce the same output.
func Canonicalize(q Query, fields ...string) string {
	norm := make(map[string]string, len(q)+len(fields))
	for _, f := range fields {
		norm[f] = Empty
	}
	for k, v := range q {
		s := normalizeValue(v)
		if s == Empty {
			if _, declared := norm[k]; !declared {
				continue
			}
		}
		norm[k] = s
	}

	names := make([]string, 0, len(norm))
	for k := range norm {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, k := range names {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(norm[k]))
	}
	return b.String()
}

func normalizeValue(v any) string {
	var s string
	switch x := v.(type) {
	case nil:
		return Empty
	case string:
		s = x
	case []string:
		s = strings.Join(x, ",")
	case fmt.Stringer:
		s = x.String()
	case bool:
		s = strconv.FormatBool(x)
	case int:
		s = strconv.Itoa(x)
	case int64:
		s = strconv.FormatInt(x, 10)
	case float64:
		s = strconv.FormatFloat(x, 'f', -1, 64)
	default:
		s = fmt.Sprint(x)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return Empty
	}
	if strings.Contains(s, ",") {
		return normalizeList(s)
	}
	return s
}

func normalizeList(s string) string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return Empty
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}
