// Package tiercache is a read-through / write-invalidate cache with two tiers:
// a short-lived in-process tier and a shared remote tier (Redis).
//
// Components:
//   - Service: get/set/delete/invalidate-by-pattern against the remote tier,
//     behind a circuit breaker, with hit/miss/error counters.
//   - Fast: an in-process provider.Provider in front of a Service.
//   - Typed[V]: value-typed view over either, using a codec.Codec[V].
//   - Invalidator: exact deletes plus detached pattern sweeps per entity family.
//   - Warmer: periodic preloading.
//
// Reads never fail. A transport error or an open breaker is counted and
// served as a miss, so callers fall back to the authoritative store. Writes
// and deletes return their errors.
//
// Keys:
//
//	user:<id>                 - see package keys
//	profile:<id>
//	profile:user:<uid>
//	profileSearch:<canonical query>
//	nearby:<loc>:<dist>:<canonical query>
//
// Typical wiring:
//
//	store := redis.New(redis.Config{URL: os.Getenv("REDIS_URL")})
//	svc, _ := tiercache.New(tiercache.Options{Remote: store})
//	fast := tiercache.NewFast(svc, tiercache.FastOptions{})
//	users := tiercache.For[User](fast, nil)
package tiercache
