package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/unkn0wn-root/tiercache/keys"
)

// execute runs one CLI invocation against mr and returns stdout.
func execute(t *testing.T, mr *miniredis.Miniredis, args ...string) (string, error) {
	t.Helper()
	t.Setenv("CACHE_MAX_RETRIES", "0")
	var out, errOut bytes.Buffer
	app := New().WithOutput(&out, &errOut).WithLogger(zaptest.NewLogger(t))
	if mr != nil {
		args = append([]string{"--redis-url", "redis://" + mr.Addr()}, args...)
	}
	err := app.ExecuteWithArgs(context.Background(), args)
	return out.String(), err
}

func TestSetThenGet(t *testing.T) {
	mr := miniredis.RunT(t)

	_, err := execute(t, mr, "set", "profile:42", `{"name":"ada","age":36}`, "--ttl", "10m")
	require.NoError(t, err)
	assert.True(t, mr.Exists("profile:42"))
	assert.Equal(t, "10m0s", mr.TTL("profile:42").String())

	out, err := execute(t, mr, "get", "profile:42")
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "ada", got["name"])
	assert.Equal(t, 36.0, got["age"])
}

func TestSetWithMsgpackCodec(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("CACHE_CODEC", "msgpack")

	_, err := execute(t, mr, "set", "user:1", `{"name":"grace"}`)
	require.NoError(t, err)
	raw, err := mr.Get("user:1")
	require.NoError(t, err)
	assert.NotContains(t, raw, "{", "value stored as JSON instead of msgpack")

	out, err := execute(t, mr, "get", "user:1")
	require.NoError(t, err)
	assert.Contains(t, out, `"name": "grace"`)
}

func TestSetRejectsBadInput(t *testing.T) {
	mr := miniredis.RunT(t)

	_, err := execute(t, mr, "set", "k", "{not json")
	require.Error(t, err)

	_, err = execute(t, mr, "set", "   ", `"v"`)
	require.Error(t, err)
	assert.Empty(t, mr.Keys())
}

func TestGetMiss(t *testing.T) {
	mr := miniredis.RunT(t)
	_, err := execute(t, mr, "get", "user:404")
	assert.True(t, errors.Is(err, ErrNotFound), "err=%v", err)
}

func TestDel(t *testing.T) {
	mr := miniredis.RunT(t)
	require.NoError(t, mr.Set("user:1", `"a"`))
	require.NoError(t, mr.Set("user:2", `"b"`))

	_, err := execute(t, mr, "del", "user:1", "user:2")
	require.NoError(t, err)
	assert.Empty(t, mr.Keys())
}

func TestInvalidatePattern(t *testing.T) {
	mr := miniredis.RunT(t)
	for _, k := range []string{"profileSearch:a", "profileSearch:b", "profileSearch:c", "profile:1"} {
		require.NoError(t, mr.Set(k, "x"))
	}

	out, err := execute(t, mr, "invalidate", "pattern", "profileSearch:*")
	require.NoError(t, err)
	assert.Equal(t, "deleted 3 keys\n", out)
	assert.Equal(t, []string{"profile:1"}, mr.Keys())

	_, err = execute(t, mr, "invalidate", "pattern", "profile[")
	require.Error(t, err, "malformed glob must be refused")
	assert.Equal(t, []string{"profile:1"}, mr.Keys())
}

func TestInvalidateProfileWaitsForSweeps(t *testing.T) {
	mr := miniredis.RunT(t)
	for _, k := range []string{
		"profile:9", "profile:user:7", "profileSearch:q=1", "nearby:52:21:5", "user:7",
	} {
		require.NoError(t, mr.Set(k, "x"))
	}

	_, err := execute(t, mr, "invalidate", "profile", "9", "--owner", "7")
	require.NoError(t, err)
	assert.Equal(t, []string{"user:7"}, mr.Keys())
}

func TestInvalidateUser(t *testing.T) {
	mr := miniredis.RunT(t)
	for _, k := range []string{"user:7", "profile:user:7", "profile:9"} {
		require.NoError(t, mr.Set(k, "x"))
	}

	_, err := execute(t, mr, "invalidate", "user", "7")
	require.NoError(t, err)
	assert.Equal(t, []string{"profile:9"}, mr.Keys())
}

func TestHealth(t *testing.T) {
	mr := miniredis.RunT(t)

	out, err := execute(t, mr, "health")
	require.NoError(t, err)
	assert.Equal(t, "healthy=true breaker=closed\n", out)

	out, err = execute(t, mr, "--gobreaker", "--no-local", "health")
	require.NoError(t, err)
	assert.Contains(t, out, "healthy=true")

	addr := mr.Addr()
	mr.Close()
	out, err = execute(t, nil, "--redis-url", "redis://"+addr, "health")
	assert.True(t, errors.Is(err, ErrUnhealthy), "err=%v", err)
	assert.Equal(t, "healthy=false breaker=closed\n", out)
}

func TestKeyNeedsNoServer(t *testing.T) {
	out, err := execute(t, nil, "key", "profileSearch", "minAge=30", "city=paris")
	require.NoError(t, err)
	want := keys.QueryKey(keys.NSProfileSearch, keys.Query{"city": "paris", "minAge": "30"})
	assert.Equal(t, want+"\n", out)

	out, err = execute(t, nil, "key", "nearby", "--hash", "lat=52.1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "nearby:"), out)

	_, err = execute(t, nil, "key", "profileSearch", "oops")
	require.Error(t, err)
}

func TestMonitorOnce(t *testing.T) {
	mr := miniredis.RunT(t)

	out, err := execute(t, mr, "monitor", "--once")
	require.NoError(t, err)

	var got struct {
		Status struct {
			Healthy bool   `json:"healthy"`
			Breaker string `json:"breaker"`
		} `json:"status"`
		Report struct {
			Total struct {
				Count int `json:"count"`
			} `json:"total"`
		} `json:"report"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.True(t, got.Status.Healthy)
	assert.Equal(t, "closed", got.Status.Breaker)
	assert.Positive(t, got.Report.Total.Count, "health check not recorded")
}

func TestBadConfigFile(t *testing.T) {
	_, err := execute(t, nil, "--config", "/nonexistent/tiercache.yaml", "health")
	require.Error(t, err)
}

func TestGetRaw(t *testing.T) {
	mr := miniredis.RunT(t)
	require.NoError(t, mr.Set("user:1", "not-json"))

	_, err := execute(t, mr, "get", "user:1")
	assert.True(t, errors.Is(err, ErrNotFound), "undecodable value must read as a miss, err=%v", err)

	require.NoError(t, mr.Set("user:1", "not-json"))
	out, err := execute(t, mr, "get", "--raw", "user:1")
	require.NoError(t, err)
	assert.Equal(t, "not-json", out)
}

func TestRistrettoLocalTier(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("CACHE_LOCAL_PROVIDER", "ristretto")

	_, err := execute(t, mr, "set", "user:5", `[1,2,3]`)
	require.NoError(t, err)
	out, err := execute(t, mr, "get", "user:5")
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2,3]`, out)
}
