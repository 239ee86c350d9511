package devconn

import (
	"fmt"
	"sync"
	"testing"

	"github.com/jobs/durable/internal/taskrun"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gaugeValue(t *testing.T, reg *prometheus.Registry) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	assert.Equal(t, "dev_authenticated_connections", families[0].GetName())
	return families[0].GetMetric()[0].GetGauge().GetValue()
}

func TestTable_ConcurrentOpenClose(t *testing.T) {
	table := NewTable()
	reg := prometheus.NewRegistry()
	reg.MustRegister(table.Gauge())

	var wg sync.WaitGroup
	for i := range 1000 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := &Conn{id: fmt.Sprintf("conn_%d", i), env: taskrun.Environment{ID: "env_1"}}
			table.Register(c)
			assert.True(t, table.Unregister(c.id))
			assert.False(t, table.Unregister(c.id))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, table.Len())
	assert.Equal(t, float64(0), gaugeValue(t, reg))
}

func TestTable_EnvironmentOrder(t *testing.T) {
	table := NewTable()
	reg := prometheus.NewRegistry()
	reg.MustRegister(table.Gauge())

	for _, c := range []*Conn{
		{id: "c", env: taskrun.Environment{ID: "env_1"}},
		{id: "a", env: taskrun.Environment{ID: "env_2"}},
		{id: "b", env: taskrun.Environment{ID: "env_1"}},
	} {
		table.Register(c)
	}

	ids := func(cs []*Conn) []string {
		out := make([]string, len(cs))
		for i, c := range cs {
			out[i] = c.id
		}
		return out
	}
	assert.Equal(t, []string{"c", "b"}, ids(table.Environment("env_1")))
	assert.Equal(t, []string{"c", "a", "b"}, ids(table.Snapshot()))
	assert.Equal(t, float64(3), gaugeValue(t, reg))

	_, ok := table.Get("a")
	assert.True(t, ok)
}

func TestParseBearer(t *testing.T) {
	tests := map[string]struct {
		values []string
		token  string
		reason string
	}{
		"missing":     {nil, "", ReasonMissingAuthorization},
		"empty":       {[]string{""}, "", ReasonMissingAuthorization},
		"basic":       {[]string{"Basic abc"}, "", ReasonInvalidAuthorization},
		"no key":      {[]string{"Bearer"}, "", ReasonInvalidAuthorization},
		"bearer":      {[]string{"Bearer tr_dev_1"}, "tr_dev_1", ""},
		"extra parts": {[]string{"Bearer tr_dev_1 x"}, "tr_dev_1", ""},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			token, reason := ParseBearer(tt.values)
			assert.Equal(t, tt.token, token)
			assert.Equal(t, tt.reason, reason)
		})
	}
}
