package apps

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testApps() []Application {
	return []Application{
		{ID: "app-1", Key: "key-1", Secret: "secret-1"},
		{ID: "app-2", Key: "key-2", Secret: "secret-2"},
	}
}

func TestRegistry_FindByID(t *testing.T) {
	registry, err := NewRegistry(testApps())
	require.NoError(t, err)

	app, err := registry.FindByID("app-2")
	require.NoError(t, err)
	assert.Equal(t, "key-2", app.Key)

	_, err = registry.FindByID("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_FindByKey(t *testing.T) {
	registry, err := NewRegistry(testApps())
	require.NoError(t, err)

	app, err := registry.FindByKey("key-1")
	require.NoError(t, err)
	assert.Equal(t, "app-1", app.ID)

	_, err = registry.FindByKey("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_RejectsIncompleteApplication(t *testing.T) {
	_, err := NewRegistry([]Application{{ID: "app-1", Key: "key-1"}})
	assert.Error(t, err)
}

func TestRegistry_RejectsDuplicates(t *testing.T) {
	_, err := NewRegistry([]Application{
		{ID: "app-1", Key: "key-1", Secret: "s"},
		{ID: "app-1", Key: "key-other", Secret: "s"},
	})
	assert.Error(t, err)

	_, err = NewRegistry([]Application{
		{ID: "app-1", Key: "key-1", Secret: "s"},
		{ID: "app-2", Key: "key-1", Secret: "s"},
	})
	assert.Error(t, err)
}

func TestRegistry_AllKeepsDeclarationOrder(t *testing.T) {
	registry, err := NewRegistry(testApps())
	require.NoError(t, err)

	all := registry.All()
	require.Len(t, all, 2)
	assert.Equal(t, "app-1", all[0].ID)
	assert.Equal(t, "app-2", all[1].ID)
}

func TestApplication_OriginAllowed(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"wildcard allows anything", []string{"*"}, "https://evil.example.net", true},
		{"empty origin always passes", []string{"app.example.com"}, "", true},
		{"empty list allows anything", nil, "https://anywhere.test", true},
		{"exact host", []string{"app.example.com"}, "https://app.example.com", true},
		{"exact host with port in origin", []string{"app.example.com"}, "https://app.example.com:8443", true},
		{"glob subdomain", []string{"*.example.com"}, "https://api.example.com", true},
		{"glob rejects apex", []string{"*.example.com"}, "https://example.com", false},
		{"case insensitive", []string{"App.Example.com"}, "https://app.example.COM", true},
		{"mismatch", []string{"app.example.com"}, "https://other.example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := &Application{AllowedOrigins: tt.allowed}
			assert.Equal(t, tt.want, app.OriginAllowed(tt.origin))
		})
	}
}

func TestApplication_Durations(t *testing.T) {
	app := &Application{PingInterval: 30, ActivityTimeout: 30}
	assert.Equal(t, float64(30), app.PingDuration().Seconds())
	assert.Equal(t, float64(30), app.ActivityDuration().Seconds())
}

func TestApplication_Unlimited(t *testing.T) {
	assert.True(t, (&Application{MaxConnections: 0}).Unlimited())
	assert.True(t, (&Application{MaxConnections: -1}).Unlimited())
	assert.False(t, (&Application{MaxConnections: 5}).Unlimited())
}
