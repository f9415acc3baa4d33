package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ep(url string, models ...string) *Endpoint {
	label := ""
	if len(models) > 0 {
		label = models[0]
	}
	return NewEndpoint(url, label, models, nil, nil, time.Time{})
}

func TestNewEndpointNormalizes(t *testing.T) {
	e := NewEndpoint("http://a:8000/", "llama", []string{" llama ", "", "llama-chat"}, []string{" prefill ", ""}, nil, time.Time{})
	assert.Equal(t, "http://a:8000", e.URL)
	assert.True(t, e.ServesModel("llama"))
	assert.True(t, e.ServesModel("llama-chat"))
	assert.False(t, e.ServesModel(""))
	assert.True(t, e.HasTag("prefill"))

	// Label alone still yields a model set.
	e = NewEndpoint("http://b:8000", "mistral", nil, nil, nil, time.Time{})
	assert.True(t, e.ServesModel("mistral"))
}

func TestSnapshotSortedAndIndexed(t *testing.T) {
	r := New()
	r.Replace([]*Endpoint{ep("http://b:8000", "m"), ep("http://a:8000", "m")})

	snap := r.Snapshot()
	require.Equal(t, 2, snap.Len())
	assert.Equal(t, "http://a:8000", snap.Endpoints()[0].URL)
	assert.Equal(t, "http://b:8000", snap.Endpoints()[1].URL)
	assert.True(t, snap.Has("http://a:8000"))
	_, ok := snap.Get("http://c:8000")
	assert.False(t, ok)
}

func TestHashTracksURLSet(t *testing.T) {
	r := New()
	r.Replace([]*Endpoint{ep("http://a:8000", "m")})
	h1 := r.Snapshot().Hash()

	// Same URLs, different model: hash unchanged.
	r.Replace([]*Endpoint{ep("http://a:8000", "other")})
	assert.Equal(t, h1, r.Snapshot().Hash())

	r.Replace([]*Endpoint{ep("http://a:8000", "m"), ep("http://b:8000", "m")})
	assert.NotEqual(t, h1, r.Snapshot().Hash())
}

func TestReplaceDedupsByURLLastWins(t *testing.T) {
	r := New()
	r.Replace([]*Endpoint{ep("http://a:8000", "old"), ep("http://a:8000", "new")})

	snap := r.Snapshot()
	require.Equal(t, 1, snap.Len())
	e, _ := snap.Get("http://a:8000")
	assert.True(t, e.ServesModel("new"))
	assert.False(t, e.ServesModel("old"))
}

func TestRemovalListeners(t *testing.T) {
	r := New()
	var removed []string
	r.AddRemovalListener(func(url string) { removed = append(removed, url) })

	r.Replace([]*Endpoint{ep("http://a:8000", "m"), ep("http://b:8000", "m")})
	assert.Empty(t, removed)

	r.Replace([]*Endpoint{ep("http://b:8000", "m")})
	assert.Equal(t, []string{"http://a:8000"}, removed)

	r.Replace(nil)
	assert.Equal(t, []string{"http://a:8000", "http://b:8000"}, removed)
}

func TestForModelAndModelNames(t *testing.T) {
	r := New()
	r.Replace([]*Endpoint{
		ep("http://a:8000", "llama"),
		ep("http://b:8000", "llama", "mistral"),
	})
	snap := r.Snapshot()

	assert.Len(t, snap.ForModel("llama"), 2)
	assert.Len(t, snap.ForModel("mistral"), 1)
	assert.Empty(t, snap.ForModel("gpt"))
	assert.Equal(t, []string{"llama", "mistral"}, snap.ModelNames())
}
