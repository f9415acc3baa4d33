package discovery

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"

	"github.com/infergate/infergate/pkg/router/config"
	"github.com/infergate/infergate/pkg/router/registry"
	"github.com/infergate/infergate/pkg/router/stats"
	"github.com/infergate/infergate/pkg/router/strategy"
	"github.com/infergate/infergate/pkg/router/workflow"
)

type fixedClock time.Time

func (c fixedClock) Now() time.Time { return time.Time(c) }

func TestResolverApply(t *testing.T) {
	ctx := context.Background()
	reg := registry.New()
	r := NewResolver(fixedClock(time.Now()), reg)

	r.Apply(ctx, &config.Document{
		StaticBackends:   "http://a:8000, http://b:8000",
		StaticModels:     "llama,mistral",
		StaticModelTypes: "chat",
	})

	snap := reg.Snapshot()
	require.Equal(t, 2, snap.Len())
	a, ok := snap.Get("http://a:8000")
	require.True(t, ok)
	assert.True(t, a.ServesModel("llama"))
	assert.True(t, a.HasTag("chat"))
	b, ok := snap.Get("http://b:8000")
	require.True(t, ok)
	assert.True(t, b.ServesModel("mistral"))
	// The model-type list is shorter than the backend list; the last entry
	// carries over.
	assert.True(t, b.HasTag("chat"))
}

func TestResolverApplyReplacesPreviousSet(t *testing.T) {
	ctx := context.Background()
	reg := registry.New()
	r := NewResolver(fixedClock(time.Now()), reg)

	var removed []string
	reg.AddRemovalListener(func(url string) { removed = append(removed, url) })

	r.Apply(ctx, &config.Document{StaticBackends: "http://a:8000,http://b:8000", StaticModels: "llama"})
	r.Apply(ctx, &config.Document{StaticBackends: "http://b:8000", StaticModels: "llama"})

	assert.Equal(t, []string{"http://a:8000"}, removed)
	assert.Equal(t, 1, reg.Snapshot().Len())
}

type fakeLister []*corev1.Pod

func (f fakeLister) List(labels.Selector) ([]*corev1.Pod, error) {
	return f, nil
}

func enginePod(name, ip string, ready bool, ann map[string]string) *corev1.Pod {
	status := corev1.ConditionFalse
	if ready {
		status = corev1.ConditionTrue
	}
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default", Annotations: ann},
		Status: corev1.PodStatus{
			Phase: corev1.PodRunning,
			PodIP: ip,
			Conditions: []corev1.PodCondition{
				{Type: corev1.PodReady, Status: status},
			},
		},
	}
}

func TestClusterRebuild(t *testing.T) {
	ctx := context.Background()
	reg := registry.New()
	w := NewClusterWatcher(fixedClock(time.Now()), reg, nil, "default", "app=llm-engine",
		"infergate.io/models", "infergate.io/port")

	w.rebuild(ctx, fakeLister{
		enginePod("engine-0", "10.0.0.1", true, map[string]string{
			"infergate.io/models": "llama,llama-chat",
			"infergate.io/port":   "9000",
			"infergate.io/tags":   "prefill",
		}),
		enginePod("engine-1", "10.0.0.2", true, nil),
		enginePod("engine-2", "10.0.0.3", false, nil), // not ready
		enginePod("engine-3", "", true, nil),          // no IP yet
	})

	snap := reg.Snapshot()
	require.Equal(t, 2, snap.Len())

	ep, ok := snap.Get("http://10.0.0.1:9000")
	require.True(t, ok)
	assert.True(t, ep.ServesModel("llama"))
	assert.True(t, ep.ServesModel("llama-chat"))
	assert.True(t, ep.HasTag("prefill"))
	assert.Equal(t, "engine-0", ep.Metadata["pod"])

	// Default port, no annotations.
	_, ok = snap.Get("http://10.0.0.2:8000")
	assert.True(t, ok)
}

func TestFileWatcherReloadsOnChange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	write := func(routing string) {
		doc := `{"service_discovery":"dynamic","routing_logic":"` + routing + `","static_backends":"http://a:8000","static_models":"llama"}`
		require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	}
	write("roundrobin")

	clock := fixedClock(time.Now())
	reg := registry.New()
	rt := config.NewRuntime(strategy.Deps{
		Clock:     clock,
		Engine:    stats.NewEnginePoller(clock, reg, time.Hour),
		Requests:  stats.NewTracker(clock, time.Minute),
		Workflows: workflow.NewManager(clock, time.Hour, 100),
	})
	rt.OnApply(NewResolver(clock, reg).Apply)

	w := NewFileWatcher(path, rt)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		a := rt.Active()
		return a != nil && a.Strategy.Name() == "roundrobin"
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, reg.Snapshot().Len())

	write("session")
	require.Eventually(t, func() bool {
		return rt.Active().Strategy.Name() == "session"
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
