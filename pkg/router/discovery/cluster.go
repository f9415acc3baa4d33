package discovery

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"

	"github.com/datawire/dlib/dlog"

	"github.com/infergate/infergate/pkg/router/registry"
)

// podTagsAnnotation lists routing tags (prefill, decoding, transcription...)
// for an engine pod, comma-separated.
const podTagsAnnotation = "infergate.io/tags"

const defaultEnginePort = 8000

// clusterSendDelay collapses bursts of pod events into one registry replace.
const clusterSendDelay = 250 * time.Millisecond

// ClusterWatcher implements cluster discovery: engine pods matching a label
// selector become endpoints. Model names and the serving port are read from
// pod annotations; only Ready pods with an IP are registered.
type ClusterWatcher struct {
	clock           Clock
	reg             *registry.Registry
	client          kubernetes.Interface
	namespace       string
	selector        string
	modelAnnotation string
	portAnnotation  string
}

func NewClusterWatcher(
	clock Clock,
	reg *registry.Registry,
	client kubernetes.Interface,
	namespace, selector, modelAnnotation, portAnnotation string,
) *ClusterWatcher {
	return &ClusterWatcher{
		clock:           clock,
		reg:             reg,
		client:          client,
		namespace:       namespace,
		selector:        selector,
		modelAnnotation: modelAnnotation,
		portAnnotation:  portAnnotation,
	}
}

// Run watches pods until the context is done. Every add/update/delete resets
// a short timer; when it fires, the full pod list is re-read and the
// registry replaced.
func (w *ClusterWatcher) Run(ctx context.Context) error {
	factory := informers.NewSharedInformerFactoryWithOptions(w.client, 0,
		informers.WithNamespace(w.namespace),
		informers.WithTweakListOptions(func(o *metav1.ListOptions) {
			o.LabelSelector = w.selector
		}))
	pods := factory.Core().V1().Pods()

	changed := make(chan struct{}, 1)
	timer := time.AfterFunc(time.Duration(math.MaxInt64), func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer timer.Stop()
	kick := func(any) {
		timer.Reset(clusterSendDelay)
	}
	if _, err := pods.Informer().AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    kick,
		DeleteFunc: kick,
		UpdateFunc: func(_, newObj any) { kick(newObj) },
	}); err != nil {
		return err
	}

	factory.Start(ctx.Done())
	defer factory.Shutdown()
	if !cache.WaitForCacheSync(ctx.Done(), pods.Informer().HasSynced) {
		return fmt.Errorf("pod informer cache never synced")
	}
	w.rebuild(ctx, pods.Lister())

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changed:
			w.rebuild(ctx, pods.Lister())
		}
	}
}

type podLister interface {
	List(selector labels.Selector) ([]*corev1.Pod, error)
}

func (w *ClusterWatcher) rebuild(ctx context.Context, lister podLister) {
	// The informer already filters on the label selector.
	podList, err := lister.List(labels.Everything())
	if err != nil {
		dlog.Errorf(ctx, "discovery: list pods: %v", err)
		return
	}
	sort.Slice(podList, func(i, j int) bool { return podList[i].Name < podList[j].Name })

	now := w.clock.Now()
	var eps []*registry.Endpoint
	for _, pod := range podList {
		if !podReady(pod) || pod.Status.PodIP == "" {
			continue
		}
		eps = append(eps, w.endpointFor(pod, now))
	}
	w.reg.Replace(eps)
	dlog.Infof(ctx, "discovery: %d engine pod(s) registered", len(eps))
}

func (w *ClusterWatcher) endpointFor(pod *corev1.Pod, now time.Time) *registry.Endpoint {
	ann := pod.Annotations
	port := defaultEnginePort
	if p, err := strconv.Atoi(ann[w.portAnnotation]); err == nil && p > 0 {
		port = p
	}
	models := splitAnnotation(ann[w.modelAnnotation])
	label := ""
	if len(models) > 0 {
		label = models[0]
	}
	url := fmt.Sprintf("http://%s:%d", pod.Status.PodIP, port)
	meta := map[string]string{
		"pod":       pod.Name,
		"namespace": pod.Namespace,
	}
	return registry.NewEndpoint(url, label, models, splitAnnotation(ann[podTagsAnnotation]), meta, now)
}

func podReady(pod *corev1.Pod) bool {
	if pod.Status.Phase != corev1.PodRunning || pod.DeletionTimestamp != nil {
		return false
	}
	for _, c := range pod.Status.Conditions {
		if c.Type == corev1.PodReady {
			return c.Status == corev1.ConditionTrue
		}
	}
	return false
}

func splitAnnotation(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
