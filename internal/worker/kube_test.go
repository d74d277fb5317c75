package worker

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/elskow/buildshuttle/internal/pipeline/types"
)

type TestPodClient struct {
	clientset *fake.Clientset
}

func NewTestPodClient() *TestPodClient {
	return &TestPodClient{
		clientset: fake.NewSimpleClientset(),
	}
}

func (c *TestPodClient) CreatePod(ctx context.Context, namespace string, pod *corev1.Pod) (*corev1.Pod, error) {
	return c.clientset.CoreV1().Pods(namespace).Create(ctx, pod, metav1.CreateOptions{})
}

func (c *TestPodClient) GetPod(ctx context.Context, namespace, name string) (*corev1.Pod, error) {
	return c.clientset.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
}

func (c *TestPodClient) DeletePod(ctx context.Context, namespace, name string) error {
	return c.clientset.CoreV1().Pods(namespace).Delete(ctx, name, metav1.DeleteOptions{})
}

func (c *TestPodClient) ListPods(ctx context.Context, namespace string, opts metav1.ListOptions) (*corev1.PodList, error) {
	return c.clientset.CoreV1().Pods(namespace).List(ctx, opts)
}

func (c *TestPodClient) StreamLogs(ctx context.Context, namespace, name string, follow bool) (io.ReadCloser, error) {
	return c.clientset.CoreV1().Pods(namespace).GetLogs(name, &corev1.PodLogOptions{Follow: follow}).Stream(ctx)
}

// SetStatus moves a pod to the given status as the kubelet would.
func (c *TestPodClient) SetStatus(t *testing.T, namespace, name string, status corev1.PodStatus) {
	t.Helper()
	pod, err := c.GetPod(context.Background(), namespace, name)
	require.NoError(t, err)
	pod.Status = status
	_, err = c.clientset.CoreV1().Pods(namespace).UpdateStatus(context.Background(), pod, metav1.UpdateOptions{})
	require.NoError(t, err)
}

func terminated(code int32) []corev1.ContainerStatus {
	return []corev1.ContainerStatus{
		{State: corev1.ContainerState{Terminated: &corev1.ContainerStateTerminated{ExitCode: code}}},
	}
}

func setupKubeBackend(t *testing.T) (*KubeBackend, *TestPodClient) {
	t.Helper()
	client := NewTestPodClient()
	cfg := testWorkerConfig()
	cfg.Namespace = "builds"
	cfg.ServiceAccount = "buildshuttle"
	return NewKubeBackendWithClient(client, cfg, zap.NewNop()), client
}

func TestKubeBackend_PodSpec(t *testing.T) {
	b, client := setupKubeBackend(t)

	h, err := b.Create(context.Background(), Spec{
		Identity: "api-0b6b6c39-7",
		Env:      []string{"PAYLOAD=abc", "TIMEOUT_IN_MS=60000"},
		Timeout:  90 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, KindPod, h.Kind)

	pod, err := client.GetPod(context.Background(), "builds", "api-0b6b6c39-7")
	require.NoError(t, err)

	assert.Equal(t, WorkerLabel, pod.Labels[labelName])
	assert.Equal(t, "api-0b6b6c39-7", pod.Annotations[labelIdentity])
	assert.Equal(t, corev1.RestartPolicyNever, pod.Spec.RestartPolicy)
	require.NotNil(t, pod.Spec.ActiveDeadlineSeconds)
	assert.Equal(t, int64(90), *pod.Spec.ActiveDeadlineSeconds)
	assert.Equal(t, "buildshuttle", pod.Spec.ServiceAccountName)

	terms := pod.Spec.Affinity.NodeAffinity.PreferredDuringSchedulingIgnoredDuringExecution
	require.Len(t, terms, 1)
	assert.Equal(t, int32(1), terms[0].Weight)
	assert.Equal(t, "akkeris.io/node-role", terms[0].Preference.MatchExpressions[0].Key)
	assert.Equal(t, []string{"build"}, terms[0].Preference.MatchExpressions[0].Values)

	require.Len(t, pod.Spec.Containers, 1)
	c := pod.Spec.Containers[0]
	assert.Equal(t, "buildshuttle:latest", c.Image)
	assert.Equal(t, "256Mi", c.Resources.Limits.Memory().String())
	assert.Equal(t, "500m", c.Resources.Limits.Cpu().String())
	assert.Equal(t, "128Mi", c.Resources.Requests.Memory().String())
	assert.Contains(t, c.Env, corev1.EnvVar{Name: "PAYLOAD", Value: "abc"})
	require.Len(t, c.VolumeMounts, 1)
	assert.Equal(t, workerSocketPath, c.VolumeMounts[0].MountPath)
}

func TestKubeBackend_Await(t *testing.T) {
	tests := []struct {
		name      string
		status    corev1.PodStatus
		want      Result
		expectErr bool
	}{
		{
			name:   "succeeded",
			status: corev1.PodStatus{Phase: corev1.PodSucceeded, ContainerStatuses: terminated(0)},
			want:   Result{ExitCode: 0},
		},
		{
			name:   "succeeded without container status",
			status: corev1.PodStatus{Phase: corev1.PodSucceeded},
			want:   Result{ExitCode: 0},
		},
		{
			name:   "failed without exit code",
			status: corev1.PodStatus{Phase: corev1.PodFailed},
			want:   Result{ExitCode: 1},
		},
		{
			name:   "failed with worker timeout",
			status: corev1.PodStatus{Phase: corev1.PodFailed, ContainerStatuses: terminated(126)},
			want:   Result{ExitCode: 126},
		},
		{
			name:   "deadline exceeded",
			status: corev1.PodStatus{Phase: corev1.PodFailed, Reason: "DeadlineExceeded"},
			want:   Result{TimedOut: true},
		},
		{
			name:      "unknown",
			status:    corev1.PodStatus{Phase: corev1.PodUnknown},
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, client := setupKubeBackend(t)

			h, err := b.Create(context.Background(), Spec{Identity: "api-1-7", Timeout: time.Minute})
			require.NoError(t, err)
			client.SetStatus(t, "builds", h.ID, tt.status)

			var out strings.Builder
			res, err := h.Await(context.Background(), &out)
			if tt.expectErr {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.want, res)
			}

			_, err = client.GetPod(context.Background(), "builds", h.ID)
			assert.True(t, k8serrors.IsNotFound(err), "pod must be deleted after supervision")
		})
	}
}

func TestKubeBackend_StoppedWhilePending(t *testing.T) {
	b, _ := setupKubeBackend(t)

	h, err := b.Create(context.Background(), Spec{Identity: "api-1-8", Timeout: time.Minute})
	require.NoError(t, err)

	errC := make(chan error, 1)
	go func() {
		_, err := h.Await(context.Background(), io.Discard)
		errC <- err
	}()

	require.NoError(t, b.Stop(context.Background(), "api-1-8"))
	select {
	case err := <-errC:
		assert.ErrorIs(t, err, ErrUnitGone)
	case <-time.After(5 * time.Second):
		t.Fatal("supervision did not notice the deleted pod")
	}

	// Stopping twice is not an error.
	assert.NoError(t, b.Stop(context.Background(), "api-1-8"))
}

func TestKubeBackend_TeardownAndList(t *testing.T) {
	b, client := setupKubeBackend(t)

	_, err := b.Create(context.Background(), Spec{Identity: "api-1-9", Timeout: time.Minute})
	require.NoError(t, err)
	_, err = b.Create(context.Background(), Spec{Identity: "api-1-9", Timeout: time.Minute})
	assert.True(t, k8serrors.IsAlreadyExists(err))

	units, err := b.List(context.Background())
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, "api-1-9", units[0].Identity)
	assert.False(t, units[0].Deadline.IsZero())

	require.NoError(t, b.Teardown(context.Background(), "api-1-9"))
	_, err = client.GetPod(context.Background(), "builds", "api-1-9")
	assert.True(t, k8serrors.IsNotFound(err))

	units, err = b.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, units)
}

func TestPodName(t *testing.T) {
	tests := []struct {
		identity string
		want     string
	}{
		{identity: "api-0b6b6c39-7", want: "api-0b6b6c39-7"},
		{identity: "My_App-UUID-12", want: "my-app-uuid-12"},
		{identity: "--x--", want: "x"},
		{identity: "___", want: WorkerLabel},
	}

	for _, tt := range tests {
		t.Run(tt.identity, func(t *testing.T) {
			assert.Equal(t, tt.want, podName(tt.identity))
		})
	}
}

func TestPodName_LongIdentitiesStayDistinct(t *testing.T) {
	appKey := "billing-service-production-0b6b6c39-1c4e-4d8a-9f7e-2b1d3c4e5f60"

	names := map[string]string{}
	for n := 1; n <= 12; n++ {
		identity := types.Identity(appKey, n)
		name := podName(identity)

		assert.LessOrEqual(t, len(name), maxPodNameLength, name)
		assert.Regexp(t, `^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`, name)
		assert.Equal(t, name, podName(identity), "stable")
		if prev, ok := names[name]; ok {
			t.Fatalf("%s and %s share pod name %s", prev, identity, name)
		}
		names[name] = identity
	}
}

func TestKubeBackend_TeardownKeepsNeighbourBuild(t *testing.T) {
	b, client := setupKubeBackend(t)
	appKey := "billing-service-production-0b6b6c39-1c4e-4d8a-9f7e-2b1d3c4e5f60"
	second := types.Identity(appKey, 2)
	third := types.Identity(appKey, 3)

	_, err := b.Create(context.Background(), Spec{Identity: second, Timeout: time.Minute})
	require.NoError(t, err)

	require.NoError(t, b.Teardown(context.Background(), third))

	pod, err := client.GetPod(context.Background(), "builds", podName(second))
	require.NoError(t, err)
	assert.Equal(t, second, pod.Annotations[labelIdentity])
}
