package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/elskow/buildshuttle/internal/config"
)

const (
	defaultNamespace     = "default"
	defaultNodeRoleKey   = "akkeris.io/node-role"
	defaultNodeRoleValue = "build"
	reasonDeadline       = "DeadlineExceeded"
	socketVolume         = "docker-socket"
	maxPodNameLength     = 63
	podNameDigestLength  = 8
)

// PodClient abstracts the pod operations of the kubernetes client.
type PodClient interface {
	CreatePod(ctx context.Context, namespace string, pod *corev1.Pod) (*corev1.Pod, error)
	GetPod(ctx context.Context, namespace, name string) (*corev1.Pod, error)
	DeletePod(ctx context.Context, namespace, name string) error
	ListPods(ctx context.Context, namespace string, opts metav1.ListOptions) (*corev1.PodList, error)
	StreamLogs(ctx context.Context, namespace, name string, follow bool) (io.ReadCloser, error)
}

type RealPodClient struct {
	clientset kubernetes.Interface
}

func NewRealPodClient(clientset kubernetes.Interface) *RealPodClient {
	return &RealPodClient{clientset: clientset}
}

func (c *RealPodClient) CreatePod(ctx context.Context, namespace string, pod *corev1.Pod) (*corev1.Pod, error) {
	return c.clientset.CoreV1().Pods(namespace).Create(ctx, pod, metav1.CreateOptions{})
}

func (c *RealPodClient) GetPod(ctx context.Context, namespace, name string) (*corev1.Pod, error) {
	return c.clientset.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
}

func (c *RealPodClient) DeletePod(ctx context.Context, namespace, name string) error {
	grace := int64(0)
	return c.clientset.CoreV1().Pods(namespace).Delete(ctx, name, metav1.DeleteOptions{GracePeriodSeconds: &grace})
}

func (c *RealPodClient) ListPods(ctx context.Context, namespace string, opts metav1.ListOptions) (*corev1.PodList, error) {
	return c.clientset.CoreV1().Pods(namespace).List(ctx, opts)
}

func (c *RealPodClient) StreamLogs(ctx context.Context, namespace, name string, follow bool) (io.ReadCloser, error) {
	return c.clientset.CoreV1().Pods(namespace).GetLogs(name, &corev1.PodLogOptions{Follow: follow}).Stream(ctx)
}

// KubeBackend runs each worker as a pod. The wall-clock timeout is
// enforced by the orchestrator through activeDeadlineSeconds.
type KubeBackend struct {
	client    PodClient
	cfg       *config.WorkerConfig
	namespace string
	logger    *zap.Logger
}

func NewKubeBackend(cfg *config.WorkerConfig, logger *zap.Logger) (*KubeBackend, error) {
	restConfig, err := loadRestConfig(cfg.Kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to load kubeconfig: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create k8s client: %w", err)
	}

	return NewKubeBackendWithClient(NewRealPodClient(clientset), cfg, logger), nil
}

func NewKubeBackendWithClient(client PodClient, cfg *config.WorkerConfig, logger *zap.Logger) *KubeBackend {
	ns := cfg.Namespace
	if ns == "" {
		ns = defaultNamespace
	}
	return &KubeBackend{
		client:    client,
		cfg:       cfg,
		namespace: ns,
		logger:    logger,
	}
}

func loadRestConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig == "" {
		if c, err := rest.InClusterConfig(); err == nil {
			return c, nil
		}
		kubeconfig = filepath.Join(os.Getenv("HOME"), ".kube", "config")
	}
	return clientcmd.BuildConfigFromFlags("", kubeconfig)
}

func (b *KubeBackend) Kind() Kind {
	return KindPod
}

func (b *KubeBackend) Create(ctx context.Context, spec Spec) (*Handle, error) {
	now := time.Now()
	deadline := now.Add(spec.Timeout)
	name := podName(spec.Identity)

	created, err := b.client.CreatePod(ctx, b.namespace, b.podFor(spec, name, deadline))
	if err != nil {
		if k8serrors.IsAlreadyExists(err) {
			return nil, fmt.Errorf("worker pod %s already exists: %w", name, err)
		}
		return nil, fmt.Errorf("failed to create worker pod: %w", err)
	}

	b.logger.Info("worker pod created",
		zap.String("identity", spec.Identity),
		zap.String("pod", created.Name),
		zap.String("namespace", b.namespace))

	h := &Handle{
		Identity:  spec.Identity,
		Kind:      KindPod,
		ID:        created.Name,
		StartedAt: now,
		Deadline:  deadline,
	}
	h.await = func(ctx context.Context, out io.Writer) (Result, error) {
		return b.supervise(ctx, h, out)
	}
	return h, nil
}

func (b *KubeBackend) podFor(spec Spec, name string, deadline time.Time) *corev1.Pod {
	seconds := int64(spec.Timeout / time.Second)
	if seconds < 1 {
		seconds = 1
	}

	roleKey, roleValue := b.cfg.NodeRoleKey, b.cfg.NodeRoleValue
	if roleKey == "" {
		roleKey = defaultNodeRoleKey
	}
	if roleValue == "" {
		roleValue = defaultNodeRoleValue
	}

	container := corev1.Container{
		Name:    name,
		Image:   b.cfg.Image,
		Command: b.cfg.Command,
		Env:     envVars(spec.Env),
		Resources: corev1.ResourceRequirements{
			Limits: corev1.ResourceList{
				corev1.ResourceMemory: resource.MustParse("256Mi"),
				corev1.ResourceCPU:    resource.MustParse("500m"),
			},
			Requests: corev1.ResourceList{
				corev1.ResourceMemory: resource.MustParse("128Mi"),
				corev1.ResourceCPU:    resource.MustParse("500m"),
			},
		},
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Namespace:   b.namespace,
			Labels:      map[string]string{labelName: WorkerLabel},
			Annotations: unitMetadata(spec.Identity, deadline),
		},
		Spec: corev1.PodSpec{
			RestartPolicy:         corev1.RestartPolicyNever,
			ActiveDeadlineSeconds: &seconds,
			ServiceAccountName:    b.cfg.ServiceAccount,
			Affinity: &corev1.Affinity{
				NodeAffinity: &corev1.NodeAffinity{
					PreferredDuringSchedulingIgnoredDuringExecution: []corev1.PreferredSchedulingTerm{
						{
							Weight: 1,
							Preference: corev1.NodeSelectorTerm{
								MatchExpressions: []corev1.NodeSelectorRequirement{
									{
										Key:      roleKey,
										Operator: corev1.NodeSelectorOpIn,
										Values:   []string{roleValue},
									},
								},
							},
						},
					},
				},
			},
		},
	}

	if b.cfg.DockerSocket != "" {
		socketType := corev1.HostPathSocket
		pod.Spec.Volumes = []corev1.Volume{
			{
				Name: socketVolume,
				VolumeSource: corev1.VolumeSource{
					HostPath: &corev1.HostPathVolumeSource{Path: b.cfg.DockerSocket, Type: &socketType},
				},
			},
		}
		container.VolumeMounts = []corev1.VolumeMount{{Name: socketVolume, MountPath: workerSocketPath}}
	}

	pod.Spec.Containers = []corev1.Container{container}
	return pod
}

func (b *KubeBackend) supervise(ctx context.Context, h *Handle, out io.Writer) (Result, error) {
	// The pod is deleted whatever the outcome, except on shutdown where the
	// reaper of the next process collects it.
	defer func() {
		if ctx.Err() == nil {
			b.discard(h.ID)
		}
	}()

	if _, err := b.waitForPhase(ctx, h.ID, pollTimeout(b.cfg), started); err != nil {
		if errors.Is(err, ErrUnitGone) || ctx.Err() != nil {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("worker pod %s failed to start: %w", h.ID, err)
	}

	logCtx, stopLogs := context.WithCancel(ctx)
	streamed := b.follow(logCtx, h, out)
	defer func() {
		stopLogs()
		<-streamed
	}()

	pod, err := b.waitForPhase(ctx, h.ID, time.Until(h.Deadline)+pollTimeout(b.cfg), finished)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return Result{TimedOut: true}, nil
		}
		return Result{}, err
	}

	select {
	case <-streamed:
	case <-time.After(outputDrainLimit):
	}
	return podResult(pod)
}

func (b *KubeBackend) follow(ctx context.Context, h *Handle, out io.Writer) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		rc, err := b.client.StreamLogs(ctx, b.namespace, h.ID, true)
		if err != nil {
			b.logger.Warn("unable to stream worker pod logs",
				zap.String("identity", h.Identity),
				zap.Error(err))
			return
		}
		defer rc.Close()
		if _, err := io.Copy(out, rc); err != nil && ctx.Err() == nil {
			b.logger.Debug("worker pod log stream ended",
				zap.String("identity", h.Identity),
				zap.Error(err))
		}
	}()
	return done
}

func (b *KubeBackend) waitForPhase(ctx context.Context, name string, timeout time.Duration, done func(corev1.PodPhase) bool) (*corev1.Pod, error) {
	var pod *corev1.Pod
	err := wait.PollUntilContextTimeout(ctx, pollInterval(b.cfg), timeout, false, func(ctx context.Context) (bool, error) {
		p, err := b.client.GetPod(ctx, b.namespace, name)
		if err != nil {
			if k8serrors.IsNotFound(err) {
				return false, ErrUnitGone
			}
			b.logger.Debug("failed to read worker pod", zap.String("pod", name), zap.Error(err))
			return false, nil
		}
		pod = p
		return done(p.Status.Phase), nil
	})
	return pod, err
}

func started(phase corev1.PodPhase) bool {
	return phase != "" && phase != corev1.PodPending && phase != corev1.PodUnknown
}

func finished(phase corev1.PodPhase) bool {
	return phase == corev1.PodSucceeded || phase == corev1.PodFailed || phase == corev1.PodUnknown
}

func podResult(pod *corev1.Pod) (Result, error) {
	switch pod.Status.Phase {
	case corev1.PodSucceeded:
		return Result{ExitCode: terminatedExitCode(pod)}, nil
	case corev1.PodFailed:
		if pod.Status.Reason == reasonDeadline {
			return Result{TimedOut: true}, nil
		}
		if code := terminatedExitCode(pod); code != 0 {
			return Result{ExitCode: code}, nil
		}
		return Result{ExitCode: 1}, nil
	default:
		return Result{}, fmt.Errorf("status of worker pod %s could not be obtained", pod.Name)
	}
}

// terminatedExitCode is the exit code of the worker container, 0 when the
// orchestrator did not report one.
func terminatedExitCode(pod *corev1.Pod) int {
	if len(pod.Status.ContainerStatuses) == 0 {
		return 0
	}
	term := pod.Status.ContainerStatuses[0].State.Terminated
	if term == nil {
		return 0
	}
	return int(term.ExitCode)
}

func (b *KubeBackend) Stop(ctx context.Context, identity string) error {
	name := podName(identity)
	if err := b.client.DeletePod(ctx, b.namespace, name); err != nil && !k8serrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete worker pod %s: %w", name, err)
	}
	return nil
}

func (b *KubeBackend) Teardown(ctx context.Context, identity string) error {
	if err := b.Stop(ctx, identity); err != nil {
		return err
	}

	name := podName(identity)
	err := wait.PollUntilContextTimeout(ctx, pollInterval(b.cfg), pollTimeout(b.cfg), true, func(ctx context.Context) (bool, error) {
		_, err := b.client.GetPod(ctx, b.namespace, name)
		if k8serrors.IsNotFound(err) {
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return fmt.Errorf("worker pod %s was not removed: %w", name, err)
	}
	return nil
}

func (b *KubeBackend) FetchLogs(ctx context.Context, identity string) (string, error) {
	rc, err := b.client.StreamLogs(ctx, b.namespace, podName(identity), false)
	if err != nil {
		if k8serrors.IsNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read worker pod logs: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("failed to read worker pod logs: %w", err)
	}
	return string(data), nil
}

func (b *KubeBackend) List(ctx context.Context) ([]Unit, error) {
	pods, err := b.client.ListPods(ctx, b.namespace, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s", labelName, WorkerLabel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list worker pods: %w", err)
	}

	units := make([]Unit, 0, len(pods.Items))
	for _, p := range pods.Items {
		units = append(units, Unit{
			Identity: p.Annotations[labelIdentity],
			ID:       p.Name,
			Created:  p.CreationTimestamp.Time,
			Deadline: deadlineFrom(p.Annotations),
		})
	}
	return units, nil
}

func (b *KubeBackend) discard(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()
	if err := b.client.DeletePod(ctx, b.namespace, name); err != nil && !k8serrors.IsNotFound(err) {
		b.logger.Warn("failed to delete worker pod", zap.String("pod", name), zap.Error(err))
	}
}

// podName maps an identity to a DNS-1123 label. Identities too long for a
// label keep a prefix and gain a digest of the full identity, so distinct
// identities never share a pod.
func podName(identity string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(identity) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		default:
			sb.WriteByte('-')
		}
	}

	name := strings.Trim(sb.String(), "-")
	if len(name) > maxPodNameLength {
		sum := sha256.Sum256([]byte(identity))
		suffix := hex.EncodeToString(sum[:])[:podNameDigestLength]
		prefix := strings.TrimRight(name[:maxPodNameLength-podNameDigestLength-1], "-")
		return prefix + "-" + suffix
	}
	if name == "" {
		return WorkerLabel
	}
	return name
}

func envVars(env []string) []corev1.EnvVar {
	vars := make([]corev1.EnvVar, 0, len(env))
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		vars = append(vars, corev1.EnvVar{Name: k, Value: v})
	}
	return vars
}
