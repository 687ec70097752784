// Package kubernetes runs each sandbox as a single-container Pod.
package kubernetes

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/crowsandbox/crow/internal/sandbox"
	"github.com/crowsandbox/crow/pkg/config"
	"github.com/crowsandbox/crow/pkg/domain"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
	utilexec "k8s.io/client-go/util/exec"
)

const containerName = "sandbox"

type Backend struct {
	client       kubernetes.Interface
	exec         Execer
	namespace    string
	startTimeout time.Duration
	pollInterval time.Duration
	logger       *slog.Logger
}

var _ sandbox.Backend = (*Backend)(nil)

func init() {
	sandbox.Register("kubernetes", NewBackend)
}

// NewBackend builds a clientset from cfg.Kubeconfig, or the in-cluster
// configuration when it is empty.
func NewBackend(cfg config.SandboxConfig, logger *slog.Logger) (sandbox.Backend, error) {
	restCfg, err := clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("kubernetes config: %w", err)
	}
	cs, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("kubernetes client: %w", err)
	}
	b := newBackend(cs, &spdyExecer{client: cs, config: restCfg}, cfg.Namespace, logger)
	if cfg.StartTimeoutSeconds > 0 {
		b.startTimeout = time.Duration(cfg.StartTimeoutSeconds) * time.Second
	}
	return b, nil
}

func newBackend(cs kubernetes.Interface, ex Execer, namespace string, logger *slog.Logger) *Backend {
	if namespace == "" {
		namespace = "default"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		client:       cs,
		exec:         ex,
		namespace:    namespace,
		startTimeout: 60 * time.Second,
		pollInterval: 500 * time.Millisecond,
		logger:       logger,
	}
}

func (b *Backend) Name() string { return "kubernetes" }

func (b *Backend) Provision(ctx context.Context, spec sandbox.Spec) (*sandbox.Handle, error) {
	h := &sandbox.Handle{JobID: spec.JobID, Backend: b.Name(), Spec: spec}
	if err := b.createPod(ctx, h); err != nil {
		return h, err
	}
	if err := b.waitRunning(ctx, h); err != nil {
		return h, err
	}
	return h, nil
}

func (b *Backend) createPod(ctx context.Context, h *sandbox.Handle) error {
	pod := podFor(h.Spec, b.namespace)
	created, err := b.client.CoreV1().Pods(b.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return fmt.Errorf("%w: create pod: %v", domain.ErrProvisionFailed, err)
	}
	h.BackendID = created.Name
	h.State = domain.SandboxCreated
	return nil
}

func (b *Backend) waitRunning(ctx context.Context, h *sandbox.Handle) error {
	err := wait.PollUntilContextTimeout(ctx, b.pollInterval, b.startTimeout, true, func(ctx context.Context) (bool, error) {
		pod, err := b.client.CoreV1().Pods(b.namespace).Get(ctx, h.BackendID, metav1.GetOptions{})
		if err != nil {
			return false, err
		}
		switch pod.Status.Phase {
		case corev1.PodRunning:
			return true, nil
		case corev1.PodFailed, corev1.PodSucceeded:
			return false, fmt.Errorf("pod exited early: %s", pod.Status.Phase)
		}
		return false, nil
	})
	if err != nil {
		return fmt.Errorf("%w: wait for pod %s: %v", domain.ErrProvisionFailed, h.BackendID, err)
	}
	h.State = domain.SandboxRunning
	return nil
}

var invalidName = regexp.MustCompile(`[^a-z0-9-]+`)

func podName(jobID string) string {
	name := "crow-" + invalidName.ReplaceAllString(strings.ToLower(jobID), "-")
	if len(name) > 63 {
		name = name[:63]
	}
	return strings.TrimRight(name, "-")
}

func podFor(spec sandbox.Spec, namespace string) *corev1.Pod {
	automount := false
	noEscalation := false
	resources := corev1.ResourceRequirements{Limits: corev1.ResourceList{}}
	if spec.MemoryBytes > 0 {
		resources.Limits[corev1.ResourceMemory] = *resource.NewQuantity(spec.MemoryBytes, resource.BinarySI)
	}
	if spec.CPUMillis > 0 {
		resources.Limits[corev1.ResourceCPU] = *resource.NewMilliQuantity(spec.CPUMillis, resource.DecimalSI)
	}
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      podName(spec.JobID),
			Namespace: namespace,
			Labels:    podLabels(spec.Labels),
		},
		Spec: corev1.PodSpec{
			RestartPolicy:                corev1.RestartPolicyNever,
			AutomountServiceAccountToken: &automount,
			EnableServiceLinks:           &automount,
			Containers: []corev1.Container{{
				Name:      containerName,
				Image:     spec.Image,
				Command:   spec.IdleCommand,
				Resources: resources,
				SecurityContext: &corev1.SecurityContext{
					AllowPrivilegeEscalation: &noEscalation,
					Capabilities:             &corev1.Capabilities{Drop: []corev1.Capability{"ALL"}},
				},
				ImagePullPolicy: pullPolicy(spec.PullImage),
			}},
		},
	}
}

// podLabels drops keys that are not valid label keys and truncates values.
func podLabels(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		v = invalidName.ReplaceAllString(strings.ToLower(v), "-")
		if len(v) > 63 {
			v = v[:63]
		}
		out[k] = strings.Trim(v, "-")
	}
	return out
}

func pullPolicy(pull bool) corev1.PullPolicy {
	if pull {
		return corev1.PullAlways
	}
	return corev1.PullIfNotPresent
}

// Start recreates the pod of a stopped handle. Pods cannot be resumed.
func (b *Backend) Start(ctx context.Context, h *sandbox.Handle) error {
	if h.State == domain.SandboxRunning {
		return nil
	}
	if err := b.createPod(ctx, h); err != nil {
		return err
	}
	return b.waitRunning(ctx, h)
}

func (b *Backend) Stop(ctx context.Context, h *sandbox.Handle) error {
	if !h.Created() || h.State == domain.SandboxDestroyed || h.State == domain.SandboxStopped {
		return nil
	}
	if err := b.deletePod(ctx, h.BackendID, nil); err != nil {
		return err
	}
	if err := b.waitGone(ctx, h.BackendID); err != nil {
		return err
	}
	h.State = domain.SandboxStopped
	return nil
}

func (b *Backend) Restart(ctx context.Context, h *sandbox.Handle) error {
	if err := b.Stop(ctx, h); err != nil {
		return fmt.Errorf("%w: restart: %v", domain.ErrProvisionFailed, err)
	}
	return b.Start(ctx, h)
}

func (b *Backend) waitGone(ctx context.Context, name string) error {
	return wait.PollUntilContextTimeout(ctx, b.pollInterval, b.startTimeout, true, func(ctx context.Context) (bool, error) {
		_, err := b.client.CoreV1().Pods(b.namespace).Get(ctx, name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			return true, nil
		}
		return false, err
	})
}

func (b *Backend) Execute(ctx context.Context, h *sandbox.Handle, a sandbox.Artifact) (*sandbox.ExecutionResult, error) {
	if !h.Created() {
		return nil, fmt.Errorf("%w: sandbox not created", domain.ErrExecutionFailed)
	}
	dst := h.Spec.ArtifactPath(a)
	inject := []string{"sh", "-c", fmt.Sprintf("mkdir -p %q && cat > %q", path.Dir(dst), dst)}
	var injectErr bytes.Buffer
	if err := b.exec.Exec(ctx, b.namespace, h.BackendID, containerName, inject, bytes.NewReader(a.Data), nil, &injectErr); err != nil {
		return nil, execErr(ctx, "inject artifact", err)
	}

	res := &sandbox.ExecutionResult{StartedAt: time.Now()}
	var stdout, stderr bytes.Buffer
	err := b.exec.Exec(ctx, b.namespace, h.BackendID, containerName, h.Spec.AnalysisCommand(a), nil, &stdout, &stderr)
	res.EndedAt = time.Now()
	res.Stdout = stdout.Bytes()
	res.Stderr = stderr.Bytes()
	if err != nil {
		var exitErr utilexec.ExitError
		if errors.As(err, &exitErr) && exitErr.Exited() {
			res.ExitCode = exitErr.ExitStatus()
			return res, fmt.Errorf("%w: exit code %d", domain.ErrExecutionFailed, res.ExitCode)
		}
		return nil, execErr(ctx, "exec", err)
	}
	return res, nil
}

func (b *Backend) Teardown(ctx context.Context, h *sandbox.Handle) error {
	if h == nil || h.State == domain.SandboxDestroyed {
		return nil
	}
	name := h.BackendID
	if name == "" {
		if h.JobID == "" {
			return nil
		}
		name = podName(h.JobID)
	}
	var zero int64
	if err := b.deletePod(ctx, name, &zero); err != nil {
		return err
	}
	h.State = domain.SandboxDestroyed
	return nil
}

func (b *Backend) deletePod(ctx context.Context, name string, grace *int64) error {
	err := b.client.CoreV1().Pods(b.namespace).Delete(ctx, name, metav1.DeleteOptions{GracePeriodSeconds: grace})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete pod %s: %w", name, err)
	}
	return nil
}

func execErr(ctx context.Context, op string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", domain.ErrExecutionTimeout, op, err)
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrExecutionFailed, op, err)
}
