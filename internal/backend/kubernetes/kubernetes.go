// Package kubernetes runs provisioning units as batch/v1 Jobs. Each unit
// gets a ConfigMap carrying the raw dossier and a Job running the container
// sequence M's orders prescribe for the action, so all Kubernetes object
// plumbing stays behind the backend contract.
package kubernetes

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/utils/ptr"

	"github.com/mi6-platform/moneypenny/internal/backend"
	"github.com/mi6-platform/moneypenny/internal/dossier"
	"github.com/mi6-platform/moneypenny/internal/orders"
)

const (
	managedByLabel = "app.kubernetes.io/managed-by"
	managedByValue = "moneypenny"
	usernameLabel  = "moneypenny.mi6.io/username"
	actionLabel    = "moneypenny.mi6.io/action"

	dossierVolume   = "dossier"
	dossierFileName = "dossier.json"

	namespaceFile = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"
)

type Config struct {
	Namespace   string `mapstructure:"namespace"`
	Kubeconfig  string `mapstructure:"kubeconfig"`
	InCluster   bool   `mapstructure:"in_cluster"`
	DossierPath string `mapstructure:"dossier_path"`
}

type Client struct {
	clientset   kubernetes.Interface
	namespace   string
	orders      *orders.M
	dossierPath string
}

// NewClient builds a production client: in-cluster config when requested,
// kubeconfig otherwise. The namespace falls back to the service account
// mount, then to "default".
func NewClient(cfg Config, m *orders.M) (*Client, error) {
	var restConfig *rest.Config
	var err error
	if cfg.InCluster {
		restConfig, err = rest.InClusterConfig()
	} else {
		restConfig, err = clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
	}
	if err != nil {
		return nil, fmt.Errorf("build kubernetes config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("build kubernetes clientset: %w", err)
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = readNamespace()
	}
	return newClient(clientset, namespace, m, cfg.DossierPath), nil
}

func newClient(clientset kubernetes.Interface, namespace string, m *orders.M, dossierPath string) *Client {
	if dossierPath == "" {
		dossierPath = "/opt/dossier"
	}
	return &Client{
		clientset:   clientset,
		namespace:   namespace,
		orders:      m,
		dossierPath: dossierPath,
	}
}

// Namespace reports where the client creates its objects.
func (c *Client) Namespace() string {
	return c.namespace
}

func readNamespace() string {
	raw, err := os.ReadFile(namespaceFile)
	if err != nil {
		slog.Warn("Namespace file not found, using 'default'", "path", namespaceFile)
		return "default"
	}
	return strings.TrimSpace(string(raw))
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, backend.ErrUnavailable, err)
}

// Submit creates the dossier ConfigMap and Job for a unit. Replays are
// idempotent: an active Job is left alone. A finished Job and its ConfigMap
// are deleted and recreated with the new payload, so a fresh task for the
// same identity never inherits a stale condition or a stale dossier.
func (c *Client) Submit(ctx context.Context, unit backend.Unit) error {
	name := unit.Ref().String()

	existing, err := c.clientset.BatchV1().Jobs(c.namespace).Get(ctx, name, metav1.GetOptions{})
	switch {
	case err == nil:
		if !jobFinished(existing) {
			slog.Debug("Job still active, replay is a no-op", "job", name)
			return nil
		}
		if err := c.Remove(ctx, unit.Ref()); err != nil {
			return err
		}
	case !apierrors.IsNotFound(err):
		return unavailable(fmt.Sprintf("get job %q", name), err)
	}

	containers, err := c.orders.For(unit.Action)
	if err != nil {
		return fmt.Errorf("resolve orders for %q: %w", unit.Action, err)
	}

	cm := c.dossierConfigMap(unit)
	if _, err := c.clientset.CoreV1().ConfigMaps(c.namespace).Create(ctx, cm, metav1.CreateOptions{}); err != nil {
		if !apierrors.IsAlreadyExists(err) {
			return unavailable(fmt.Sprintf("create configmap %q", cm.Name), err)
		}
	}

	job := c.job(unit, containers)
	if _, err := c.clientset.BatchV1().Jobs(c.namespace).Create(ctx, job, metav1.CreateOptions{}); err != nil {
		if apierrors.IsAlreadyExists(err) {
			return nil
		}
		return unavailable(fmt.Sprintf("create job %q", name), err)
	}

	slog.Info("Job created", "job", name, "namespace", c.namespace)
	return nil
}

// Poll maps the Job's conditions onto the backend status contract.
func (c *Client) Poll(ctx context.Context, ref backend.UnitRef) (backend.Status, error) {
	job, err := c.clientset.BatchV1().Jobs(c.namespace).Get(ctx, ref.String(), metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return backend.Status{State: backend.StateMissing}, nil
		}
		return backend.Status{}, unavailable(fmt.Sprintf("get job %q", ref.String()), err)
	}

	for _, cond := range job.Status.Conditions {
		if cond.Status != corev1.ConditionTrue {
			continue
		}
		switch cond.Type {
		case batchv1.JobComplete:
			return backend.Status{State: backend.StateSucceeded}, nil
		case batchv1.JobFailed:
			msg := cond.Message
			if msg == "" {
				msg = cond.Reason
			}
			return backend.Status{State: backend.StateFailed, Message: msg}, nil
		}
	}
	return backend.Status{State: backend.StateActive}, nil
}

// ListActive returns refs for every managed Job that has not finished.
func (c *Client) ListActive(ctx context.Context) ([]backend.UnitRef, error) {
	selector := managedByLabel + "=" + managedByValue
	jobs, err := c.clientset.BatchV1().Jobs(c.namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, unavailable("list jobs", err)
	}

	var refs []backend.UnitRef
	for _, job := range jobs.Items {
		if jobFinished(&job) {
			continue
		}
		refs = append(refs, backend.UnitRef{
			Action:   actionOf(&job),
			Username: job.Labels[usernameLabel],
		})
	}
	return refs, nil
}

// Remove deletes the Job and its dossier ConfigMap, tolerating absence.
func (c *Client) Remove(ctx context.Context, ref backend.UnitRef) error {
	name := ref.String()
	policy := metav1.DeletePropagationBackground
	err := c.clientset.BatchV1().Jobs(c.namespace).Delete(ctx, name, metav1.DeleteOptions{PropagationPolicy: &policy})
	if err != nil && !apierrors.IsNotFound(err) {
		return unavailable(fmt.Sprintf("delete job %q", name), err)
	}

	cmName := configMapName(ref)
	err = c.clientset.CoreV1().ConfigMaps(c.namespace).Delete(ctx, cmName, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return unavailable(fmt.Sprintf("delete configmap %q", cmName), err)
	}
	return nil
}

func configMapName(ref backend.UnitRef) string {
	return ref.String() + "-dossier"
}

func (c *Client) labels(ref backend.UnitRef) map[string]string {
	return map[string]string{
		managedByLabel: managedByValue,
		usernameLabel:  ref.Username,
		actionLabel:    string(ref.Action),
	}
}

func (c *Client) dossierConfigMap(unit backend.Unit) *corev1.ConfigMap {
	return &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      configMapName(unit.Ref()),
			Namespace: c.namespace,
			Labels:    c.labels(unit.Ref()),
		},
		Data: map[string]string{dossierFileName: string(unit.Payload)},
	}
}

// job builds the Job for a unit. The last container in the orders is the
// main container; any before it run as init containers, in order. Every
// container gets the dossier mounted read-only.
func (c *Client) job(unit backend.Unit, containers []corev1.Container) *batchv1.Job {
	ref := unit.Ref()
	for i := range containers {
		containers[i].VolumeMounts = append(containers[i].VolumeMounts, corev1.VolumeMount{
			Name:      dossierVolume,
			MountPath: c.dossierPath,
			ReadOnly:  true,
		})
	}
	main := containers[len(containers)-1]
	initContainers := containers[:len(containers)-1]

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      ref.String(),
			Namespace: c.namespace,
			Labels:    c.labels(ref),
		},
		Spec: batchv1.JobSpec{
			// Retries are the reconciler's job, not the Job controller's.
			BackoffLimit: ptr.To(int32(0)),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: c.labels(ref)},
				Spec: corev1.PodSpec{
					RestartPolicy:                corev1.RestartPolicyNever,
					AutomountServiceAccountToken: ptr.To(false),
					InitContainers:               initContainers,
					Containers:                   []corev1.Container{main},
					SecurityContext: &corev1.PodSecurityContext{
						RunAsUser:  ptr.To(int64(1000)),
						RunAsGroup: ptr.To(int64(1000)),
					},
					Volumes: []corev1.Volume{{
						Name: dossierVolume,
						VolumeSource: corev1.VolumeSource{
							ConfigMap: &corev1.ConfigMapVolumeSource{
								LocalObjectReference: corev1.LocalObjectReference{Name: configMapName(ref)},
								DefaultMode:          ptr.To(int32(0o644)),
							},
						},
					}},
				},
			},
		},
	}
}

func actionOf(job *batchv1.Job) dossier.Action {
	return dossier.Action(job.Labels[actionLabel])
}

func jobFinished(job *batchv1.Job) bool {
	for _, cond := range job.Status.Conditions {
		if cond.Status != corev1.ConditionTrue {
			continue
		}
		if cond.Type == batchv1.JobComplete || cond.Type == batchv1.JobFailed {
			return true
		}
	}
	return false
}
