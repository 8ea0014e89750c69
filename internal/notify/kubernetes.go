package notify

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Kubernetes records messages as core/v1 Events in a namespace, so they show
// up in `kubectl get events` next to the workload being healed.
type Kubernetes struct {
	clientset kubernetes.Interface
	namespace string
	host      string
}

// NewKubernetes wraps an existing clientset.
func NewKubernetes(clientset kubernetes.Interface, namespace string) *Kubernetes {
	host, _ := os.Hostname()
	if namespace == "" {
		namespace = "default"
	}
	return &Kubernetes{clientset: clientset, namespace: namespace, host: host}
}

// NewKubernetesFromConfig builds a clientset from in-cluster config, falling
// back to kubeconfig (explicit path, $KUBECONFIG, then ~/.kube/config).
func NewKubernetesFromConfig(kubeconfig, namespace string) (*Kubernetes, error) {
	cfg, err := restConfig(kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("kubernetes config: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("kubernetes client: %w", err)
	}
	return NewKubernetes(clientset, namespace), nil
}

func restConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig == "" {
		if cfg, err := rest.InClusterConfig(); err == nil {
			return cfg, nil
		}
		kubeconfig = os.Getenv("KUBECONFIG")
	}
	if kubeconfig == "" {
		home, _ := os.UserHomeDir()
		kubeconfig = filepath.Join(home, ".kube", "config")
	}
	return clientcmd.BuildConfigFromFlags("", kubeconfig)
}

func (k *Kubernetes) Name() string { return "kubernetes" }

func (k *Kubernetes) Send(ctx context.Context, msg Message) error {
	eventType := corev1.EventTypeNormal
	if msg.Severity != SeverityInfo {
		eventType = corev1.EventTypeWarning
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	now := metav1.NewTime(ts)

	message := msg.Subject
	if msg.Body != "" {
		message += ": " + msg.Body
	}
	// The API server rejects event messages over 1024 bytes.
	if len(message) > 1024 {
		message = message[:1021] + "..."
	}

	ev := &corev1.Event{
		ObjectMeta: metav1.ObjectMeta{
			// Same naming scheme as client-go's event recorder.
			Name:      fmt.Sprintf("%s.%x", k.namespace, ts.UnixNano()),
			Namespace: k.namespace,
			Labels:    map[string]string{"app.kubernetes.io/managed-by": "qmoi-heal"},
		},
		InvolvedObject: corev1.ObjectReference{
			APIVersion: "v1",
			Kind:       "Namespace",
			Name:       k.namespace,
		},
		Reason:         "QmoiHeal" + reasonSuffix(msg.Severity),
		Message:        message,
		Type:           eventType,
		Source:         corev1.EventSource{Component: "qmoi-heal", Host: k.host},
		FirstTimestamp: now,
		LastTimestamp:  now,
		Count:          1,
	}

	if _, err := k.clientset.CoreV1().Events(k.namespace).Create(ctx, ev, metav1.CreateOptions{}); err != nil {
		return fmt.Errorf("create event in %s: %w", k.namespace, err)
	}
	return nil
}

func reasonSuffix(s Severity) string {
	if s == "" {
		return "Info"
	}
	return strings.ToUpper(string(s[:1])) + string(s[1:])
}
