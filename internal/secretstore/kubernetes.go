// Package secretstore writes the rotated key into namespaced Kubernetes
// secrets consumed by downstream systems.
package secretstore

import (
	"context"
	"fmt"

	"github.com/systmms/keyrotate/internal/logging"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// DefaultField is the secret data key consumers read the API key from
const DefaultField = "password"

// Target identifies one secret field that mirrors the active key
type Target struct {
	Namespace string
	Name      string
	Field     string
}

func (t Target) String() string {
	return fmt.Sprintf("%s/%s[%s]", t.Namespace, t.Name, t.field())
}

func (t Target) field() string {
	if t.Field == "" {
		return DefaultField
	}
	return t.Field
}

// KubernetesStore upserts secret fields through the core/v1 API
type KubernetesStore struct {
	kube   kubernetes.Interface
	logger *logging.Logger
}

// NewKubernetesStore wraps an existing clientset
func NewKubernetesStore(kube kubernetes.Interface, logger *logging.Logger) *KubernetesStore {
	if logger == nil {
		logger = logging.Discard()
	}
	return &KubernetesStore{kube: kube, logger: logger}
}

// NewClientset builds a clientset from the in-cluster service account,
// falling back to kubeconfig (explicit path, $KUBECONFIG, ~/.kube/config).
func NewClientset(kubeconfig string, logger *logging.Logger) (kubernetes.Interface, error) {
	config, err := rest.InClusterConfig()
	if err == nil && kubeconfig == "" {
		logger.Debug("Using in-cluster Kubernetes configuration")
	} else {
		loading := clientcmd.NewDefaultClientConfigLoadingRules()
		if kubeconfig != "" {
			loading.ExplicitPath = kubeconfig
		}
		config, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loading, &clientcmd.ConfigOverrides{}).ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to load kubernetes config: %w", err)
		}
		logger.Debug("Using kubeconfig Kubernetes configuration")
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return clientset, nil
}

// UpsertField sets target's field to rawValue, keeping every other field of
// the secret. The secret is read and then replaced in full, so a concurrent
// writer between the two calls loses its change.
//
// A missing secret is a handled failure: it is logged and reported as
// (false, nil). Any other API fault is returned.
func (s *KubernetesStore) UpsertField(ctx context.Context, target Target, rawValue string) (bool, error) {
	secrets := s.kube.CoreV1().Secrets(target.Namespace)

	secret, err := secrets.Get(ctx, target.Name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			s.logger.Error("Secret %s not found in namespace %s", target.Name, target.Namespace)
			return false, nil
		}
		return false, fmt.Errorf("failed to read secret %s: %w", target, err)
	}

	if secret.Data == nil {
		secret.Data = map[string][]byte{}
	}
	// Data values are raw bytes; the API server stores and serves them
	// base64-encoded.
	secret.Data[target.field()] = []byte(rawValue)
	delete(secret.StringData, target.field())

	if _, err := secrets.Update(ctx, secret, metav1.UpdateOptions{}); err != nil {
		if apierrors.IsNotFound(err) {
			s.logger.Error("Secret %s disappeared from namespace %s before update", target.Name, target.Namespace)
			return false, nil
		}
		return false, fmt.Errorf("failed to update secret %s: %w", target, err)
	}

	s.logger.Info("Updated field '%s' in secret %s/%s", target.field(), target.Namespace, target.Name)
	return true, nil
}
