package configrepo

import (
	"context"
	"errors"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// ErrConflict is returned when the stored revision moved since the fetch.
var ErrConflict = errors.New("configrepo: values changed since fetch")

// changeCauseAnnotation records the message of the last push.
const changeCauseAnnotation = "fonpr.io/change-cause"

// ConfigMapRepository stores the values document under one key of a ConfigMap,
// for clusters where a controller reconciles from in-cluster config rather
// than from git. The ConfigMap's resourceVersion serves as the revision.
type ConfigMapRepository struct {
	client    kubernetes.Interface
	namespace string
	name      string
	key       string
}

// NewConfigMapRepository returns a repository for namespace/name[key].
func NewConfigMapRepository(client kubernetes.Interface, namespace, name, key string) *ConfigMapRepository {
	return &ConfigMapRepository{client: client, namespace: namespace, name: name, key: key}
}

func (r *ConfigMapRepository) path() string {
	return r.namespace + "/" + r.name + "/" + r.key
}

// Fetch implements Repository.
func (r *ConfigMapRepository) Fetch(ctx context.Context) (Document, error) {
	cm, err := r.client.CoreV1().ConfigMaps(r.namespace).Get(ctx, r.name, metav1.GetOptions{})
	if err != nil {
		return Document{}, fmt.Errorf("failed to get configmap %s/%s: %w", r.namespace, r.name, err)
	}
	content, ok := cm.Data[r.key]
	if !ok {
		return Document{}, fmt.Errorf("configmap %s/%s has no key %s", r.namespace, r.name, r.key)
	}
	return Document{Path: r.path(), SHA: cm.ResourceVersion, Content: []byte(content)}, nil
}

// Push implements Repository.
func (r *ConfigMapRepository) Push(ctx context.Context, doc Document, message string) error {
	cms := r.client.CoreV1().ConfigMaps(r.namespace)
	cm, err := cms.Get(ctx, r.name, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("failed to get configmap %s/%s: %w", r.namespace, r.name, err)
	}
	if cm.ResourceVersion != doc.SHA {
		return fmt.Errorf("%w: %s at %s, fetched %s", ErrConflict, r.path(), cm.ResourceVersion, doc.SHA)
	}

	cm = cm.DeepCopy()
	if cm.Data == nil {
		cm.Data = map[string]string{}
	}
	cm.Data[r.key] = string(doc.Content)
	if cm.Annotations == nil {
		cm.Annotations = map[string]string{}
	}
	cm.Annotations[changeCauseAnnotation] = message

	if _, err := cms.Update(ctx, cm, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("failed to update configmap %s/%s: %w", r.namespace, r.name, err)
	}
	return nil
}
