package export

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/util/retry"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"slopewatch/pkg/engine"
)

const (
	// maxStateCSVBytes keeps the ConfigMap well below the 1MiB object limit.
	maxStateCSVBytes = 512 * 1024

	summaryKey = "summary.json"
	stateKey   = "state.csv"

	labelName   = "app.kubernetes.io/name"
	labelSensor = "slopewatch.io/sensor"
)

var (
	invalidNameChars  = regexp.MustCompile(`[^a-z0-9.-]+`)
	invalidLabelChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
)

// ConfigMapExporter publishes the summary, and the state CSV when it fits,
// to one ConfigMap per sensor.
type ConfigMapExporter struct {
	client    client.Client
	namespace string
}

// NewConfigMapExporter creates an exporter from a rest config.
func NewConfigMapExporter(config *rest.Config, namespace string) (*ConfigMapExporter, error) {
	scheme := runtime.NewScheme()
	if err := corev1.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("register core scheme: %w", err)
	}

	c, err := client.New(config, client.Options{Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("create controller-runtime client: %w", err)
	}
	return NewConfigMapExporterWithClient(c, namespace), nil
}

// NewConfigMapExporterWithClient wraps an existing client.
func NewConfigMapExporterWithClient(c client.Client, namespace string) *ConfigMapExporter {
	return &ConfigMapExporter{client: c, namespace: namespace}
}

// ConfigMapName returns the object name used for a sensor.
func ConfigMapName(sensorID string) (string, error) {
	name := "slopewatch-state-" + strings.Trim(invalidNameChars.ReplaceAllString(strings.ToLower(sensorID), "-"), "-.")
	if len(name) > validation.DNS1123SubdomainMaxLength {
		name = strings.TrimRight(name[:validation.DNS1123SubdomainMaxLength], "-.")
	}
	if errs := validation.IsDNS1123Subdomain(name); len(errs) > 0 {
		return "", fmt.Errorf("invalid ConfigMap name %q: %s", name, strings.Join(errs, "; "))
	}
	return name, nil
}

// Export implements Exporter.
func (e *ConfigMapExporter) Export(ctx context.Context, snap engine.Snapshot) error {
	name, err := ConfigMapName(snap.SensorID)
	if err != nil {
		return err
	}

	data, err := configMapData(snap)
	if err != nil {
		return err
	}

	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: e.namespace,
			Labels:    configMapLabels(snap.SensorID),
		},
		Data: data,
	}

	existing := &corev1.ConfigMap{}
	err = e.client.Get(ctx, client.ObjectKeyFromObject(cm), existing)
	if apierrors.IsNotFound(err) {
		if err := e.client.Create(ctx, cm); err != nil {
			return fmt.Errorf("create ConfigMap %s/%s: %w", e.namespace, name, err)
		}
		klog.V(2).InfoS("Created state ConfigMap", "namespace", e.namespace, "name", name)
		return nil
	}
	if err != nil {
		return fmt.Errorf("get ConfigMap %s/%s: %w", e.namespace, name, err)
	}

	return retry.RetryOnConflict(retry.DefaultBackoff, func() error {
		latest := &corev1.ConfigMap{}
		if err := e.client.Get(ctx, client.ObjectKeyFromObject(cm), latest); err != nil {
			return fmt.Errorf("re-fetch ConfigMap: %w", err)
		}
		latest.Data = data
		if latest.Labels == nil {
			latest.Labels = map[string]string{}
		}
		for k, v := range cm.Labels {
			latest.Labels[k] = v
		}
		if err := e.client.Update(ctx, latest); err != nil {
			return err
		}
		klog.V(2).InfoS("Updated state ConfigMap", "namespace", e.namespace, "name", name)
		return nil
	})
}

func configMapData(snap engine.Snapshot) (map[string]string, error) {
	var summary bytes.Buffer
	if err := WriteSummary(&summary, snap); err != nil {
		return nil, err
	}
	data := map[string]string{summaryKey: summary.String()}

	var state bytes.Buffer
	if err := WriteCSV(&state, snap); err != nil {
		return nil, err
	}
	if state.Len() <= maxStateCSVBytes {
		data[stateKey] = state.String()
	} else {
		klog.V(2).InfoS("State CSV too large for ConfigMap, publishing summary only",
			"sensor", snap.SensorID, "bytes", state.Len())
	}
	return data, nil
}

func configMapLabels(sensorID string) map[string]string {
	labels := map[string]string{labelName: "slopewatch"}
	value := strings.Trim(invalidLabelChars.ReplaceAllString(sensorID, "-"), "-._")
	if value != "" && len(validation.IsValidLabelValue(value)) == 0 {
		labels[labelSensor] = value
	}
	return labels
}
