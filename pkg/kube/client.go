// Package kube builds Kubernetes clients for the optional ConfigMap config
// source and state export.
package kube

import (
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
)

// Clients bundles the rest config and the typed clientset.
type Clients struct {
	Config    *rest.Config
	Clientset kubernetes.Interface
}

// NewClients builds clients from kubeconfigPath, KUBECONFIG, ~/.kube/config
// or the in-cluster config, in that order.
func NewClients(kubeconfigPath string) (*Clients, error) {
	config, err := BuildConfig(kubeconfigPath)
	if err != nil {
		return nil, fmt.Errorf("build kube config: %w", err)
	}
	cs, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("create clientset: %w", err)
	}
	return &Clients{Config: config, Clientset: cs}, nil
}

// BuildConfig resolves a rest config. An explicit path must exist.
func BuildConfig(kubeconfigPath string) (*rest.Config, error) {
	if kubeconfigPath != "" {
		return clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	}

	if env := os.Getenv("KUBECONFIG"); env != "" {
		kubeconfigPath = env
	} else if home := homedir.HomeDir(); home != "" {
		kubeconfigPath = filepath.Join(home, ".kube", "config")
	}

	if kubeconfigPath != "" {
		if _, err := os.Stat(kubeconfigPath); err == nil {
			if cfg, err := clientcmd.BuildConfigFromFlags("", kubeconfigPath); err == nil {
				return cfg, nil
			}
		}
	}

	return rest.InClusterConfig()
}
