package k8util

import (
	"errors"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// LoadRestConfig prefers the in-cluster config and falls back to the
// kubeconfig file. An explicit kubeconfig path or context skips the
// in-cluster attempt.
func LoadRestConfig(kubeconfig, kubeContext string) (*rest.Config, error) {
	if kubeconfig == "" && kubeContext == "" {
		config, inClusterErr := rest.InClusterConfig()
		if inClusterErr == nil {
			return config, nil
		}

		config, err := clientConfig("", "").ClientConfig()
		if err != nil {
			return nil, errors.Join(inClusterErr, err)
		}
		return config, nil
	}
	return clientConfig(kubeconfig, kubeContext).ClientConfig()
}

func clientConfig(kubeconfig, kubeContext string) clientcmd.ClientConfig {
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeconfig != "" {
		loadingRules.ExplicitPath = kubeconfig
	}
	overrides := &clientcmd.ConfigOverrides{}
	if kubeContext != "" {
		overrides.CurrentContext = kubeContext
	}
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, overrides)
}

func FindPodCondition(conds []corev1.PodCondition, t corev1.PodConditionType) (*corev1.PodCondition, bool) {
	for i := range conds {
		if conds[i].Type == t {
			return &conds[i], true
		}
	}
	return nil, false
}

// PodReady reports whether pod is running, not terminating and has passed its
// readiness checks.
func PodReady(pod *corev1.Pod) bool {
	if pod == nil || pod.DeletionTimestamp != nil || pod.Status.Phase != corev1.PodRunning {
		return false
	}
	cond, ok := FindPodCondition(pod.Status.Conditions, corev1.PodReady)
	return ok && cond.Status == corev1.ConditionTrue
}
