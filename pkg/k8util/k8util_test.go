package k8util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

func readyPod() *corev1.Pod {
	return &corev1.Pod{
		Status: corev1.PodStatus{
			Phase: corev1.PodRunning,
			Conditions: []corev1.PodCondition{
				{Type: corev1.PodScheduled, Status: corev1.ConditionTrue},
				{Type: corev1.PodReady, Status: corev1.ConditionTrue},
			},
		},
	}
}

func TestPodReady(t *testing.T) {
	assert.True(t, PodReady(readyPod()))
	assert.False(t, PodReady(nil))

	pending := readyPod()
	pending.Status.Phase = corev1.PodPending
	assert.False(t, PodReady(pending))

	notReady := readyPod()
	notReady.Status.Conditions[1].Status = corev1.ConditionFalse
	assert.False(t, PodReady(notReady))

	noCondition := readyPod()
	noCondition.Status.Conditions = noCondition.Status.Conditions[:1]
	assert.False(t, PodReady(noCondition))

	terminating := readyPod()
	now := metav1.Now()
	terminating.DeletionTimestamp = &now
	assert.False(t, PodReady(terminating))
}

const kubeconfig = `apiVersion: v1
kind: Config
clusters:
- name: one
  cluster:
    server: https://one.example:6443
- name: two
  cluster:
    server: https://two.example:6443
contexts:
- name: one
  context:
    cluster: one
    user: bench
- name: two
  context:
    cluster: two
    user: bench
current-context: one
users:
- name: bench
  user:
    token: secret
`

func TestLoadRestConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	require.NoError(t, os.WriteFile(path, []byte(kubeconfig), 0o600))

	cfg, err := LoadRestConfig(path, "")
	require.NoError(t, err)
	assert.Equal(t, "https://one.example:6443", cfg.Host)
	assert.Equal(t, "secret", cfg.BearerToken)

	cfg, err = LoadRestConfig(path, "two")
	require.NoError(t, err)
	assert.Equal(t, "https://two.example:6443", cfg.Host)

	_, err = LoadRestConfig(path, "three")
	assert.Error(t, err)
}
