package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"

	"pgtunebench/pkg/k8util"
)

// KubePod restarts a server running in a pod owned by a workload controller.
// Stop deletes the pod and the controller brings up a replacement, so Start
// has nothing to do. The server counts as running again once a pod with a new
// UID is ready.
type KubePod struct {
	Client    kubernetes.Interface
	Namespace string
	Pod       string
	Log       *logrus.Entry

	mu      sync.Mutex
	stopped types.UID
}

func NewKubePod(client kubernetes.Interface, namespace, pod string, log *logrus.Entry) *KubePod {
	if namespace == "" {
		namespace = metav1.NamespaceDefault
	}
	if log == nil {
		log = logrus.WithField("component", "kubepod")
	}
	return &KubePod{
		Client:    client,
		Namespace: namespace,
		Pod:       pod,
		Log:       log.WithField("pod", namespace+"/"+pod),
	}
}

func (k *KubePod) Stop(ctx context.Context) error {
	pods := k.Client.CoreV1().Pods(k.Namespace)

	pod, err := pods.Get(ctx, k.Pod, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get pod %s: %w", k.Pod, err)
	}

	k.mu.Lock()
	k.stopped = pod.UID
	k.mu.Unlock()

	err = pods.Delete(ctx, k.Pod, metav1.DeleteOptions{
		Preconditions: &metav1.Preconditions{UID: &pod.UID},
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete pod %s: %w", k.Pod, err)
	}
	k.Log.WithField("uid", pod.UID).Info("Pod deleted")
	return nil
}

func (k *KubePod) Start(context.Context) error {
	return nil
}

func (k *KubePod) Running(ctx context.Context) (bool, error) {
	pod, err := k.Client.CoreV1().Pods(k.Namespace).Get(ctx, k.Pod, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get pod %s: %w", k.Pod, err)
	}

	k.mu.Lock()
	stopped := k.stopped
	k.mu.Unlock()

	if stopped != "" && pod.UID == stopped {
		return false, nil
	}
	return k8util.PodReady(pod), nil
}
