// Package service controls the database server process during restart
// recovery.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"k8s.io/client-go/kubernetes"

	"pgtunebench/internal/profile"
	"pgtunebench/pkg/k8util"
)

// Controller starts and stops the server. Running reports liveness by
// process presence only; it does not imply the server accepts connections.
type Controller interface {
	Stop(ctx context.Context) error
	Start(ctx context.Context) error
	Running(ctx context.Context) (bool, error)
}

// New builds the controller selected by the experiment. It returns nil for
// ServiceNone.
func New(exp *profile.Experiment, log *logrus.Entry) (Controller, error) {
	switch exp.Service.Kind {
	case profile.ServiceNone, "":
		return nil, nil
	case profile.ServicePGCtl:
		return &PGCtl{
			Path:        exp.Tools.PGCtl(),
			DataDir:     exp.Tools.ResolvedDataDir(),
			LogFile:     exp.Tools.ResolvedLogFile(),
			ProcessName: exp.Service.ProcessName,
			Timeout:     2 * time.Minute,
			Log:         log,
		}, nil
	case profile.ServiceKubernetes:
		config, err := k8util.LoadRestConfig(exp.Service.Kubeconfig, exp.Service.Context)
		if err != nil {
			return nil, fmt.Errorf("load kubernetes config: %w", err)
		}
		client, err := kubernetes.NewForConfig(config)
		if err != nil {
			return nil, fmt.Errorf("create kubernetes client: %w", err)
		}
		return NewKubePod(client, exp.Service.Namespace, exp.Service.Pod, log), nil
	default:
		return nil, fmt.Errorf("unsupported service kind %q", exp.Service.Kind)
	}
}
