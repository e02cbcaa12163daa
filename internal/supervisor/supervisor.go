// Package supervisor runs one experiment at a time in the background and
// answers status, health and stop requests while it runs. All state is owned
// by the Run loop; callers talk to it over channels.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"pgtunebench/api/tuneapi"
	"pgtunebench/internal/profile"
)

type Task struct {
	Name tuneapi.TaskName
	ID   string
	Run  func(ctx context.Context) (any, error)
}

type Supervisor struct {
	Server profile.ServerProfile
	Log    *logrus.Entry

	ch    chan any
	chRet chan any

	mu       sync.Mutex
	workload tuneapi.WorkloadClass
	progress any
}

func New(srv profile.ServerProfile, log *logrus.Entry) *Supervisor {
	if log == nil {
		log = logrus.WithField("component", "supervisor")
	}
	return &Supervisor{
		Server: srv,
		Log:    log,
		ch:     make(chan any, 1),
		chRet:  make(chan any),
	}
}

// Run serves requests until ctx is done. An active task is cancelled and
// awaited before Run returns.
func (s *Supervisor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	var taskCh chan tuneapi.Result[any]
	var cancelTask context.CancelFunc
	var active *Task
	var last *Task
	var lastResult *tuneapi.Result[any]
	var startedAt, finishedAt *time.Time

	defer func() {
		if cancelTask != nil {
			cancelTask()
		}
		wg.Wait()
	}()

	for ctx.Err() == nil {
		select {
		case <-ctx.Done():
			return
		case result := <-taskCh:
			lastResult = &result
			now := time.Now()
			finishedAt = &now
			cancelTask = nil
			active = nil
			entry := s.Log.WithField("task", last.Name)
			if result.Error != nil {
				entry = entry.WithError(result.Error)
			}
			entry.Info("Task finished, supervisor is idle")

		case cmd := <-s.ch:
			switch cmd := cmd.(type) {
			case statusCommand:
				status := tuneapi.APIExperimentStatus{
					Code:       tuneapi.StatusIdle,
					Last:       lastResult,
					StartedAt:  startedAt,
					FinishedAt: finishedAt,
				}
				if active != nil {
					status.Code = tuneapi.StatusBusy
				}
				if last != nil {
					status.Task = last.Name
					status.ID = last.ID
				}
				s.mu.Lock()
				status.Workload = s.workload
				if active != nil {
					status.Progress = s.progress
				}
				s.mu.Unlock()
				s.chRet <- status

			case stopCommand:
				if cancelTask == nil {
					s.chRet <- tuneapi.ErrorNotRunning(errors.New("no experiment is running"))
					continue
				}
				s.Log.WithField("task", active.Name).Info("Stopping task")
				cancelTask()
				cancelTask = nil
				s.chRet <- nil

			case healthCommand:
				if active != nil {
					// the active run reports its own failures
					s.chRet <- healthResponse{StatusCode: tuneapi.StatusBusy}
					continue
				}
				status := tuneapi.StatusIdle
				err := s.ping(ctx)
				if err != nil {
					status = tuneapi.StatusDisconnected
				}
				s.chRet <- healthResponse{StatusCode: status, Error: err}

			case Task:
				if active != nil {
					s.chRet <- tuneapi.ErrorBusy(fmt.Errorf("task %q is running", active.Name))
					continue
				}

				task := cmd
				active, last = &task, &task
				lastResult, finishedAt = nil, nil
				now := time.Now()
				startedAt = &now
				s.mu.Lock()
				s.workload, s.progress = "", nil
				s.mu.Unlock()

				taskCh = make(chan tuneapi.Result[any])
				var taskCtx context.Context
				taskCtx, cancelTask = context.WithCancel(ctx)
				s.chRet <- nil

				s.Log.WithFields(logrus.Fields{"task": task.Name, "id": task.ID}).Info("Starting task, supervisor is busy")

				ch := taskCh
				wg.Add(1)
				go func() {
					defer wg.Done()

					v, err := func() (v any, err error) {
						defer recoverError(s.Log, &err)
						return task.Run(taskCtx)
					}()
					select {
					case ch <- tuneapi.Result[any]{Value: v, Error: err}:
					case <-ctx.Done():
					}
				}()
			}
		}
	}
}

func (s *Supervisor) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	db, err := profile.OpenDB(&s.Server, s.Server.MaintenanceDatabase)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.PingContext(ctx)
}

// Submit starts task unless another one is active.
func (s *Supervisor) Submit(ctx context.Context, task Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case s.ch <- task:
		return castNotNil[error](<-s.chRet)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) Healthcheck(ctx context.Context) (tuneapi.StatusCode, error) {
	select {
	case s.ch <- healthCommand{}:
		resp := castNotNil[healthResponse](<-s.chRet)
		return resp.StatusCode, resp.Error
	case <-ctx.Done():
		return tuneapi.StatusDisconnected, ctx.Err()
	}
}

func (s *Supervisor) Status(ctx context.Context) (status tuneapi.APIExperimentStatus) {
	select {
	case s.ch <- statusCommand{}:
		return castNotNil[tuneapi.APIExperimentStatus](<-s.chRet)
	case <-ctx.Done():
		return tuneapi.APIExperimentStatus{Code: tuneapi.StatusDisconnected}
	}
}

func (s *Supervisor) CancelActive(ctx context.Context) error {
	select {
	case s.ch <- stopCommand{}:
		return castNotNil[error](<-s.chRet)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetWorkload and SetProgress may be called from the running task.
func (s *Supervisor) SetWorkload(w tuneapi.WorkloadClass) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workload = w
	s.progress = nil
}

func (s *Supervisor) SetProgress(v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = v
}

type (
	stopCommand    struct{}
	statusCommand  struct{}
	healthCommand  struct{}
	healthResponse struct {
		StatusCode tuneapi.StatusCode
		Error      error
	}
)

func castNotNil[T any](v any) (zero T) {
	if v == nil {
		return zero
	}
	ret, ok := v.(T)
	if !ok {
		panic(fmt.Errorf("unexpected type %T, expected %T", v, zero))
	}
	return ret
}

func recoverError(log *logrus.Entry, err *error) {
	if r := recover(); r != nil {
		log.WithField("stack", string(debug.Stack())).Errorf("Recovered from panic: %v", r)

		if *err == nil {
			if e, ok := r.(error); ok {
				*err = e
			} else {
				*err = fmt.Errorf("%v", r)
			}
		}
	}
}
