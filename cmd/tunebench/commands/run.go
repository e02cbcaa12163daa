package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pgtunebench/api/tuneapi"
	"pgtunebench/internal/orchestrator"
	"pgtunebench/internal/sequencer"
	"pgtunebench/internal/server"
	"pgtunebench/internal/supervisor"
	"pgtunebench/internal/telemetry"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [experiment]",
		Short: "Run an experiment",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exp, err := readExperiment(args)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			id := xid.New()
			log := logrus.WithField("experiment", id.String())

			dir := filepath.Join(exp.Telemetry.ResultDir,
				fmt.Sprintf("data_%s_%s", time.Now().Format("20060102_150405"), id))
			sinks, err := telemetry.OpenCSV(dir, exp.Telemetry.Buffer, log.WithField("component", "telemetry"))
			if err != nil {
				return err
			}
			defer func() {
				if err := sinks.Close(); err != nil {
					log.WithError(err).Error("Flush telemetry")
				}
			}()
			log.Infof("Writing results to %s", dir)

			registry := prometheus.NewRegistry()
			metrics := telemetry.NewMetrics(registry)

			orch, err := orchestrator.New(exp, sinks, metrics, log.WithField("component", "orchestrator"))
			if err != nil {
				return err
			}
			defer orch.Close()

			sup := supervisor.New(exp.Server, log.WithField("component", "supervisor"))
			orch.OnWorkload = sup.SetWorkload
			orch.OnTransition = func(t sequencer.Transition) { sup.SetProgress(t) }

			supDone := make(chan struct{})
			go func() {
				defer close(supDone)
				sup.Run(ctx)
			}()

			if listen := viper.GetString("listen"); listen != "" {
				srv := &http.Server{Addr: listen, Handler: statusRouter(sup, registry, log)}
				go func() {
					log.Infof("Listening on %s", listen)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.WithError(err).Error("Status server failed")
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			type outcome struct {
				results []tuneapi.RunResult
				err     error
			}
			done := make(chan outcome, 1)
			err = sup.Submit(ctx, supervisor.Task{
				Name: "experiment",
				ID:   id.String(),
				Run: func(ctx context.Context) (any, error) {
					res := outcome{err: errors.New("experiment aborted")}
					defer func() { done <- res }()
					res.results, res.err = orch.Run(ctx)
					return res.results, res.err
				},
			})
			if err != nil {
				return err
			}

			res := <-done
			stop()
			<-supDone

			printResults(cmd, res.results)
			if res.err != nil {
				return fmt.Errorf("experiment stopped: %w", res.err)
			}
			for _, r := range res.results {
				if r.Err != nil {
					return errors.New("one or more workload runs failed")
				}
			}
			return nil
		},
	}

	cmd.Flags().String("listen", "", "Serve status and metrics on this address, e.g. :8080")
	_ = viper.BindPFlag("listen", cmd.Flags().Lookup("listen"))

	return cmd
}

func statusRouter(sup *supervisor.Supervisor, registry *prometheus.Registry, log *logrus.Entry) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.CleanPath)
	router.Use(middleware.Recoverer)
	router.Use(middleware.RequestLogger(
		&middleware.DefaultLogFormatter{
			Logger:  log.WithField("component", "http"),
			NoColor: true,
		},
	))
	router.Use(middleware.NoCache)
	router.Use(middleware.StripSlashes)
	router.Use(middleware.Heartbeat("/ping"))

	h := server.NewHandler(sup)
	h.Metrics = registry
	h.Log = log.WithField("component", "server")
	h.RegisterRoutes(router)
	return router
}

func printResults(cmd *cobra.Command, results []tuneapi.RunResult) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "WORKLOAD\tOUTCOME\tITERATIONS\tFAILED\tSAMPLES\tEVENTS\tDURATION\tERROR")
	for _, r := range results {
		errText := ""
		if r.Err != nil {
			errText = r.Err.Error()
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			r.Workload, r.Outcome(), r.Iterations, r.FailedIterations, r.Samples, r.Events,
			r.End.Sub(r.Start).Round(time.Second), errText)
	}
	w.Flush()
}
