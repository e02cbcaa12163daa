package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"strings"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
)

var serverAddr = "http://localhost:8080"

func addServerFlag(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&serverAddr, "addr", "a", serverAddr, "Address of a running 'tunebench run --listen'")
}

func request(ctx context.Context, method, path string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	url := strings.TrimSuffix(serverAddr, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
		}
		return nil, fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	return body, nil
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running experiment",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := request(cmd.Context(), http.MethodGet, "/status")
			if err != nil {
				return err
			}
			var status map[string]any
			if err := json.Unmarshal(body, &status); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(status)
		},
	}
	addServerFlag(cmd)
	return cmd
}

func stopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running experiment",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := request(cmd.Context(), http.MethodPost, "/work/stop")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Experiment stopped")
			return nil
		},
	}
	addServerFlag(cmd)
	return cmd
}

func metricsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Show the live metrics of a running experiment",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := request(cmd.Context(), http.MethodGet, "/metrics")
			if err != nil {
				return err
			}

			var parser expfmt.TextParser
			families, err := parser.TextToMetricFamilies(strings.NewReader(string(body)))
			if err != nil {
				return fmt.Errorf("parse metrics: %w", err)
			}

			for _, key := range slices.Sorted(maps.Keys(families)) {
				if strings.HasPrefix(key, "tunebench_") {
					reportMetric(cmd.OutOrStdout(), families[key], "\t")
				}
			}
			return nil
		},
	}
	addServerFlag(cmd)
	return cmd
}

func reportMetric(out io.Writer, mf *dto.MetricFamily, indent string) {
	metrics := mf.GetMetric()
	if len(metrics) == 0 {
		return
	}

	name := mf.GetName()
	if unit := mf.GetUnit(); unit != "" {
		fmt.Fprintf(out, "%s (%s)", name, unit)
	} else {
		fmt.Fprintf(out, "%s", name)
	}

	withIndent := len(metrics) > 1
	if withIndent {
		fmt.Fprintln(out)
	}

	mt := mf.GetType()
	for _, metric := range metrics {
		if withIndent {
			fmt.Fprint(out, indent)
		}

		if labels := metric.GetLabel(); len(labels) > 0 {
			fmt.Fprint(out, "{")
			for i, pair := range labels {
				if i > 0 {
					fmt.Fprint(out, ", ")
				}
				fmt.Fprintf(out, "%s: %s", pair.GetName(), pair.GetValue())
			}
			fmt.Fprint(out, "}")
		}
		fmt.Fprint(out, ": ")

		switch mt {
		case dto.MetricType_COUNTER:
			fmt.Fprintf(out, "%v", metric.GetCounter().GetValue())
		case dto.MetricType_GAUGE:
			fmt.Fprintf(out, "%v", metric.GetGauge().GetValue())
		case dto.MetricType_HISTOGRAM:
			hist := metric.GetHistogram()
			samples := hist.GetSampleCount()
			sum := hist.GetSampleSum()
			avg := 0.0
			if samples > 0 {
				avg = sum / float64(samples)
			}
			fmt.Fprintf(out, "samples=%v, sum=%v, avg=%v", samples, sum, avg)

			lowerBound := 0.0
			lastCount := uint64(0)
			for _, bucket := range hist.GetBucket() {
				count := bucket.GetCumulativeCount() - lastCount
				if count > 0 {
					fmt.Fprintln(out)
					fmt.Fprint(out, indent, indent)
					fmt.Fprintf(out, "lower=%v, upper=%v, count=%v", lowerBound, bucket.GetUpperBound(), count)
				}
				lowerBound = bucket.GetUpperBound()
				lastCount = bucket.GetCumulativeCount()
			}
		default:
			fmt.Fprintf(out, "%v", metric.GetUntyped().GetValue())
		}
		fmt.Fprintln(out)
	}
}
