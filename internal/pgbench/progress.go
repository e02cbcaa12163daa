package pgbench

import (
	"regexp"
	"strconv"
)

// progressRegexp matches the periodic report pgbench -P writes to stderr:
//
//	progress: 10.0 s, 500.2 tps, lat 2.500 ms stddev 0.300
var progressRegexp = regexp.MustCompile(`progress: ([\d.]+) s, ([\d.]+) tps, lat ([\d.]+) ms stddev ([\d.]+)`)

type Progress struct {
	Elapsed   float64
	TPS       float64
	LatencyMS float64
	StddevMS  float64
}

// ParseProgress extracts a progress report from line. Lines without one are
// ignored by returning false.
func ParseProgress(line string) (Progress, bool) {
	m := progressRegexp.FindStringSubmatch(line)
	if m == nil {
		return Progress{}, false
	}

	var values [4]float64
	for i := range values {
		v, err := strconv.ParseFloat(m[i+1], 64)
		if err != nil {
			return Progress{}, false
		}
		values[i] = v
	}

	return Progress{
		Elapsed:   values[0],
		TPS:       values[1],
		LatencyMS: values[2],
		StddevMS:  values[3],
	}, true
}
