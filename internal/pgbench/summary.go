package pgbench

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"pgtunebench/api/tuneapi"
)

// SummaryParser collects the end of run report pgbench prints on stdout. Feed
// it one line at a time; nothing but the extracted fields is retained.
type SummaryParser struct {
	summary tuneapi.Summary
	matched int
	done    bool
}

func (p *SummaryParser) Line(line string) {
	if p.done {
		return
	}
	line = strings.TrimSpace(line)

	switch {
	case strings.HasPrefix(line, "script statistics"):
		// per statement details follow, nothing more to extract
		p.done = true
	case strings.HasPrefix(line, "transaction type:"):
		p.summary.TransactionType = afterColon(line)
	case strings.HasPrefix(line, "scaling factor:"):
		p.summary.ScalingFactor = atoi(afterColon(line))
	case strings.HasPrefix(line, "query mode:"):
		p.summary.QueryMode = afterColon(line)
	case strings.HasPrefix(line, "number of clients:"):
		p.summary.Clients = atoi(afterColon(line))
	case strings.HasPrefix(line, "number of threads:"):
		p.summary.Threads = atoi(afterColon(line))
	case strings.HasPrefix(line, "duration:"):
		p.summary.DurationS = atoi(firstField(afterColon(line)))
	case strings.HasPrefix(line, "number of transactions per client:"):
		p.summary.TransactionsPerClient = atoi(afterColon(line))
	case strings.HasPrefix(line, "number of transactions actually processed:"):
		processed, expected, _ := strings.Cut(afterColon(line), "/")
		p.summary.TransactionsProcessed = atoi64(processed)
		p.summary.TransactionsExpected = atoi64(expected)
	case strings.HasPrefix(line, "latency average"):
		p.summary.LatencyAvgMS = atof(secondToLast(line))
	case strings.HasPrefix(line, "latency stddev"):
		p.summary.LatencyStddevMS = atof(secondToLast(line))
	case strings.HasPrefix(line, "tps"):
		v := atof(nthField(line, 2))
		switch {
		case strings.Contains(line, "including connections establishing"):
			p.summary.TPSIncluding = v
		case strings.Contains(line, "excluding connections establishing"):
			p.summary.TPSExcluding = v
		case strings.Contains(line, "without initial connection time"):
			p.summary.TPSWithoutInitial = v
		default:
			return
		}
	default:
		return
	}
	p.matched++
}

// Summary returns the collected report and whether any marker was seen.
func (p *SummaryParser) Summary() (tuneapi.Summary, bool) {
	return p.summary, p.matched > 0
}

func ParseSummary(r io.Reader) (tuneapi.Summary, error) {
	var p SummaryParser
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		p.Line(scanner.Text())
	}
	return p.summary, scanner.Err()
}

func afterColon(line string) string {
	_, v, _ := strings.Cut(line, ":")
	return strings.TrimSpace(v)
}

func firstField(s string) string {
	return nthField(s, 0)
}

func nthField(s string, n int) string {
	fields := strings.Fields(s)
	if n < len(fields) {
		return fields[n]
	}
	return ""
}

func secondToLast(s string) string {
	fields := strings.Fields(s)
	if len(fields) < 2 {
		return ""
	}
	return fields[len(fields)-2]
}

func atoi(s string) int {
	v, _ := strconv.Atoi(strings.TrimSpace(s))
	return v
}

func atoi64(s string) int64 {
	v, _ := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return v
}

func atof(s string) float64 {
	v, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return v
}
