// Package commands implements the tcpwnctl CLI commands.
package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/samueljero/TCPwn/internal/executor"
	"github.com/samueljero/TCPwn/internal/generator"
	"github.com/samueljero/TCPwn/internal/strategy"
)

const (
	formatJSON  = "json"
	formatTable = "table"
	valueNone   = "-"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// formatStrategies renders a strategy queue in the requested format.
func formatStrategies(ss []*strategy.Strategy, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatJSONValue(ss)
	case formatTable:
		return formatStrategiesTable(ss)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatState renders a checkpoint summary in the requested format.
func formatState(st generator.State, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatJSONValue(st)
	case formatTable:
		return formatStateDetail(st)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatResults renders results log records in the requested format.
func formatResults(recs []generator.FailureRecord, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatJSONValue(recs)
	case formatTable:
		return formatResultsTable(recs)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// classification is the outcome of the classify command.
type classification struct {
	Thresholds    executor.Thresholds `json:"thresholds"`
	Elapsed       time.Duration       `json:"elapsed"`
	Bytes         int64               `json:"bytes"`
	CompleteBytes int64               `json:"complete_bytes"`
	Verdict       executor.Verdict    `json:"verdict"`
}

// formatClassification renders a classify result in the requested format.
func formatClassification(c classification, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatJSONValue(c)
	case formatTable:
		return formatClassificationDetail(c)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// proxyStats is a TIME reply.
type proxyStats struct {
	Addr    string        `json:"addr"`
	Elapsed time.Duration `json:"elapsed"`
	Bytes   int64         `json:"bytes"`
}

// proxyActivity is an ACTIVE reply. Last is nil before any traffic.
type proxyActivity struct {
	Addr string     `json:"addr"`
	Last *time.Time `json:"last,omitempty"`
}

// formatProxyStats renders a TIME reply in the requested format.
func formatProxyStats(ps proxyStats, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatJSONValue(ps)
	case formatTable:
		return fmt.Sprintf("%s: %s elapsed, %d bytes\n", ps.Addr, ps.Elapsed, ps.Bytes), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatProxyActivity renders an ACTIVE reply in the requested format.
func formatProxyActivity(pa proxyActivity, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatJSONValue(pa)
	case formatTable:
		if pa.Last == nil {
			return fmt.Sprintf("%s: no traffic seen\n", pa.Addr), nil
		}
		return fmt.Sprintf("%s: last packet at %s\n", pa.Addr, pa.Last.Format(time.RFC3339Nano)), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// --- Table formatters ---

func formatStrategiesTable(ss []*strategy.Strategy) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLOCUS\tPRIORITY\tRETRIES\tACTIONS")

	for _, s := range ss {
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\n",
			s.ID,
			s.Locus,
			s.Priority,
			s.Retries,
			s.Key(),
		)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

func formatStateDetail(st generator.State) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	sources := valueNone
	if len(st.Sources) > 0 {
		sources = strings.Join(st.Sources, ", ")
	}
	inflight := valueNone
	if ids := st.InflightIDs(); len(ids) > 0 {
		parts := make([]string, len(ids))
		for i, id := range ids {
			parts[i] = strconv.FormatUint(id, 10)
		}
		inflight = strings.Join(parts, ", ")
	}

	fmt.Fprintf(w, "Format Version:\t%d\n", st.FormatVersion)
	fmt.Fprintf(w, "Sources:\t%s\n", sources)
	fmt.Fprintf(w, "Dispatched:\t%d\n", st.DispatchCount)
	fmt.Fprintf(w, "Next ID:\t%d\n", st.NextID)
	fmt.Fprintf(w, "Pending:\t%d\n", len(st.Pending))
	fmt.Fprintf(w, "Inflight:\t%d\n", len(st.Inflight))
	fmt.Fprintf(w, "Inflight IDs:\t%s\n", inflight)
	fmt.Fprintf(w, "Retry Stack:\t%d\n", len(st.RetryStack))
	fmt.Fprintf(w, "Unresolved:\t%d\n", st.Unresolved())
	fmt.Fprintf(w, "Permanent Failures:\t%d\n", len(st.PermanentFailures))

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

func formatResultsTable(recs []generator.FailureRecord) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tKIND\tREASON\tSECONDS\tBYTES\tCAPTURE\tSTRATEGY")

	for _, r := range recs {
		capture := r.CapturePath
		if capture == "" {
			capture = valueNone
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.3f\t%d\t%s\t%s\n",
			r.Timestamp.Format(time.RFC3339),
			r.Kind,
			r.Reason,
			r.TransferTimeSeconds,
			r.BytesTransferred,
			capture,
			r.Strategy,
		)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

func formatClassificationDetail(c classification) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "Thresholds:\t%s\n", c.Thresholds)
	fmt.Fprintf(w, "Elapsed:\t%s\n", c.Elapsed)
	fmt.Fprintf(w, "Bytes:\t%d\n", c.Bytes)
	fmt.Fprintf(w, "Complete Bytes:\t%d\n", c.CompleteBytes)
	fmt.Fprintf(w, "Verdict:\t%s\n", c.Verdict)

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

// --- JSON formatters ---

func formatJSONValue(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json: %w", err)
	}

	return string(data) + "\n", nil
}
