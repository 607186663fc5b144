package operator

import (
	"strings"

	"copytrade/internal/trading/fanout"
)

// AccountResult is one account's outcome of an action
type AccountResult struct {
	Account string `json:"account"`
	Note    string `json:"note,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Report is the per-account outcome of one fan-out action
type Report struct {
	Op       string          `json:"op"`
	BatchID  string          `json:"batch_id"`
	SignalID string          `json:"signal_id,omitempty"`
	Complete bool            `json:"complete"`
	Expected int             `json:"expected"`
	Failed   int             `json:"failed"`
	Results  []AccountResult `json:"results"`
}

func newReport(batch *fanout.Batch, signalID string, complete bool) *Report {
	results := batch.Results()
	r := &Report{
		Op:       batch.Op,
		BatchID:  batch.ID,
		SignalID: signalID,
		Complete: complete,
		Expected: batch.Expected(),
		Results:  make([]AccountResult, 0, len(results)),
	}
	for _, res := range results {
		row := AccountResult{Account: res.Account, Note: res.Note}
		if res.Err != nil {
			row.Error = res.Err.Error()
			r.Failed++
		}
		r.Results = append(r.Results, row)
	}
	return r
}

// Text renders the report as operator message text
func (r *Report) Text() string {
	var sb strings.Builder
	sb.WriteString("[" + r.Op + "]")
	if r.SignalID != "" {
		sb.WriteString(" " + r.SignalID)
	}
	for _, row := range r.Results {
		sb.WriteString("\n" + row.Account + ": ")
		if row.Error != "" {
			sb.WriteString("failed: " + row.Error)
		} else if row.Note != "" {
			sb.WriteString(row.Note)
		} else {
			sb.WriteString("ok")
		}
	}
	if !r.Complete {
		sb.WriteString("\n(still running)")
	}
	return sb.String()
}
