package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/klauspost/compress/zstd"
)

// WriteReport writes r as indented JSON to path. A ".zst" suffix
// zstd-compresses the output.
func WriteReport(path string, r IntegrityReport) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	var w io.Writer = f
	if strings.HasSuffix(path, ".zst") {
		enc, zerr := zstd.NewWriter(f)
		if zerr != nil {
			return fmt.Errorf("zstd writer: %w", zerr)
		}
		defer func() {
			if cerr := enc.Close(); err == nil {
				err = cerr
			}
		}()
		w = enc
	}

	e := json.NewEncoder(w)
	e.SetIndent("", "  ")
	if err := e.Encode(r); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}

// ReadReport reads a report written by WriteReport.
func ReadReport(path string) (IntegrityReport, error) {
	var r IntegrityReport
	f, err := os.Open(path)
	if err != nil {
		return r, err
	}
	defer f.Close()

	var rd io.Reader = f
	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return r, fmt.Errorf("zstd reader: %w", err)
		}
		defer dec.Close()
		rd = dec
	}
	if err := json.NewDecoder(rd).Decode(&r); err != nil {
		return r, fmt.Errorf("decode report: %w", err)
	}
	return r, nil
}

// WriteText renders the non-PASS items and the run log as aligned text.
func WriteText(w io.Writer, r IntegrityReport) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "run %s\tstatus %s\tfail %d\twarning %d\n\n", r.RunID, r.Status, r.Count(Fail), r.Count(Warning))

	fmt.Fprintln(tw, "PHASE\tENTITY\tPROCESSED\tSUCCEEDED\tFAILED\tSTATUS")
	for _, rec := range r.RunLog {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n", rec.Phase, rec.EntityType,
			rec.RecordsProcessed, rec.RecordsSucceeded, rec.RecordsFailed, rec.Status)
	}

	fmt.Fprintln(tw, "\nCHECK\tSUBJECT\tSTATUS\tMESSAGE")
	for _, it := range r.Items {
		if it.Status == Pass {
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", it.Check, it.Subject, it.Status, it.Message)
	}
	return tw.Flush()
}
