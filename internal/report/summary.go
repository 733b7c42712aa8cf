package report

import (
	"io"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Summary prints a human readable digest of r with numbers formatted for tag
func Summary(w io.Writer, r *Report, tag language.Tag) {
	p := message.NewPrinter(tag)

	for _, v := range r.Volumes {
		if v.Error != "" {
			p.Fprintf(w, "%-30s FAILED %s\n", v.Label, v.Error)
			continue
		}
		p.Fprintf(w, "%-30s %-5s %12d files %10d dirs %16d bytes\n",
			v.Label, v.Filesystem, v.Files, v.Directories, v.BytesScanned)
	}

	p.Fprintf(w, "\nVolumes: %d (%d failed)\n", r.Totals.Volumes, r.Totals.Failed)
	p.Fprintf(w, "Files: %d\n", r.Totals.Files)
	p.Fprintf(w, "Directories: %d\n", r.Totals.Directories)
	p.Fprintf(w, "Bytes scanned: %d\n", r.Totals.BytesScanned)
	if r.Totals.RecordErrors > 0 {
		p.Fprintf(w, "Record errors: %d\n", r.Totals.RecordErrors)
	}

	if r.Totals.Flagged == 0 {
		return
	}
	p.Fprintf(w, "\nFlagged files: %d\n", r.Totals.Flagged)
	for _, f := range r.Files {
		if f.Reputation == nil || f.Reputation.Malicious == 0 {
			continue
		}
		p.Fprintf(w, "  %s  %d/%d  %s\n", f.Path, f.Reputation.Malicious, f.Reputation.TotalCount, f.Reputation.ThreatLevel())
	}
}
