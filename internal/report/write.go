package report

import (
	"fmt"
	"io"
	"os"

	commonerrors "github.com/deploymenttheory/go-rawscan/internal/common/errors"
	"github.com/deploymenttheory/go-rawscan/internal/common/jsonutil"
	"github.com/deploymenttheory/go-rawscan/internal/common/plistutil"
)

// Output formats
const (
	FormatJSON        = "json"
	FormatPlist       = "plist"
	FormatXMLPlist    = "xml"
	FormatBinaryPlist = "binary-plist"
)

// plistFormat maps a plist output format name, false for json
func plistFormat(format string) (plistutil.Format, bool, error) {
	switch format {
	case FormatJSON, "":
		return 0, false, nil
	case FormatPlist, FormatXMLPlist:
		return plistutil.FormatXML, true, nil
	case FormatBinaryPlist:
		return plistutil.FormatBinary, true, nil
	}
	return 0, false, fmt.Errorf("%w: unsupported report format %q", commonerrors.ErrInvalidArgument, format)
}

// Write renders r to w
func Write(w io.Writer, r *Report, format string) error {
	pf, isPlist, err := plistFormat(format)
	if err != nil {
		return err
	}
	if isPlist {
		return plistutil.Encode(w, r, pf)
	}
	return jsonutil.Encode(w, r)
}

// WriteFile renders r to path, or to stdout when path is empty or "-"
func WriteFile(path string, r *Report, format string) error {
	if path == "" || path == "-" {
		return Write(os.Stdout, r, format)
	}

	pf, isPlist, err := plistFormat(format)
	if err != nil {
		return err
	}
	if isPlist {
		return plistutil.WriteFile(path, r, pf)
	}
	return jsonutil.WriteFile(path, r)
}
