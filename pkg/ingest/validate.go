package ingest

import (
	"path/filepath"
	"strings"

	"edgerelay/pkg/telemetry"

	"github.com/cockroachdb/errors"
)

var allowedExts = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".tif":  {},
	".tiff": {},
}

// ValidateTaskUnit checks the metadata of an upload and reduces the file
// name to its base name.
func ValidateTaskUnit(u *TaskUnit) error {
	tr := telemetry.Track("validation.validate_task_unit")
	defer tr.Finish()

	var errs []string
	u.Origin = strings.TrimSpace(u.Origin)
	if u.Origin == "" {
		errs = append(errs, "ip is required")
	}
	name := strings.TrimSpace(u.FileName)
	if name != "" {
		name = filepath.Base(filepath.Clean("/" + strings.ReplaceAll(name, `\`, "/")))
	}
	if name == "" || name == "/" || name == "." {
		errs = append(errs, "file_name is required")
	} else if _, ok := allowedExts[strings.ToLower(filepath.Ext(name))]; !ok {
		errs = append(errs, "only jpg/jpeg/png/tif/tiff allowed")
	}
	u.FileName = name
	if len(errs) > 0 {
		return errors.Wrap(ErrInvalid, strings.Join(errs, "; "))
	}
	return nil
}

// ValidateBatchSpec checks a sub-request registration.
func ValidateBatchSpec(s BatchSpec) error {
	tr := telemetry.Track("validation.validate_batch_spec")
	defer tr.Finish()

	var errs []string
	if strings.TrimSpace(s.SubReqID) == "" {
		errs = append(errs, "sub_req_id is required")
	}
	if strings.TrimSpace(s.ReqID) == "" {
		errs = append(errs, "req_id is required")
	}
	if s.SubReqCount <= 0 {
		errs = append(errs, "sub_req_count must be > 0")
	}
	if len(errs) > 0 {
		return errors.Wrap(ErrInvalid, strings.Join(errs, "; "))
	}
	return nil
}
