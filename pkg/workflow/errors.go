package workflow

import (
	"github.com/amazonlinux/bottlerocket/duagent/pkg/result"
)

var (
	ErrInvalidDocument                = result.NewError(result.FacilityWorkflow, 0x001, "invalid workflow document")
	ErrManifestValidationFailed       = result.NewError(result.FacilityWorkflow, 0x002, "manifest validation failed")
	ErrDetachedManifestDownloadFailed = result.NewError(result.FacilityWorkflow, 0x003, "detached manifest download failed")
	ErrUnsupportedManifestVersion     = result.NewError(result.FacilityWorkflow, 0x004, "unsupported manifest version")
	ErrFileURLNotFound                = result.NewError(result.FacilityWorkflow, 0x005, "file url not found")
	ErrInvalidStepIndex               = result.NewError(result.FacilityWorkflow, 0x006, "invalid step index")
	ErrMissingHandlerType             = result.NewError(result.FacilityWorkflow, 0x007, "missing handler type")
	ErrInvalidArgument                = result.NewError(result.FacilityWorkflow, 0x008, "invalid argument")
	ErrNoUpdateManifest               = result.NewError(result.FacilityWorkflow, 0x009, "no update manifest")
	ErrFileNotFound                   = result.NewError(result.FacilityWorkflow, 0x00a, "file not found")
)

// ExtendedCode returns the extended result code for err.
func ExtendedCode(err error) int {
	return result.ExtendedCode(err)
}
