// Package result holds the result codes a workflow reports to the update
// service and the coded errors that produce extended result codes.
package result

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code is the primary result code of an operation. Codes greater than zero
// are successes.
type Code int

const (
	Failure          Code = 0
	FailureCancelled Code = -1

	Success Code = 1

	DownloadSuccess                    Code = 500
	DownloadInProgress                 Code = 501
	DownloadSkippedFileExists          Code = 502
	DownloadSkippedUpdateInstalled     Code = 503
	DownloadSkippedNoMatchingComponent Code = 504

	DownloadHandlerSuccessSkipDownload  Code = 520
	DownloadHandlerRequiredFullDownload Code = 521

	InstallSuccess                    Code = 600
	InstallInProgress                 Code = 601
	InstallSkippedUpdateInstalled     Code = 603
	InstallSkippedNoMatchingComponent Code = 604
	InstallRequiredImmediateReboot    Code = 605
	InstallRequiredReboot             Code = 606
	InstallRequiredImmediateRestart   Code = 607
	InstallRequiredRestart            Code = 608

	ApplySuccess                  Code = 700
	ApplyInProgress               Code = 701
	ApplyRequiredImmediateReboot  Code = 705
	ApplyRequiredReboot           Code = 706
	ApplyRequiredImmediateRestart Code = 707
	ApplyRequiredRestart          Code = 708

	CancelSuccess           Code = 800
	CancelUnableToCancel    Code = 801
	IsInstalledInstalled    Code = 900
	IsInstalledNotInstalled Code = 901
)

// Succeeded reports whether c is a success code.
func (c Code) Succeeded() bool {
	return c > 0
}

// Result pairs a result code with an extended code identifying the cause of a
// failure.
type Result struct {
	Code     Code `json:"resultCode"`
	Extended int  `json:"extendedResultCode"`
}

// Succeeded reports whether the result is a success.
func (r Result) Succeeded() bool {
	return r.Code.Succeeded()
}

func (r Result) String() string {
	return fmt.Sprintf("%d (erc 0x%08x)", r.Code, r.Extended)
}

// Of returns a success result with code c.
func Of(c Code) Result {
	return Result{Code: c}
}

// Facility is the top nibble of an extended result code.
type Facility int

const (
	FacilityAgent      Facility = 0x1
	FacilityWorkflow   Facility = 0x2
	FacilityDownloader Facility = 0x3
	FacilityHandler    Facility = 0x4
	FacilityChannel    Facility = 0x5
)

// Extended builds an extended result code from a facility and a value.
func Extended(f Facility, value int) int {
	return int(f)<<28 | value&0x0fffffff
}

// Error is a sentinel error carrying an extended result code. Wrap it with
// github.com/pkg/errors to add context; ExtendedCode finds it again.
type Error struct {
	code int
	msg  string
}

// NewError returns an Error with the extended code for f and value.
func NewError(f Facility, value int, msg string) *Error {
	return &Error{code: Extended(f, value), msg: msg}
}

func (e *Error) Error() string {
	return e.msg
}

// Code is the error's extended result code.
func (e *Error) Code() int {
	return e.code
}

// ExtendedCode returns the extended code of the Error at the cause of err, or
// 0 when err does not come from an Error.
func ExtendedCode(err error) int {
	if e, ok := errors.Cause(err).(*Error); ok {
		return e.code
	}
	return 0
}

// FromError returns the failure result for err. The code is FailureCancelled
// when cancelled is set.
func FromError(err error, cancelled bool) Result {
	code := Failure
	if cancelled {
		code = FailureCancelled
	}
	return Result{Code: code, Extended: ExtendedCode(err)}
}
