package core

// # Error Codes Reference
//
// This file defines user-friendly error messages with codes for support
// reference. Translators and admins quote the code; support staff find the
// technical error in the logs under the same run id.
//
// # Document Errors (DOC001-DOC099)
//
//	DOC001 - Malformed document: the XML could not be parsed
//	         Action: Re-download the document from the HR platform
//	DOC002 - Unknown document: the root element matches no supported type
//	         Action: Upload a Succession Data Model or Corporate Data Model
//	DOC003 - Unsupported encoding
//	         Action: Save the document as UTF-8
//
// # Workbook Errors (WB001-WB099)
//
//	WB001 - Workbook structure changed (sheets, headers or duplicate rows)
//	WB002 - Not a readable xlsx file
//	WB003 - Workbook missing or empty
//	WB004 - Baseline workbook missing
//
// # Catalog Errors (CAT001-CAT099)
//
//	CAT001 - Credentials rejected
//	CAT002 - Catalog temporarily unavailable
//	CAT003 - Catalog resource not found
//	CAT004 - Catalog rejected the change
//
// # Run Errors (RUN001-RUN099)
//
//	RUN001 - Another run is active for the project
//	RUN002 - Too many concurrent runs
//	RUN003 - Run not found
//	RUN004 - Run cancelled or timed out
//	RUN005 - Nothing selected
//
// # Storage and Rate Limiting
//
//	STO001 - Artifact not found
//	STO002 - Storage failure
//	RATE001 - Too many requests
//
// # Fallback
//
//	ERR000 - Unexpected error; check logs.

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/JonMunkholm/trexsync/internal/catalog"
	"github.com/JonMunkholm/trexsync/internal/document"
	"github.com/JonMunkholm/trexsync/internal/export"
	"github.com/JonMunkholm/trexsync/internal/importer"
	"github.com/JonMunkholm/trexsync/internal/pipeline"
	"github.com/JonMunkholm/trexsync/internal/storage"
	"github.com/JonMunkholm/trexsync/internal/workbook"
)

// UserMessage is an error rendered for people.
type UserMessage struct {
	Message string `json:"message"`
	Action  string `json:"action"`
	Code    string `json:"code"`
}

// errorMatch maps errors to messages. Sentinels are checked with errors.Is
// first; patterns are lowercase substrings for errors that lost their chain
// (remote messages, stored run errors).
type errorMatch struct {
	is       []error
	patterns []string
	msg      UserMessage
}

var errorMatches = []errorMatch{
	// =========================================================================
	// Run Errors
	// =========================================================================
	{
		is:       []error{ErrRunActive},
		patterns: []string{"run already active"},
		msg: UserMessage{
			Message: "Another export or import is running for this project",
			Action:  "Wait for it to finish or cancel it",
			Code:    "RUN001",
		},
	},
	{
		is:       []error{ErrTooManyRuns},
		patterns: []string{"too many concurrent runs"},
		msg: UserMessage{
			Message: "System is busy processing other runs",
			Action:  "Please wait a moment and try again",
			Code:    "RUN002",
		},
	},
	{
		is:       []error{ErrRunNotFound},
		patterns: []string{"run not found"},
		msg: UserMessage{
			Message: "Run not found",
			Action:  "The run may have expired. Check the project history",
			Code:    "RUN003",
		},
	},
	{
		is:       []error{pipeline.ErrCancelled, context.Canceled, context.DeadlineExceeded},
		patterns: []string{"run cancelled"},
		msg: UserMessage{
			Message: "The run was cancelled or timed out",
			Action:  "Start the run again",
			Code:    "RUN004",
		},
	},
	{
		is:       []error{export.ErrNothingSelected},
		patterns: []string{"no catalog data selected"},
		msg: UserMessage{
			Message: "Nothing to export",
			Action:  "Upload at least one document or select catalog data",
			Code:    "RUN005",
		},
	},

	// =========================================================================
	// Workbook Errors
	// =========================================================================
	{
		is:       []error{importer.ErrInvalidWorkbook, workbook.ErrSheetName},
		patterns: []string{"invalid workbook"},
		msg: UserMessage{
			Message: "The workbook structure was changed",
			Action:  "Only edit translation cells; do not rename sheets, reorder columns or duplicate rows",
			Code:    "WB001",
		},
	},
	{
		is:       []error{workbook.ErrUnreadable},
		patterns: []string{"not a readable xlsx"},
		msg: UserMessage{
			Message: "The file is not a readable Excel workbook",
			Action:  "Save the workbook as .xlsx and upload it again",
			Code:    "WB002",
		},
	},
	{
		is:       []error{importer.ErrNoWorkbook, workbook.ErrEmpty},
		patterns: []string{"no workbook uploaded", "workbook has no sheets"},
		msg: UserMessage{
			Message: "No workbook was uploaded or it is empty",
			Action:  "Upload the edited workbook",
			Code:    "WB003",
		},
	},
	{
		is:       []error{importer.ErrNoBaseline},
		patterns: []string{"no baseline workbook"},
		msg: UserMessage{
			Message: "The exported workbook to compare against is missing",
			Action:  "Pass the artifact key of the export this workbook came from",
			Code:    "WB004",
		},
	},

	// =========================================================================
	// Document Errors
	// =========================================================================
	{
		is:       []error{document.ErrMalformed, document.ErrSchemaMismatch},
		patterns: []string{"malformed document", "document schema mismatch"},
		msg: UserMessage{
			Message: "A document could not be read",
			Action:  "Re-download the document from the HR platform",
			Code:    "DOC001",
		},
	},
	{
		is:       []error{document.ErrUnknownType},
		patterns: []string{"unknown document type"},
		msg: UserMessage{
			Message: "A document is not a supported data model",
			Action:  "Upload a Succession Data Model or Corporate Data Model",
			Code:    "DOC002",
		},
	},
	{
		is:       []error{document.ErrUnsupportedEncoding},
		patterns: []string{"unsupported document encoding"},
		msg: UserMessage{
			Message: "A document uses an unsupported encoding",
			Action:  "Save the document as UTF-8",
			Code:    "DOC003",
		},
	},

	// =========================================================================
	// Catalog Errors
	// =========================================================================
	{
		is:       []error{catalog.ErrAuth},
		patterns: []string{"rejected credentials"},
		msg: UserMessage{
			Message: "The HR platform rejected the credentials",
			Action:  "Check the catalog user, company and password",
			Code:    "CAT001",
		},
	},
	{
		is:       []error{catalog.ErrTransient},
		patterns: []string{"temporarily unavailable", "catalog_unavailable"},
		msg: UserMessage{
			Message: "The HR platform is temporarily unavailable",
			Action:  "Please try again in a few moments",
			Code:    "CAT002",
		},
	},
	{
		is:       []error{catalog.ErrNotFound},
		patterns: []string{"catalog resource not found"},
		msg: UserMessage{
			Message: "The HR platform does not have the requested data",
			Action:  "Check the selected categories",
			Code:    "CAT003",
		},
	},
	{
		is:       []error{catalog.ErrWrite, importer.ErrNothingApplied},
		patterns: []string{"no change could be applied"},
		msg: UserMessage{
			Message: "None of the changes could be applied",
			Action:  "Download the changelog to see why each change was rejected",
			Code:    "CAT004",
		},
	},

	// =========================================================================
	// Storage Errors
	// =========================================================================
	{
		is:       []error{storage.ErrNotFound},
		patterns: []string{"storage: not found"},
		msg: UserMessage{
			Message: "File not found",
			Action:  "The file may have been removed by retention. Run the export again",
			Code:    "STO001",
		},
	},
	{
		is:       []error{storage.ErrInvalidKey},
		patterns: []string{"storage"},
		msg: UserMessage{
			Message: "Files could not be stored or read",
			Action:  "Please try again or contact support",
			Code:    "STO002",
		},
	},

	// =========================================================================
	// Rate Limiting (RATE001)
	// =========================================================================
	{
		patterns: []string{"rate limit"},
		msg: UserMessage{
			Message: "Too many requests",
			Action:  "Please wait a moment before trying again",
			Code:    "RATE001",
		},
	},
}

// defaultMessage is returned when nothing matches (ERR000). Support staff
// should check application logs for the original technical error.
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message. Typed
// matches win over substring patterns; ERR000 is the fallback.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	for _, m := range errorMatches {
		for _, target := range m.is {
			if errors.Is(err, target) {
				return m.msg
			}
		}
	}

	errStr := strings.ToLower(err.Error())
	for _, m := range errorMatches {
		for _, pattern := range m.patterns {
			if strings.Contains(errStr, pattern) {
				return m.msg
			}
		}
	}

	return defaultMessage
}

// FormatUserError creates a formatted error string for display.
// The format is: "Message (Code: XXX). Action"
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err maps to a specific message rather than
// the ERR000 fallback.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}

// UserError pairs a technical error with its user-facing message.
type UserError struct {
	Technical error       // Original technical error for logging
	User      UserMessage // User-friendly message for display
}

func (e *UserError) Error() string {
	return e.User.Message
}

func (e *UserError) Unwrap() error {
	return e.Technical
}

// NewUserError maps err. Returns nil if err is nil.
func NewUserError(err error) *UserError {
	if err == nil {
		return nil
	}
	return &UserError{
		Technical: err,
		User:      MapError(err),
	}
}
