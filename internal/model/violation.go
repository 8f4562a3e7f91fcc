package model

import (
	"time"

	"github.com/google/uuid"
)

// ViolationType enumerates the integrity signals the monitor reports.
type ViolationType string

const (
	ViolationTabHidden      ViolationType = "tab_hidden"
	ViolationWindowBlur     ViolationType = "window_blur"
	ViolationFullscreenExit ViolationType = "fullscreen_exit"
	ViolationContextMenu    ViolationType = "context_menu"
	ViolationCopy           ViolationType = "copy"
	ViolationPaste          ViolationType = "paste"
	ViolationBackNavigation ViolationType = "back_navigation"
	ViolationUnloadAttempt  ViolationType = "unload_attempt"
	ViolationDevtoolsOpen   ViolationType = "devtools_open"
)

// Valid reports whether t is a known violation type.
func (t ViolationType) Valid() bool {
	switch t {
	case ViolationTabHidden, ViolationWindowBlur, ViolationFullscreenExit,
		ViolationContextMenu, ViolationCopy, ViolationPaste,
		ViolationBackNavigation, ViolationUnloadAttempt, ViolationDevtoolsOpen:
		return true
	}
	return false
}

// Violation is one detected integrity signal.
type Violation struct {
	Type          ViolationType `json:"type"`
	Detail        string        `json:"detail"`
	QuestionIndex int           `json:"question_index"`
	Timestamp     time.Time     `json:"timestamp"`
	UserAgent     string        `json:"user_agent"`
}

// ViolationReport is the body of the report-violation operation.
type ViolationReport struct {
	SubmissionID  uuid.UUID     `json:"submission_id" binding:"required"`
	Type          ViolationType `json:"type" binding:"required,violation"`
	Detail        string        `json:"detail" binding:"max=1000"`
	QuestionIndex int           `json:"question_index" binding:"min=0"`
	UserAgent     string        `json:"user_agent" binding:"max=512"`
	Timestamp     time.Time     `json:"timestamp"`
}

// ViolationResult is the server's decision on a reported violation.
// AutoSubmitted is authoritative: the client must move to submitting.
type ViolationResult struct {
	AutoSubmitted  bool `json:"auto_submitted"`
	ViolationCount int  `json:"violation_count"`
}
