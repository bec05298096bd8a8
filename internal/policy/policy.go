// Package policy defines the Approval Policy and Safety Assessment tagged
// variants shared by the classifier, exec handler, and turn engine.
package policy

import "github.com/agentturn/turnengine/internal/patch"

// Approval is the three-level approval policy.
type Approval string

const (
	// Suggest auto-approves only read-only commands; everything else asks.
	Suggest Approval = "suggest"
	// AutoEdit auto-approves read-only commands plus patches confined to
	// writable roots.
	AutoEdit Approval = "auto-edit"
	// FullAuto auto-approves everything, but commands and writes must run
	// sandboxed.
	FullAuto Approval = "full-auto"
)

// AssessmentKind discriminates the Safety Assessment tagged variant.
type AssessmentKind string

const (
	AssessAutoApprove AssessmentKind = "auto-approve"
	AssessAskUser      AssessmentKind = "ask-user"
	AssessReject       AssessmentKind = "reject"
)

// Assessment is the classifier's verdict for a proposed command.
type Assessment struct {
	Kind AssessmentKind

	// auto-approve fields
	Reason        string
	Group         string
	RunInSandbox  bool

	// ask-user / auto-approve shared field: present when the command is a
	// patch application.
	Patch *patch.Patch

	// reject field
	RejectReason string
}

// AutoApprove builds an auto-approve assessment.
func AutoApprove(reason, group string, runInSandbox bool, p *patch.Patch) Assessment {
	return Assessment{Kind: AssessAutoApprove, Reason: reason, Group: group, RunInSandbox: runInSandbox, Patch: p}
}

// AskUser builds an ask-user assessment, optionally carrying a patch.
func AskUser(p *patch.Patch) Assessment {
	return Assessment{Kind: AssessAskUser, Patch: p}
}

// Reject builds a reject assessment.
func Reject(reason string) Assessment {
	return Assessment{Kind: AssessReject, RejectReason: reason}
}
