package rbac

type Role string
type Capability string

const (
	RoleUser      Role = "user"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

const (
	CapSubmitReport     Capability = "submit_report"
	CapFlagContent      Capability = "flag_content"
	CapReviewReports    Capability = "review_reports"
	CapFreezeReport     Capability = "freeze_report"
	CapRecordAction     Capability = "record_action"
	CapReverseAction    Capability = "reverse_action"
	CapAnnotateAction   Capability = "annotate_action"
	CapDeleteAction     Capability = "delete_action"
	CapTargetPrivileged Capability = "target_privileged"
	CapViewRestrictions Capability = "view_restrictions"
	CapViewAudit        Capability = "view_audit"
	CapRunSweep         Capability = "run_sweep"
)

func Can(role Role, capability Capability) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleModerator:
		switch capability {
		case CapSubmitReport, CapFlagContent, CapReviewReports, CapRecordAction, CapViewRestrictions:
			return true
		}
		return false
	case RoleUser:
		return capability == CapSubmitReport
	default:
		return false
	}
}

// Normalize maps unknown or empty roles to the least privileged role.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleUser, RoleModerator, RoleAdmin:
		return Role(role)
	default:
		return RoleUser
	}
}

// Privileged reports whether the role belongs to moderation staff.
func (r Role) Privileged() bool {
	return r == RoleModerator || r == RoleAdmin
}
