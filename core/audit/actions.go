package audit

import "fmt"

// Action is the closed set of audited operations. Each handler declares the
// action it performs; nothing is inferred from the request path.
type Action string

const (
	ActionLogin            Action = "LOGIN"
	ActionLogout           Action = "LOGOUT"
	ActionLoginFailed      Action = "LOGIN_FAILED"
	ActionCreateIncident   Action = "CREATE_INCIDENT"
	ActionListIncidents    Action = "LIST_INCIDENTS"
	ActionViewIncident     Action = "VIEW_INCIDENT"
	ActionModifyIncident   Action = "MODIFY_INCIDENT"
	ActionDeleteIncident   Action = "DELETE_INCIDENT"
	ActionChangeStatus     Action = "CHANGE_INCIDENT_STATUS"
	ActionAssign           Action = "ASSIGN_TECHNICIAN"
	ActionAddComment       Action = "ADD_COMMENT"
	ActionCreateUser       Action = "CREATE_USER"
	ActionListUsers        Action = "LIST_USERS"
	ActionViewUser         Action = "VIEW_USER"
	ActionModifyUser       Action = "MODIFY_USER"
	ActionDeleteUser       Action = "DELETE_USER"
	ActionApproveUser      Action = "APPROVE_USER"
	ActionRejectUser       Action = "REJECT_USER"
	ActionUploadEvidence   Action = "UPLOAD_EVIDENCE"
	ActionDownloadEvidence Action = "DOWNLOAD_EVIDENCE"
	ActionGenerateReport   Action = "GENERATE_REPORT"
	ActionViewAudits       Action = "VIEW_AUDITS"
	ActionExportAudits     Action = "EXPORT_AUDITS"
	ActionRequestCode      Action = "REQUEST_CODE"
	ActionUseCode          Action = "USE_CODE"
)

type actionSpec struct {
	module string
	detail string
}

var actions = map[Action]actionSpec{
	ActionLogin:            {"Authentication", "Signed in: %s"},
	ActionLogout:           {"Authentication", "Signed out: %s"},
	ActionLoginFailed:      {"Authentication", "Failed sign-in attempt: %s"},
	ActionCreateIncident:   {"Incident Management", "Created incident: %s"},
	ActionListIncidents:    {"Incident Management", "Listed incidents%s"},
	ActionViewIncident:     {"Incident Management", "Viewed incident #%s"},
	ActionModifyIncident:   {"Incident Management", "Updated incident #%s"},
	ActionDeleteIncident:   {"Incident Management", "Deleted incident #%s"},
	ActionChangeStatus:     {"Status Change", "Changed status to: %s"},
	ActionAssign:           {"Technician Assignment", "Assigned technician: %s"},
	ActionAddComment:       {"Incident Comments", "Added a comment to incident #%s"},
	ActionCreateUser:       {"User Management", "Created user: %s"},
	ActionListUsers:        {"User Management", "Listed users (filter: %s)"},
	ActionViewUser:         {"User Management", "Viewed user #%s"},
	ActionModifyUser:       {"User Management", "Modified user: %s"},
	ActionDeleteUser:       {"User Management", "Deleted user: %s"},
	ActionApproveUser:      {"User Management", "Approved user: %s"},
	ActionRejectUser:       {"User Management", "Rejected user: %s"},
	ActionUploadEvidence:   {"Evidence", "Uploaded evidence %s"},
	ActionDownloadEvidence: {"Evidence", "Downloaded evidence %s"},
	ActionGenerateReport:   {"Reports", "Generated report: %s"},
	ActionViewAudits:       {"Audit", "Viewed audit log%s"},
	ActionExportAudits:     {"Audit", "Exported audit log%s"},
	ActionRequestCode:      {"Verification Codes", "Requested verification code: %s"},
	ActionUseCode:          {"Verification Codes", "Used verification code: %s"},
}

func (a Action) Valid() bool {
	_, ok := actions[a]
	return ok
}

func (a Action) Module() string {
	return actions[a].module
}

// Describe renders the detail line for a with the given subject.
func (a Action) Describe(subject string) string {
	spec, ok := actions[a]
	if !ok {
		return string(a)
	}
	return fmt.Sprintf(spec.detail, subject)
}

func AllActions() []Action {
	return []Action{
		ActionLogin, ActionLogout, ActionLoginFailed,
		ActionCreateIncident, ActionListIncidents, ActionViewIncident, ActionModifyIncident, ActionDeleteIncident,
		ActionChangeStatus, ActionAssign, ActionAddComment,
		ActionCreateUser, ActionListUsers, ActionViewUser, ActionModifyUser, ActionDeleteUser, ActionApproveUser, ActionRejectUser,
		ActionUploadEvidence, ActionDownloadEvidence, ActionGenerateReport,
		ActionViewAudits, ActionExportAudits, ActionRequestCode, ActionUseCode,
	}
}
