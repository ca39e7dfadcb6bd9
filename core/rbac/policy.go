package rbac

import (
	"fmt"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
)

type Permission string

const (
	RoleAdministrator = "Administrator"
	RoleAnalyst       = "Analyst"
	RoleTechnician    = "Technician"
	RoleClient        = "Client"
	RoleAuditor       = "Auditor"
)

const (
	PermIncidentsCreate  Permission = "incidents.create"
	PermIncidentsView    Permission = "incidents.view"
	PermIncidentsEdit    Permission = "incidents.edit"
	PermIncidentsStatus  Permission = "incidents.status"
	PermIncidentsComment Permission = "incidents.comment"
	PermIncidentsAssign  Permission = "incidents.assign"
	PermIncidentsDelete  Permission = "incidents.delete"
	PermCommentsInternal Permission = "comments.internal"

	PermUsersView      Permission = "users.view"
	PermUsersAssignees Permission = "users.assignees"
	PermUsersManage    Permission = "users.manage"
	PermAdminConsole   Permission = "admin.console"

	PermCodesManage Permission = "codes.manage"

	PermEvidenceUpload Permission = "evidence.upload"
	PermEvidenceView   Permission = "evidence.view"

	PermAuditsView    Permission = "audits.view"
	PermAuditsCleanup Permission = "audits.cleanup"

	PermReportsView Permission = "reports.view"
)

type Role struct {
	Name        string
	Permissions []Permission
}

var AllRoles = []string{RoleAdministrator, RoleAnalyst, RoleTechnician, RoleClient, RoleAuditor}

// AssigneeRoles are the roles an incident can be assigned to.
var AssigneeRoles = []string{RoleTechnician, RoleAnalyst, RoleAdministrator}

// RequestableRoles need a verification code for self-registration.
var RequestableRoles = []string{RoleAnalyst, RoleTechnician, RoleAuditor}

func ValidRole(role string) bool {
	return contains(AllRoles, role)
}

func IsAssignable(role string) bool {
	return contains(AssigneeRoles, role)
}

func IsRequestable(role string) bool {
	return contains(RequestableRoles, role)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// DefaultRoles lists every role's grants explicitly. Administrator gets no
// implicit bypass.
func DefaultRoles() []Role {
	everyone := []Permission{
		PermIncidentsCreate, PermIncidentsView, PermIncidentsEdit, PermIncidentsStatus,
		PermIncidentsComment, PermEvidenceUpload, PermEvidenceView, PermReportsView,
	}
	with := func(extra ...Permission) []Permission {
		out := append([]Permission{}, everyone...)
		return append(out, extra...)
	}
	return []Role{
		{Name: RoleAdministrator, Permissions: with(
			PermIncidentsAssign, PermIncidentsDelete, PermCommentsInternal,
			PermUsersView, PermUsersAssignees, PermUsersManage, PermAdminConsole,
			PermCodesManage, PermAuditsView, PermAuditsCleanup,
		)},
		{Name: RoleAnalyst, Permissions: with(PermIncidentsAssign, PermCommentsInternal, PermUsersAssignees)},
		{Name: RoleTechnician, Permissions: with(PermCommentsInternal, PermUsersAssignees)},
		{Name: RoleAuditor, Permissions: with(PermCommentsInternal, PermUsersView, PermAuditsView)},
		{Name: RoleClient, Permissions: everyone},
	}
}

const policyModel = `
[request_definition]
r = sub, obj

[policy_definition]
p = sub, obj

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = r.sub == p.sub && r.obj == p.obj
`

type Policy struct {
	enforcer *casbin.Enforcer
}

func NewPolicy(roles []Role) *Policy {
	p, err := BuildPolicy(roles)
	if err != nil {
		panic(err)
	}
	return p
}

func BuildPolicy(roles []Role) (*Policy, error) {
	m, err := model.NewModelFromString(policyModel)
	if err != nil {
		return nil, fmt.Errorf("rbac model: %w", err)
	}
	e, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("rbac enforcer: %w", err)
	}
	for _, role := range roles {
		for _, perm := range role.Permissions {
			if _, err := e.AddPolicy(role.Name, string(perm)); err != nil {
				return nil, fmt.Errorf("rbac policy %s/%s: %w", role.Name, perm, err)
			}
		}
	}
	return &Policy{enforcer: e}, nil
}

func (p *Policy) Allowed(roles []string, perm Permission) bool {
	if p == nil || p.enforcer == nil {
		return false
	}
	for _, role := range roles {
		ok, err := p.enforcer.Enforce(role, string(perm))
		if err == nil && ok {
			return true
		}
	}
	return false
}

