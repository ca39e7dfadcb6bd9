package incidents

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"incident-desk/core/apperr"
	"incident-desk/core/metrics"
	"incident-desk/core/notify"
	"incident-desk/core/rbac"
	"incident-desk/core/store"
	"incident-desk/core/utils"
)

const (
	StatusOpen       = "Open"
	StatusInProgress = "In-Progress"
	StatusClosed     = "Closed"

	SeverityLow    = "Low"
	SeverityMedium = "Medium"
	SeverityHigh   = "High"

	MaxCommentLength = 2000
	DefaultPageSize  = 50
	MaxPageSize      = 500
)

var (
	Statuses   = []string{StatusOpen, StatusInProgress, StatusClosed}
	Severities = []string{SeverityLow, SeverityMedium, SeverityHigh}

	errIncidentNotFound = apperr.NotFound("incident not found")
	errConcurrent       = apperr.Conflict("incident was modified concurrently, retry")
)

func ValidStatus(s string) bool {
	return contains(Statuses, s)
}

func ValidSeverity(s string) bool {
	return contains(Severities, s)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

type Service struct {
	store    store.IncidentsStore
	users    store.UsersStore
	evidence store.EvidenceStore
	notifier *notify.Notifier
	policy   *rbac.Policy
	logger   *utils.Logger
	now      func() time.Time
}

func NewService(is store.IncidentsStore, us store.UsersStore, es store.EvidenceStore, notifier *notify.Notifier, policy *rbac.Policy, logger *utils.Logger) *Service {
	return &Service{store: is, users: us, evidence: es, notifier: notifier, policy: policy, logger: logger, now: utils.NowUTC}
}

type CreateInput struct {
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Severity    string   `json:"severity"`
	Priority    int      `json:"priority"`
	Tags        []string `json:"tags"`
}

// Create opens a new incident owned by actor.
func (s *Service) Create(ctx context.Context, actor *store.User, in CreateInput) (*store.Incident, error) {
	in.Type = strings.TrimSpace(in.Type)
	in.Description = strings.TrimSpace(in.Description)
	if in.Type == "" || in.Description == "" {
		return nil, apperr.Validation("type and description are required")
	}
	if in.Severity == "" {
		in.Severity = SeverityMedium
	}
	if !ValidSeverity(in.Severity) {
		return nil, apperr.Validation("severity must be one of: %s", strings.Join(Severities, ", "))
	}
	if err := validatePriority(in.Priority); err != nil {
		return nil, err
	}
	now := s.now()
	inc := &store.Incident{
		Type:        in.Type,
		Description: in.Description,
		Severity:    in.Severity,
		Status:      StatusOpen,
		Priority:    in.Priority,
		ClientID:    actor.ID,
		Tags:        in.Tags,
		CreatedAt:   now,
	}
	created := store.HistoryEntry{ActorID: actor.ID, Action: "Incident created", Field: "status", After: StatusOpen, CreatedAt: now}
	if _, err := s.store.CreateIncident(ctx, inc, created); err != nil {
		return nil, err
	}
	metrics.IncidentsCreated.Inc()
	return inc, nil
}

func validatePriority(p int) error {
	if p != 0 && p != 1 {
		return apperr.Validation("priority must be 0 or 1")
	}
	return nil
}

func (s *Service) Get(ctx context.Context, id int64) (*store.Incident, error) {
	inc, err := s.store.GetIncident(ctx, id)
	if err != nil {
		return nil, err
	}
	if inc == nil {
		return nil, errIncidentNotFound
	}
	return inc, nil
}

// Assign sets the responsible user. Response time is stamped on the first
// assignment only; the notification is best-effort.
func (s *Service) Assign(ctx context.Context, actor *store.User, id, assigneeID int64) (*store.Incident, error) {
	if assigneeID <= 0 {
		return nil, apperr.Validation("technician id is required")
	}
	inc, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	assignee, err := s.users.Get(ctx, assigneeID)
	if err != nil {
		return nil, err
	}
	if assignee == nil {
		return nil, apperr.NotFound("technician not found")
	}
	if !rbac.IsAssignable(assignee.Role) {
		return nil, apperr.Validation("the user must be a Technician, Analyst or Administrator")
	}
	expected := inc.Version
	before := "Unassigned"
	action := "Assigned to " + assignee.Name
	if inc.AssignedTo != nil {
		before = strconv.FormatInt(*inc.AssignedTo, 10)
		action = "Reassigned to " + assignee.Name
	}
	now := s.now()
	inc.AssignedTo = &assignee.ID
	if inc.AssignedAt == nil {
		inc.AssignedAt = &now
		inc.ResponseMinutes = minutesBetween(inc.CreatedAt, now)
	}
	change := store.IncidentChange{
		Incident:        inc,
		ExpectedVersion: expected,
		History: []store.HistoryEntry{{
			ActorID: actor.ID, Action: action, Field: "assigned_to",
			Before: before, After: strconv.FormatInt(assignee.ID, 10), CreatedAt: now,
		}},
	}
	if err := s.apply(ctx, change); err != nil {
		return nil, err
	}
	s.notifier.Assignment(ctx, assignee.Email, assignee.Name, info(inc))
	return inc, nil
}

type StatusChange struct {
	Incident *store.Incident
	From     string
	To       string
}

// ChangeStatus moves the incident to status. Closure is stamped on the first
// transition into Closed and never recomputed.
func (s *Service) ChangeStatus(ctx context.Context, actor *store.User, id int64, status string) (*StatusChange, error) {
	if !ValidStatus(status) {
		return nil, apperr.Validation("status must be one of: %s", strings.Join(Statuses, ", "))
	}
	inc, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	expected := inc.Version
	from := inc.Status
	now := s.now()
	s.setStatus(inc, status, now)
	change := store.IncidentChange{
		Incident:        inc,
		ExpectedVersion: expected,
		History: []store.HistoryEntry{{
			ActorID: actor.ID, Action: fmt.Sprintf("Changed status from %s to %s", from, status),
			Field: "status", Before: from, After: status, CreatedAt: now,
		}},
	}
	if err := s.apply(ctx, change); err != nil {
		return nil, err
	}
	metrics.StatusTransitions.WithLabelValues(status).Inc()
	s.notifyStatus(ctx, actor, inc, from, status)
	return &StatusChange{Incident: inc, From: from, To: status}, nil
}

func (s *Service) setStatus(inc *store.Incident, status string, now time.Time) {
	inc.Status = status
	if status == StatusClosed && inc.ClosedAt == nil {
		inc.ClosedAt = &now
		inc.ResolutionMinutes = minutesBetween(inc.CreatedAt, now)
	}
}

func (s *Service) notifyStatus(ctx context.Context, actor *store.User, inc *store.Incident, from, to string) {
	if inc.AssignedTo == nil || *inc.AssignedTo == actor.ID {
		return
	}
	assignee, err := s.users.Get(ctx, *inc.AssignedTo)
	if err != nil {
		s.logger.Errorf("incidents: load assignee %d of incident %d: %v", *inc.AssignedTo, inc.ID, err)
		return
	}
	if assignee == nil {
		return
	}
	s.notifier.StatusChange(ctx, assignee.Email, assignee.Name, info(inc), from, to, actor.Name)
}

type CommentInput struct {
	Text     string `json:"text"`
	Internal bool   `json:"internal"`
}

// AddComment appends a comment and returns the comments visible to actor.
// Internal is silently dropped for roles that cannot write internal notes.
func (s *Service) AddComment(ctx context.Context, actor *store.User, id int64, in CommentInput) ([]store.Comment, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return nil, apperr.Validation("comment text is required")
	}
	if utf8.RuneCountInString(text) > MaxCommentLength {
		return nil, apperr.Validation("comment must be at most %d characters", MaxCommentLength)
	}
	inc, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	comment := &store.Comment{
		ActorID:   actor.ID,
		Body:      text,
		Internal:  in.Internal && s.canSeeInternal(actor),
		CreatedAt: now,
	}
	change := store.IncidentChange{
		Incident:        inc,
		ExpectedVersion: inc.Version,
		Comment:         comment,
		History:         []store.HistoryEntry{{ActorID: actor.ID, Action: "Added a comment", Field: "comments", CreatedAt: now}},
	}
	if err := s.apply(ctx, change); err != nil {
		return nil, err
	}
	return s.Comments(ctx, actor, id)
}

func (s *Service) canSeeInternal(actor *store.User) bool {
	return actor != nil && s.policy.Allowed([]string{actor.Role}, rbac.PermCommentsInternal)
}

// Comments lists comments in insertion order, hiding internal notes from
// roles without access to them.
func (s *Service) Comments(ctx context.Context, actor *store.User, id int64) ([]store.Comment, error) {
	items, err := s.store.ListComments(ctx, id)
	if err != nil {
		return nil, err
	}
	internal := s.canSeeInternal(actor)
	out := make([]store.Comment, 0, len(items))
	for _, c := range items {
		if c.Internal && !internal {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

type UpdateInput struct {
	Type        *string   `json:"type"`
	Description *string   `json:"description"`
	Severity    *string   `json:"severity"`
	Status      *string   `json:"status"`
	Priority    *int      `json:"priority"`
	Tags        *[]string `json:"tags"`
}

// Update applies a partial edit. Every changed field contributes to a single
// history entry; tags are replaced without one.
func (s *Service) Update(ctx context.Context, actor *store.User, id int64, in UpdateInput) (*store.Incident, error) {
	if in.Severity != nil && *in.Severity != "" && !ValidSeverity(*in.Severity) {
		return nil, apperr.Validation("severity must be one of: %s", strings.Join(Severities, ", "))
	}
	if in.Status != nil && *in.Status != "" && !ValidStatus(*in.Status) {
		return nil, apperr.Validation("status must be one of: %s", strings.Join(Statuses, ", "))
	}
	if in.Priority != nil {
		if err := validatePriority(*in.Priority); err != nil {
			return nil, err
		}
	}
	inc, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	expected := inc.Version
	now := s.now()
	var changes []string
	statusChanged := false
	if v := trimmed(in.Type); v != "" && v != inc.Type {
		changes = append(changes, fmt.Sprintf("type: %s → %s", inc.Type, v))
		inc.Type = v
	}
	if v := trimmed(in.Description); v != "" && v != inc.Description {
		changes = append(changes, "Modified description")
		inc.Description = v
	}
	if v := trimmed(in.Severity); v != "" && v != inc.Severity {
		changes = append(changes, fmt.Sprintf("severity: %s → %s", inc.Severity, v))
		inc.Severity = v
	}
	if v := trimmed(in.Status); v != "" && v != inc.Status {
		changes = append(changes, fmt.Sprintf("status: %s → %s", inc.Status, v))
		s.setStatus(inc, v, now)
		statusChanged = true
	}
	if in.Priority != nil && *in.Priority != inc.Priority {
		changes = append(changes, fmt.Sprintf("priority: %d → %d", inc.Priority, *in.Priority))
		inc.Priority = *in.Priority
	}
	change := store.IncidentChange{Incident: inc, ExpectedVersion: expected}
	if in.Tags != nil {
		inc.Tags = *in.Tags
		change.ReplaceTags = true
	}
	if len(changes) == 0 && !change.ReplaceTags {
		return inc, nil
	}
	if len(changes) > 0 {
		change.History = []store.HistoryEntry{{
			ActorID: actor.ID, Action: "Updated incident: " + strings.Join(changes, ", "), CreatedAt: now,
		}}
	}
	if err := s.apply(ctx, change); err != nil {
		return nil, err
	}
	if statusChanged {
		metrics.StatusTransitions.WithLabelValues(inc.Status).Inc()
	}
	return inc, nil
}

func trimmed(v *string) string {
	if v == nil {
		return ""
	}
	return strings.TrimSpace(*v)
}

func (s *Service) apply(ctx context.Context, change store.IncidentChange) error {
	if err := s.store.ApplyChange(ctx, change); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return errConcurrent
		}
		return err
	}
	return nil
}

// Detail is the full incident view.
type Detail struct {
	*store.Incident
	History  []store.HistoryEntry `json:"history"`
	Comments []store.Comment      `json:"comments"`
	Evidence []store.Evidence     `json:"evidence"`
}

func (s *Service) View(ctx context.Context, actor *store.User, id int64) (*Detail, error) {
	inc, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	history, err := s.store.ListHistory(ctx, id)
	if err != nil {
		return nil, err
	}
	comments, err := s.Comments(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	evidence := []store.Evidence{}
	if s.evidence != nil {
		items, err := s.evidence.ListByIncident(ctx, id)
		if err != nil {
			return nil, err
		}
		if items != nil {
			evidence = items
		}
	}
	return &Detail{Incident: inc, History: history, Comments: comments, Evidence: evidence}, nil
}

func (s *Service) History(ctx context.Context, id int64) ([]store.HistoryEntry, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListHistory(ctx, id)
}

// Page is one page of search results.
type Page struct {
	Items []store.Incident `json:"items"`
	Total int              `json:"total"`
	Page  int              `json:"page"`
	Pages int              `json:"pages"`
}

// Search runs the combined filter. page is 1-based; limit is clamped to
// MaxPageSize.
func (s *Service) Search(ctx context.Context, filter store.IncidentFilter, page, limit int) (*Page, error) {
	if filter.Status != "" && !ValidStatus(filter.Status) {
		return nil, apperr.Validation("invalid status %q", filter.Status)
	}
	if filter.Severity != "" && !ValidSeverity(filter.Severity) {
		return nil, apperr.Validation("invalid severity %q", filter.Severity)
	}
	page, limit = clampPage(page, limit)
	filter.Limit = limit
	filter.Offset = (page - 1) * limit
	items, total, err := s.store.ListIncidents(ctx, filter)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []store.Incident{}
	}
	return &Page{
		Items: items,
		Total: total,
		Page:  page,
		Pages: int(math.Ceil(float64(total) / float64(limit))),
	}, nil
}

type ListInput struct {
	Status string
	Type   string
	From   *time.Time
	To     *time.Time
	Mine   bool
	Page   int
	Limit  int
}

// List is the plain listing: exact type match and an optional "assigned to
// me" switch.
func (s *Service) List(ctx context.Context, actor *store.User, in ListInput) ([]store.Incident, error) {
	filter := store.IncidentFilter{Status: in.Status, Type: in.Type, TypeExact: true, From: in.From, To: in.To}
	if in.Mine {
		filter.TechnicianID = actor.ID
	}
	res, err := s.Search(ctx, filter, in.Page, in.Limit)
	if err != nil {
		return nil, err
	}
	return res.Items, nil
}

func clampPage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	return page, limit
}

func (s *Service) Delete(ctx context.Context, id int64) error {
	if err := s.store.DeleteIncident(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errIncidentNotFound
		}
		return err
	}
	return nil
}

func minutesBetween(from, to time.Time) *int64 {
	m := int64(to.Sub(from) / time.Minute)
	if m < 0 {
		m = 0
	}
	return &m
}

func info(inc *store.Incident) notify.IncidentInfo {
	return notify.IncidentInfo{ID: inc.ID, Type: inc.Type, Description: inc.Description, Severity: inc.Severity}
}
