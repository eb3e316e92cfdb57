package knowledge

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// PRP statuses and priorities.
var (
	validStatuses   = map[string]bool{"draft": true, "active": true, "archived": true}
	validPriorities = map[string]bool{"low": true, "medium": true, "high": true}
)

// PRP is a Product Requirement Prompt document.
type PRP struct {
	ID                    int64    `json:"id"`
	Name                  string   `json:"name"`
	Title                 string   `json:"title"`
	Description           string   `json:"description"`
	Objective             string   `json:"objective"`
	ContextData           string   `json:"context_data,omitempty"`
	ImplementationDetails string   `json:"implementation_details,omitempty"`
	ValidationGates       string   `json:"validation_gates,omitempty"`
	Status                string   `json:"status"`
	Priority              string   `json:"priority"`
	Tags                  []string `json:"tags"`
	SearchText            string   `json:"search_text"`
	CreatedAt             string   `json:"created_at"`
	UpdatedAt             string   `json:"updated_at"`
}

// CreatePRPParams holds the input for a new PRP.
type CreatePRPParams struct {
	Name                  string
	Title                 string
	Description           string
	Objective             string
	ContextData           string
	ImplementationDetails string
	ValidationGates       string
	Priority              string
	Tags                  []string
}

// PRPPatch holds partial update fields; nil means leave unchanged.
type PRPPatch struct {
	Title                 *string
	Description           *string
	Objective             *string
	ContextData           *string
	ImplementationDetails *string
	ValidationGates       *string
	Priority              *string
	Tags                  []string
}

// PRPFilter narrows ListPRPs.
type PRPFilter struct {
	Status string
	Query  string // substring over search_text
}

// SearchText computes the canonical search text of a PRP. It must stay
// in sync with title, description and objective after every mutation.
func SearchText(title, description, objective string) string {
	return strings.ToLower(title) + " " + strings.ToLower(description) + " " + strings.ToLower(objective)
}

// CreatePRP inserts a new PRP. The name must be unique; a collision
// fails with ErrConflict. When auto-translation is enabled and the text
// carries no target-language marker, the fields are stored wrapped in a
// translation annotation the agent resolves on first analysis.
func (r *Repository) CreatePRP(ctx context.Context, p CreatePRPParams) (*PRP, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("knowledge: PRP name is required")
	}
	if p.Priority == "" {
		p.Priority = "medium"
	}
	if !validPriorities[p.Priority] {
		return nil, fmt.Errorf("knowledge: invalid PRP priority %q", p.Priority)
	}

	rows, err := r.sqlc.Read(ctx, r.cfg.Database,
		`SELECT id FROM prps WHERE name = ?`, p.Name)
	if err != nil {
		return nil, fmt.Errorf("knowledge: create prp: %w", err)
	}
	if len(rows.Rows) > 0 {
		return nil, fmt.Errorf("%w: PRP name %q already exists", ErrConflict, p.Name)
	}

	title, description, objective := p.Title, p.Description, p.Objective
	if r.cfg.AutoTranslateOnCreate {
		title = AnnotateForTranslation(title, r.cfg.DefaultLanguage)
		description = AnnotateForTranslation(description, r.cfg.DefaultLanguage)
		objective = AnnotateForTranslation(objective, r.cfg.DefaultLanguage)
	}

	res, err := r.sqlc.Write(ctx, r.cfg.Database,
		`INSERT INTO prps (name, title, description, objective, context_data, implementation_details,
		                   validation_gates, status, priority, tags, search_text)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 'draft', ?, ?, ?)`,
		p.Name, title, description, objective,
		nullable(p.ContextData), nullable(p.ImplementationDetails), nullable(p.ValidationGates),
		p.Priority, joinTags(p.Tags), SearchText(title, description, objective),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, fmt.Errorf("%w: PRP name %q already exists", ErrConflict, p.Name)
		}
		return nil, fmt.Errorf("knowledge: create prp: %w", err)
	}
	return r.GetPRP(ctx, strconv.FormatInt(res.LastInsertRowID, 10))
}

// GetPRP fetches a PRP by numeric id or by name.
func (r *Repository) GetPRP(ctx context.Context, ref string) (*PRP, error) {
	where := "name = ?"
	var arg any = ref
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		where = "id = ?"
		arg = id
	}

	rows, err := r.sqlc.Read(ctx, r.cfg.Database,
		`SELECT id, name, title, description, objective, context_data, implementation_details,
		        validation_gates, status, priority, tags, search_text, created_at, updated_at
		 FROM prps WHERE `+where, arg)
	if err != nil {
		return nil, fmt.Errorf("knowledge: get prp: %w", err)
	}
	if len(rows.Rows) == 0 {
		return nil, fmt.Errorf("%w: PRP %q", ErrNotFound, ref)
	}
	prp := prpFromMap(rows.Rows[0])
	return &prp, nil
}

// ListPRPs returns PRPs matching the filter, newest first.
func (r *Repository) ListPRPs(ctx context.Context, filter PRPFilter) ([]PRP, error) {
	q := `SELECT id, name, title, description, objective, context_data, implementation_details,
	             validation_gates, status, priority, tags, search_text, created_at, updated_at
	      FROM prps WHERE 1=1`
	var args []any

	if filter.Status != "" {
		q += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.Query != "" {
		q += " AND search_text LIKE ?"
		args = append(args, "%"+strings.ToLower(filter.Query)+"%")
	}
	q += " ORDER BY updated_at DESC, id DESC"

	rows, err := r.sqlc.Read(ctx, r.cfg.Database, q, args...)
	if err != nil {
		return nil, fmt.Errorf("knowledge: list prps: %w", err)
	}

	out := make([]PRP, 0, len(rows.Rows))
	for _, m := range rows.Rows {
		out = append(out, prpFromMap(m))
	}
	return out, nil
}

// SearchPRPs returns up to limit PRPs whose search_text or tags match
// any significant term of the query. This is the retrieval-side
// counterpart of Search over the knowledge table.
func (r *Repository) SearchPRPs(ctx context.Context, query string, limit int) ([]PRP, error) {
	query = NormalizeQuery(query)
	if query == "" || limit <= 0 {
		return nil, nil
	}
	terms := queryTerms(query)

	var conds []string
	var args []any
	for _, t := range terms {
		conds = append(conds, "search_text LIKE ?", "tags LIKE ?")
		args = append(args, "%"+t+"%", "%"+t+"%")
	}
	args = append(args, limit)

	rows, err := r.sqlc.Read(ctx, r.cfg.Database,
		`SELECT id, name, title, description, objective, context_data, implementation_details,
		        validation_gates, status, priority, tags, search_text, created_at, updated_at
		 FROM prps
		 WHERE `+strings.Join(conds, " OR ")+`
		 ORDER BY updated_at DESC, id ASC
		 LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("knowledge: search prps: %w", err)
	}

	out := make([]PRP, 0, len(rows.Rows))
	for _, m := range rows.Rows {
		out = append(out, prpFromMap(m))
	}
	return out, nil
}

// UpdatePRP applies a partial update and recomputes search_text in the
// same statement as the row write.
func (r *Repository) UpdatePRP(ctx context.Context, id int64, patch PRPPatch) (*PRP, error) {
	current, err := r.GetPRP(ctx, strconv.FormatInt(id, 10))
	if err != nil {
		return nil, err
	}

	title, description, objective := current.Title, current.Description, current.Objective
	contextData := current.ContextData
	implDetails := current.ImplementationDetails
	gates := current.ValidationGates
	priority := current.Priority
	tags := current.Tags

	if patch.Title != nil {
		title = *patch.Title
	}
	if patch.Description != nil {
		description = *patch.Description
	}
	if patch.Objective != nil {
		objective = *patch.Objective
	}
	if patch.ContextData != nil {
		contextData = *patch.ContextData
	}
	if patch.ImplementationDetails != nil {
		implDetails = *patch.ImplementationDetails
	}
	if patch.ValidationGates != nil {
		gates = *patch.ValidationGates
	}
	if patch.Priority != nil {
		if !validPriorities[*patch.Priority] {
			return nil, fmt.Errorf("knowledge: invalid PRP priority %q", *patch.Priority)
		}
		priority = *patch.Priority
	}
	if patch.Tags != nil {
		tags = patch.Tags
	}

	if _, err := r.sqlc.Write(ctx, r.cfg.Database,
		`UPDATE prps
		 SET title = ?, description = ?, objective = ?, context_data = ?,
		     implementation_details = ?, validation_gates = ?, priority = ?, tags = ?,
		     search_text = ?, updated_at = datetime('now')
		 WHERE id = ?`,
		title, description, objective, nullable(contextData), nullable(implDetails),
		nullable(gates), priority, joinTags(tags),
		SearchText(title, description, objective), id,
	); err != nil {
		return nil, fmt.Errorf("knowledge: update prp: %w", err)
	}
	return r.GetPRP(ctx, strconv.FormatInt(id, 10))
}

// SetPRPStatus moves a PRP between draft, active and archived.
func (r *Repository) SetPRPStatus(ctx context.Context, id int64, status string) error {
	if !validStatuses[status] {
		return fmt.Errorf("knowledge: invalid PRP status %q", status)
	}
	res, err := r.sqlc.Write(ctx, r.cfg.Database,
		`UPDATE prps SET status = ?, updated_at = datetime('now') WHERE id = ?`,
		status, id,
	)
	if err != nil {
		return fmt.Errorf("knowledge: set prp status: %w", err)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: PRP %d", ErrNotFound, id)
	}
	return nil
}

func prpFromMap(m map[string]any) PRP {
	return PRP{
		ID:                    asInt64(m["id"]),
		Name:                  asString(m["name"]),
		Title:                 asString(m["title"]),
		Description:           asString(m["description"]),
		Objective:             asString(m["objective"]),
		ContextData:           asString(m["context_data"]),
		ImplementationDetails: asString(m["implementation_details"]),
		ValidationGates:       asString(m["validation_gates"]),
		Status:                asString(m["status"]),
		Priority:              asString(m["priority"]),
		Tags:                  splitTags(asString(m["tags"])),
		SearchText:            asString(m["search_text"]),
		CreatedAt:             asString(m["created_at"]),
		UpdatedAt:             asString(m["updated_at"]),
	}
}
