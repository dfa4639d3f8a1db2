// Package scope manages project scope items and hides their pricing from principals without
// cost visibility.
package scope

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/formula-pm/formula-pm/internal/rbac"
)

// Item is a line in a project's bill of quantities.
type Item struct {
	ID          uuid.UUID
	ProjectID   uuid.UUID
	CreatedBy   uuid.UUID
	Code        string
	Description string
	Unit        string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
	Status      string
	Version     int64
	UpdatedAt   time.Time
}

// Resource returns the access attributes of the item.
func (i Item) Resource() rbac.Resource {
	return rbac.Resource{
		Type:      rbac.ResourceScopeItem,
		ID:        i.ID,
		ProjectID: i.ProjectID,
		OwnerID:   i.CreatedBy,
		Status:    i.Status,
	}
}

// View is an item as returned to a principal. Cost fields are nil unless the principal may
// see cost data.
type View struct {
	ID          uuid.UUID        `json:"id"`
	ProjectID   uuid.UUID        `json:"project_id"`
	Code        string           `json:"code"`
	Description string           `json:"description"`
	Unit        string           `json:"unit"`
	Quantity    decimal.Decimal  `json:"quantity"`
	UnitPrice   *decimal.Decimal `json:"unit_price,omitempty"`
	Total       *decimal.Decimal `json:"total,omitempty"`
	Status      string           `json:"status"`
	Version     int64            `json:"version"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

func newView(i Item, costVisible bool) View {
	v := View{
		ID:          i.ID,
		ProjectID:   i.ProjectID,
		Code:        i.Code,
		Description: i.Description,
		Unit:        i.Unit,
		Quantity:    i.Quantity,
		Status:      i.Status,
		Version:     i.Version,
		UpdatedAt:   i.UpdatedAt,
	}
	if costVisible {
		price := i.UnitPrice
		total := i.Quantity.Mul(i.UnitPrice)
		v.UnitPrice, v.Total = &price, &total
	}
	return v
}

// UpdateInput is a partial update. Nil fields are left unchanged.
type UpdateInput struct {
	Description *string
	Quantity    *decimal.Decimal
	UnitPrice   *decimal.Decimal
	// Version, when non-zero, must match the stored version.
	Version int64
}

func (in UpdateInput) empty() bool {
	return in.Description == nil && in.Quantity == nil && in.UnitPrice == nil
}
