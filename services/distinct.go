package services

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"gorm.io/gorm"

	"marki/models"
)

const defaultDistinctLimit = 50

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// DistinctService reads the Parse database directly, which the REST API cannot
// do for DISTINCT queries.
type DistinctService struct {
	db *gorm.DB
}

func NewDistinctService(db *gorm.DB) *DistinctService {
	return &DistinctService{db: db}
}

type DistinctValues struct {
	Success    bool   `json:"success"`
	ColumnName string `json:"columnName"`
	Values     []any  `json:"values"`
	Count      int    `json:"count"`
	Message    string `json:"message,omitempty"`
}

// Values returns up to limit distinct non-null values of an Impayes column.
func (s *DistinctService) Values(ctx context.Context, column string, limit int) (DistinctValues, error) {
	column = strings.TrimSpace(column)
	if column == "" {
		return DistinctValues{}, invalid("columnName is required")
	}
	if !identifier.MatchString(column) {
		return DistinctValues{}, invalid("columnName must be a plain identifier")
	}
	if limit == 0 {
		limit = defaultDistinctLimit
	}
	if limit < 0 {
		return DistinctValues{}, invalid("limit must be a positive number")
	}
	if s.db == nil {
		return DistinctValues{}, fmt.Errorf("distinct values: database not connected")
	}

	query := fmt.Sprintf(`SELECT DISTINCT %q AS value FROM %q WHERE %q IS NOT NULL LIMIT ?`,
		column, models.ClassImpayes, column)
	rows, err := s.db.WithContext(ctx).Raw(query, limit).Rows()
	if err != nil {
		return DistinctValues{}, fmt.Errorf("distinct %s: %w", column, err)
	}
	defer rows.Close()

	values := []any{}
	for rows.Next() {
		var v any
		if err := rows.Scan(&v); err != nil {
			return DistinctValues{}, fmt.Errorf("distinct %s: %w", column, err)
		}
		values = append(values, sourceValue(v))
	}
	if err := rows.Err(); err != nil {
		return DistinctValues{}, fmt.Errorf("distinct %s: %w", column, err)
	}

	res := DistinctValues{Success: true, ColumnName: column, Values: values, Count: len(values)}
	if len(values) == 0 {
		res.Message = fmt.Sprintf("Aucune valeur trouvée pour la colonne %s.", column)
	}
	return res, nil
}
