package attestation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrInvalidSortField  = errors.New("attestation: invalid sort field")
	ErrInvalidPagination = errors.New("attestation: invalid pagination")
)

const listColumns = "id, claimer, ctype_hash, credential, approved, revoked, tx_state, created_at, updated_at, approved_at, revoked_at, deleted_at"

// sortableColumns is the allow-list for ORDER BY. Column names are spliced
// into the statement text, so anything outside this set is rejected rather
// than bound as a parameter.
var sortableColumns = map[string]struct{}{
	"id":          {},
	"claimer":     {},
	"ctype_hash":  {},
	"approved":    {},
	"revoked":     {},
	"tx_state":    {},
	"created_at":  {},
	"updated_at":  {},
	"approved_at": {},
	"revoked_at":  {},
}

// BuildListQuery translates a pagination description into a single
// parameterized statement over attestation_requests. The base predicate always
// excludes soft-deleted rows.
func BuildListQuery(p Pagination) (string, []any, error) {
	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(listColumns)
	sb.WriteString(" FROM attestation_requests WHERE deleted_at IS NULL")

	var args []any

	if p.Filter != nil {
		args = append(args, *p.Filter)
		sb.WriteString(" AND claimer = $")
		sb.WriteString(strconv.Itoa(len(args)))
	}

	if p.Sort != nil {
		col := p.Sort[0]
		if _, ok := sortableColumns[col]; !ok {
			return "", nil, fmt.Errorf("%w: %q", ErrInvalidSortField, col)
		}
		sb.WriteString(" ORDER BY ")
		sb.WriteString(col)
		if p.Sort[1] == "ASC" {
			sb.WriteString(" ASC")
		} else {
			sb.WriteString(" DESC")
		}
	}

	if p.Offset != nil {
		skip, take := p.Offset[0], p.Offset[1]
		if skip < 0 || take < 0 {
			return "", nil, fmt.Errorf("%w: offset [%d, %d]", ErrInvalidPagination, skip, take)
		}
		args = append(args, skip)
		sb.WriteString(" OFFSET $")
		sb.WriteString(strconv.Itoa(len(args)))
		args = append(args, take)
		sb.WriteString(" LIMIT $")
		sb.WriteString(strconv.Itoa(len(args)))
	}

	return sb.String(), args, nil
}
