// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package dbinterface

import (
	"context"
	"fmt"
	"strings"
)

// SQLite has SQLITE_MAX_VARIABLE_NUMBER limit (default 999, but can be higher).
// Modern SQLite often supports 32766, but we stay conservative at 900.
const maxParams = 900

// BuildQueryWithPlaceholders expands the single %s in queryTemplate into
// rows groups of placeholdersPerRow "?" markers: "(?, ?), (?, ?)".
func BuildQueryWithPlaceholders(queryTemplate string, placeholdersPerRow, rows int) string {
	if rows <= 0 || placeholdersPerRow <= 0 {
		return fmt.Sprintf(queryTemplate, "")
	}

	group := "(" + strings.TrimSuffix(strings.Repeat("?, ", placeholdersPerRow), ", ") + ")"

	var b strings.Builder
	b.Grow(rows * (len(group) + 2))
	for i := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(group)
	}

	return fmt.Sprintf(queryTemplate, b.String())
}

// RowsPerChunk returns how many rows of columns parameters fit in one statement.
func RowsPerChunk(columns int) int {
	if columns <= 0 {
		return maxParams
	}
	return max(1, maxParams/columns)
}

// BatchInsert executes queryTemplate (an INSERT with a single %s for the
// VALUES list) in chunks that respect the parameter limit. args returns the
// flattened parameters of row i.
func BatchInsert(ctx context.Context, tx TxQuerier, queryTemplate string, columns, rows int, args func(i int) []any) error {
	if rows == 0 {
		return nil
	}

	chunkSize := RowsPerChunk(columns)
	// Pre-build the query for full chunks, only the final chunk needs its own.
	fullQuery := BuildQueryWithPlaceholders(queryTemplate, columns, chunkSize)

	for start := 0; start < rows; start += chunkSize {
		end := min(start+chunkSize, rows)

		params := make([]any, 0, (end-start)*columns)
		for i := start; i < end; i++ {
			rowArgs := args(i)
			if len(rowArgs) != columns {
				return fmt.Errorf("row %d has %d values, expected %d", i, len(rowArgs), columns)
			}
			params = append(params, rowArgs...)
		}

		query := fullQuery
		if end-start < chunkSize {
			query = BuildQueryWithPlaceholders(queryTemplate, columns, end-start)
		}

		if _, err := tx.ExecContext(ctx, query, params...); err != nil {
			return fmt.Errorf("failed to batch insert rows %d-%d: %w", start, end, err)
		}
	}

	return nil
}
