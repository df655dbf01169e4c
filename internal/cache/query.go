// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package cache

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/autobrr/qsync/internal/domain"
)

const torrentColumns = `hash, name, added_on, size, downloaded, uploaded, progress, eta, state, category, tags, dl_speed, up_speed, ratio, num_leechs, num_seeds, priority, save_path`

// whereBuilder accumulates AND-ed clauses with inlined literals.
type whereBuilder struct {
	clauses []string
}

func (b *whereBuilder) add(clause string) {
	b.clauses = append(b.clauses, clause)
}

func (b *whereBuilder) build() string {
	if len(b.clauses) == 0 {
		return "1=1"
	}
	return strings.Join(b.clauses, " AND ")
}

// BuildWhere renders the filter as a WHERE expression scoped to one account.
// Every string literal has its quotes doubled.
func BuildWhere(accountID int, filter domain.Filter) string {
	var b whereBuilder

	b.add("account_id = " + strconv.Itoa(accountID))

	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, s := range filter.States {
			states[i] = quote(string(s))
		}
		b.add("state IN (" + strings.Join(states, ", ") + ")")
	}

	if filter.Category != nil {
		b.add("category = " + quote(*filter.Category))
	}

	// Wrapping both sides in commas only matches whole tags.
	for _, tag := range filter.Tags {
		b.add(`(',' || COALESCE(tags, '') || ',') LIKE ` + likeContains(","+tag+",") + ` ESCAPE '\'`)
	}

	// A blank query still filters, it matches names containing the blank.
	if filter.Query != nil {
		b.add("name LIKE " + likeContains(*filter.Query) + ` ESCAPE '\'`)
	}

	return b.build()
}

// BuildFilterQuery returns the ordered SELECT for the filter.
func BuildFilterQuery(accountID int, filter domain.Filter) string {
	return "SELECT " + torrentColumns + " FROM torrents WHERE " + BuildWhere(accountID, filter) + " ORDER BY position ASC"
}

// BuildPageQuery returns BuildFilterQuery limited to one window.
func BuildPageQuery(accountID int, filter domain.Filter, limit, offset int) string {
	return fmt.Sprintf("%s LIMIT %d OFFSET %d", BuildFilterQuery(accountID, filter), max(limit, 0), max(offset, 0))
}

// BuildCountQuery counts the rows matching the filter.
func BuildCountQuery(accountID int, filter domain.Filter) string {
	return "SELECT COUNT(*) FROM torrents WHERE " + BuildWhere(accountID, filter)
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func likeContains(s string) string {
	return quote("%" + likeEscaper.Replace(s) + "%")
}
