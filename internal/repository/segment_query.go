package repository

import (
	"strings"
	"time"

	"github.com/jmehdipour/sms-broadcast/internal/model"
	"github.com/jmoiron/sqlx"
)

// membersQuery compiles a segment definition into a parameterized author query.
// Clauses come from a fixed set; every definition value is bound as an argument.
type membersQuery struct {
	where []string
	args  []any
}

func (m *membersQuery) add(clause string, args ...any) {
	m.where = append(m.where, clause)
	m.args = append(m.args, args...)
}

// buildMembersQuery selects reachable authors matching def, keyset-paginated by phone number.
// limit <= 0 means no limit.
func buildMembersQuery(def model.SegmentDefinition, now time.Time, after string, limit int) (string, []any, error) {
	m := &membersQuery{}
	m.add("a.unsubscribed = 0")
	m.add("a.excluded = 0")

	if after != "" {
		m.add("a.phone_number > ?", after)
	}
	if len(def.LabelsAny) > 0 {
		m.add(`EXISTS (SELECT 1 FROM author_labels l WHERE l.phone_number = a.phone_number AND l.label IN (?))`, def.LabelsAny)
	}
	if len(def.LabelsNone) > 0 {
		m.add(`NOT EXISTS (SELECT 1 FROM author_labels l WHERE l.phone_number = a.phone_number AND l.label IN (?))`, def.LabelsNone)
	}
	if def.RepliedWithinDays > 0 {
		m.add("a.last_replied_at >= ?", dbTime(now.AddDate(0, 0, -def.RepliedWithinDays)))
	}
	if def.InactiveForDays > 0 {
		m.add("(a.last_replied_at IS NULL OR a.last_replied_at < ?)", dbTime(now.AddDate(0, 0, -def.InactiveForDays)))
	}
	if def.PhonePrefix != "" {
		m.add(`a.phone_number LIKE ? ESCAPE '!'`, escapeLike(def.PhonePrefix)+"%")
	}

	q := `SELECT a.phone_number FROM authors a WHERE ` + strings.Join(m.where, " AND ") + ` ORDER BY a.phone_number`
	args := m.args
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	// expand IN (?) for label lists
	return sqlx.In(q, args...)
}

var likeEscaper = strings.NewReplacer(`!`, `!!`, `%`, `!%`, `_`, `!_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
