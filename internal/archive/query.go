package archive

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks pagination bounds.
func (c Criteria) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid query criteria: %w", err)
	}
	if c.StartDate != nil && c.EndDate != nil && c.EndDate.Before(*c.StartDate) {
		return fmt.Errorf("invalid query criteria: end date before start date")
	}
	return nil
}

// Query returns one page of messages matching c, newest first, and the total
// number of matches.
func (s *Store) Query(ctx context.Context, c Criteria) (Page, error) {
	if err := c.Validate(); err != nil {
		return Page{}, err
	}

	var conditions []string
	var args []interface{}

	if q := strings.TrimSpace(c.Search); q != "" {
		pattern := likePattern(q)
		conditions = append(conditions,
			"("+fold+"(subject) LIKE ? ESCAPE '\\' OR "+fold+"(sender) LIKE ? ESCAPE '\\' OR "+fold+"(body) LIKE ? ESCAPE '\\')")
		args = append(args, pattern, pattern, pattern)
	}
	if c.StartDate != nil {
		conditions = append(conditions, "email_date >= ?")
		args = append(args, c.StartDate.UnixMilli())
	}
	if c.EndDate != nil {
		conditions = append(conditions, "email_date <= ?")
		args = append(args, c.EndDate.UnixMilli())
	}
	if c.HasAttachments != nil {
		if *c.HasAttachments {
			conditions = append(conditions, "attachment_count > 0")
		} else {
			conditions = append(conditions, "attachment_count = 0")
		}
	}
	if sender := strings.TrimSpace(c.Sender); sender != "" {
		conditions = append(conditions, fold+"(sender) LIKE ? ESCAPE '\\'")
		args = append(args, likePattern(sender))
	}
	if c.ThreadID != "" {
		conditions = append(conditions, "thread_id = ?")
		args = append(args, c.ThreadID)
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM messages"+where, args...); err != nil {
		return Page{}, fmt.Errorf("counting matches: %w", err)
	}

	query := "SELECT " + messageColumns + " FROM messages" + where +
		" ORDER BY email_date DESC, created_at DESC, id ASC LIMIT ? OFFSET ?"
	pageArgs := append(append([]interface{}{}, args...), c.Limit, c.Offset)

	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, query, pageArgs...); err != nil {
		return Page{}, fmt.Errorf("querying messages: %w", err)
	}
	msgs, err := toMessages(rows)
	if err != nil {
		return Page{}, err
	}
	return Page{Messages: msgs, Total: total}, nil
}

// likePattern builds a case-insensitive substring pattern with LIKE
// wildcards in the input taken literally.
func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(strings.ToLower(s)) + "%"
}
