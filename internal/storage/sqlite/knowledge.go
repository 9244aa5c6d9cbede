package sqlite

import (
	"context"
	"encoding/json"
	"strings"

	relay "github.com/veylan/relay/internal"
)

const atomCols = `id, user_id, type, content, embedding, usage_count, helpful_count, created_at`

// CreateAtom inserts a knowledge atom.
func (s *Store) CreateAtom(ctx context.Context, a *relay.KnowledgeAtom) error {
	emb, err := json.Marshal(a.Embedding)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO knowledge_atoms (id, user_id, type, content, embedding, usage_count, helpful_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, a.Type, a.Content, string(emb),
		a.UsageCount, a.HelpfulCount, timeToStr(a.CreatedAt),
	)
	return err
}

// SearchAtoms returns a user's atoms whose content matches any word of the
// query, most helpful first. This is the local keyword retriever; a vector
// store can replace it behind knowledge.Retriever.
func (s *Store) SearchAtoms(ctx context.Context, userID, query string, limit int) ([]*relay.KnowledgeAtom, error) {
	if limit <= 0 {
		limit = 5
	}
	terms := searchTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}

	var sb strings.Builder
	args := make([]any, 0, len(terms)+2)
	args = append(args, userID)
	for i, t := range terms {
		if i > 0 {
			sb.WriteString(" OR ")
		}
		sb.WriteString("content LIKE ? COLLATE NOCASE")
		args = append(args, "%"+t+"%")
	}
	args = append(args, limit)

	rows, err := s.read.QueryContext(ctx,
		`SELECT `+atomCols+` FROM knowledge_atoms
		 WHERE user_id = ? AND (`+sb.String()+`)
		 ORDER BY helpful_count DESC, usage_count DESC, created_at DESC
		 LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*relay.KnowledgeAtom
	for rows.Next() {
		a, err := scanAtom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// BumpAtomUsage increments usage counters for the given atoms.
func (s *Store) BumpAtomUsage(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?, ", len(ids)-1) + "?"
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.write.ExecContext(ctx,
		`UPDATE knowledge_atoms SET usage_count = usage_count + 1 WHERE id IN (`+placeholders+`)`,
		args...)
	return err
}

// searchTerms splits a query into match terms, dropping short stop-ish words.
func searchTerms(query string) []string {
	fields := strings.Fields(query)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, `.,;:!?"'()`)
		if len(f) < 3 {
			continue
		}
		out = append(out, f)
		if len(out) == 8 {
			break
		}
	}
	return out
}

func scanAtom(sc scanner) (*relay.KnowledgeAtom, error) {
	var a relay.KnowledgeAtom
	var emb, createdAt string
	err := sc.Scan(&a.ID, &a.UserID, &a.Type, &a.Content, &emb,
		&a.UsageCount, &a.HelpfulCount, &createdAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	if err := json.Unmarshal([]byte(emb), &a.Embedding); err != nil {
		a.Embedding = nil
	}
	a.CreatedAt = parseTime(createdAt)
	return &a, nil
}
