package memory

import (
	"strings"

	"github.com/google/uuid"

	"github.com/cerise-ai/cerise/pkg/models"
)

// TripleExtractor derives knowledge-graph triples from a memory record.
type TripleExtractor interface {
	ExtractTriples(rec *models.MemoryRecord) []*models.Triple
}

// RuleTripleExtractor reads structured metadata ("triples") and inline
// "fact: S | P | O" lines, plus simple "<S> is <O>" sentences.
type RuleTripleExtractor struct{}

// ExtractTriples implements TripleExtractor.
func (RuleTripleExtractor) ExtractTriples(rec *models.MemoryRecord) []*models.Triple {
	var out []*models.Triple
	add := func(subject, predicate, object string) {
		subject, predicate, object = strings.TrimSpace(subject), strings.TrimSpace(predicate), strings.TrimSpace(object)
		if subject == "" || predicate == "" || object == "" {
			return
		}
		out = append(out, &models.Triple{
			TripleID:  uuid.NewString(),
			SessionID: rec.SessionID,
			Subject:   subject,
			Predicate: predicate,
			Object:    object,
			MemoryID:  rec.ID,
			CreatedAt: rec.CreatedAt,
			Score:     1,
		})
	}

	if rec.Metadata != nil {
		if raw, ok := rec.Metadata["triples"].([]any); ok {
			for _, e := range raw {
				m, ok := e.(map[string]any)
				if !ok {
					continue
				}
				s, _ := m["subject"].(string)
				p, _ := m["predicate"].(string)
				o, _ := m["object"].(string)
				add(s, p, o)
			}
		}
	}

	for _, line := range strings.Split(rec.Content, "\n") {
		line = strings.TrimSpace(line)
		lower := strings.ToLower(line)
		if rest, ok := strings.CutPrefix(lower, "fact:"); ok {
			// Recover original casing from the raw line.
			raw := line[len(line)-len(rest):]
			parts := strings.Split(raw, "|")
			if len(parts) == 3 {
				add(parts[0], parts[1], parts[2])
			}
			continue
		}
		if s, o, ok := strings.Cut(line, " is "); ok && !strings.ContainsAny(s, ".?!") {
			if len(strings.Fields(s)) <= 4 {
				add(s, "is", strings.TrimRight(o, ".?! "))
			}
		}
	}
	return out
}

// ExtractEntities pulls candidate entity strings from a query for
// associative graph walking: individual non-stopword terms.
func ExtractEntities(query string) []string {
	seen := map[string]bool{}
	var out []string
	for _, term := range strings.Fields(query) {
		term = strings.Trim(strings.ToLower(term), ".,:;?!\"'")
		if len(term) < 3 || stopwords[term] || seen[term] {
			continue
		}
		seen[term] = true
		out = append(out, term)
	}
	return out
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "was": true, "are": true, "you": true, "what": true,
	"who": true, "how": true, "when": true, "where": true, "why": true,
	"did": true, "does": true, "have": true, "has": true, "about": true,
}
