// Package scorer decides how well a job posting matches an applicant.
package scorer

import (
	"context"
	"regexp"
	"strings"

	"github.com/mpetrov/autoapply/internal/apply"
)

// Keyword implements a rule-based match score from token overlap between the
// posting text and the applicant's skills. Scores are in [0, 1].
type Keyword struct {
	// TitleWeight boosts tokens found in the job title relative to the
	// description. Defaults to 2.
	TitleWeight float64
}

// NewKeyword creates a new keyword scorer.
func NewKeyword() *Keyword {
	return &Keyword{TitleWeight: 2}
}

var tokenPattern = regexp.MustCompile(`[a-z0-9+#.]+`)

// Score computes the weighted fraction of the applicant's skills that appear
// in the posting. A profile with no skills cannot be ranked and scores a
// neutral 0.5 so threshold configs still behave predictably.
func (k *Keyword) Score(_ context.Context, job apply.Job, profile apply.Profile) (float64, error) {
	skills := normalizeSkills(profile.Skills)
	if len(skills) == 0 {
		return 0.5, nil
	}

	titleTokens := tokenize(job.Title)
	descTokens := tokenize(job.Description)

	titleWeight := k.TitleWeight
	if titleWeight <= 0 {
		titleWeight = 2
	}

	var got, max float64
	for _, skill := range skills {
		max += titleWeight
		switch {
		case containsSkill(titleTokens, skill):
			got += titleWeight
		case containsSkill(descTokens, skill):
			got += 1
		}
	}
	if max == 0 {
		return 0, nil
	}
	return got / max, nil
}

func normalizeSkills(skills []string) []string {
	out := make([]string, 0, len(skills))
	for _, s := range skills {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func tokenize(text string) map[string]struct{} {
	tokens := tokenPattern.FindAllString(strings.ToLower(text), -1)
	set := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		set[tok] = struct{}{}
	}
	return set
}

// containsSkill matches multi-word skills token by token, so "machine
// learning" requires both tokens to be present.
func containsSkill(tokens map[string]struct{}, skill string) bool {
	for _, part := range strings.Fields(skill) {
		if _, ok := tokens[part]; !ok {
			return false
		}
	}
	return true
}
