// Package triage routes incoming device items into "personal" vs "work"
// before they are imported into the ledger. Classification is best-effort:
// an unknown verdict just means the item follows the default import path.
package triage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Persona is the classification verdict.
type Persona string

const (
	PersonaPersonal Persona = "personal"
	PersonaWork     Persona = "work"
	PersonaUnknown  Persona = "unknown"
)

// Result carries the verdict, a confidence in [0,1], and for personal
// items possibly a suggested destination list.
type Result struct {
	Persona       Persona
	Confidence    float64
	SuggestedList string
}

const (
	// tagOverrideConfidence is reported when an explicit tag decides the
	// verdict outright.
	tagOverrideConfidence = 0.95

	// minConfidence is the decision threshold for the keyword fallback.
	// Applied at every call site; below it the verdict is unknown.
	minConfidence = 0.70

	remoteTimeout = 3 * time.Second
)

// Tag overrides. Checked case-insensitively against the item's tags.
var (
	workTags     = map[string]bool{"work": true, "office": true, "job": true}
	personalTags = map[string]bool{"personal": true, "home": true, "family": true}
)

// Weighted keyword tables for the local fallback scorer.
var workKeywords = map[string]float64{
	"meeting": 2, "standup": 2, "deadline": 2, "client": 2, "deploy": 2,
	"sprint": 1.5, "invoice": 1.5, "report": 1.5, "presentation": 1.5,
	"review": 1, "budget": 1, "quarterly": 1.5, "okr": 2, "jira": 2,
	"interview": 1.5, "stakeholder": 2,
}

var personalKeywords = map[string]float64{
	"grocery": 2, "groceries": 2, "laundry": 2, "washing": 2, "dentist": 2,
	"birthday": 2, "doctor": 1.5, "gym": 1.5, "vacation": 1.5, "kids": 1.5,
	"shopping": 1.5, "school": 1.5, "dinner": 1, "walk the dog": 2,
	"haircut": 1.5, "pharmacy": 1.5, "rent": 1, "mom": 1.5, "dad": 1.5,
}

// categoryHints maps personal-signal substrings onto a suggested list.
var categoryHints = []struct {
	substrings []string
	list       string
}{
	{[]string{"laundry", "washing", "vacuum", "dishes", "clean"}, "Home"},
	{[]string{"grocery", "groceries", "shopping", "pharmacy"}, "Errands"},
	{[]string{"dentist", "doctor", "gym", "haircut"}, "Health"},
	{[]string{"birthday", "dinner", "vacation", "kids", "school"}, "Family"},
}

// Classifier decides a persona for one item. A zero endpoint disables the
// remote step; tags and keywords always work offline.
type Classifier struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

func New(endpoint string, logger *slog.Logger) *Classifier {
	return &Classifier{
		endpoint: endpoint,
		client:   &http.Client{Timeout: remoteTimeout},
		logger:   logger,
	}
}

// Classify runs the decision chain: explicit tag override, remote
// classification when configured, then the local keyword scorer.
func (c *Classifier) Classify(ctx context.Context, title, notes string, tags []string) Result {
	for _, tag := range tags {
		normalized := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(tag), "#"))
		if workTags[normalized] {
			return Result{Persona: PersonaWork, Confidence: tagOverrideConfidence}
		}
		if personalTags[normalized] {
			return Result{
				Persona:       PersonaPersonal,
				Confidence:    tagOverrideConfidence,
				SuggestedList: suggestList(title + " " + notes),
			}
		}
	}

	if c.endpoint != "" {
		if result, ok := c.classifyRemote(ctx, title, notes, tags); ok {
			return result
		}
	}

	return c.classifyKeywords(title, notes)
}

type remoteRequest struct {
	Title string   `json:"title"`
	Notes string   `json:"notes,omitempty"`
	Tags  []string `json:"tags,omitempty"`
}

type remoteResponse struct {
	Persona    string  `json:"persona"`
	Confidence float64 `json:"confidence"`
	Category   string  `json:"category,omitempty"`
}

func (c *Classifier) classifyRemote(ctx context.Context, title, notes string, tags []string) (Result, bool) {
	body, err := json.Marshal(remoteRequest{Title: title, Notes: notes, Tags: tags})
	if err != nil {
		return Result{}, false
	}

	ctx, cancel := context.WithTimeout(ctx, remoteTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("remote classification unavailable", "error", err)
		return Result{}, false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Debug("remote classification rejected", "status", resp.StatusCode)
		return Result{}, false
	}

	var decoded remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		c.logger.Debug("remote classification unparseable", "error", err)
		return Result{}, false
	}

	persona, err := parsePersona(decoded.Persona)
	if err != nil {
		c.logger.Debug("remote classification invalid persona", "persona", decoded.Persona)
		return Result{}, false
	}

	result := Result{Persona: persona, Confidence: clamp01(decoded.Confidence), SuggestedList: decoded.Category}
	if persona == PersonaPersonal && result.SuggestedList == "" {
		result.SuggestedList = suggestList(title + " " + notes)
	}
	return result, true
}

func (c *Classifier) classifyKeywords(title, notes string) Result {
	text := strings.ToLower(title + " " + notes)

	workScore := scoreKeywords(text, workKeywords)
	personalScore := scoreKeywords(text, personalKeywords)
	total := workScore + personalScore
	if total == 0 {
		return Result{Persona: PersonaUnknown}
	}

	winner := PersonaWork
	confidence := workScore / total
	if personalScore > workScore {
		winner = PersonaPersonal
		confidence = personalScore / total
	}
	if confidence < minConfidence {
		return Result{Persona: PersonaUnknown, Confidence: confidence}
	}

	result := Result{Persona: winner, Confidence: confidence}
	if winner == PersonaPersonal {
		result.SuggestedList = suggestList(text)
	}
	return result
}

func scoreKeywords(text string, table map[string]float64) float64 {
	var score float64
	for keyword, weight := range table {
		if strings.Contains(text, keyword) {
			score += weight
		}
	}
	return score
}

func suggestList(text string) string {
	text = strings.ToLower(text)
	for _, hint := range categoryHints {
		for _, sub := range hint.substrings {
			if strings.Contains(text, sub) {
				return hint.list
			}
		}
	}
	return ""
}

func parsePersona(raw string) (Persona, error) {
	switch Persona(strings.ToLower(strings.TrimSpace(raw))) {
	case PersonaPersonal:
		return PersonaPersonal, nil
	case PersonaWork:
		return PersonaWork, nil
	case PersonaUnknown:
		return PersonaUnknown, nil
	}
	return PersonaUnknown, fmt.Errorf("triage: unrecognized persona %q", raw)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
