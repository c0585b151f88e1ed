package triage

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func testClassifier(endpoint string) *Classifier {
	return New(endpoint, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestTagOverrideShortCircuits(t *testing.T) {
	c := testClassifier("")

	got := c.Classify(context.Background(), "quarterly planning", "", []string{"#personal"})
	assert.Equal(t, PersonaPersonal, got.Persona, "tag override beats keyword evidence")
	assert.Equal(t, 0.95, got.Confidence)

	got = c.Classify(context.Background(), "buy groceries", "", []string{"work"})
	assert.Equal(t, PersonaWork, got.Persona)
	assert.Equal(t, 0.95, got.Confidence)
}

func TestKeywordScorer(t *testing.T) {
	c := testClassifier("")

	got := c.Classify(context.Background(), "standup meeting with client", "", nil)
	assert.Equal(t, PersonaWork, got.Persona)
	assert.GreaterOrEqual(t, got.Confidence, 0.70)

	got = c.Classify(context.Background(), "do the laundry", "", nil)
	assert.Equal(t, PersonaPersonal, got.Persona)
	assert.Equal(t, "Home", got.SuggestedList)

	got = c.Classify(context.Background(), "grocery run after the dentist", "", nil)
	assert.Equal(t, PersonaPersonal, got.Persona)
	assert.Equal(t, "Errands", got.SuggestedList, "first matching hint table entry wins")
}

func TestKeywordScorerUnknown(t *testing.T) {
	c := testClassifier("")

	got := c.Classify(context.Background(), "untitled thing", "", nil)
	assert.Equal(t, PersonaUnknown, got.Persona, "no signal at all")
	assert.Zero(t, got.Confidence)

	// Mixed signal below the decision threshold: meeting (2) vs laundry
	// (2) splits 50/50, under 0.70.
	got = c.Classify(context.Background(), "meeting about laundry", "", nil)
	assert.Equal(t, PersonaUnknown, got.Persona)
	assert.Less(t, got.Confidence, 0.70)
}

func TestRemoteClassification(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Write([]byte(`{"persona":"work","confidence":0.88,"category":""}`))
	}))
	defer server.Close()

	c := testClassifier(server.URL)
	got := c.Classify(context.Background(), "do the laundry", "", nil)
	assert.Equal(t, PersonaWork, got.Persona, "remote verdict beats local keywords")
	assert.Equal(t, 0.88, got.Confidence)
}

func TestRemoteFailureFallsBack(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"server error": func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		},
		"garbage body": func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte("not json"))
		},
		"bad persona": func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte(`{"persona":"robot","confidence":1}`))
		},
	}
	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			server := httptest.NewServer(handler)
			defer server.Close()

			c := testClassifier(server.URL)
			got := c.Classify(context.Background(), "do the laundry", "", nil)
			assert.Equal(t, PersonaPersonal, got.Persona, "fallback scorer decides")
		})
	}
}

func TestRemoteUnreachableFallsBack(t *testing.T) {
	c := testClassifier("http://127.0.0.1:1/classify")
	got := c.Classify(context.Background(), "standup with stakeholder", "", nil)
	assert.Equal(t, PersonaWork, got.Persona)
}
