package corrector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func chatResponse(content string) map[string]any {
	return map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
	}
}

func TestCorrectExtractsBest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(chatResponse(`{"candidate_1":"a","candidate_2":"b","candidate_3":"c","best":"the best one"}`))
	}))
	defer srv.Close()

	c := New(Config{APIURL: srv.URL, Model: "test-model"})
	got := c.Correct(context.Background(), "the best one raw")
	if got != "the best one" {
		t.Errorf("Correct = %q, want %q", got, "the best one")
	}
}

func TestCorrectFallsBackOnMalformedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(chatResponse(`not json at all`))
	}))
	defer srv.Close()

	c := New(Config{APIURL: srv.URL, Model: "test-model"})
	got := c.Correct(context.Background(), "hello world")
	if got != "hello world." {
		t.Errorf("Correct = %q, want %q", got, "hello world.")
	}
}

func TestCorrectFallsBackOnHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(Config{APIURL: srv.URL, Model: "test-model"})
	got := c.Correct(context.Background(), "already punctuated!")
	if got != "already punctuated!" {
		t.Errorf("Correct = %q, want unchanged", got)
	}
}

func TestCorrectEmptyInputPassthrough(t *testing.T) {
	c := New(Config{APIURL: "http://unused.invalid", Model: "test-model"})
	if got := c.Correct(context.Background(), ""); got != "" {
		t.Errorf("Correct(\"\") = %q, want empty", got)
	}
}
