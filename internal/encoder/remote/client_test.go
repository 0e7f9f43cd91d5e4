package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Shichao-Wang/sketched-nl2sql/internal/tensor"
)

func TestNewRequiresBaseURLAndModel(t *testing.T) {
	if _, err := New(Config{Model: "bert"}); err == nil {
		t.Fatal("expected error for missing base URL")
	}
	if _, err := New(Config{BaseURL: "http://localhost"}); err == nil {
		t.Fatal("expected error for missing model")
	}
}

func TestEncodeSendsTokensAndParsesHiddenStates(t *testing.T) {
	var got encodeRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/encode" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		hidden := make([][][]float32, len(got.InputIDs))
		for i, row := range got.InputIDs {
			hidden[i] = make([][]float32, len(row))
			for j, id := range row {
				hidden[i][j] = []float32{float32(id), float32(-id)}
			}
		}
		_ = json.NewEncoder(w).Encode(encodeResponse{HiddenStates: hidden})
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL + "/", APIKey: "secret", Model: "bert-base-uncased", Timeout: time.Second})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	tokens := tensor.PadRows([][]int64{{101, 7, 102}, {101, 8}}, 0)
	hidden, err := client.Encode(context.Background(), tokens)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if got.Model != "bert-base-uncased" || len(got.InputIDs) != 2 || got.InputIDs[1][2] != 0 {
		t.Fatalf("request = %+v", got)
	}
	if hidden.Dim(0) != 2 || hidden.Dim(1) != 3 || hidden.Dim(2) != 2 {
		t.Fatalf("hidden shape = %v", hidden.Shape)
	}
	if hidden.At(0, 1, 0) != 7 || hidden.At(0, 1, 1) != -7 {
		t.Fatalf("hidden[0][1] = %v, %v", hidden.At(0, 1, 0), hidden.At(0, 1, 1))
	}
}

func TestEncodeRejectsShapeMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(encodeResponse{HiddenStates: [][][]float32{{{1}}}})
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL, Model: "bert"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	_, err = client.Encode(context.Background(), tensor.PadRows([][]int64{{1, 2}, {3}}, 0))
	if !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Fatalf("Encode() error = %v, want ErrShapeMismatch", err)
	}
}

func TestEncodeSurfacesUpstreamStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client, err := New(Config{BaseURL: server.URL, Model: "bert"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := client.Encode(context.Background(), tensor.PadRows([][]int64{{1}}, 0)); err == nil {
		t.Fatal("expected error for 503 response")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("abcdef", 3); got != "abc..." {
		t.Fatalf("truncate() = %q", got)
	}
	if got := truncate("ab", 3); got != "ab" {
		t.Fatalf("truncate() = %q", got)
	}
}
