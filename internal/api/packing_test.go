package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Shichao-Wang/sketched-nl2sql/internal/segment"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/sketch"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/tensor"
)

const embedDim = 2

// echoEncoder turns every position into a vector filled with its token id.
var echoEncoder = sketch.EncoderFunc(func(_ context.Context, tokens tensor.Matrix[int64]) (tensor.Float, error) {
	out := tensor.NewFloat(tokens.Rows, tokens.Cols, embedDim)
	for i, token := range tokens.Data {
		for k := 0; k < embedDim; k++ {
			out.Data[i*embedDim+k] = float32(token)
		}
	}
	return out, nil
})

func TestPackEndpoint(t *testing.T) {
	h := NewHandler(loadConfig(t, nil), Dependencies{Packer: newTestPacker(t)})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, jsonRequest(t, http.MethodPost, "/v1/pack", batchRequest{
		Questions:    [][]int64{{11, 12}, {21}},
		Headers:      [][]int64{{31}, {41, 42}},
		HeaderCounts: []int{2, 0},
	}, ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rr.Code, rr.Body.String())
	}

	var response packResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if response.Rows != 2 || response.Cols != 8 {
		t.Fatalf("shape = (%d, %d)", response.Rows, response.Cols)
	}
	wantTokens := [][]int64{
		{101, 31, 102, 41, 42, 102, 11, 12},
		{101, 21, 0, 0, 0, 0, 0, 0},
	}
	wantSegments := [][]segment.Label{
		{segment.CLS, segment.Header, segment.SEP, segment.Header, segment.Header, segment.SEP, segment.Question, segment.Question},
		{segment.CLS, segment.Question, segment.Pad, segment.Pad, segment.Pad, segment.Pad, segment.Pad, segment.Pad},
	}
	for i := range wantTokens {
		for j := range wantTokens[i] {
			if response.Tokens[i][j] != wantTokens[i][j] || response.Segments[i][j] != wantSegments[i][j] {
				t.Fatalf("row %d = %v / %v", i, response.Tokens[i], response.Segments[i])
			}
		}
	}
}

func TestPackEndpointRejectsBadInput(t *testing.T) {
	h := NewHandler(loadConfig(t, nil), Dependencies{Packer: newTestPacker(t)})
	tests := []struct {
		name    string
		payload any
		code    string
	}{
		{name: "empty header", payload: batchRequest{Questions: [][]int64{{1}}, Headers: [][]int64{{0}}, HeaderCounts: []int{1}}, code: "EMPTY_HEADER"},
		{name: "count mismatch", payload: batchRequest{Questions: [][]int64{{1}}, HeaderCounts: []int{1}}, code: "INVALID_SHAPE"},
		{name: "no questions", payload: batchRequest{}, code: "QUESTIONS_REQUIRED"},
		{name: "unknown field", payload: map[string]any{"questions": [][]int64{{1}}, "bogus": true}, code: "INVALID_JSON"},
	}
	for _, tt := range tests {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, jsonRequest(t, http.MethodPost, "/v1/pack", tt.payload, ""))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d", tt.name, rr.Code)
		}
		if body := decodeBody(t, rr); body["error_code"] != tt.code {
			t.Fatalf("%s: error_code = %v, want %s", tt.name, body["error_code"], tt.code)
		}
	}
}

func TestPackEndpointNotConfigured(t *testing.T) {
	h := NewHandler(loadConfig(t, nil), Dependencies{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, jsonRequest(t, http.MethodPost, "/v1/pack", batchRequest{Questions: [][]int64{{1}}, HeaderCounts: []int{0}}, ""))
	if rr.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestEncodeEndpointRoundTrip(t *testing.T) {
	h := NewHandler(loadConfig(t, nil), Dependencies{
		Packer:   newTestPacker(t),
		Unpacker: newTestUnpacker(),
		Encoder:  echoEncoder,
	})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, jsonRequest(t, http.MethodPost, "/v1/encode", batchRequest{
		Questions:    [][]int64{{11, 12}, {21}},
		Headers:      [][]int64{{31}, {41, 42}},
		HeaderCounts: []int{2, 0},
	}, ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rr.Code, rr.Body.String())
	}

	var response featuresResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if len(response.Questions) != 2 || len(response.Headers) != 2 {
		t.Fatalf("response = %+v", response)
	}
	if response.Questions[0][1][0] != 12 || response.Questions[1][0][0] != 21 || response.Questions[1][1][0] != -1 {
		t.Fatalf("Questions = %v", response.Questions)
	}
	if response.Headers[0][0][0] != 31 || response.Headers[0][1][0] != -1 || response.Headers[1][1][1] != 42 {
		t.Fatalf("Headers = %v", response.Headers)
	}
	if response.HeaderCounts[0] != 2 || response.HeaderCounts[1] != 0 {
		t.Fatalf("HeaderCounts = %v", response.HeaderCounts)
	}
	if response.HeaderLengths[0] != 1 || response.HeaderLengths[1] != 2 {
		t.Fatalf("HeaderLengths = %v", response.HeaderLengths)
	}
	if response.QuestionLengths[0] != 2 || response.QuestionLengths[1] != 1 {
		t.Fatalf("QuestionLengths = %v", response.QuestionLengths)
	}
}

func TestEncodeEndpointMapsEncoderFailures(t *testing.T) {
	failing := sketch.EncoderFunc(func(context.Context, tensor.Matrix[int64]) (tensor.Float, error) {
		return tensor.Float{}, errors.New("upstream timeout")
	})
	wrongShape := sketch.EncoderFunc(func(_ context.Context, tokens tensor.Matrix[int64]) (tensor.Float, error) {
		return tensor.NewFloat(tokens.Rows, tokens.Cols+1, embedDim), nil
	})
	for name, encoder := range map[string]sketch.Encoder{"failing": failing, "wrong shape": wrongShape} {
		h := NewHandler(loadConfig(t, nil), Dependencies{
			Packer:   newTestPacker(t),
			Unpacker: newTestUnpacker(),
			Encoder:  encoder,
		})
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, jsonRequest(t, http.MethodPost, "/v1/encode", batchRequest{Questions: [][]int64{{1}}, HeaderCounts: []int{0}}, ""))
		if rr.Code != http.StatusBadGateway {
			t.Fatalf("%s: status = %d", name, rr.Code)
		}
		if body := decodeBody(t, rr); body["error_code"] != "ENCODER_FAILED" {
			t.Fatalf("%s: body = %v", name, body)
		}
	}
}

func TestEncodeEndpointNotConfigured(t *testing.T) {
	h := NewHandler(loadConfig(t, nil), Dependencies{Packer: newTestPacker(t), Unpacker: newTestUnpacker()})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, jsonRequest(t, http.MethodPost, "/v1/encode", batchRequest{Questions: [][]int64{{1}}, HeaderCounts: []int{0}}, ""))
	if rr.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestUnpackEndpoint(t *testing.T) {
	h := NewHandler(loadConfig(t, nil), Dependencies{Unpacker: newTestUnpacker()})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, jsonRequest(t, http.MethodPost, "/v1/unpack", unpackRequest{
		Encoded: [][][]float32{
			{{0}, {7}, {0}, {5}, {6}},
		},
		Segments: [][]segment.Label{
			{segment.CLS, segment.Header, segment.SEP, segment.Question, segment.Question},
		},
		HeaderCounts: []int{1},
	}, ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rr.Code, rr.Body.String())
	}
	var response featuresResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if len(response.Headers) != 1 || response.Headers[0][0][0] != 7 {
		t.Fatalf("Headers = %v", response.Headers)
	}
	if len(response.Questions[0]) != 2 || response.Questions[0][1][0] != 6 {
		t.Fatalf("Questions = %v", response.Questions)
	}
}

func TestUnpackEndpointRejectsBadStructure(t *testing.T) {
	h := NewHandler(loadConfig(t, nil), Dependencies{Unpacker: newTestUnpacker()})
	zeros := func(rows, cols int) [][][]float32 {
		out := make([][][]float32, rows)
		for i := range out {
			out[i] = make([][]float32, cols)
			for j := range out[i] {
				out[i][j] = []float32{0}
			}
		}
		return out
	}
	tests := []struct {
		name    string
		payload unpackRequest
		code    string
	}{
		{
			name:    "malformed segments",
			payload: unpackRequest{Encoded: zeros(2, 4), Segments: [][]segment.Label{{3, 2, 4, 1}, {3, 4, 1, 0}}},
			code:    "MALFORMED_SEGMENTS",
		},
		{
			name:    "ragged segments",
			payload: unpackRequest{Encoded: zeros(2, 2), Segments: [][]segment.Label{{3, 1}, {3}}},
			code:    "INVALID_SHAPE",
		},
		{
			name:    "encoded shorter than segments",
			payload: unpackRequest{Encoded: zeros(1, 2), Segments: [][]segment.Label{{3, 1, 1}}},
			code:    "INVALID_SHAPE",
		},
		{
			name:    "header count mismatch",
			payload: unpackRequest{Encoded: zeros(1, 4), Segments: [][]segment.Label{{3, 2, 4, 1}}, HeaderCounts: []int{2}},
			code:    "HEADER_COUNT_MISMATCH",
		},
	}
	for _, tt := range tests {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, jsonRequest(t, http.MethodPost, "/v1/unpack", tt.payload, ""))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d body = %s", tt.name, rr.Code, rr.Body.String())
		}
		body := decodeBody(t, rr)
		if body["error_code"] != tt.code {
			t.Fatalf("%s: error_code = %v, want %s", tt.name, body["error_code"], tt.code)
		}
		if tt.code == "MALFORMED_SEGMENTS" {
			extra, _ := body["context"].(map[string]any)
			if extra["example"] != float64(1) {
				t.Fatalf("%s: context = %v", tt.name, body["context"])
			}
			if !strings.Contains(body["message"].(string), "example 1") {
				t.Fatalf("%s: message = %v", tt.name, body["message"])
			}
		}
	}
}
