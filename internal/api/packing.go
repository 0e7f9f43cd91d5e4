package api

import (
	"net/http"
	"time"

	"github.com/Shichao-Wang/sketched-nl2sql/internal/observability"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/segment"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/sketch"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/tensor"
	"github.com/Shichao-Wang/sketched-nl2sql/internal/vocab"
)

// batchRequest carries ragged token rows; rows are right-padded with the
// source pad id before packing.
type batchRequest struct {
	Questions    [][]int64 `json:"questions"`
	Headers      [][]int64 `json:"headers"`
	HeaderCounts []int     `json:"header_counts"`
}

type packResponse struct {
	Tokens   [][]int64         `json:"tokens"`
	Segments [][]segment.Label `json:"segments"`
	Rows     int               `json:"rows"`
	Cols     int               `json:"cols"`
}

type unpackRequest struct {
	Encoded      [][][]float32     `json:"encoded"`
	Segments     [][]segment.Label `json:"segments"`
	HeaderCounts []int             `json:"header_counts"`
}

type featuresResponse struct {
	Questions       [][][]float32 `json:"questions"`
	Headers         [][][]float32 `json:"headers"`
	HeaderCounts    []int         `json:"header_counts"`
	QuestionLengths []int         `json:"question_lengths"`
	HeaderLengths   []int         `json:"header_lengths"`
}

func (b batchRequest) batch() sketch.Batch {
	return sketch.Batch{
		Questions:    tensor.PadRows(b.Questions, vocab.SourcePad),
		Headers:      tensor.PadRows(b.Headers, vocab.SourcePad),
		HeaderCounts: b.HeaderCounts,
	}
}

func handlePack(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Packer == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "PACKER_NOT_CONFIGURED", "packer is not configured", false, nil)
		return
	}
	var request batchRequest
	if !decodeJSON(w, r, &request) {
		return
	}
	if len(request.Questions) == 0 {
		writeError(r.Context(), w, http.StatusBadRequest, "QUESTIONS_REQUIRED", "at least one question is required", false, nil)
		return
	}

	batch := request.batch()
	start := time.Now()
	packed, err := deps.Packer.Pack(batch.Questions, batch.Headers, batch.HeaderCounts)
	if err != nil {
		observability.ObserveStructureError("pack", err)
		writeStructureError(w, r, err)
		return
	}
	observability.ObservePack(packed.Segments, time.Since(start))

	writeJSON(w, http.StatusOK, packResponse{
		Tokens:   packed.Tokens.ToRows(),
		Segments: packed.Segments.ToRows(),
		Rows:     packed.Tokens.Rows,
		Cols:     packed.Tokens.Cols,
	})
}

func handleUnpack(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Unpacker == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "UNPACKER_NOT_CONFIGURED", "unpacker is not configured", false, nil)
		return
	}
	var request unpackRequest
	if !decodeJSON(w, r, &request) {
		return
	}
	encoded, err := tensor.FloatFromNested3(request.Encoded)
	if err != nil {
		writeStructureError(w, r, err)
		return
	}
	segments, err := tensor.FromRows(request.Segments)
	if err != nil {
		writeStructureError(w, r, err)
		return
	}

	features, err := sketch.Unpack(deps.Unpacker, encoded, segments, request.HeaderCounts)
	if err != nil {
		writeStructureError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newFeaturesResponse(features))
}

func handleEncode(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Encoder == nil || deps.Packer == nil || deps.Unpacker == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "ENCODER_NOT_CONFIGURED", "encoder is not configured", false, nil)
		return
	}
	var request batchRequest
	if !decodeJSON(w, r, &request) {
		return
	}
	if len(request.Questions) == 0 {
		writeError(r.Context(), w, http.StatusBadRequest, "QUESTIONS_REQUIRED", "at least one question is required", false, nil)
		return
	}

	features, err := sketch.EncodeBatch(r.Context(), deps.Packer, deps.Unpacker, deps.Encoder, request.batch())
	if err != nil {
		writeStructureError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newFeaturesResponse(features))
}

func newFeaturesResponse(features sketch.Features) featuresResponse {
	return featuresResponse{
		Questions:       features.Question.Nested3(),
		Headers:         features.Headers.Nested3(),
		HeaderCounts:    features.HeaderCounts,
		QuestionLengths: features.QuestionLengths,
		HeaderLengths:   features.HeaderLengths,
	}
}
