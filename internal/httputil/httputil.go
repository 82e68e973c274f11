// Package httputil holds the JSON request and response helpers shared by
// the ledger and executor HTTP surfaces.
package httputil

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	apperrors "github.com/datmedevil17/simcityMagicblock/internal/errors"
)

// DefaultBodyLimit caps request bodies read by DecodeJSON and ReadBody.
const DefaultBodyLimit = 1 << 20

// WriteJSON writes v with status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes err as the JSON error envelope with its HTTP status.
func WriteError(w http.ResponseWriter, err error) int {
	status := apperrors.HTTPStatus(err)
	WriteJSON(w, status, apperrors.ToBody(err))
	return status
}

// ReadBody reads at most limit bytes. Larger bodies are InvalidInstruction.
func ReadBody(r *http.Request, limit int64) ([]byte, error) {
	if limit <= 0 {
		limit = DefaultBodyLimit
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, apperrors.New(apperrors.CodeInvalidInstruction, "read body: %v", err)
	}
	if int64(len(body)) > limit {
		return nil, apperrors.New(apperrors.CodeInvalidInstruction, "body exceeds %d bytes", limit)
	}
	return body, nil
}

// DecodeJSON decodes a JSON request body into v, rejecting unknown fields.
// what names the payload in error messages.
func DecodeJSON(r *http.Request, what string, v any) error {
	body, err := ReadBody(r, DefaultBodyLimit)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperrors.New(apperrors.CodeInvalidInstruction, "decode %s: %v", what, err)
	}
	return nil
}

// DecodeResponse decodes a JSON response into target. Error responses are
// rebuilt from the error envelope so their code and kind survive the hop;
// a response without an envelope becomes Unavailable for 5xx statuses, as
// does a success body that cannot be decoded.
func DecodeResponse(resp *http.Response, op string, target any) error {
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var wire apperrors.Body
		if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&wire); err != nil || wire.Code == "" {
			cause := fmt.Errorf("status %d", resp.StatusCode)
			if resp.StatusCode >= http.StatusInternalServerError {
				return apperrors.Unavailable(op, cause)
			}
			return apperrors.Internal(cause, "%s", op)
		}
		return wire.Err()
	}

	if target == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 8<<20))
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return apperrors.Unavailable(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}
