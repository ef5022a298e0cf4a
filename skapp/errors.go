/*
	Tracesketch
	Copyright (c) 2024 The Tracesketch Authors

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU Affero General Public License as published
	by the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU Affero General Public License for more details.

	You should have received a copy of the GNU Affero General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package skapp

import (
	"encoding/json"
	"errors"
	"fmt"
	mathrand "math/rand"
	"net/http"
	"strconv"
	"strings"

	"github.com/tracesketch/tracesketch/sketch"
	"go.uber.org/zap"
)

// Error is a JSON-serializable representation of an error.
type Error struct {
	Err        error  `json:"-"`
	HTTPStatus int    `json:"http_status"`       // recommended HTTP status to send to the client
	Log        string `json:"-"`                 // optional; technical context for the logs
	Message    string `json:"message,omitempty"` // optional; a human-readable sentence
	Data       any    `json:"data,omitempty"`    // optional; extra data for the frontend

	// generated; don't fill these out
	ID        string `json:"id,omitempty"` // for associating log entries
	ErrString string `json:"error"`        // to ensure string serialization
}

func (e Error) Error() string {
	var msg strings.Builder
	if e.Log != "" {
		msg.WriteString(e.Log)
		if e.Err != nil {
			msg.WriteString(": ")
		}
	}
	if e.Err != nil {
		msg.WriteString(e.Err.Error())
	}
	if e.Message != "" {
		msg.WriteString(fmt.Sprintf(" (%s)", e.Message))
	}
	if e.ID != "" {
		msg.WriteString(fmt.Sprintf(" {id=%s}", e.ID))
	}
	return msg.String()
}

// httpStatusFromErr maps domain sentinels to HTTP statuses. The
// archived case keeps the exact message clients key their UI state on.
func httpStatusFromErr(err error, defaultStatus int) (int, string) {
	switch {
	case errors.Is(err, sketch.ErrArchived):
		return http.StatusBadRequest, "Unable to query on an archived sketch"
	case errors.Is(err, sketch.ErrInvalid):
		return http.StatusBadRequest, ""
	case errors.Is(err, sketch.ErrForbidden):
		return http.StatusForbidden, ""
	case errors.Is(err, sketch.ErrNotFound):
		return http.StatusNotFound, ""
	case errors.Is(err, sketch.ErrConflict):
		return http.StatusConflict, ""
	case errors.Is(err, sketch.ErrUnavailable):
		return http.StatusServiceUnavailable, ""
	}
	return defaultStatus, ""
}

func handleError(w http.ResponseWriter, r *http.Request, err error) {
	var errVal Error
	if !errors.As(err, &errVal) {
		errVal = Error{Err: err}
	}
	if errVal.Err == nil {
		errVal.Err = err
	}

	// give this error a unique ID so bug reports can be matched to logs
	errVal.ID = newErrorID()

	// ensure error is serialized as a string when written to the client
	errVal.ErrString = errVal.Err.Error()

	status, message := httpStatusFromErr(errVal.Err, http.StatusInternalServerError)
	if errVal.HTTPStatus == 0 {
		errVal.HTTPStatus = status
	}
	if errVal.Message == "" {
		errVal.Message = message
	}
	if errVal.Message == "" {
		errVal.Message = errVal.Err.Error()
	}

	sketch.Log.Named("http").Error(errVal.Log,
		zap.Error(errVal.Err),
		zap.Int("status", errVal.HTTPStatus),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("error_id", errVal.ID),
	)

	jsonBytes, err := json.Marshal(errVal)
	if err != nil {
		sketch.Log.Error("encoding error response",
			zap.Error(err),
			zap.String("original_error", errVal.Error()))
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(jsonBytes)))
	status = errVal.HTTPStatus
	if status < http.StatusOK {
		status = http.StatusInternalServerError
	}
	w.WriteHeader(status)
	_, _ = w.Write(jsonBytes)
}

func newErrorID() string {
	const idLen = 8
	return randString(idLen, true)
}

// randString returns a string of n random characters.
// It is not even remotely secure or a proper distribution.
// But it's good enough for some things. It excludes certain
// confusing characters like I, l, 1, 0, O, etc., and a couple
// vowels to avoid most profanities.
func randString(n int, lowerCase bool) string {
	if n <= 0 {
		return ""
	}
	dict := []byte("abcdefghjkmnopqrstvwxyzABCDEFGHJKLMNPQRTUVWXY23456789")
	if lowerCase {
		dict = []byte("abcdefghjkmnpqrstvwxyz23456789")
	}
	b := make([]byte, n)
	for i := range b {
		b[i] = dict[mathrand.Int63()%int64(len(dict))] //nolint:gosec
	}
	return string(b)
}
