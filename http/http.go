// Package http includes handlers and utilities.
package http

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
)

var ErrBodyTooLarge = errors.New("request body too large")

// ReadBody reads at most limit bytes of r.Body and replaces it with a
// new buffer so it can be read again. A body longer than limit
// returns ErrBodyTooLarge. A limit below 1 means no limit.
func ReadBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	var rd io.Reader = r.Body
	if limit > 0 {
		rd = io.LimitReader(r.Body, limit+1)
	}
	b, err := io.ReadAll(rd)
	if err != nil {
		return b, err
	}
	r.Body = io.NopCloser(bytes.NewReader(b))
	if limit > 0 && int64(len(b)) > limit {
		return b[:limit], fmt.Errorf("%w: limit %d bytes", ErrBodyTooLarge, limit)
	}
	return b, nil
}

// DumpHandler writes the method, path and body of each request to output.
func DumpHandler(next http.Handler, output io.Writer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := ReadBody(r, 0)
		fmt.Fprintf(output, "%s %s\n", r.Method, r.URL.RequestURI())
		if len(body) > 0 {
			output.Write(append(body, '\n'))
		}
		next.ServeHTTP(w, r)
	}
}
