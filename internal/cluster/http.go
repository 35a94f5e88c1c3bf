package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrTransport marks failures to reach a peer or read its reply; callers
// retry these with backoff.
var ErrTransport = errors.New("transport error")

var httpClient = &http.Client{
	Timeout: 30 * time.Second,
	// redirects are application level errors, not HTTP redirects to follow
	CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
}

// PostJSON sends body as JSON to url and decodes the reply into out (which
// may be nil). Non-2xx replies are decoded into an ErrorResponse and
// returned as the matching typed error.
func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "encode request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return do(req, out)
}

// GetJSON fetches url and decodes the JSON reply into out
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return do(req, out)
}

func do(req *http.Request, out any) error {
	resp, err := httpClient.Do(req)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "%s %s", req.Method, req.URL), ErrTransport)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(req, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Mark(errors.Wrapf(err, "decode reply from %s", req.URL), ErrTransport)
	}
	return nil
}

func decodeError(req *http.Request, resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var er ErrorResponse
	if err := json.Unmarshal(data, &er); err != nil || er.Code == "" {
		err := errors.Newf("http %s %s: %d %s", req.Method, req.URL, resp.StatusCode, bytes.TrimSpace(data))
		if resp.StatusCode >= 500 {
			return errors.Mark(err, ErrTransport)
		}
		return err
	}
	return er.Err()
}

// WriteJSON writes v as a JSON response with the given status
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes err as an ErrorResponse with its mapped status
func WriteError(w http.ResponseWriter, err error) {
	status, body := ToResponse(err)
	WriteJSON(w, status, body)
}
