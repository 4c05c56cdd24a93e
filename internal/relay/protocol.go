// Package relay moves fetches that need a real browser onto a machine
// that has one. The client side looks like any other Fetcher; the server
// side owns long-lived headless browser sessions, one per source.
//
// The wire protocol is newline-delimited JSON frames over a plain TCP
// connection. Requests and responses are correlated by id, so a single
// connection carries any number of in-flight requests.
package relay

import (
	"github.com/feedsentry/feedsentry/internal/watch"
)

type requestFrame struct {
	ID       string              `json:"id"`
	SourceID string              `json:"source_id"`
	Method   string              `json:"method,omitempty"`
	URL      string              `json:"url"`
	Headers  map[string][]string `json:"headers,omitempty"`
	Body     []byte              `json:"body,omitempty"`
}

type frameError struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

type responseFrame struct {
	ID       string              `json:"id"`
	Status   int                 `json:"status,omitempty"`
	Headers  map[string][]string `json:"headers,omitempty"`
	Body     []byte              `json:"body,omitempty"`
	FinalURL string              `json:"final_url,omitempty"`
	Error    *frameError         `json:"error,omitempty"`
}

func frameFromRequest(id string, request watch.FetchRequest) requestFrame {
	return requestFrame{
		ID:       id,
		SourceID: request.SourceID,
		Method:   request.Method,
		URL:      request.URL,
		Headers:  request.Headers,
		Body:     request.Body,
	}
}

func (f requestFrame) fetchRequest() watch.FetchRequest {
	return watch.FetchRequest{
		SourceID: f.SourceID,
		Method:   f.Method,
		URL:      f.URL,
		Headers:  f.Headers,
		Body:     f.Body,
	}
}

func frameFromResponse(id string, response watch.FetchResponse) responseFrame {
	return responseFrame{
		ID:       id,
		Status:   response.StatusCode,
		Headers:  response.Headers,
		Body:     response.Body,
		FinalURL: response.FinalURL,
	}
}

func frameFromError(id string, err error) responseFrame {
	reason := watch.RelayReasonOf(err)
	if reason == "" {
		reason = watch.RelaySessionLost
	}
	return responseFrame{
		ID:    id,
		Error: &frameError{Reason: string(reason), Message: err.Error()},
	}
}

func (f responseFrame) fetchResponse(sourceID string) (watch.FetchResponse, error) {
	if f.Error != nil {
		reason := watch.RelayReason(f.Error.Reason)
		switch reason {
		case watch.RelayTimeout, watch.RelaySessionLost, watch.RelayChallengeUnresolved:
		default:
			reason = watch.RelaySessionLost
		}
		return watch.FetchResponse{}, watch.NewRelayError(reason, sourceID, remoteError(f.Error.Message))
	}
	return watch.FetchResponse{
		StatusCode: f.Status,
		Headers:    f.Headers,
		Body:       f.Body,
		FinalURL:   f.FinalURL,
	}, nil
}

type remoteError string

func (e remoteError) Error() string { return string(e) }
