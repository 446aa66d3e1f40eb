package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/HatiCode/modelkeeper/pkg/httpx"
)

// MaxResponseBody bounds the stage response read for status parsing.
const MaxResponseBody = 1 << 20

// defaultClient serves stages built without a client. It has no timeout of
// its own; the runner bounds each stage through the request context.
var defaultClient = httpx.NewClient(0)

// HTTPStage triggers a stage on a remote service, for example a trainer that
// exposes a /retrain endpoint. The service answers with a JSON body such as
//
//	{"status":"ok","message":"trained 2 models"}
//
// where status is "ok", "no_data" or "error".
type HTTPStage struct {
	StageName string
	URL       string
	Headers   map[string]string

	// StatusPath and MessagePath are gjson paths into the response. They
	// default to "status" and "message".
	StatusPath  string
	MessagePath string

	// HTTPClient is optional and should be shared between stages. The stage
	// timeout is applied through the request context.
	HTTPClient *http.Client
}

type stageRequest struct {
	Stage string `json:"stage"`
	Now   string `json:"now"`
}

// Name implements Stage.
func (s *HTTPStage) Name() string { return s.StageName }

// Run implements Stage.
func (s *HTTPStage) Run(ctx context.Context) (Result, error) {
	if s.URL == "" {
		return Result{}, &StageError{Stage: s.StageName, Err: errors.New("no URL configured")}
	}

	body, err := json.Marshal(stageRequest{Stage: s.StageName, Now: time.Now().UTC().Format(time.RFC3339)})
	if err != nil {
		return Result{}, &StageError{Stage: s.StageName, Err: fmt.Errorf("marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return Result{}, &StageError{Stage: s.StageName, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range s.Headers {
		req.Header.Set(k, v)
	}

	cli := s.HTTPClient
	if cli == nil {
		cli = defaultClient
	}

	start := time.Now()
	resp, err := cli.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, &StageError{Stage: s.StageName, Err: ctx.Err()}
		}
		return Result{}, &StageError{Stage: s.StageName, Err: fmt.Errorf("%w: http request: %w", ErrStageFailure, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBody+1))
	if err != nil {
		return Result{}, &StageError{Stage: s.StageName, Err: fmt.Errorf("%w: read response: %w", ErrStageFailure, err)}
	}
	tail := newTailBuffer(DefaultOutputTail)
	_, _ = tail.Write(respBody)
	output := tail.String()
	if len(respBody) > MaxResponseBody {
		return Result{}, &StageError{Stage: s.StageName, Output: output,
			Err: fmt.Errorf("%w: response larger than %d bytes", ErrStageFailure, MaxResponseBody)}
	}

	statusPath, messagePath := s.StatusPath, s.MessagePath
	if statusPath == "" {
		statusPath = "status"
	}
	if messagePath == "" {
		messagePath = "message"
	}
	status := gjson.GetBytes(respBody, statusPath).String()
	if msg := gjson.GetBytes(respBody, messagePath); msg.Exists() {
		output = msg.String()
	}

	switch {
	case status == "no_data" || resp.StatusCode == http.StatusNoContent:
		return Result{}, &StageError{Stage: s.StageName, Output: output, Err: ErrDataUnavailable}
	case resp.StatusCode != http.StatusOK:
		return Result{}, &StageError{Stage: s.StageName, Output: output, Err: fmt.Errorf("%w: http %d", ErrStageFailure, resp.StatusCode)}
	case status != "" && status != "ok":
		return Result{}, &StageError{Stage: s.StageName, Output: output, Err: fmt.Errorf("%w: status %q", ErrStageFailure, status)}
	}

	return Result{Output: output, Duration: time.Since(start)}, nil
}
