package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dipeo/dipeo-engine/diagram"
	"github.com/dipeo/dipeo-engine/envelope"
	"github.com/dipeo/dipeo-engine/runtime"
)

// APIJobConfig is the expected shape of an API_JOB node's Config.
type APIJobConfig struct {
	Method  string
	URL     string
	Headers map[string]string
}

// APIJob issues one HTTP request per activation and emits the response
// body as an OBJECT envelope when it parses as JSON, RAW_TEXT otherwise.
// The core has no retry policy of its own (spec §4.7), and APIJob does not
// retry a failed request either.
type APIJob struct {
	Client *http.Client
}

// NewAPIJob returns an APIJob handler using http.DefaultClient's timeout
// behavior superseded by the activation's own per-node deadline.
func NewAPIJob() *APIJob {
	return &APIJob{Client: &http.Client{}}
}

func (a *APIJob) Handle(ctx *runtime.ExecutionContext) error {
	cfg, ok := ctx.Node.Config.(APIJobConfig)
	if !ok {
		return fmt.Errorf("apijob: node %q has no APIJobConfig", ctx.Node.ID)
	}

	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if b, ok := ctx.Inputs.Bodies[diagram.DefaultHandle]; ok && method != http.MethodGet {
		encoded, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("apijob: marshal request body: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx.Context(), method, cfg.URL, body)
	if err != nil {
		return fmt.Errorf("apijob: build request: %w", err)
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := a.Client.Do(req)
	if err != nil {
		return fmt.Errorf("apijob: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("apijob: read response: %w", err)
	}

	meta := map[string]any{"statusCode": resp.StatusCode}
	var out envelope.Envelope
	var decoded any
	if json.Unmarshal(raw, &decoded) == nil {
		out = envelope.New(decoded, envelope.Object, string(ctx.Node.ID), meta)
	} else {
		out = envelope.New(string(raw), envelope.RawText, string(ctx.Node.ID), meta)
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("apijob: %s %s returned status %d", method, cfg.URL, resp.StatusCode)
	}
	return ctx.Emit(map[string]envelope.Envelope{diagram.DefaultHandle: out})
}
