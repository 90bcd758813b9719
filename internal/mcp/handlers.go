package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/ppiankov/hookwatch/internal/console"
	"github.com/ppiankov/hookwatch/internal/record"
	"github.com/ppiankov/hookwatch/internal/value"
)

var errNoSession = errors.New("mcp: session is required")

const defaultCallLimit = 50

// --- Input/Output types ---

// CallsInput defines parameters for the hookwatch_calls tool.
type CallsInput struct {
	EndpointID string `json:"endpoint_id,omitempty" jsonschema:"endpoint debug id, omit for all endpoints"`
	Limit      int    `json:"limit,omitempty" jsonschema:"maximum calls to return (default 50)"`
}

// CallsOutput lists endpoints and their retained calls.
type CallsOutput struct {
	Endpoints []EndpointItem `json:"endpoints,omitempty"`
	Calls     []CallItem     `json:"calls"`
}

// EndpointItem summarizes one endpoint.
type EndpointItem struct {
	EndpointID string `json:"endpoint_id"`
	Class      string `json:"class"`
	Path       string `json:"path"`
	Total      int    `json:"total"`
	Retained   int    `json:"retained"`
	Excluded   bool   `json:"excluded,omitempty"`
	Blocked    bool   `json:"blocked,omitempty"`
}

// CallItem describes a single recorded call.
type CallItem struct {
	ID        string   `json:"id"`
	Endpoint  string   `json:"endpoint"`
	Method    string   `json:"method"`
	Direction string   `json:"direction"`
	Args      []string `json:"args"`
	Returns   []string `json:"returns,omitempty"`
	Blocked   bool     `json:"blocked,omitempty"`
	Spoofed   bool     `json:"spoofed,omitempty"`
	Error     string   `json:"error,omitempty"`
	Caller    string   `json:"caller,omitempty"`
	Context   string   `json:"context,omitempty"`
	Time      string   `json:"time"`
}

// RemoteInput defines parameters for the hookwatch_remote tool.
type RemoteInput struct {
	EndpointID string `json:"endpoint_id" jsonschema:"endpoint debug id"`
	Excluded   bool   `json:"excluded,omitempty" jsonschema:"stop recording calls to this endpoint"`
	Blocked    bool   `json:"blocked,omitempty" jsonschema:"record calls but do not deliver them"`
}

// RemoteOutput confirms the options now in effect.
type RemoteOutput struct {
	EndpointID string `json:"endpoint_id"`
	Excluded   bool   `json:"excluded"`
	Blocked    bool   `json:"blocked"`
}

// SpoofsInput defines parameters for the hookwatch_spoofs tool.
type SpoofsInput struct {
	Source string `json:"source" jsonschema:"spoof script assigning module.exports"`
}

// SpoofsOutput reports the loaded spoofs.
type SpoofsOutput struct {
	Entries int    `json:"entries"`
	Error   string `json:"error,omitempty"`
}

// RecordInput names one recorded call.
type RecordInput struct {
	RecordID string `json:"record_id" jsonschema:"id of a recorded call"`
}

// RepeatOutput carries the repeated call's results.
type RepeatOutput struct {
	Returns []string `json:"returns,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// ScriptOutput carries a replay script.
type ScriptOutput struct {
	Script string `json:"script,omitempty"`
	Error  string `json:"error,omitempty"`
}

// --- Handlers ---

func (s *Server) handleCalls(ctx context.Context, req *mcpsdk.CallToolRequest, input CallsInput) (*mcpsdk.CallToolResult, CallsOutput, error) {
	limit := input.Limit
	if limit <= 0 {
		limit = defaultCallLimit
	}
	con := s.sess.Console()

	var out CallsOutput
	var recs []*record.Call
	if input.EndpointID != "" {
		sum, logs, ok := con.Header(input.EndpointID)
		if !ok {
			return &mcpsdk.CallToolResult{IsError: true}, out, nil
		}
		out.Endpoints = []EndpointItem{endpointItem(sum)}
		for i := len(logs) - 1; i >= 0 && len(recs) < limit; i-- {
			recs = append(recs, logs[i])
		}
	} else {
		for _, sum := range con.Summaries() {
			out.Endpoints = append(out.Endpoints, endpointItem(sum))
		}
		recs = con.Recent(limit)
	}

	out.Calls = make([]CallItem, 0, len(recs))
	for _, rec := range recs {
		out.Calls = append(out.Calls, callItem(rec))
	}
	return nil, out, nil
}

func (s *Server) handleRemote(ctx context.Context, req *mcpsdk.CallToolRequest, input RemoteInput) (*mcpsdk.CallToolResult, RemoteOutput, error) {
	if input.EndpointID == "" {
		return nil, RemoteOutput{}, fmt.Errorf("endpoint_id is required")
	}
	o := record.Options{Excluded: input.Excluded, Blocked: input.Blocked}
	s.sess.UpdateRemoteData(input.EndpointID, o)
	s.logger.Info("endpoint options updated",
		zap.String("endpoint", input.EndpointID),
		zap.Bool("excluded", o.Excluded),
		zap.Bool("blocked", o.Blocked))
	return nil, RemoteOutput{EndpointID: input.EndpointID, Excluded: o.Excluded, Blocked: o.Blocked}, nil
}

func (s *Server) handleSpoofs(ctx context.Context, req *mcpsdk.CallToolRequest, input SpoofsInput) (*mcpsdk.CallToolResult, SpoofsOutput, error) {
	if err := s.sess.SetNewReturnSpoofs(input.Source); err != nil {
		return &mcpsdk.CallToolResult{IsError: true}, SpoofsOutput{
			Entries: s.sess.Main().Processor().Spoofs().Len(),
			Error:   err.Error(),
		}, nil
	}
	return nil, SpoofsOutput{Entries: s.sess.Main().Processor().Spoofs().Len()}, nil
}

func (s *Server) handleRepeat(ctx context.Context, req *mcpsdk.CallToolRequest, input RecordInput) (*mcpsdk.CallToolResult, RepeatOutput, error) {
	returns, err := s.sess.RepeatCall(input.RecordID)
	if err != nil {
		return &mcpsdk.CallToolResult{IsError: true}, RepeatOutput{Error: err.Error()}, nil
	}
	return nil, RepeatOutput{Returns: formatAll(returns)}, nil
}

func (s *Server) handleScript(ctx context.Context, req *mcpsdk.CallToolRequest, input RecordInput) (*mcpsdk.CallToolResult, ScriptOutput, error) {
	src, err := s.sess.MakeScript(input.RecordID)
	if err != nil {
		return &mcpsdk.CallToolResult{IsError: true}, ScriptOutput{Error: err.Error()}, nil
	}
	return nil, ScriptOutput{Script: src}, nil
}

// --- Helpers ---

func endpointItem(sum console.Summary) EndpointItem {
	return EndpointItem{
		EndpointID: sum.EndpointID,
		Class:      sum.Class,
		Path:       sum.Path,
		Total:      sum.Total,
		Retained:   sum.Retained,
		Excluded:   sum.Options.Excluded,
		Blocked:    sum.Options.Blocked,
	}
}

func callItem(rec *record.Call) CallItem {
	item := CallItem{
		ID:        rec.ID,
		Endpoint:  rec.Path,
		Method:    rec.Method,
		Direction: string(rec.Direction),
		Args:      formatAll(rec.Args),
		Blocked:   rec.Blocked,
		Spoofed:   rec.Spoofed,
		Error:     rec.Error,
		Context:   rec.Context,
		Time:      rec.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if rec.Returned {
		item.Returns = formatAll(rec.Returns)
	}
	if rec.Caller != nil {
		item.Caller = rec.Caller.Script + ":" + rec.Caller.Function
	}
	return item
}

func formatAll(vals []any) []string {
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = value.Format(v)
	}
	return out
}
