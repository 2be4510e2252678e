package llm

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"aide/internal/config"
	"aide/internal/types"
)

func TestBuildChatMessagesBasicConversation(t *testing.T) {
	items := []Item{
		UserMessage("hi"),
		AssistantMessage("hello"),
		UserMessage("run it"),
	}
	got := buildChatMessages("be helpful", items, "openai/gpt-5.1")

	wantRoles := []string{"system", "user", "assistant", "user"}
	if len(got) != len(wantRoles) {
		t.Fatalf("got %d messages, want %d: %+v", len(got), len(wantRoles), got)
	}
	for i, role := range wantRoles {
		if got[i].Role != role {
			t.Fatalf("message %d: role %s, want %s", i, got[i].Role, role)
		}
	}
	if got[0].Content != "be helpful" {
		t.Fatalf("system content = %v", got[0].Content)
	}
}

func TestBuildChatMessagesToolCallRoundTrip(t *testing.T) {
	items := []Item{
		UserMessage("list files"),
		{Type: ItemFunctionCall, CallID: "call_1", Name: "run_shell", Arguments: `{"command":"ls"}`},
		{Type: ItemFunctionCallOutput, CallID: "call_1", Output: "a.go\nb.go"},
		AssistantMessage("done"),
	}
	got := buildChatMessages("", items, "openai/gpt-5.1")

	if len(got) != 4 {
		t.Fatalf("got %d messages: %+v", len(got), got)
	}
	if got[1].Role != "assistant" || len(got[1].ToolCalls) != 1 {
		t.Fatalf("function_call should become an assistant tool_calls message: %+v", got[1])
	}
	if got[1].ToolCalls[0].ID != "call_1" || got[1].ToolCalls[0].Function.Name != "run_shell" {
		t.Fatalf("tool call mapping wrong: %+v", got[1].ToolCalls[0])
	}
	if got[2].Role != "tool" || got[2].ToolCallID != "call_1" {
		t.Fatalf("function_call_output should become a tool message keyed by call id: %+v", got[2])
	}
}

func TestBuildChatMessagesMergesConsecutiveCalls(t *testing.T) {
	items := []Item{
		UserMessage("do both"),
		{Type: ItemFunctionCall, CallID: "call_1", Name: "read_file", Arguments: `{"path":"a"}`},
		{Type: ItemFunctionCall, CallID: "call_2", Name: "read_file", Arguments: `{"path":"b"}`},
		{Type: ItemFunctionCallOutput, CallID: "call_1", Output: "A"},
		{Type: ItemFunctionCallOutput, CallID: "call_2", Output: "B"},
	}
	got := buildChatMessages("", items, "openai/gpt-5.1")

	if len(got) != 4 {
		t.Fatalf("got %d messages: %+v", len(got), got)
	}
	if len(got[1].ToolCalls) != 2 {
		t.Fatalf("consecutive calls should share one assistant message, got %+v", got[1])
	}
}

func TestBuildChatMessagesAttachesReasoningDetails(t *testing.T) {
	details := []ReasoningDetail{{Type: "reasoning.encrypted", Data: "opaque-blob", ID: "rd_1"}}
	items := []Item{
		UserMessage("question"),
		{Type: ItemReasoning, ReasoningDetails: details},
		{Type: ItemFunctionCall, CallID: "call_1", Name: "run_shell", Arguments: "{}"},
		{Type: ItemFunctionCallOutput, CallID: "call_1", Output: "ok"},
	}
	got := buildChatMessages("", items, "openai/gpt-5.1")

	if len(got[1].ReasoningDetails) != 1 || got[1].ReasoningDetails[0].Data != "opaque-blob" {
		t.Fatalf("reasoning details must ride on the following tool-calls message: %+v", got[1])
	}
}

func TestBuildChatMessagesCacheAnchorsForAnthropicModels(t *testing.T) {
	items := []Item{
		UserMessage("one"),
		AssistantMessage("a"),
		UserMessage("two"),
	}
	got := buildChatMessages("sys", items, "anthropic/claude-sonnet-4.5")

	anchors := 0
	for _, msg := range got {
		parts, ok := msg.Content.([]chatContentPart)
		if !ok {
			continue
		}
		for _, part := range parts {
			if part.CacheControl != nil && part.CacheControl.Type == "ephemeral" {
				anchors++
			}
		}
	}
	if anchors != 2 {
		t.Fatalf("want exactly 2 cache anchors (system + last user), got %d", anchors)
	}
	// The last user message carries one, the first does not.
	if _, ok := got[1].Content.([]chatContentPart); ok {
		t.Fatalf("first user message should stay plain: %+v", got[1])
	}
	if _, ok := got[3].Content.([]chatContentPart); !ok {
		t.Fatalf("last user message should be anchored: %+v", got[3])
	}
}

func TestBuildChatMessagesNoAnchorsForOtherModels(t *testing.T) {
	got := buildChatMessages("sys", []Item{UserMessage("hi")}, "openai/gpt-5.1")
	for _, msg := range got {
		if _, ok := msg.Content.([]chatContentPart); ok {
			t.Fatalf("non-anthropic models should not get cache anchors: %+v", msg)
		}
	}
}

func TestOpenRouterEffortNormalization(t *testing.T) {
	cases := []struct {
		requested  string
		configured string
		want       string
	}{
		{"default", "", "medium"},
		{"", "default", "medium"},
		{"high", "low", "high"},
		{"", "low", "low"},
		{"", "", ""},
	}
	for _, tc := range cases {
		if got := openRouterEffort(tc.requested, tc.configured); got != tc.want {
			t.Fatalf("openRouterEffort(%q, %q) = %q, want %q", tc.requested, tc.configured, got, tc.want)
		}
	}
}

func TestChatAccumulatorDeduplicatesResentContent(t *testing.T) {
	acc := newChatAccumulator("or_test")
	chunks := []string{
		`{"choices":[{"delta":{"content":"Hel"}}]}`,
		`{"choices":[{"delta":{"content":"Hello"}}]}`,
		`{"choices":[{"delta":{"content":"Hello!"}}]}`,
	}
	var emitted string
	for _, chunk := range chunks {
		events, err := acc.consume([]byte(chunk))
		if err != nil {
			t.Fatalf("consume: %v", err)
		}
		for _, event := range events {
			if event.Type != EventTextDelta {
				t.Fatalf("unexpected event %s", event.Type)
			}
			emitted += event.Text
		}
	}
	if emitted != "Hello!" {
		t.Fatalf("emitted %q, want %q", emitted, "Hello!")
	}
}

func TestChatAccumulatorAssemblesToolCalls(t *testing.T) {
	acc := newChatAccumulator("or_test")
	chunks := []string{
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_9","function":{"name":"run_shell","arguments":"{\"comm"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"and\":\"ls\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}],"usage":{"prompt_tokens":7,"completion_tokens":3}}`,
	}
	var starts, dones int
	var doneArgs string
	for _, chunk := range chunks {
		events, err := acc.consume([]byte(chunk))
		if err != nil {
			t.Fatalf("consume: %v", err)
		}
		for _, event := range events {
			switch event.Type {
			case EventToolCallStart:
				starts++
			case EventToolCallDone:
				dones++
				doneArgs = event.Call.Arguments
			}
		}
	}
	if starts != 1 || dones != 1 {
		t.Fatalf("starts=%d dones=%d, want 1 each", starts, dones)
	}
	if doneArgs != `{"command":"ls"}` {
		t.Fatalf("assembled arguments = %q", doneArgs)
	}

	response := acc.finish()
	if response.ID != "or_test" {
		t.Fatalf("response id should be the continuation token, got %q", response.ID)
	}
	if response.Usage != (types.Usage{InputTokens: 7, OutputTokens: 3, TotalTokens: 10}) {
		t.Fatalf("usage = %+v", response.Usage)
	}
	if len(response.Output) != 1 || response.Output[0].Type != ItemFunctionCall {
		t.Fatalf("output = %+v", response.Output)
	}
}

func TestChatAccumulatorReasoningStaysSeparate(t *testing.T) {
	acc := newChatAccumulator("or_test")
	events, err := acc.consume([]byte(`{"choices":[{"delta":{"reasoning":"thinking...","content":"answer"}}]}`))
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	var sawReasoning, sawText bool
	for _, event := range events {
		switch event.Type {
		case EventReasoningDelta:
			sawReasoning = event.Text == "thinking..."
		case EventTextDelta:
			sawText = event.Text == "answer"
		}
	}
	if !sawReasoning || !sawText {
		t.Fatalf("reasoning and text must both surface on their own channels: %+v", events)
	}

	response := acc.finish()
	if len(response.Output) != 2 {
		t.Fatalf("want reasoning item then message item, got %+v", response.Output)
	}
	if response.Output[0].Type != ItemReasoning || response.Output[0].Summary != "thinking..." {
		t.Fatalf("first output item should be the reasoning summary: %+v", response.Output[0])
	}
	if response.Output[1].Type != ItemMessage || response.Output[1].Text != "answer" {
		t.Fatalf("second output item should be the assistant message: %+v", response.Output[1])
	}
}

func TestChatAccumulatorSurfacesInlineErrors(t *testing.T) {
	acc := newChatAccumulator("or_test")
	_, err := acc.consume([]byte(`{"error":{"message":"rate limited"}}`))
	if err == nil {
		t.Fatal("inline stream error should surface")
	}
}

func TestChatAccumulatorIgnoresKeepalives(t *testing.T) {
	acc := newChatAccumulator("or_test")
	events, err := acc.consume([]byte(`: keepalive`))
	if err != nil || events != nil {
		t.Fatalf("keepalive should be ignored, got (%v, %v)", events, err)
	}
}

func newStreamTestModel(t *testing.T, baseURL string) *OpenRouterModel {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Providers.OpenRouter.APIKey = "test-key"
	cfg.Providers.OpenRouter.BaseURL = baseURL
	cfg.Providers.OpenRouter.Model = "test/model"
	cfg.Retry.MaxAttempts = 2
	cfg.Retry.BackoffBaseMS = 1
	cfg.Retry.BackoffCapMS = 1
	model, err := NewOpenRouterModel(Deps{Settings: cfg, History: NewHistoryStore()})
	if err != nil {
		t.Fatalf("NewOpenRouterModel: %v", err)
	}
	return model.(*OpenRouterModel)
}

func collectStream(t *testing.T, events <-chan StreamEvent) []StreamEvent {
	t.Helper()
	var out []StreamEvent
	deadline := time.After(5 * time.Second)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, event)
		case <-deadline:
			t.Fatal("stream did not finish in time")
		}
	}
}

func TestOpenRouterStreamRetriesAfterRateLimit(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		if atomic.AddInt32(&requests, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			io.WriteString(w, `{"error":{"message":"slow down"}}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"id\":\"gen_1\",\"choices\":[{\"delta\":{\"content\":\"Hello, \"}}]}\n\n")
		io.WriteString(w, "data: {\"id\":\"gen_1\",\"choices\":[{\"delta\":{\"content\":\"world\"}}]}\n\n")
		io.WriteString(w, "data: {\"id\":\"gen_1\",\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}],\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":2,\"total_tokens\":5}}\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	model := newStreamTestModel(t, server.URL)
	events, err := model.Stream(context.Background(), Request{Input: []Item{UserMessage("hi")}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	got := collectStream(t, events)

	var text strings.Builder
	var response *Response
	for _, event := range got {
		switch event.Type {
		case EventTextDelta:
			text.WriteString(event.Text)
		case EventResponseDone:
			response = event.Response
		case EventError:
			t.Fatalf("unexpected stream error: %v", event.Err)
		}
	}
	if text.String() != "Hello, world" {
		t.Fatalf("streamed text = %q, want the concatenated deltas", text.String())
	}
	if response == nil {
		t.Fatal("no terminal response event")
	}
	if response.Usage.TotalTokens != 5 {
		t.Fatalf("usage = %+v, want total 5", response.Usage)
	}
	if !strings.HasPrefix(response.ID, "or_") {
		t.Fatalf("continuation token = %q", response.ID)
	}
	if n := atomic.LoadInt32(&requests); n != 2 {
		t.Fatalf("server saw %d requests, want 2 (429 then success)", n)
	}
	// The completed turn must be committed under the minted token.
	if history := model.history.History(response.ID); len(history) != 2 {
		t.Fatalf("history = %+v, want user message and assistant reply", history)
	}
}

func TestOpenRouterStreamSurfacesHTTPError(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.Header().Set("X-Request-Id", "req_1")
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":{"message":"model not found"}}`)
	}))
	defer server.Close()

	model := newStreamTestModel(t, server.URL)
	events, err := model.Stream(context.Background(), Request{Input: []Item{UserMessage("hi")}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	got := collectStream(t, events)

	if len(got) != 1 || got[0].Type != EventError {
		t.Fatalf("events = %+v, want a single error event", got)
	}
	var providerErr *ProviderError
	if !errors.As(got[0].Err, &providerErr) {
		t.Fatalf("err = %v, want *ProviderError", got[0].Err)
	}
	if providerErr.Status != http.StatusBadRequest {
		t.Fatalf("status = %d", providerErr.Status)
	}
	if providerErr.Message != "model not found" {
		t.Fatalf("message = %q", providerErr.Message)
	}
	if providerErr.Headers.Get("X-Request-Id") != "req_1" {
		t.Fatalf("upstream headers lost: %+v", providerErr.Headers)
	}
	if n := atomic.LoadInt32(&requests); n != 1 {
		t.Fatalf("server saw %d requests, want 1 (400 is not retryable)", n)
	}
}

func TestOpenRouterStreamMidStreamDropIsNotRetried(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Error("server does not support hijacking")
			return
		}
		conn, buf, err := hj.Hijack()
		if err != nil {
			t.Errorf("hijack: %v", err)
			return
		}
		defer conn.Close()
		// Advertise more body than is sent, then drop the connection so the
		// client sees a truncated stream rather than a clean EOF.
		buf.WriteString("HTTP/1.1 200 OK\r\nContent-Type: text/event-stream\r\nContent-Length: 4096\r\n\r\n")
		buf.WriteString("data: {\"id\":\"gen_1\",\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n")
		buf.Flush()
	}))
	defer server.Close()

	model := newStreamTestModel(t, server.URL)
	events, err := model.Stream(context.Background(), Request{Input: []Item{UserMessage("hi")}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	got := collectStream(t, events)

	sawText := false
	var streamErr error
	for _, event := range got {
		switch event.Type {
		case EventTextDelta:
			sawText = true
		case EventError:
			streamErr = event.Err
		case EventResponseDone:
			t.Fatal("truncated stream must not produce a response")
		}
	}
	if !sawText {
		t.Fatal("expected the partial delta before the drop")
	}
	if streamErr == nil {
		t.Fatal("expected an error event after the drop")
	}
	// Text already reached the consumer, so a retry would duplicate it.
	if n := atomic.LoadInt32(&requests); n != 1 {
		t.Fatalf("server saw %d requests, want 1", n)
	}
}
