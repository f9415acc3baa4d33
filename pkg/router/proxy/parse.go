package proxy

import (
	"net/http"
	"strconv"

	"github.com/tidwall/gjson"

	"github.com/infergate/infergate/pkg/router/strategy"
)

// Workflow headers. Body fields under workflow_metadata are accepted
// equivalently; headers win when both are present.
const (
	HeaderRequestID       = "x-request-id"
	HeaderWorkflowID      = "x-workflow-id"
	HeaderAgentID         = "x-agent-id"
	HeaderParentRequestID = "x-parent-request-id"

	HeaderServedBy  = "x-served-by"
	HeaderPrefillBy = "x-prefill-by"
	HeaderDecodeBy  = "x-decode-by"

	// HeaderPrefixCacheHit is the sentinel an engine sets when the request
	// hit its prefix cache.
	HeaderPrefixCacheHit = "x-prefix-cache-hit"
)

// parseRequest builds the routing projection of a request. The body bytes
// are never modified; they are forwarded upstream as-is. An unparsable body
// yields a projection with BodyParsed=false rather than an error, because
// non-JSON bodies (audio uploads) are still routable.
func parseRequest(r *http.Request, body []byte, modelType, priorityHeader string) *strategy.Request {
	req := &strategy.Request{
		RequestID:       r.Header.Get(HeaderRequestID),
		ModelType:       modelType,
		Headers:         r.Header,
		WorkflowID:      r.Header.Get(HeaderWorkflowID),
		AgentID:         r.Header.Get(HeaderAgentID),
		ParentRequestID: r.Header.Get(HeaderParentRequestID),
	}
	if priorityHeader != "" {
		if p, err := strconv.Atoi(r.Header.Get(priorityHeader)); err == nil && p >= 1 && p <= 3 {
			req.Priority = p
		}
	}
	if !gjson.ValidBytes(body) {
		return req
	}
	req.BodyParsed = true
	req.Model = gjson.GetBytes(body, "model").String()
	req.Stream = gjson.GetBytes(body, "stream").Bool()

	gjson.GetBytes(body, "messages").ForEach(func(_, m gjson.Result) bool {
		req.Messages = append(req.Messages, strategy.ChatMessage{
			Role:    m.Get("role").String(),
			Content: contentText(m.Get("content")),
		})
		return true
	})

	meta := gjson.GetBytes(body, "workflow_metadata")
	if req.WorkflowID == "" {
		req.WorkflowID = meta.Get("workflow_id").String()
	}
	if req.AgentID == "" {
		req.AgentID = meta.Get("agent_id").String()
	}
	if req.ParentRequestID == "" {
		req.ParentRequestID = meta.Get("parent_request_id").String()
	}
	if req.ParentRequestID == "" {
		req.ParentRequestID = gjson.GetBytes(body, "parent_id").String()
	}
	if req.ParentRequestID == "" {
		req.ParentRequestID = gjson.GetBytes(body, "previous_message_id").String()
	}
	return req
}

// contentText flattens a message content value: either a plain string or an
// array of typed parts, of which the text parts are joined.
func contentText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if !content.IsArray() {
		return ""
	}
	out := ""
	content.ForEach(func(_, part gjson.Result) bool {
		if part.Get("type").String() == "text" {
			out += part.Get("text").String()
		}
		return true
	})
	return out
}
