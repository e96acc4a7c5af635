// Package wshandlers provides the JSON-RPC method handlers for the
// orchestrator WebSocket API. Subscription methods are handled at the
// connection layer in internal/gateway/websocket; everything else is
// registered here.
package wshandlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/confab/confab/internal/common/errors"
	"github.com/confab/confab/internal/common/logger"
	"github.com/confab/confab/internal/conversation/models"
	"github.com/confab/confab/internal/orchestrator"
	v1 "github.com/confab/confab/pkg/api/v1"
	"github.com/confab/confab/pkg/jsonrpc"
)

// AgentManager starts internal agents for conversations. Implemented by
// the agent lifecycle manager; nil when the gateway runs without one.
type AgentManager interface {
	EnsureAgentsRunning(ctx context.Context, conversation int64) ([]string, error)
}

// Handlers contains the JSON-RPC handlers for the orchestrator API
type Handlers struct {
	service *orchestrator.Service
	agents  AgentManager
	logger  *logger.Logger
}

// NewHandlers creates a new handlers instance
func NewHandlers(svc *orchestrator.Service, agents AgentManager, log *logger.Logger) *Handlers {
	return &Handlers{
		service: svc,
		agents:  agents,
		logger:  log.WithFields(zap.String("component", "orchestrator-ws-handlers")),
	}
}

// RegisterHandlers registers all orchestrator handlers with the dispatcher
func (h *Handlers) RegisterHandlers(d *jsonrpc.Dispatcher) {
	d.RegisterFunc(v1.MethodCreateConversation, h.CreateConversation)
	d.RegisterFunc(v1.MethodGetConversation, h.GetConversation)
	d.RegisterFunc(v1.MethodListConversations, h.ListConversations)
	d.RegisterFunc(v1.MethodUpdateMeta, h.UpdateMeta)
	d.RegisterFunc(v1.MethodSendMessage, h.SendMessage)
	d.RegisterFunc(v1.MethodSendTrace, h.SendTrace)
	d.RegisterFunc(v1.MethodGetEvents, h.GetEvents)
	d.RegisterFunc(v1.MethodClaimTurn, h.ClaimTurn)
	d.RegisterFunc(v1.MethodEnsureAgentsRunning, h.EnsureAgentsRunning)
	d.RegisterFunc(v1.MethodRunToCompletion, h.RunToCompletion)
}

// CreateConversation handles createConversation
func (h *Handlers) CreateConversation(ctx context.Context, req *jsonrpc.Request) (interface{}, *jsonrpc.Error) {
	var params v1.CreateConversationParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	conv, err := h.service.CreateConversation(ctx, params)
	if err != nil {
		return nil, RPCError(err)
	}
	return v1.CreateConversationResult{Conversation: conv.ToAPI()}, nil
}

// GetConversation handles getConversation
func (h *Handlers) GetConversation(ctx context.Context, req *jsonrpc.Request) (interface{}, *jsonrpc.Error) {
	var params v1.GetConversationParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	snapshot, err := h.service.Snapshot(ctx, params)
	if err != nil {
		return nil, RPCError(err)
	}
	return snapshot, nil
}

// ListConversations handles listConversations
func (h *Handlers) ListConversations(ctx context.Context, req *jsonrpc.Request) (interface{}, *jsonrpc.Error) {
	var params v1.ListConversationsParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	convs, err := h.service.ListConversations(ctx, params)
	if err != nil {
		return nil, RPCError(err)
	}
	result := v1.ListConversationsResult{Conversations: make([]*v1.Conversation, 0, len(convs))}
	for _, c := range convs {
		result.Conversations = append(result.Conversations, c.ToAPI())
	}
	return result, nil
}

// UpdateMeta handles updateMeta
func (h *Handlers) UpdateMeta(ctx context.Context, req *jsonrpc.Request) (interface{}, *jsonrpc.Error) {
	var params v1.UpdateMetaParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	conv, err := h.service.UpdateMeta(ctx, params)
	if err != nil {
		return nil, RPCError(err)
	}
	return v1.UpdateMetaResult{Conversation: conv.ToAPI()}, nil
}

// SendMessage handles sendMessage
func (h *Handlers) SendMessage(ctx context.Context, req *jsonrpc.Request) (interface{}, *jsonrpc.Error) {
	var params v1.SendMessageParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	result, replayed, err := h.service.SendMessage(ctx, params)
	if err != nil {
		return nil, RPCError(err)
	}
	return v1.SendMessageResult{
		Seq:      result.Seq,
		Turn:     result.Turn,
		Event:    result.Event,
		Replayed: replayed,
	}, nil
}

// SendTrace handles sendTrace
func (h *Handlers) SendTrace(ctx context.Context, req *jsonrpc.Request) (interface{}, *jsonrpc.Error) {
	var params v1.SendTraceParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	result, replayed, err := h.service.SendTrace(ctx, params)
	if err != nil {
		return nil, RPCError(err)
	}
	return v1.SendMessageResult{
		Seq:      result.Seq,
		Turn:     result.Turn,
		Event:    result.Event,
		Replayed: replayed,
	}, nil
}

// GetEvents handles getEventsPage
func (h *Handlers) GetEvents(ctx context.Context, req *jsonrpc.Request) (interface{}, *jsonrpc.Error) {
	var params v1.GetEventsParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	events, err := h.service.GetEvents(ctx, params)
	if err != nil {
		return nil, RPCError(err)
	}
	result := v1.GetEventsResult{Events: make([]*v1.Event, 0, len(events))}
	for _, ev := range events {
		result.Events = append(result.Events, ev.ToAPI())
	}
	return result, nil
}

// ClaimTurn handles claimTurn. Losing a contended claim is a normal
// result, not an error.
func (h *Handlers) ClaimTurn(ctx context.Context, req *jsonrpc.Request) (interface{}, *jsonrpc.Error) {
	var params v1.ClaimTurnParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	result, err := h.service.ClaimTurn(ctx, params)
	if err != nil {
		return nil, RPCError(err)
	}
	return result, nil
}

// EnsureAgentsRunning handles ensureAgentsRunning
func (h *Handlers) EnsureAgentsRunning(ctx context.Context, req *jsonrpc.Request) (interface{}, *jsonrpc.Error) {
	var params v1.EnsureAgentsRunningParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	agents, err := h.ensureAgents(ctx, params.Conversation)
	if err != nil {
		return nil, RPCError(err)
	}
	return v1.EnsureAgentsRunningResult{Agents: agents}, nil
}

// RunToCompletion handles runConversationToCompletion: it starts the
// conversation's internal agents, optionally seeds an opening message,
// and blocks until a message closes the conversation or the timeout
// elapses.
func (h *Handlers) RunToCompletion(ctx context.Context, req *jsonrpc.Request) (interface{}, *jsonrpc.Error) {
	var params v1.RunToCompletionParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}

	timeout := 5 * time.Minute
	if params.TimeoutMs > 0 {
		timeout = time.Duration(params.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Watch for the closing event before kicking anything off so it
	// cannot slip past between seed and subscribe.
	sub, backlog, err := h.service.Subscribe(ctx, v1.SubscribeParams{
		Conversation: params.Conversation,
		Types:        []string{"message"},
	})
	if err != nil {
		return nil, RPCError(err)
	}
	defer h.service.Unsubscribe(params.Conversation, sub.ID)

	if _, err := h.ensureAgents(ctx, params.Conversation); err != nil {
		return nil, RPCError(err)
	}

	if params.Text != "" {
		_, _, err := h.service.SendMessage(ctx, v1.SendMessageParams{
			Conversation: params.Conversation,
			AgentID:      params.AgentID,
			Finality:     "turn",
			Text:         params.Text,
		})
		if err != nil {
			return nil, RPCError(err)
		}
	}

	for _, ev := range backlog {
		if ev.Finality == models.FinalityConversation {
			return closingResult(ev.Seq, ev.Payload), nil
		}
	}
	for {
		select {
		case item := <-sub.Items():
			if item.Event != nil && item.Event.Finality == models.FinalityConversation {
				return closingResult(item.Event.Seq, item.Event.Payload), nil
			}
		case <-sub.Done():
			if err := sub.Err(); err != nil {
				return nil, RPCError(err)
			}
			return nil, jsonrpc.NewError(jsonrpc.InternalError,
				"subscription ended", v1.ErrorData{Code: v1.CodeInternal})
		case <-ctx.Done():
			return nil, jsonrpc.NewError(jsonrpc.DomainError,
				"conversation did not complete before the deadline",
				v1.ErrorData{Code: v1.CodeInternal})
		}
	}
}

func (h *Handlers) ensureAgents(ctx context.Context, conversation int64) ([]string, error) {
	if h.agents == nil {
		return nil, nil
	}
	return h.agents.EnsureAgentsRunning(ctx, conversation)
}

func closingResult(seq int64, payload []byte) v1.RunToCompletionResult {
	var body v1.MessagePayload
	_ = json.Unmarshal(payload, &body)
	return v1.RunToCompletionResult{LastSeq: seq, Outcome: body.Outcome}
}

func decodeParams(req *jsonrpc.Request, v interface{}) *jsonrpc.Error {
	if len(req.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Params, v); err != nil {
		return jsonrpc.NewError(jsonrpc.InvalidParams, "invalid params: "+err.Error(),
			v1.ErrorData{Code: v1.CodeValidation})
	}
	return nil
}

// RPCError maps a service error onto the wire: validation problems come
// back as INVALID_PARAMS, everything else as a domain error with the
// stable code in the data field.
func RPCError(err error) *jsonrpc.Error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		return jsonrpc.NewError(jsonrpc.InternalError, err.Error(),
			v1.ErrorData{Code: v1.CodeInternal})
	}
	code := jsonrpc.DomainError
	if appErr.HTTPStatus == http.StatusBadRequest {
		code = jsonrpc.InvalidParams
	}
	return jsonrpc.NewError(code, appErr.Message, v1.ErrorData{Code: appErr.Code})
}
