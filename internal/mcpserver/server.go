// Package mcpserver exposes the broker to agents as MCP tools over stdio.
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgellow/authbroker/internal/broker"
	"github.com/dgellow/authbroker/internal/credential"
	"github.com/dgellow/authbroker/internal/log"
	"github.com/dgellow/authbroker/internal/storage"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const (
	serverName    = "authbroker"
	serverVersion = "0.1.0"
)

// Deps are the collaborators the tools drive.
type Deps struct {
	Broker          *broker.Broker
	Request         broker.AuthorizationRequest
	Source          *credential.Source
	Lookup          credential.AccountLookup
	CallbackTimeout time.Duration
	Clock           func() time.Time
}

// FlowOutcome is the last finished flow started through begin_authorization.
type FlowOutcome struct {
	FlowID   string    `json:"flow_id"`
	State    string    `json:"state"`
	Error    string    `json:"error,omitempty"`
	Finished time.Time `json:"finished"`
}

// Server hosts the MCP tools.
type Server struct {
	deps      Deps
	mcpServer *server.MCPServer

	mu   sync.Mutex
	last *FlowOutcome
	wg   sync.WaitGroup
}

// New registers the tools on a fresh MCP server.
func New(deps Deps) (*Server, error) {
	if deps.Broker == nil || deps.Source == nil {
		return nil, fmt.Errorf("broker and credential source are required")
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	s := &Server{deps: deps}
	s.mcpServer = server.NewMCPServer(serverName, serverVersion,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	s.mcpServer.AddTool(beginAuthorizationTool(), s.handleBeginAuthorization)
	s.mcpServer.AddTool(authorizationStatusTool(), s.handleAuthorizationStatus)
	s.mcpServer.AddTool(cancelAuthorizationTool(), s.handleCancelAuthorization)
	s.mcpServer.AddTool(refreshCredentialTool(), s.handleRefreshCredential)
	return s, nil
}

// Serve blocks serving MCP on stdio.
func (s *Server) Serve() error {
	if s == nil || s.mcpServer == nil {
		return fmt.Errorf("MCP server is not configured")
	}
	if err := server.ServeStdio(s.mcpServer); err != nil {
		return fmt.Errorf("serve MCP: %w", err)
	}
	return nil
}

// Close cancels an in-flight flow and waits for its goroutine.
func (s *Server) Close() {
	if f, ok := s.deps.Broker.ActiveFlow(); ok {
		f.Cancel()
	}
	s.wg.Wait()
}

// BeginResult is returned by begin_authorization.
type BeginResult struct {
	FlowID           string `json:"flow_id"`
	AuthorizationURL string `json:"authorization_url"`
	State            string `json:"state"`
	TimeoutSeconds   int    `json:"timeout_seconds,omitempty"`
	AlreadyRunning   bool   `json:"already_running,omitempty"`
}

func beginAuthorizationTool() mcp.Tool {
	return mcp.NewTool("begin_authorization",
		mcp.WithDescription("Start a browser login. Returns the URL the user must open; the credential is stored once they approve."),
	)
}

func (s *Server) handleBeginAuthorization(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	// The flow outlives this tool call.
	flowCtx := context.WithoutCancel(ctx)

	f, err := s.deps.Broker.Begin(flowCtx, s.deps.Request)
	if errors.Is(err, broker.ErrFlowAlreadyInProgress) {
		if active, ok := s.deps.Broker.ActiveFlow(); ok {
			return mcp.NewToolResultStructuredOnly(BeginResult{
				FlowID:           active.ID(),
				AuthorizationURL: active.AuthorizationURL(),
				State:            active.State().String(),
				AlreadyRunning:   true,
			}), nil
		}
	}
	if err != nil {
		return mcp.NewToolResultErrorFromErr("failed to start authorization", err), nil
	}

	s.wg.Add(1)
	go s.complete(flowCtx, f)

	return mcp.NewToolResultStructuredOnly(BeginResult{
		FlowID:           f.ID(),
		AuthorizationURL: f.AuthorizationURL(),
		State:            f.State().String(),
		TimeoutSeconds:   int(s.deps.CallbackTimeout / time.Second),
	}), nil
}

func (s *Server) complete(ctx context.Context, f *broker.Flow) {
	defer s.wg.Done()

	result := &FlowOutcome{FlowID: f.ID()}
	cred, err := f.Wait(ctx, s.deps.CallbackTimeout)
	if err == nil {
		_, err = s.deps.Source.Complete(ctx, cred, s.deps.Lookup)
	}
	if err != nil {
		result.State = broker.StateFailed.String()
		result.Error = err.Error()
		log.LogWarnWithFields("mcp", "Background authorization failed", map[string]any{
			"flow_id": f.ID(),
			"error":   err.Error(),
		})
	} else {
		result.State = broker.StateCompleted.String()
	}
	result.Finished = s.deps.Clock()

	s.mu.Lock()
	s.last = result
	s.mu.Unlock()
}

// StatusResult is returned by authorization_status.
type StatusResult struct {
	Broker     string              `json:"broker_state"`
	ActiveFlow *FlowInfo           `json:"active_flow,omitempty"`
	LastFlow   *FlowOutcome        `json:"last_flow,omitempty"`
	Credential *credential.Summary `json:"credential,omitempty"`
}

// FlowInfo describes the in-flight flow.
type FlowInfo struct {
	ID               string    `json:"id"`
	State            string    `json:"state"`
	AuthorizationURL string    `json:"authorization_url"`
	Started          time.Time `json:"started"`
}

func authorizationStatusTool() mcp.Tool {
	return mcp.NewTool("authorization_status",
		mcp.WithDescription("Report the in-flight login, the last finished one and the stored credential. Tokens are masked."),
	)
}

func (s *Server) handleAuthorizationStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result := StatusResult{Broker: broker.StateIdle.String()}

	// A finishing flow stays reachable until it releases the broker.
	if f, ok := s.deps.Broker.ActiveFlow(); ok && !f.State().Terminal() {
		result.Broker = f.State().String()
		result.ActiveFlow = &FlowInfo{
			ID:               f.ID(),
			State:            f.State().String(),
			AuthorizationURL: f.AuthorizationURL(),
			Started:          f.Started(),
		}
	}

	s.mu.Lock()
	if s.last != nil {
		last := *s.last
		result.LastFlow = &last
	}
	s.mu.Unlock()

	stored, err := s.deps.Source.Stored(ctx)
	switch {
	case err == nil:
		summary := credential.Summarize(s.deps.Source.Key(), stored, s.deps.Clock())
		result.Credential = &summary
	case errors.Is(err, storage.ErrCredentialNotFound):
	default:
		return mcp.NewToolResultErrorFromErr("failed to read stored credential", err), nil
	}

	return mcp.NewToolResultStructuredOnly(result), nil
}

func cancelAuthorizationTool() mcp.Tool {
	return mcp.NewTool("cancel_authorization",
		mcp.WithDescription("Abort the in-flight login and free the callback port."),
	)
}

func (s *Server) handleCancelAuthorization(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f, ok := s.deps.Broker.ActiveFlow()
	if !ok {
		return mcp.NewToolResultError("no authorization in progress"), nil
	}
	f.Cancel()
	return mcp.NewToolResultText(fmt.Sprintf("canceled flow %s", f.ID())), nil
}

func refreshCredentialTool() mcp.Tool {
	return mcp.NewTool("refresh_credential",
		mcp.WithDescription("Trade the stored refresh token for a new access token."),
	)
}

func (s *Server) handleRefreshCredential(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	refreshed, err := s.deps.Source.Refresh(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrCredentialNotFound) || errors.Is(err, credential.ErrReauthorizationRequired) {
			return mcp.NewToolResultErrorFromErr("run begin_authorization first", err), nil
		}
		return mcp.NewToolResultErrorFromErr("refresh failed", err), nil
	}
	return mcp.NewToolResultStructuredOnly(credential.Summarize(s.deps.Source.Key(), refreshed, s.deps.Clock())), nil
}
