package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "TwinGovernance/internal/errors"
	"TwinGovernance/internal/member"
	"TwinGovernance/internal/observability/metrics"
	"TwinGovernance/internal/proposal"
	"TwinGovernance/internal/token"
)

// Directory 是 API 层需要的名册能力，member.MemoryDirectory 满足该接口。
type Directory interface {
	member.Directory
	AddMember(channelID, address, displayName string)
	SetProfile(profile member.DelegateProfile)
}

// PriceSource 提供代币的美元价格，swap.Client 满足该接口。
type PriceSource interface {
	PriceOf(ctx context.Context, symbol string) float64
}

// Server 负责暴露 REST 接口，供聊天网关驱动治理流程。
type Server struct {
	addr        string
	service     *proposal.Service
	coordinator *proposal.Coordinator
	registry    *token.Registry
	prices      PriceSource
	sessions    *member.SessionRegistry
	directory   Directory
}

// NewServer 构造 API 服务实例。
func NewServer(
	addr string,
	service *proposal.Service,
	coordinator *proposal.Coordinator,
	registry *token.Registry,
	prices PriceSource,
	sessions *member.SessionRegistry,
	directory Directory,
) *Server {
	return &Server{
		addr:        addr,
		service:     service,
		coordinator: coordinator,
		registry:    registry,
		prices:      prices,
		sessions:    sessions,
		directory:   directory,
	}
}

// Handler 返回完整路由，测试直接挂到 httptest 上。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/proposals", s.instrument("proposals", s.handleCreateProposal))
	mux.HandleFunc("GET /api/v1/proposals", s.instrument("proposals", s.handleListProposals))
	mux.HandleFunc("GET /api/v1/proposals/{id}", s.instrument("proposal", s.handleGetProposal))
	mux.HandleFunc("POST /api/v1/proposals/{id}/votes", s.instrument("votes", s.handleCastVote))
	mux.HandleFunc("GET /api/v1/tokens", s.instrument("tokens", s.handleListTokens))
	mux.HandleFunc("GET /api/v1/prices/{symbol}", s.instrument("prices", s.handleGetPrice))
	mux.HandleFunc("POST /api/v1/sessions", s.instrument("sessions", s.handleAuthenticate))
	mux.HandleFunc("DELETE /api/v1/sessions/{address}", s.instrument("sessions", s.handleDisconnect))
	mux.HandleFunc("GET /api/v1/channels/{id}/members", s.instrument("members", s.handleChannelMembers))
	mux.HandleFunc("POST /api/v1/channels/{id}/members", s.instrument("members", s.handleJoinChannel))
	mux.HandleFunc("PUT /api/v1/members/{address}/delegate", s.instrument("delegate", s.handleSetDelegate))
	mux.HandleFunc("GET /healthz", s.instrument("healthz", s.handleHealth))
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleCreateProposal(w http.ResponseWriter, r *http.Request) {
	var req proposal.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "请求体解析失败")
		return
	}

	p, err := s.service.Create(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	channelID := r.URL.Query().Get("channel_id")

	proposals, err := s.service.ListByChannel(r.Context(), channelID, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proposals)
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	p, err := s.service.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type voteRequest struct {
	Voter     string          `json:"voter"`
	VoterName string          `json:"voter_name,omitempty"`
	Choice    proposal.Choice `json:"choice"`
	Delegated bool            `json:"delegated,omitempty"`
}

// handleCastVote 记录一票。提案人对自己提案的重复表态在这一层挡下，
// 返回当前状态而不触碰协调器。
func (s *Server) handleCastVote(w http.ResponseWriter, r *http.Request) {
	proposalID := r.PathValue("id")

	var req voteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "请求体解析失败")
		return
	}
	if req.Choice != proposal.ChoiceYes && req.Choice != proposal.ChoiceNo {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "choice 必须为 yes 或 no")
		return
	}

	current, err := s.service.Get(r.Context(), proposalID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if strings.EqualFold(current.Proposer, strings.TrimSpace(req.Voter)) {
		writeJSON(w, http.StatusOK, &proposal.VoteResult{Proposal: current})
		return
	}

	result, err := s.coordinator.CastVote(r.Context(), proposalID, req.Voter, req.VoterName, req.Choice, req.Delegated)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListTokens(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

type priceResponse struct {
	Symbol   string  `json:"symbol"`
	PriceUSD float64 `json:"price_usd"`
}

func (s *Server) handleGetPrice(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.PathValue("symbol"))
	if _, err := s.registry.Resolve(symbol); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, priceResponse{
		Symbol:   symbol,
		PriceUSD: s.prices.PriceOf(r.Context(), symbol),
	})
}

type sessionRequest struct {
	Address string `json:"address"`
}

func (s *Server) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "请求体解析失败")
		return
	}
	if strings.TrimSpace(req.Address) == "" {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "address 不能为空")
		return
	}
	writeJSON(w, http.StatusCreated, s.sessions.Authenticate(req.Address))
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.sessions.Disconnect(r.PathValue("address"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleChannelMembers(w http.ResponseWriter, r *http.Request) {
	members, err := s.directory.ChannelMembers(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, members)
}

type joinRequest struct {
	Address     string `json:"address"`
	DisplayName string `json:"display_name,omitempty"`
}

func (s *Server) handleJoinChannel(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "请求体解析失败")
		return
	}
	if strings.TrimSpace(req.Address) == "" {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "address 不能为空")
		return
	}
	s.directory.AddMember(r.PathValue("id"), req.Address, req.DisplayName)
	w.WriteHeader(http.StatusNoContent)
}

type delegateRequest struct {
	Enabled          bool    `json:"enabled"`
	AutonomousCapUSD float64 `json:"autonomous_cap_usd"`
}

func (s *Server) handleSetDelegate(w http.ResponseWriter, r *http.Request) {
	var req delegateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "请求体解析失败")
		return
	}
	profile := member.DelegateProfile{
		Owner:            r.PathValue("address"),
		Enabled:          req.Enabled,
		AutonomousCapUSD: req.AutonomousCapUSD,
	}
	s.directory.SetProfile(profile)
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// instrument 为处理器挂上请求指标采集。
func (s *Server) instrument(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

type errorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code xerrors.Code, message string) {
	writeJSON(w, status, errorResponse{Code: string(code), Error: message})
}

// writeDomainError 把统一错误码映射为 HTTP 状态。
func writeDomainError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case xerrors.CodeInvalidArgument, token.CodeTokenUnknown, token.CodeAmountInvalid:
		status = http.StatusBadRequest
	case xerrors.CodeNotFound, proposal.CodeProposalNotFound:
		status = http.StatusNotFound
	case xerrors.CodeConflict, proposal.CodeProposalConflict:
		status = http.StatusConflict
	case proposal.CodeFundsInsufficient:
		status = http.StatusUnprocessableEntity
	}
	message := err.Error()
	if domain, ok := xerrors.From(err); ok {
		message = domain.Message()
	}
	writeError(w, status, code, message)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
