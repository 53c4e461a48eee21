package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// client for the session authority. All calls attach the bearer jwt.
// Each call has an async variant that posts the result to a callback and a
// Sync variant for callers that want to block.
type SessionApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	byJwt string
}

func NewSessionApi(apiUrl string) *SessionApi {
	return NewSessionApiWithContext(context.Background(), apiUrl)
}

func NewSessionApiWithContext(ctx context.Context, apiUrl string) *SessionApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &SessionApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
	}
}

// this gets attached to api calls that need it
func (self *SessionApi) SetByJwt(byJwt string) {
	self.byJwt = byJwt
}

func (self *SessionApi) ByJwt() string {
	return self.byJwt
}

func (self *SessionApi) Close() {
	self.cancel()
}

type AuthLoginCallback apiCallback[*AuthLoginResult]

type AuthLoginArgs struct {
	UserName string `json:"username"`
	Password string `json:"password"`
}

type AuthLoginResult struct {
	Token string                `json:"token,omitempty"`
	Error *AuthLoginResultError `json:"error,omitempty"`
}

type AuthLoginResultError struct {
	Message string `json:"message"`
}

func (self *SessionApi) AuthLogin(authLogin *AuthLoginArgs, callback AuthLoginCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/api/auth/login", self.apiUrl),
		authLogin,
		self.byJwt,
		&AuthLoginResult{},
		callback,
	)
}

func (self *SessionApi) AuthLoginSync(authLogin *AuthLoginArgs) (*AuthLoginResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/api/auth/login", self.apiUrl),
		authLogin,
		self.byJwt,
		&AuthLoginResult{},
		NewNoopApiCallback[*AuthLoginResult](),
	)
}

type AuthRegisterCallback apiCallback[*AuthRegisterResult]

type AuthRegisterArgs struct {
	UserName string `json:"username"`
	Password string `json:"password"`
}

type AuthRegisterResult struct {
	Token string                   `json:"token,omitempty"`
	Error *AuthRegisterResultError `json:"error,omitempty"`
}

type AuthRegisterResultError struct {
	Message string `json:"message"`
}

func (self *SessionApi) AuthRegister(authRegister *AuthRegisterArgs, callback AuthRegisterCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/api/auth/register", self.apiUrl),
		authRegister,
		self.byJwt,
		&AuthRegisterResult{},
		callback,
	)
}

func (self *SessionApi) AuthRegisterSync(authRegister *AuthRegisterArgs) (*AuthRegisterResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/api/auth/register", self.apiUrl),
		authRegister,
		self.byJwt,
		&AuthRegisterResult{},
		NewNoopApiCallback[*AuthRegisterResult](),
	)
}

type CreateSessionCallback apiCallback[*CreateSessionResult]

type CreateSessionArgs struct {
	Name string `json:"name"`
}

type CreateSessionResult struct {
	SessionId Id     `json:"session_id"`
	Name      string `json:"name"`
	OwnerId   string `json:"owner_id"`
}

func (self *SessionApi) CreateSession(createSession *CreateSessionArgs, callback CreateSessionCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/api/sessions/create", self.apiUrl),
		createSession,
		self.byJwt,
		&CreateSessionResult{},
		callback,
	)
}

func (self *SessionApi) CreateSessionSync(createSession *CreateSessionArgs) (*CreateSessionResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/api/sessions/create", self.apiUrl),
		createSession,
		self.byJwt,
		&CreateSessionResult{},
		NewNoopApiCallback[*CreateSessionResult](),
	)
}

type ListSessionsCallback apiCallback[*ListSessionsResult]

type ListSessionsResult struct {
	Sessions []*SessionDescriptor `json:"sessions"`
}

type SessionDescriptor struct {
	SessionId Id     `json:"session_id"`
	Name      string `json:"name"`
	OwnerId   string `json:"owner_id"`
	Active    bool   `json:"active"`
}

func (self *SessionApi) ListSessions(callback ListSessionsCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/api/sessions", self.apiUrl),
		self.byJwt,
		&ListSessionsResult{},
		callback,
	)
}

func (self *SessionApi) ListSessionsSync() (*ListSessionsResult, error) {
	return get(
		self.ctx,
		fmt.Sprintf("%s/api/sessions", self.apiUrl),
		self.byJwt,
		&ListSessionsResult{},
		NewNoopApiCallback[*ListSessionsResult](),
	)
}

type JoinSessionCallback apiCallback[*JoinSessionResult]

// snapshot of the session at join time. The client seeds its local state
// from this and then tracks the topics.
type JoinSessionResult struct {
	SessionId     Id                      `json:"session_id"`
	OwnerId       string                  `json:"owner_id"`
	Participants  []string                `json:"participants"`
	Language      string                  `json:"language"`
	LatestText    string                  `json:"latest_text"`
	CurrentUserId string                  `json:"current_user_id"`
	Error         *JoinSessionResultError `json:"error,omitempty"`
}

type JoinSessionResultError struct {
	Message string `json:"message"`
	EndedBy string `json:"ended_by,omitempty"`
}

func (self *SessionApi) JoinSession(sessionId Id, callback JoinSessionCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/api/sessions/join/%s", self.apiUrl, sessionId),
		nil,
		self.byJwt,
		&JoinSessionResult{},
		callback,
	)
}

func (self *SessionApi) JoinSessionSync(sessionId Id) (*JoinSessionResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/api/sessions/join/%s", self.apiUrl, sessionId),
		nil,
		self.byJwt,
		&JoinSessionResult{},
		NewNoopApiCallback[*JoinSessionResult](),
	)
}

type LeaveSessionCallback apiCallback[*LeaveSessionResult]

type LeaveSessionResult struct {
}

func (self *SessionApi) LeaveSession(sessionId Id, callback LeaveSessionCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/api/sessions/leave/%s", self.apiUrl, sessionId),
		nil,
		self.byJwt,
		&LeaveSessionResult{},
		callback,
	)
}

func (self *SessionApi) LeaveSessionSync(sessionId Id) (*LeaveSessionResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/api/sessions/leave/%s", self.apiUrl, sessionId),
		nil,
		self.byJwt,
		&LeaveSessionResult{},
		NewNoopApiCallback[*LeaveSessionResult](),
	)
}

type EndSessionCallback apiCallback[*EndSessionResult]

type EndSessionArgs struct {
	FinalText string `json:"final_text"`
}

type EndSessionResult struct {
}

// the authority persists the final text and broadcasts on the end topic
func (self *SessionApi) EndSession(sessionId Id, endSession *EndSessionArgs, callback EndSessionCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/api/sessions/end/%s", self.apiUrl, sessionId),
		endSession,
		self.byJwt,
		&EndSessionResult{},
		callback,
	)
}

func (self *SessionApi) EndSessionSync(sessionId Id, endSession *EndSessionArgs) (*EndSessionResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/api/sessions/end/%s", self.apiUrl, sessionId),
		endSession,
		self.byJwt,
		&EndSessionResult{},
		NewNoopApiCallback[*EndSessionResult](),
	)
}

type StopExecutionCallback apiCallback[*StopExecutionResult]

type StopExecutionResult struct {
}

func (self *SessionApi) StopExecution(sessionId Id, callback StopExecutionCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/api/sessions/stop/%s", self.apiUrl, sessionId),
		nil,
		self.byJwt,
		&StopExecutionResult{},
		callback,
	)
}

func (self *SessionApi) StopExecutionSync(sessionId Id) (*StopExecutionResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/api/sessions/stop/%s", self.apiUrl, sessionId),
		nil,
		self.byJwt,
		&StopExecutionResult{},
		NewNoopApiCallback[*StopExecutionResult](),
	)
}

type SubmitExecutionCallback apiCallback[*SubmitExecutionResult]

type SubmitExecutionArgs struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

// ack only. The output arrives later on the terminal topic.
type SubmitExecutionResult struct {
}

func (self *SessionApi) SubmitExecution(sessionId Id, submitExecution *SubmitExecutionArgs, callback SubmitExecutionCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/api/sessions/run/%s", self.apiUrl, sessionId),
		submitExecution,
		self.byJwt,
		&SubmitExecutionResult{},
		callback,
	)
}

func (self *SessionApi) SubmitExecutionSync(sessionId Id, submitExecution *SubmitExecutionArgs) (*SubmitExecutionResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/api/sessions/run/%s", self.apiUrl, sessionId),
		submitExecution,
		self.byJwt,
		&SubmitExecutionResult{},
		NewNoopApiCallback[*SubmitExecutionResult](),
	)
}

type ParticipantsCallback apiCallback[*ParticipantsResult]

type ParticipantsResult struct {
	Participants []string `json:"participants"`
}

func (self *SessionApi) Participants(sessionId Id, callback ParticipantsCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/api/sessions/participants/%s", self.apiUrl, sessionId),
		self.byJwt,
		&ParticipantsResult{},
		callback,
	)
}

func (self *SessionApi) ParticipantsSync(sessionId Id) (*ParticipantsResult, error) {
	return get(
		self.ctx,
		fmt.Sprintf("%s/api/sessions/participants/%s", self.apiUrl, sessionId),
		self.byJwt,
		&ParticipantsResult{},
		NewNoopApiCallback[*ParticipantsResult](),
	)
}

func post[R any](ctx context.Context, url string, args any, byJwt string, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}

func get[R any](ctx context.Context, url string, byJwt string, result R, callback apiCallback[R]) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
