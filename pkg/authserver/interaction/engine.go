// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package interaction drives each authorization attempt through its login
// and consent prompts and finishes it with a redirect back to the client.
//
// An interaction moves login -> consent -> finished. Login may be skipped
// when the browser already has a session. Every transition consumes the
// current interaction record before it acts, so of two concurrent finishers
// on the same uid exactly one proceeds. Login then writes the consent stage
// as a new record under the same uid; consent and error results are
// terminal and never leave a live record behind.
package interaction

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ory/fosite"
	"golang.org/x/time/rate"

	"github.com/stacklok/authgate/pkg/authserver/accounts"
	"github.com/stacklok/authgate/pkg/authserver/clients"
	"github.com/stacklok/authgate/pkg/authserver/grants"
	"github.com/stacklok/authgate/pkg/authserver/scopes"
	servercrypto "github.com/stacklok/authgate/pkg/authserver/server/crypto"
	"github.com/stacklok/authgate/pkg/authserver/storage"
	"github.com/stacklok/authgate/pkg/authserver/tokens"
	"github.com/stacklok/authgate/pkg/logger"
)

// Default lifetimes.
const (
	DefaultInteractionTTL = time.Hour
	DefaultSessionTTL     = 14 * 24 * time.Hour
)

// ClientGetter resolves registered clients.
type ClientGetter interface {
	Get(ctx context.Context, id string) (*clients.Client, error)
}

// GrantCreator persists consent.
type GrantCreator interface {
	Create(ctx context.Context, accountID, clientID string, requested, granted []string) (string, error)
	Revoke(ctx context.Context, grantID string) error
}

// CodeIssuer mints authorization codes.
type CodeIssuer interface {
	IssueCode(ctx context.Context, req tokens.CodeRequest) (string, error)
}

// Engine runs interactions.
type Engine struct {
	store    storage.RecordStore
	clients  ClientGetter
	accounts accounts.Directory
	grants   GrantCreator
	codes    CodeIssuer

	interactionTTL time.Duration
	sessionTTL     time.Duration
	limiter        *loginLimiter
	now            func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithInteractionTTL overrides DefaultInteractionTTL.
func WithInteractionTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.interactionTTL = ttl
		}
	}
}

// WithSessionTTL overrides DefaultSessionTTL.
func WithSessionTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.sessionTTL = ttl
		}
	}
}

// WithLoginRateLimit sets the per-username login limit. rate.Inf disables it.
func WithLoginRateLimit(limit rate.Limit, burst int) Option {
	return func(e *Engine) {
		e.limiter = newLoginLimiter(limit, burst)
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates an Engine.
func NewEngine(
	store storage.RecordStore,
	clientGetter ClientGetter,
	directory accounts.Directory,
	grantCreator GrantCreator,
	codeIssuer CodeIssuer,
	opts ...Option,
) *Engine {
	e := &Engine{
		store:          store,
		clients:        clientGetter,
		accounts:       directory,
		grants:         grantCreator,
		codes:          codeIssuer,
		interactionTTL: DefaultInteractionTTL,
		sessionTTL:     DefaultSessionTTL,
		limiter:        newLoginLimiter(DefaultLoginRate, DefaultLoginBurst),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Begin validates an authorization request and opens an interaction for it.
//
// Errors found before the redirect URI is trusted are returned as
// *fosite.RFC6749Error and must be shown to the user. Later errors are
// returned as *RedirectError and go back to the client.
func (e *Engine) Begin(ctx context.Context, req AuthorizationRequest, sessionID string) (*Interaction, error) {
	if req.ClientID == "" {
		return nil, fosite.ErrInvalidRequest.WithHint("The 'client_id' parameter is required.")
	}
	client, err := e.clients.Get(ctx, req.ClientID)
	if err != nil {
		return nil, err
	}
	if req.RedirectURI == "" {
		return nil, fosite.ErrInvalidRequest.WithHint("The 'redirect_uri' parameter is required.")
	}
	redirectURI := client.GetMatchingRedirectURI(req.RedirectURI)
	if redirectURI == "" {
		return nil, fosite.ErrInvalidRequest.WithHint("The 'redirect_uri' is not registered for this client.")
	}
	req.RedirectURI = redirectURI

	redirectErr := func(err *fosite.RFC6749Error) error {
		return &RedirectError{RedirectURI: redirectURI, State: req.State, Err: err}
	}

	if req.ResponseType != "code" {
		return nil, redirectErr(fosite.ErrUnsupportedResponseType.WithHint("Only the 'code' response type is supported."))
	}
	if !client.SupportsGrant("authorization_code") {
		return nil, redirectErr(fosite.ErrUnauthorizedClient.WithHint("The client may not use the authorization code grant."))
	}

	requested := req.Scopes()
	if len(requested) == 0 {
		return nil, redirectErr(scopes.ErrInvalidScope.WithHint("At least one scope is required."))
	}
	if err := scopes.Validate(requested); err != nil {
		var rfcErr *fosite.RFC6749Error
		if errors.As(err, &rfcErr) {
			return nil, redirectErr(rfcErr)
		}
		return nil, err
	}
	if bad, ok := client.AllowsScopes(requested); !ok {
		return nil, redirectErr(scopes.ErrInvalidScope.WithHintf("The client may not request scope %q.", bad))
	}
	req.Scope = strings.Join(requested, " ")

	if req.CodeChallenge == "" {
		return nil, redirectErr(fosite.ErrInvalidRequest.WithHint("The 'code_challenge' parameter is required."))
	}
	if req.CodeChallengeMethod != servercrypto.PKCEChallengeMethodS256 {
		return nil, redirectErr(fosite.ErrInvalidRequest.WithHint("The 'code_challenge_method' must be S256."))
	}
	if !servercrypto.ValidPKCEValue(req.CodeChallenge) {
		return nil, redirectErr(fosite.ErrInvalidRequest.WithHint("The 'code_challenge' is malformed."))
	}

	in := &Interaction{
		UID:       uuid.NewString(),
		Prompt:    PromptLogin,
		Params:    req,
		CreatedAt: e.now().UTC(),
	}
	in.recordID = in.UID

	if sessionID != "" {
		sess, err := e.ResumeSession(ctx, sessionID)
		switch {
		case err == nil:
			in.Prompt = PromptConsent
			in.SessionID = sess.ID
			in.AccountID = sess.AccountID
			in.AuthTime = sess.AuthTime
			in.Result = &Result{Login: &LoginResult{AccountID: sess.AccountID}}
		case !errors.Is(err, ErrSessionNotFound):
			return nil, err
		}
	}

	if err := e.save(ctx, in); err != nil {
		return nil, err
	}
	logger.Debugw("interaction started",
		"uid", in.UID,
		"client_id", req.ClientID,
		"prompt", in.Prompt,
	)
	return in, nil
}

// Details returns what the current prompt displays.
func (e *Engine) Details(ctx context.Context, uid string) (*Details, error) {
	in, err := e.load(ctx, uid)
	if err != nil {
		return nil, err
	}
	client, err := e.clients.Get(ctx, in.Params.ClientID)
	if err != nil {
		return nil, err
	}

	requested := in.Params.Scopes()
	d := &Details{
		UID:       in.UID,
		Prompt:    in.Prompt,
		Client:    Client{ID: client.GetID(), Name: client.Name},
		Scopes:    requested,
		AccountID: in.AccountID,
	}
	if in.Prompt == PromptConsent {
		d.Permissions = scopes.Describe(requested)
	}
	return d, nil
}

// SubmitLogin checks the credentials and, on success, finishes the login
// prompt. A failed attempt leaves the interaction open.
func (e *Engine) SubmitLogin(ctx context.Context, uid, username, password string) (*Completion, error) {
	in, err := e.load(ctx, uid)
	if err != nil {
		return nil, err
	}
	if in.Prompt != PromptLogin {
		return nil, ErrPromptMismatch
	}
	if !e.limiter.allow(username, e.now()) {
		logger.Warnw("login rate limit exceeded", "uid", uid, "username", username)
		return nil, ErrTooManyAttempts
	}

	account, err := e.accounts.Authenticate(ctx, username, password)
	if errors.Is(err, accounts.ErrInvalidCredentials) {
		logger.Infow("login failed", "uid", uid, "client_id", in.Params.ClientID)
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}

	return e.Finish(ctx, uid, Result{Login: &LoginResult{AccountID: account.ID}})
}

// Confirm grants every requested scope.
func (e *Engine) Confirm(ctx context.Context, uid string) (*Completion, error) {
	return e.Finish(ctx, uid, Result{Consent: &ConsentResult{}})
}

// Abort ends the interaction with access_denied.
func (e *Engine) Abort(ctx context.Context, uid string) (*Completion, error) {
	return e.Finish(ctx, uid, Result{Error: &ErrorResult{
		Error:       fosite.ErrAccessDenied.ErrorField,
		Description: "End-User aborted interaction",
	}})
}

// Finish applies result to the interaction. A login result advances to
// consent; a consent or error result ends the interaction with a redirect
// to the client.
func (e *Engine) Finish(ctx context.Context, uid string, result Result) (*Completion, error) {
	switch {
	case result.Login != nil:
		return e.finishLogin(ctx, uid, result.Login)
	case result.Consent != nil:
		return e.finishConsent(ctx, uid, result.Consent)
	case result.Error != nil:
		return e.finishError(ctx, uid, result.Error)
	default:
		return nil, errors.New("interaction result is empty")
	}
}

func (e *Engine) finishLogin(ctx context.Context, uid string, login *LoginResult) (*Completion, error) {
	in, err := e.load(ctx, uid)
	if err != nil {
		return nil, err
	}
	if in.Prompt != PromptLogin {
		return nil, ErrPromptMismatch
	}
	if login.AccountID == "" {
		return nil, errors.New("login result requires an account")
	}
	if err := e.claim(ctx, in); err != nil {
		return nil, err
	}
	finished := in.recordID

	sess := &Session{
		ID:        rand.Text(),
		AccountID: login.AccountID,
		AuthTime:  e.now().UTC(),
	}
	if err := e.upsert(ctx, storage.KindSession, sess.ID, "", sess, e.sessionTTL); err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}

	in.Prompt = PromptConsent
	in.SessionID = sess.ID
	in.AccountID = sess.AccountID
	in.AuthTime = sess.AuthTime
	in.Result = &Result{Login: login}
	in.recordID = uuid.NewString()
	if err := e.save(ctx, in); err != nil {
		return nil, err
	}
	e.discard(ctx, finished)

	logger.Infow("login succeeded", "uid", uid, "account_id", login.AccountID, "client_id", in.Params.ClientID)
	return &Completion{Interaction: in, SessionID: sess.ID}, nil
}

func (e *Engine) finishConsent(ctx context.Context, uid string, consent *ConsentResult) (*Completion, error) {
	in, err := e.load(ctx, uid)
	if err != nil {
		return nil, err
	}
	if in.Prompt != PromptConsent || in.AccountID == "" {
		return nil, ErrLoginRequired
	}
	if _, err := e.ResumeSession(ctx, in.SessionID); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, ErrLoginRequired
		}
		return nil, err
	}

	requested := in.Params.Scopes()
	granted := requested
	if len(consent.GrantedScopes) > 0 {
		granted = scopes.Normalize(consent.GrantedScopes)
		if err := scopes.Subset(granted, requested); err != nil {
			return nil, scopes.ErrInvalidScope.WithHint(err.Error())
		}
	}
	if requested.Has(scopes.OpenID) && !granted.Has(scopes.OpenID) {
		return nil, fmt.Errorf("%w: %w", fosite.ErrInvalidRequest.WithHint("The openid scope must be granted."), grants.ErrOpenIDRequired)
	}

	if err := e.claim(ctx, in); err != nil {
		return nil, err
	}

	grantID, err := e.grants.Create(ctx, in.AccountID, in.Params.ClientID, requested, granted)
	if err != nil {
		return nil, err
	}
	code, err := e.codes.IssueCode(ctx, tokens.CodeRequest{
		GrantID:             grantID,
		ClientID:            in.Params.ClientID,
		AccountID:           in.AccountID,
		RedirectURI:         in.Params.RedirectURI,
		CodeChallenge:       in.Params.CodeChallenge,
		CodeChallengeMethod: in.Params.CodeChallengeMethod,
		Nonce:               in.Params.Nonce,
		Scopes:              granted,
		AuthTime:            in.AuthTime,
	})
	if err != nil {
		if revokeErr := e.grants.Revoke(ctx, grantID); revokeErr != nil {
			logger.Errorw("failed to revoke grant after code issuance failed",
				"grant_id", grantID,
				"error", revokeErr,
			)
		}
		return nil, err
	}
	e.discard(ctx, in.recordID)

	logger.Infow("consent granted",
		"uid", uid,
		"client_id", in.Params.ClientID,
		"account_id", in.AccountID,
		"grant_id", grantID,
	)
	return &Completion{
		RedirectTo: withQuery(in.Params.RedirectURI, url.Values{"code": {code}}, in.Params.State),
	}, nil
}

func (e *Engine) finishError(ctx context.Context, uid string, result *ErrorResult) (*Completion, error) {
	in, err := e.load(ctx, uid)
	if err != nil {
		return nil, err
	}
	if in.Prompt != PromptLogin && in.Prompt != PromptConsent {
		return nil, ErrPromptMismatch
	}
	if result.Error == "" {
		return nil, errors.New("error result requires an error code")
	}
	if err := e.claim(ctx, in); err != nil {
		return nil, err
	}
	e.discard(ctx, in.recordID)

	logger.Infow("interaction finished with error",
		"uid", uid,
		"client_id", in.Params.ClientID,
		"error", result.Error,
	)
	return &Completion{
		RedirectTo: withQuery(in.Params.RedirectURI, url.Values{
			"error":             {result.Error},
			"error_description": {result.Description},
		}, in.Params.State),
	}, nil
}

// claim consumes the interaction record. Only one finisher gets past it.
func (e *Engine) claim(ctx context.Context, in *Interaction) error {
	err := e.store.Consume(ctx, storage.KindInteraction, in.recordID)
	if errors.Is(err, storage.ErrAlreadyConsumed) {
		logger.Warnw("interaction finished twice", "uid", in.UID, "client_id", in.Params.ClientID)
		return ErrInteractionNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to consume interaction: %w", err)
	}
	// Consume does nothing on a record that is already gone, so check that
	// the one we consumed is still there.
	if _, err := e.store.Find(ctx, storage.KindInteraction, in.recordID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			logger.Warnw("interaction finished twice", "uid", in.UID, "client_id", in.Params.ClientID)
			return ErrInteractionNotFound
		}
		return fmt.Errorf("failed to load interaction: %w", err)
	}
	return nil
}

// discard deletes a consumed interaction record. A failure here only delays
// reclamation until expiry.
func (e *Engine) discard(ctx context.Context, recordID string) {
	if err := e.store.Destroy(ctx, storage.KindInteraction, recordID); err != nil {
		logger.Warnw("failed to delete finished interaction", "record_id", recordID, "error", err)
	}
}

// ResumeSession returns the live session with the given id.
func (e *Engine) ResumeSession(ctx context.Context, sessionID string) (*Session, error) {
	if sessionID == "" {
		return nil, ErrSessionNotFound
	}
	rec, err := e.store.Find(ctx, storage.KindSession, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	var sess Session
	if err := rec.Decode(&sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// EndSession deletes the session. Unknown sessions are ignored.
func (e *Engine) EndSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	if err := e.store.Destroy(ctx, storage.KindSession, sessionID); err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	logger.Debugw("session ended")
	return nil
}

func (e *Engine) load(ctx context.Context, uid string) (*Interaction, error) {
	if uid == "" {
		return nil, ErrInteractionNotFound
	}
	rec, err := e.store.FindByUID(ctx, storage.KindInteraction, uid)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrInteractionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load interaction: %w", err)
	}
	if rec.Consumed() {
		return nil, ErrInteractionNotFound
	}
	var in Interaction
	if err := rec.Decode(&in); err != nil {
		return nil, err
	}
	in.recordID = rec.ID
	return &in, nil
}

// save writes the interaction with the time it has left.
func (e *Engine) save(ctx context.Context, in *Interaction) error {
	ttl := e.interactionTTL - e.now().Sub(in.CreatedAt)
	if ttl <= 0 {
		return ErrInteractionNotFound
	}
	if err := e.upsert(ctx, storage.KindInteraction, in.recordID, in.UID, in, ttl); err != nil {
		return fmt.Errorf("failed to store interaction: %w", err)
	}
	return nil
}

func (e *Engine) upsert(ctx context.Context, kind storage.Kind, id, uid string, v any, ttl time.Duration) error {
	payload, err := storage.NewPayload(v)
	if err != nil {
		return err
	}
	payload.UID = uid
	return e.store.Upsert(ctx, kind, id, payload, ttl)
}
