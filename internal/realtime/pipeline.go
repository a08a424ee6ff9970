package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/mprlab/rtsync/internal/entity"
	"github.com/mprlab/rtsync/internal/policy"
	"github.com/mprlab/rtsync/internal/synckit"
)

// Pipeline routes decoded command envelopes to their handlers. Auth commands
// go to the renewal protocol and login surfaces; everything else runs
// through the policy registry before touching the entity store.
//
// The pipeline never special-cases "must be logged in": an unauthenticated
// session simply fails whichever policy predicates require roles.
type Pipeline struct {
	renewer     *synckit.Renewer
	credentials synckit.CredentialVerifier
	googleLogin *synckit.GoogleLogin
	registry    *policy.Registry
	entities    entity.Store
	hub         *Hub
	logger      *zap.Logger
	metrics     synckit.MetricsRecorder
}

// NewPipeline wires the pipeline to its collaborators. googleLogin may be
// nil, which disables the login_google command.
func NewPipeline(renewer *synckit.Renewer, credentials synckit.CredentialVerifier, googleLogin *synckit.GoogleLogin, registry *policy.Registry, entities entity.Store, hub *Hub, logger *zap.Logger, metrics synckit.MetricsRecorder) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = synckit.NewCounterMetrics()
	}
	return &Pipeline{
		renewer:     renewer,
		credentials: credentials,
		googleLogin: googleLogin,
		registry:    registry,
		entities:    entities,
		hub:         hub,
		logger:      logger,
		metrics:     metrics,
	}
}

// Handle executes one command and returns exactly one response envelope
// bearing the command's reference id. Failures never propagate: every error
// path is converted into an error-bearing response.
func (pipeline *Pipeline) Handle(ctx context.Context, session *ConnectionSession, envelope Envelope) Envelope {
	if err := envelope.Validate(); err != nil {
		return newErrorResponse(envelope.ReferenceID, ErrorKindBadEnvelope, err.Error())
	}

	switch envelope.Kind {
	case KindLogin:
		return pipeline.handleLogin(ctx, session, envelope)
	case KindLoginGoogle:
		return pipeline.handleLoginGoogle(ctx, session, envelope)
	case KindRenew:
		return pipeline.handleRenew(ctx, session, envelope)
	case KindLogout:
		return pipeline.handleLogout(ctx, session, envelope)
	case KindQuery:
		return pipeline.handleQuery(ctx, session, envelope)
	case KindCreate, KindUpdate, KindRemove:
		return pipeline.handleMutation(ctx, session, envelope)
	case KindSubscribe, KindUnsubscribe:
		return pipeline.handleSubscription(session, envelope)
	default:
		return newErrorResponse(envelope.ReferenceID, ErrorKindUnsupported, "unsupported kind: "+envelope.Kind)
	}
}

func (pipeline *Pipeline) handleLogin(ctx context.Context, session *ConnectionSession, envelope Envelope) Envelope {
	var payload LoginPayload
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		return newErrorResponse(envelope.ReferenceID, ErrorKindBadEnvelope, "invalid login payload")
	}
	if strings.TrimSpace(payload.Username) == "" || payload.Password == "" {
		return newErrorResponse(envelope.ReferenceID, ErrorKindInvalidRequest, "username and password cannot be empty")
	}
	principal, verifyErr := pipeline.credentials.VerifyCredentials(ctx, payload.Username, payload.Password)
	if verifyErr != nil {
		pipeline.metrics.Increment("login.rejected")
		return newErrorResponse(envelope.ReferenceID, ErrorKindInvalidCredentials, "wrong username or password")
	}
	return pipeline.finishAuth(ctx, session, envelope.ReferenceID, envelope.Kind, principal)
}

func (pipeline *Pipeline) handleLoginGoogle(ctx context.Context, session *ConnectionSession, envelope Envelope) Envelope {
	if pipeline.googleLogin == nil {
		return newErrorResponse(envelope.ReferenceID, ErrorKindUnsupported, "google sign-in is not enabled")
	}
	var payload LoginGooglePayload
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		return newErrorResponse(envelope.ReferenceID, ErrorKindBadEnvelope, "invalid login_google payload")
	}
	principal, exchangeErr := pipeline.googleLogin.Exchange(ctx, payload.GoogleIDToken, payload.Nonce)
	if exchangeErr != nil {
		if errors.Is(exchangeErr, synckit.ErrInvalidRequest) {
			return newErrorResponse(envelope.ReferenceID, ErrorKindInvalidRequest, "google id token and nonce cannot be empty")
		}
		pipeline.metrics.Increment("login_google.rejected")
		return newErrorResponse(envelope.ReferenceID, ErrorKindInvalidCredentials, "google sign-in rejected")
	}
	return pipeline.finishAuth(ctx, session, envelope.ReferenceID, envelope.Kind, principal)
}

func (pipeline *Pipeline) finishAuth(ctx context.Context, session *ConnectionSession, referenceID string, kind string, principal synckit.Principal) Envelope {
	result, issueErr := pipeline.renewer.IssueFirstToken(ctx, principal)
	if issueErr != nil {
		pipeline.logger.Error("token issuance failed",
			zap.String("code", "pipeline.issue_failure"),
			zap.Error(issueErr))
		return newErrorResponse(referenceID, ErrorKindInternal, "token issuance failed")
	}
	session.SetPrincipal(result.Principal)
	return newResponse(referenceID, ResponseKind(kind), authSuccessPayload(result))
}

func (pipeline *Pipeline) handleRenew(ctx context.Context, session *ConnectionSession, envelope Envelope) Envelope {
	var payload RenewPayload
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		return newErrorResponse(envelope.ReferenceID, ErrorKindBadEnvelope, "invalid renew payload")
	}
	result, renewErr := pipeline.renewer.Renew(ctx, payload.UserID, payload.RefreshToken)
	if renewErr != nil {
		switch {
		case errors.Is(renewErr, synckit.ErrInvalidRequest):
			return newErrorResponse(envelope.ReferenceID, ErrorKindInvalidRequest, "user id and refresh token cannot be empty")
		case errors.Is(renewErr, synckit.ErrInvalidToken):
			return newErrorResponse(envelope.ReferenceID, ErrorKindInvalidToken, "wrong refresh token")
		case errors.Is(renewErr, synckit.ErrRenewalFailed):
			return newErrorResponse(envelope.ReferenceID, ErrorKindRenewalFailed, "renew failed")
		default:
			pipeline.logger.Error("renewal failed",
				zap.String("code", "pipeline.renew_failure"),
				zap.Error(renewErr))
			return newErrorResponse(envelope.ReferenceID, ErrorKindInternal, "renew failed")
		}
	}
	session.SetPrincipal(result.Principal)
	return newResponse(envelope.ReferenceID, ResponseKind(envelope.Kind), authSuccessPayload(result))
}

func (pipeline *Pipeline) handleLogout(ctx context.Context, session *ConnectionSession, envelope Envelope) Envelope {
	var payload LogoutPayload
	if len(envelope.Payload) > 0 {
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			return newErrorResponse(envelope.ReferenceID, ErrorKindBadEnvelope, "invalid logout payload")
		}
	}
	principal := session.Principal()
	if principal == nil {
		return newErrorResponse(envelope.ReferenceID, ErrorKindInvalidRequest, "not logged in")
	}
	if err := pipeline.renewer.Logout(ctx, principal.ID, payload.RefreshToken, payload.Everywhere); err != nil {
		pipeline.logger.Error("logout failed",
			zap.String("code", "pipeline.logout_failure"),
			zap.Error(err))
		return newErrorResponse(envelope.ReferenceID, ErrorKindInternal, "logout failed")
	}
	session.ClearPrincipal()
	return newResponse(envelope.ReferenceID, ResponseKind(envelope.Kind), struct{}{})
}

func (pipeline *Pipeline) handleQuery(ctx context.Context, session *ConnectionSession, envelope Envelope) Envelope {
	var payload QueryPayload
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		return newErrorResponse(envelope.ReferenceID, ErrorKindBadEnvelope, "invalid query payload")
	}
	if payload.Collection == "" {
		return newErrorResponse(envelope.ReferenceID, ErrorKindInvalidRequest, "collection cannot be empty")
	}
	rctx := pipeline.requestContext(session)

	// Whole-query authorization runs before the store is consulted; a
	// rejection errors rather than returning an empty set.
	if authErr := pipeline.registry.Authorize(policy.OpQuery, payload.Collection, rctx, nil); authErr != nil {
		pipeline.metrics.Increment("pipeline.unauthorized")
		return newErrorResponse(envelope.ReferenceID, ErrorKindUnauthorized, authErr.Error())
	}

	// Query filters narrow the result set before materialization; entry
	// predicates then drop, not error, unauthorized rows.
	filter := pipeline.registry.FilterFor(payload.Collection, rctx)
	candidates, queryErr := pipeline.entities.Query(ctx, payload.Collection, filter)
	if queryErr != nil {
		pipeline.logger.Error("query failed",
			zap.String("code", "pipeline.query_failure"),
			zap.String("collection", payload.Collection),
			zap.Error(queryErr))
		return newErrorResponse(envelope.ReferenceID, ErrorKindInternal, "query failed")
	}
	results := make([]entity.Document, 0, len(candidates))
	for _, candidate := range candidates {
		if pipeline.registry.AuthorizeQueryEntry(payload.Collection, rctx, candidate) {
			results = append(results, candidate)
		}
	}
	return newResponse(envelope.ReferenceID, ResponseKind(envelope.Kind), QueryResultPayload{
		Collection: payload.Collection,
		Entities:   results,
	})
}

func (pipeline *Pipeline) handleMutation(ctx context.Context, session *ConnectionSession, envelope Envelope) Envelope {
	var collection string
	var candidate entity.Document
	var removeID string

	switch envelope.Kind {
	case KindRemove:
		var payload RemovePayload
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			return newErrorResponse(envelope.ReferenceID, ErrorKindBadEnvelope, "invalid remove payload")
		}
		collection, removeID = payload.Collection, payload.ID
		if collection == "" || removeID == "" {
			return newErrorResponse(envelope.ReferenceID, ErrorKindInvalidRequest, "collection and id cannot be empty")
		}
		existing, getErr := pipeline.entities.Get(ctx, collection, removeID)
		if getErr != nil {
			if errors.Is(getErr, entity.ErrEntityNotFound) {
				return newErrorResponse(envelope.ReferenceID, ErrorKindEntityNotFound, "entity not found")
			}
			return pipeline.internalError(envelope.ReferenceID, "pipeline.get_failure", getErr)
		}
		candidate = existing
	default:
		var payload MutatePayload
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			return newErrorResponse(envelope.ReferenceID, ErrorKindBadEnvelope, "invalid mutation payload")
		}
		collection, candidate = payload.Collection, payload.Entity
		if collection == "" || candidate == nil {
			return newErrorResponse(envelope.ReferenceID, ErrorKindInvalidRequest, "collection and entity cannot be empty")
		}
	}

	op := operationFor(envelope.Kind)
	rctx := pipeline.requestContext(session)

	if authErr := pipeline.registry.Authorize(op, collection, rctx, candidate); authErr != nil {
		pipeline.metrics.Increment("pipeline.unauthorized")
		return newErrorResponse(envelope.ReferenceID, ErrorKindUnauthorized, authErr.Error())
	}

	// Before hooks run pre-mutation: a rejection here means nothing was
	// staged, let alone persisted.
	if beforeErr := pipeline.registry.RunBefore(op, collection, rctx, candidate); beforeErr != nil {
		return newErrorResponse(envelope.ReferenceID, ErrorKindHookRejected, hookMessage(beforeErr))
	}

	// A closing connection must not abort a commit that is already under
	// way; only response delivery is best-effort.
	commitCtx := context.WithoutCancel(ctx)
	tx, beginErr := pipeline.entities.Begin(commitCtx)
	if beginErr != nil {
		return pipeline.internalError(envelope.ReferenceID, "pipeline.begin_failure", beginErr)
	}

	var staged entity.Document
	var stageErr error
	switch op {
	case policy.OpCreate:
		staged, stageErr = tx.Create(collection, candidate)
	case policy.OpUpdate:
		staged, stageErr = tx.Update(collection, candidate)
	case policy.OpRemove:
		staged, stageErr = tx.Remove(collection, removeID)
	}
	if stageErr != nil {
		_ = tx.Rollback()
		switch {
		case errors.Is(stageErr, entity.ErrEntityNotFound):
			return newErrorResponse(envelope.ReferenceID, ErrorKindEntityNotFound, "entity not found")
		case errors.Is(stageErr, entity.ErrMissingEntityID):
			return newErrorResponse(envelope.ReferenceID, ErrorKindInvalidRequest, "entity id cannot be empty")
		default:
			return pipeline.internalError(envelope.ReferenceID, "pipeline.stage_failure", stageErr)
		}
	}

	// BeforeSave hooks see the staged document inside the open transaction
	// and may still mutate or veto it.
	if beforeSaveErr := pipeline.registry.RunBeforeSave(op, collection, rctx, staged); beforeSaveErr != nil {
		_ = tx.Rollback()
		return newErrorResponse(envelope.ReferenceID, ErrorKindHookRejected, hookMessage(beforeSaveErr))
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return pipeline.internalError(envelope.ReferenceID, "pipeline.commit_failure", commitErr)
	}
	pipeline.metrics.Increment("pipeline." + string(op))

	// After hooks cannot undo the commit; their failures are logged, never
	// surfaced.
	for _, afterErr := range pipeline.registry.RunAfter(op, collection, rctx, staged) {
		pipeline.logger.Error("after hook failed",
			zap.String("code", "hooks.after_failure"),
			zap.String("collection", collection),
			zap.String("operation", string(op)),
			zap.Error(afterErr))
	}

	if pipeline.hub != nil {
		change := newResponse("", KindChange, ChangePayload{
			Collection: collection,
			ChangeKind: envelope.Kind,
			Entity:     staged,
		})
		// A change notification must never show a recipient more than its
		// own query would: each subscriber's filters and entry predicates
		// are re-evaluated against the committed document.
		pipeline.hub.PublishChange(collection, change, session.ConnectionID, func(recipient *ConnectionSession) bool {
			recipientCtx := pipeline.requestContext(recipient)
			if filter := pipeline.registry.FilterFor(collection, recipientCtx); filter != nil && !filter(staged) {
				return false
			}
			return pipeline.registry.AuthorizeQueryEntry(collection, recipientCtx, staged)
		})
	}

	return newResponse(envelope.ReferenceID, ResponseKind(envelope.Kind), MutationResultPayload{
		Collection: collection,
		Entity:     staged,
	})
}

func (pipeline *Pipeline) handleSubscription(session *ConnectionSession, envelope Envelope) Envelope {
	var payload SubscribePayload
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		return newErrorResponse(envelope.ReferenceID, ErrorKindBadEnvelope, "invalid subscribe payload")
	}
	if payload.Collection == "" {
		return newErrorResponse(envelope.ReferenceID, ErrorKindInvalidRequest, "collection cannot be empty")
	}
	subscribed := envelope.Kind == KindSubscribe
	if subscribed {
		session.Subscribe(payload.Collection)
	} else {
		session.Unsubscribe(payload.Collection)
	}
	return newResponse(envelope.ReferenceID, ResponseKind(envelope.Kind), SubscribeResultPayload{
		Collection: payload.Collection,
		Subscribed: subscribed,
	})
}

func (pipeline *Pipeline) requestContext(session *ConnectionSession) *policy.RequestContext {
	return &policy.RequestContext{
		ConnectionID: session.ConnectionID,
		Principal:    session.Principal(),
	}
}

func (pipeline *Pipeline) internalError(referenceID string, code string, err error) Envelope {
	pipeline.logger.Error("command failed",
		zap.String("code", code),
		zap.Error(err))
	return newErrorResponse(referenceID, ErrorKindInternal, "command failed")
}

func operationFor(kind string) policy.Operation {
	switch kind {
	case KindCreate:
		return policy.OpCreate
	case KindUpdate:
		return policy.OpUpdate
	default:
		return policy.OpRemove
	}
}

func hookMessage(err error) string {
	return strings.TrimPrefix(err.Error(), policy.ErrHookRejected.Error()+": ")
}

func authSuccessPayload(result synckit.RenewResult) AuthSuccessPayload {
	return AuthSuccessPayload{
		AccessToken:     result.AccessToken,
		ExpiresAt:       result.ExpiresAt,
		ValidForSeconds: result.ValidFor.Seconds(),
		RefreshToken:    result.RefreshKey,
		UserData: map[string]any{
			"id":           result.Principal.ID,
			"email":        result.Principal.Email,
			"display_name": result.Principal.DisplayName,
			"roles":        result.Principal.Roles,
		},
	}
}
