package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mprlab/rtsync/internal/entity"
	"github.com/mprlab/rtsync/internal/policy"
	"github.com/mprlab/rtsync/internal/synckit"
)

type fixedClock struct {
	timestamp time.Time
}

func (clock fixedClock) Now() time.Time {
	return clock.timestamp
}

type pipelineFixture struct {
	pipeline   *Pipeline
	session    *ConnectionSession
	hub        *Hub
	entities   *entity.MemoryStore
	identities *synckit.MemoryIdentityStore
	tokens     *synckit.MemoryRefreshTokenStore
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()

	clock := fixedClock{timestamp: time.Unix(1700000000, 0)}
	tokens := synckit.NewMemoryRefreshTokenStore(clock)
	identities := synckit.NewMemoryIdentityStore()
	if err := identities.AddUser("alice", "alice@example.com", "Alice", []string{"user", "editor"}, "correct-horse"); err != nil {
		t.Fatalf("seed alice error: %v", err)
	}
	if err := identities.AddUser("bob", "bob@example.com", "Bob", []string{"user"}, "hunter2222"); err != nil {
		t.Fatalf("seed bob error: %v", err)
	}
	signer := synckit.NewJWTSigner([]byte("signing-key"), "rtsync", clock)
	renewer := synckit.NewRenewer(tokens, identities, signer, clock, nil, nil, 15*time.Minute, time.Hour)

	registry := policy.NewRegistry()
	registry.DefinePolicy("editors", "editor", "admin")
	registry.Collection("document").
		AddUpdateAuth("editors", nil).
		AddRemoveAuth("editors", nil).
		OnCreate(func(doc entity.Document, rctx *policy.RequestContext) error {
			if doc["title"] == "forbidden" {
				return errors.New("title is forbidden")
			}
			return nil
		}, func(doc entity.Document, rctx *policy.RequestContext) error {
			doc["stamped"] = true
			return nil
		}, nil)
	registry.Collection("notes").AddQueryFilter(func(rctx *policy.RequestContext) entity.Filter {
		return func(doc entity.Document) bool {
			if doc["visibility"] == "public" {
				return true
			}
			return rctx.Principal != nil && doc["owner"] == rctx.Principal.ID
		}
	})
	registry.Collection("ledger").
		AddQueryAuth("editors", nil).
		AddQueryEntryAuth("editors", nil)
	registry.Seal()

	entities := entity.NewMemoryStore()
	hub := NewHub(nil)
	pipeline := NewPipeline(renewer, identities, nil, registry, entities, hub, nil, nil)
	session := NewConnectionSession(clock.Now())

	return &pipelineFixture{
		pipeline:   pipeline,
		session:    session,
		hub:        hub,
		entities:   entities,
		identities: identities,
		tokens:     tokens,
	}
}

func command(t *testing.T, referenceID string, kind string, payload any) Envelope {
	t.Helper()
	encoded, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("payload encode error: %v", err)
	}
	return Envelope{ReferenceID: referenceID, Kind: kind, Payload: encoded}
}

func decodeAs[T any](t *testing.T, envelope Envelope) T {
	t.Helper()
	var decoded T
	if err := json.Unmarshal(envelope.Payload, &decoded); err != nil {
		t.Fatalf("response decode error: %v", err)
	}
	return decoded
}

func expectError(t *testing.T, envelope Envelope, errorKind string) ErrorPayload {
	t.Helper()
	if envelope.Kind != KindError {
		t.Fatalf("expected error envelope, got kind %s", envelope.Kind)
	}
	payload := decodeAs[ErrorPayload](t, envelope)
	if payload.ErrorKind != errorKind {
		t.Fatalf("expected error kind %s, got %s (%s)", errorKind, payload.ErrorKind, payload.Message)
	}
	return payload
}

func login(t *testing.T, fixture *pipelineFixture, username string, password string) AuthSuccessPayload {
	t.Helper()
	response := fixture.pipeline.Handle(context.Background(), fixture.session, command(t, "login-ref", KindLogin, LoginPayload{Username: username, Password: password}))
	if response.Kind != "login.response" {
		t.Fatalf("expected login.response, got %s: %s", response.Kind, string(response.Payload))
	}
	return decodeAs[AuthSuccessPayload](t, response)
}

func seedDocument(t *testing.T, fixture *pipelineFixture, collection string, doc entity.Document) {
	t.Helper()
	tx, err := fixture.entities.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin error: %v", err)
	}
	if _, err := tx.Create(collection, doc); err != nil {
		t.Fatalf("seed create error: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("seed commit error: %v", err)
	}
}

func TestPipelineLoginSuccess(t *testing.T) {
	fixture := newPipelineFixture(t)

	auth := login(t, fixture, "alice", "correct-horse")
	if auth.AccessToken == "" || auth.RefreshToken == "" {
		t.Fatalf("expected freshly minted tokens")
	}
	if auth.ValidForSeconds != (15 * time.Minute).Seconds() {
		t.Fatalf("unexpected valid_for_seconds: %v", auth.ValidForSeconds)
	}
	if auth.UserData["id"] != "alice" {
		t.Fatalf("unexpected user data: %v", auth.UserData)
	}
	principal := fixture.session.Principal()
	if principal == nil || principal.ID != "alice" {
		t.Fatalf("expected session principal alice, got %+v", principal)
	}
}

func TestPipelineLoginFailures(t *testing.T) {
	fixture := newPipelineFixture(t)

	response := fixture.pipeline.Handle(context.Background(), fixture.session, command(t, "ref", KindLogin, LoginPayload{Username: "alice", Password: "wrong-password"}))
	payload := expectError(t, response, ErrorKindInvalidCredentials)
	if payload.Message != "wrong username or password" {
		t.Fatalf("unexpected message: %s", payload.Message)
	}

	response = fixture.pipeline.Handle(context.Background(), fixture.session, command(t, "ref", KindLogin, LoginPayload{Username: "  ", Password: ""}))
	expectError(t, response, ErrorKindInvalidRequest)

	if fixture.session.Principal() != nil {
		t.Fatalf("expected failed logins to leave the session unauthenticated")
	}
}

func TestPipelineRenewRotatesAndRejectsReplay(t *testing.T) {
	fixture := newPipelineFixture(t)
	auth := login(t, fixture, "alice", "correct-horse")

	response := fixture.pipeline.Handle(context.Background(), fixture.session, command(t, "renew-ref", KindRenew, RenewPayload{UserID: "alice", RefreshToken: auth.RefreshToken}))
	if response.Kind != "renew.response" {
		t.Fatalf("expected renew.response, got %s: %s", response.Kind, string(response.Payload))
	}
	renewed := decodeAs[AuthSuccessPayload](t, response)
	if renewed.RefreshToken == auth.RefreshToken {
		t.Fatalf("expected rotated refresh token")
	}

	replay := fixture.pipeline.Handle(context.Background(), fixture.session, command(t, "replay-ref", KindRenew, RenewPayload{UserID: "alice", RefreshToken: auth.RefreshToken}))
	payload := expectError(t, replay, ErrorKindInvalidToken)
	if payload.Message != "wrong refresh token" {
		t.Fatalf("unexpected message: %s", payload.Message)
	}
	if replay.ReferenceID != "replay-ref" {
		t.Fatalf("expected response to echo the reference id")
	}
}

func TestPipelineRenewErrorMapping(t *testing.T) {
	fixture := newPipelineFixture(t)

	response := fixture.pipeline.Handle(context.Background(), fixture.session, command(t, "ref", KindRenew, RenewPayload{}))
	expectError(t, response, ErrorKindInvalidRequest)

	auth := login(t, fixture, "alice", "correct-horse")
	fixture.identities.RemoveUser("alice")
	response = fixture.pipeline.Handle(context.Background(), fixture.session, command(t, "ref", KindRenew, RenewPayload{UserID: "alice", RefreshToken: auth.RefreshToken}))
	payload := expectError(t, response, ErrorKindRenewalFailed)
	if payload.Message != "renew failed" {
		t.Fatalf("unexpected message: %s", payload.Message)
	}
}

func TestPipelineLogout(t *testing.T) {
	fixture := newPipelineFixture(t)

	response := fixture.pipeline.Handle(context.Background(), fixture.session, command(t, "ref", KindLogout, LogoutPayload{}))
	expectError(t, response, ErrorKindInvalidRequest)

	auth := login(t, fixture, "alice", "correct-horse")
	response = fixture.pipeline.Handle(context.Background(), fixture.session, command(t, "ref", KindLogout, LogoutPayload{RefreshToken: auth.RefreshToken}))
	if response.Kind != "logout.response" {
		t.Fatalf("expected logout.response, got %s", response.Kind)
	}
	if fixture.session.Principal() != nil {
		t.Fatalf("expected principal to be cleared on logout")
	}
	if fixture.tokens.CountForOwner("alice") != 0 {
		t.Fatalf("expected refresh token to be deleted on logout")
	}
}

func TestPipelineQueryAppliesFiltersAndPolicy(t *testing.T) {
	fixture := newPipelineFixture(t)
	seedDocument(t, fixture, "notes", entity.Document{"id": "n1", "visibility": "public"})
	seedDocument(t, fixture, "notes", entity.Document{"id": "n2", "visibility": "private", "owner": "alice"})
	seedDocument(t, fixture, "notes", entity.Document{"id": "n3", "visibility": "private", "owner": "bob"})

	// Anonymous sessions see only public notes.
	response := fixture.pipeline.Handle(context.Background(), fixture.session, command(t, "ref", KindQuery, QueryPayload{Collection: "notes"}))
	result := decodeAs[QueryResultPayload](t, response)
	if len(result.Entities) != 1 || result.Entities[0].ID() != "n1" {
		t.Fatalf("expected only the public note, got %v", result.Entities)
	}

	login(t, fixture, "alice", "correct-horse")
	response = fixture.pipeline.Handle(context.Background(), fixture.session, command(t, "ref", KindQuery, QueryPayload{Collection: "notes"}))
	result = decodeAs[QueryResultPayload](t, response)
	if len(result.Entities) != 2 {
		t.Fatalf("expected alice to see public plus her own note, got %v", result.Entities)
	}

	response = fixture.pipeline.Handle(context.Background(), fixture.session, command(t, "ref", KindQuery, QueryPayload{Collection: ""}))
	expectError(t, response, ErrorKindInvalidRequest)
}

func TestPipelineQueryAuthorization(t *testing.T) {
	fixture := newPipelineFixture(t)
	seedDocument(t, fixture, "ledger", entity.Document{"id": "l1", "amount": 10})

	// The whole query is rejected before the store is consulted, not
	// answered with an empty set.
	response := fixture.pipeline.Handle(context.Background(), fixture.session, command(t, "ref", KindQuery, QueryPayload{Collection: "ledger"}))
	expectError(t, response, ErrorKindUnauthorized)

	login(t, fixture, "alice", "correct-horse")
	response = fixture.pipeline.Handle(context.Background(), fixture.session, command(t, "ref", KindQuery, QueryPayload{Collection: "ledger"}))
	result := decodeAs[QueryResultPayload](t, response)
	if len(result.Entities) != 1 {
		t.Fatalf("expected editor to read the ledger, got %v", result.Entities)
	}
}

func TestPipelineCreateDefaultAllowAndHooks(t *testing.T) {
	fixture := newPipelineFixture(t)

	// Create carries no auth entries, so even an anonymous session may create.
	response := fixture.pipeline.Handle(context.Background(), fixture.session, command(t, "ref", KindCreate, MutatePayload{
		Collection: "document",
		Entity:     entity.Document{"title": "hello"},
	}))
	if response.Kind != "create.response" {
		t.Fatalf("expected create.response, got %s: %s", response.Kind, string(response.Payload))
	}
	result := decodeAs[MutationResultPayload](t, response)
	if result.Entity.ID() == "" {
		t.Fatalf("expected server-assigned id")
	}
	if result.Entity["stamped"] != true {
		t.Fatalf("expected beforeSave hook edit to land in the response")
	}
	stored, err := fixture.entities.Get(context.Background(), "document", result.Entity.ID())
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if stored["stamped"] != true {
		t.Fatalf("expected beforeSave hook edit to be persisted")
	}
}

func TestPipelineBeforeHookRejectionPreventsPersistence(t *testing.T) {
	fixture := newPipelineFixture(t)

	response := fixture.pipeline.Handle(context.Background(), fixture.session, command(t, "ref", KindCreate, MutatePayload{
		Collection: "document",
		Entity:     entity.Document{"title": "forbidden"},
	}))
	payload := expectError(t, response, ErrorKindHookRejected)
	if payload.Message != "title is forbidden" {
		t.Fatalf("unexpected message: %s", payload.Message)
	}
	if fixture.entities.Count("document") != 0 {
		t.Fatalf("expected rejected create to persist nothing")
	}
}

func TestPipelineUpdateAuthorization(t *testing.T) {
	fixture := newPipelineFixture(t)
	seedDocument(t, fixture, "document", entity.Document{"id": "doc-1", "title": "original"})

	update := command(t, "ref", KindUpdate, MutatePayload{
		Collection: "document",
		Entity:     entity.Document{"id": "doc-1", "title": "changed"},
	})

	// Anonymous and non-editor sessions are rejected; the store is untouched.
	expectError(t, fixture.pipeline.Handle(context.Background(), fixture.session, update), ErrorKindUnauthorized)
	login(t, fixture, "bob", "hunter2222")
	expectError(t, fixture.pipeline.Handle(context.Background(), fixture.session, update), ErrorKindUnauthorized)
	stored, _ := fixture.entities.Get(context.Background(), "document", "doc-1")
	if stored["title"] != "original" {
		t.Fatalf("expected unauthorized updates to leave the document unchanged")
	}

	login(t, fixture, "alice", "correct-horse")
	response := fixture.pipeline.Handle(context.Background(), fixture.session, update)
	if response.Kind != "update.response" {
		t.Fatalf("expected update.response, got %s: %s", response.Kind, string(response.Payload))
	}
	stored, _ = fixture.entities.Get(context.Background(), "document", "doc-1")
	if stored["title"] != "changed" {
		t.Fatalf("expected editor update to persist")
	}
}

func TestPipelineRemove(t *testing.T) {
	fixture := newPipelineFixture(t)
	seedDocument(t, fixture, "document", entity.Document{"id": "doc-1", "title": "bye"})

	response := fixture.pipeline.Handle(context.Background(), fixture.session, command(t, "ref", KindRemove, RemovePayload{Collection: "document", ID: "ghost"}))
	expectError(t, response, ErrorKindEntityNotFound)

	login(t, fixture, "alice", "correct-horse")
	response = fixture.pipeline.Handle(context.Background(), fixture.session, command(t, "ref", KindRemove, RemovePayload{Collection: "document", ID: "doc-1"}))
	if response.Kind != "remove.response" {
		t.Fatalf("expected remove.response, got %s: %s", response.Kind, string(response.Payload))
	}
	result := decodeAs[MutationResultPayload](t, response)
	if result.Entity["title"] != "bye" {
		t.Fatalf("expected removed document in the response")
	}
	if fixture.entities.Count("document") != 0 {
		t.Fatalf("expected document to be removed")
	}
}

func TestPipelineSubscriptionAndChangeFanout(t *testing.T) {
	fixture := newPipelineFixture(t)

	watcher := NewClient(NewConnectionSession(time.Unix(1700000000, 0)), 8)
	fixture.hub.Register(watcher)

	response := fixture.pipeline.Handle(context.Background(), watcher.Session, command(t, "ref", KindSubscribe, SubscribePayload{Collection: "document"}))
	subscribed := decodeAs[SubscribeResultPayload](t, response)
	if !subscribed.Subscribed || !watcher.Session.IsSubscribed("document") {
		t.Fatalf("expected subscription to register")
	}

	// A mutation on another connection fans out to the watcher.
	fixture.pipeline.Handle(context.Background(), fixture.session, command(t, "ref", KindCreate, MutatePayload{
		Collection: "document",
		Entity:     entity.Document{"title": "hello"},
	}))
	if len(watcher.Send) != 1 {
		t.Fatalf("expected one change notification, got %d", len(watcher.Send))
	}
	change := <-watcher.Send
	if change.Kind != KindChange {
		t.Fatalf("expected change envelope, got %s", change.Kind)
	}
	changePayload := decodeAs[ChangePayload](t, change)
	if changePayload.Collection != "document" || changePayload.ChangeKind != KindCreate {
		t.Fatalf("unexpected change payload: %+v", changePayload)
	}

	response = fixture.pipeline.Handle(context.Background(), watcher.Session, command(t, "ref", KindUnsubscribe, SubscribePayload{Collection: "document"}))
	unsubscribed := decodeAs[SubscribeResultPayload](t, response)
	if unsubscribed.Subscribed || watcher.Session.IsSubscribed("document") {
		t.Fatalf("expected unsubscribe to take effect")
	}
}

func TestPipelineChangeFanoutHonorsEntryAuthorization(t *testing.T) {
	fixture := newPipelineFixture(t)

	onlooker := NewClient(NewConnectionSession(time.Unix(1700000000, 0)), 8)
	onlooker.Session.Subscribe("ledger")
	editor := NewClient(NewConnectionSession(time.Unix(1700000000, 0)), 8)
	editor.Session.SetPrincipal(synckit.Principal{ID: "alice", Roles: []string{"user", "editor"}})
	editor.Session.Subscribe("ledger")
	fixture.hub.Register(onlooker)
	fixture.hub.Register(editor)

	login(t, fixture, "alice", "correct-horse")
	response := fixture.pipeline.Handle(context.Background(), fixture.session, command(t, "ref", KindCreate, MutatePayload{
		Collection: "ledger",
		Entity:     entity.Document{"amount": 42},
	}))
	if response.Kind != "create.response" {
		t.Fatalf("expected create.response, got %s: %s", response.Kind, string(response.Payload))
	}

	// A change notification shows a recipient no more than its own query
	// would: the entry predicates gate delivery per subscriber.
	if len(editor.Send) != 1 {
		t.Fatalf("expected the editor subscriber to receive the change")
	}
	if len(onlooker.Send) != 0 {
		t.Fatalf("expected the unauthorized subscriber to receive nothing")
	}
}

func TestPipelineChangeFanoutAppliesQueryFilters(t *testing.T) {
	fixture := newPipelineFixture(t)

	watcher := NewClient(NewConnectionSession(time.Unix(1700000000, 0)), 8)
	watcher.Session.Subscribe("notes")
	fixture.hub.Register(watcher)

	login(t, fixture, "alice", "correct-horse")
	fixture.pipeline.Handle(context.Background(), fixture.session, command(t, "ref", KindCreate, MutatePayload{
		Collection: "notes",
		Entity:     entity.Document{"visibility": "private", "owner": "alice"},
	}))
	if len(watcher.Send) != 0 {
		t.Fatalf("expected the private note to stay invisible to the anonymous subscriber")
	}

	fixture.pipeline.Handle(context.Background(), fixture.session, command(t, "ref", KindCreate, MutatePayload{
		Collection: "notes",
		Entity:     entity.Document{"visibility": "public"},
	}))
	if len(watcher.Send) != 1 {
		t.Fatalf("expected the public note change to be delivered")
	}
}

func TestPipelineRejectsMalformedEnvelopes(t *testing.T) {
	fixture := newPipelineFixture(t)

	response := fixture.pipeline.Handle(context.Background(), fixture.session, Envelope{ReferenceID: "ref", Kind: "dance"})
	expectError(t, response, ErrorKindUnsupported)

	response = fixture.pipeline.Handle(context.Background(), fixture.session, Envelope{ReferenceID: "ref", Kind: KindChange})
	expectError(t, response, ErrorKindBadEnvelope)

	response = fixture.pipeline.Handle(context.Background(), fixture.session, Envelope{ReferenceID: "ref", Kind: KindLogin, Payload: json.RawMessage(`{broken`)})
	expectError(t, response, ErrorKindBadEnvelope)

	response = fixture.pipeline.Handle(context.Background(), fixture.session, command(t, "ref", KindLoginGoogle, LoginGooglePayload{GoogleIDToken: "token", Nonce: "nonce"}))
	expectError(t, response, ErrorKindUnsupported)
}
