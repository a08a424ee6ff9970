// Package realtime carries the wire contract and the per-connection command
// pipeline of the sync server.
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mprlab/rtsync/internal/entity"
)

// Subprotocol is the websocket subprotocol identifier for this contract.
const Subprotocol = "rtsync.v1"

// Command kinds (wire-stable).
const (
	KindLogin       = "login"
	KindLoginGoogle = "login_google"
	KindRenew       = "renew"
	KindLogout      = "logout"
	KindQuery       = "query"
	KindCreate      = "create"
	KindUpdate      = "update"
	KindRemove      = "remove"
	KindSubscribe   = "subscribe"
	KindUnsubscribe = "unsubscribe"

	// KindChange is pushed server-to-client on committed mutations.
	KindChange = "change"
	// KindError marks an error-bearing response envelope.
	KindError = "error"
)

// Machine-matchable error kinds carried in error payloads.
const (
	ErrorKindBadEnvelope        = "bad_envelope"
	ErrorKindUnsupported        = "unsupported"
	ErrorKindInvalidRequest     = "invalid_request"
	ErrorKindInvalidCredentials = "invalid_credentials"
	ErrorKindInvalidToken       = "invalid_token"
	ErrorKindRenewalFailed      = "renewal_failed"
	ErrorKindUnauthorized       = "unauthorized"
	ErrorKindHookRejected       = "hook_rejected"
	ErrorKindEntityNotFound     = "entity_not_found"
	ErrorKindInternal           = "internal"
)

// Envelope is the canonical wire wrapper, both directions. Every response
// echoes the reference id of the command it answers.
type Envelope struct {
	ReferenceID string          `json:"reference_id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Validate checks an inbound envelope's framing before dispatch. Unknown
// command kinds pass here and are answered as unsupported by the pipeline;
// only the server-to-client kinds are hard-rejected inbound.
func (envelope Envelope) Validate() error {
	if envelope.Kind == "" {
		return errors.New("missing kind")
	}
	if envelope.Kind == KindChange || envelope.Kind == KindError {
		return fmt.Errorf("kind %s is not a command", envelope.Kind)
	}
	if envelope.ReferenceID == "" {
		return errors.New("missing reference_id")
	}
	return nil
}

// ResponseKind derives the success-response kind for a command kind.
func ResponseKind(commandKind string) string {
	return commandKind + ".response"
}

// LoginPayload carries primary credentials.
type LoginPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginGooglePayload carries a Google ID token bound to a one-time nonce.
type LoginGooglePayload struct {
	GoogleIDToken string `json:"google_id_token"`
	Nonce         string `json:"nonce"`
}

// RenewPayload exchanges a refresh token without re-presenting credentials.
type RenewPayload struct {
	UserID       string `json:"user_id"`
	RefreshToken string `json:"refresh_token"`
}

// LogoutPayload deletes the presented refresh token; Everywhere drops every
// token the owner holds.
type LogoutPayload struct {
	RefreshToken string `json:"refresh_token"`
	Everywhere   bool   `json:"everywhere,omitempty"`
}

// AuthSuccessPayload answers login, login_google, and renew commands.
// Both tokens are always freshly minted by the answered command.
type AuthSuccessPayload struct {
	AccessToken     string         `json:"access_token"`
	ExpiresAt       time.Time      `json:"expires_at"`
	ValidForSeconds float64        `json:"valid_for_seconds"`
	RefreshToken    string         `json:"refresh_token"`
	UserData        map[string]any `json:"user_data"`
}

// QueryPayload requests the readable contents of a collection.
type QueryPayload struct {
	Collection string `json:"collection"`
}

// QueryResultPayload answers a query command.
type QueryResultPayload struct {
	Collection string            `json:"collection"`
	Entities   []entity.Document `json:"entities"`
}

// MutatePayload carries a create or update command.
type MutatePayload struct {
	Collection string          `json:"collection"`
	Entity     entity.Document `json:"entity"`
}

// RemovePayload carries a remove command.
type RemovePayload struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

// MutationResultPayload answers create, update, and remove commands with the
// committed document.
type MutationResultPayload struct {
	Collection string          `json:"collection"`
	Entity     entity.Document `json:"entity"`
}

// SubscribePayload manages collection subscriptions for change notification.
type SubscribePayload struct {
	Collection string `json:"collection"`
}

// SubscribeResultPayload answers subscribe and unsubscribe commands.
type SubscribeResultPayload struct {
	Collection string `json:"collection"`
	Subscribed bool   `json:"subscribed"`
}

// ChangePayload notifies subscribed connections of a committed mutation.
type ChangePayload struct {
	Collection string          `json:"collection"`
	ChangeKind string          `json:"change_kind"`
	Entity     entity.Document `json:"entity"`
}

// ErrorPayload carries a typed failure back to the caller.
type ErrorPayload struct {
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
}

func newResponse(referenceID string, kind string, payload any) Envelope {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return newErrorResponse(referenceID, ErrorKindInternal, "response encoding failed")
	}
	return Envelope{ReferenceID: referenceID, Kind: kind, Payload: encoded}
}

func newErrorResponse(referenceID string, errorKind string, message string) Envelope {
	encoded, _ := json.Marshal(ErrorPayload{ErrorKind: errorKind, Message: message})
	return Envelope{ReferenceID: referenceID, Kind: KindError, Payload: encoded}
}
