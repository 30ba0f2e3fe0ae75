package ports

import "context"

// Event topics
const (
	TopicIdentityAuthenticated = "notary.identity.authenticated"
	TopicLogout                = "notary.auth.logout"
	TopicDocumentRegistered    = "notary.document.registered"
	TopicDocumentVerified      = "notary.document.verified"
	TopicDocumentRevoked       = "notary.document.revoked"
)

// EventPublisher publishes domain events to other instances
type EventPublisher interface {
	Publish(ctx context.Context, topic string, key string, event any) error
}
