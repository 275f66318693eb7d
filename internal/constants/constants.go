package constants

import "time"

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
)

const (
	// DeliveryTimeout bounds one delivery attempt so a slow identity cannot
	// starve a shared worker pool.
	DeliveryTimeout = 5 * time.Second
)

const (
	CacheKeyPrefixInbound = "inbound:"
	CacheKeyPrefixToken   = "token:"
)

const (
	DefaultInboundTopic      = "inbound_mail"
	DefaultForwardTopic      = "deliver_forward"
	DefaultBounceTopic       = "deliver_bounce"
	DefaultStoreTopic        = "deliver_store"
	DefaultNotificationTopic = "credential_alerts"
)

const (
	DefaultMongoDBName = "courier"

	QueuedMessagesCollection = "queued_messages"
	CredentialsCollection    = "credentials"
)

const (
	ShutdownTimeout = 5 * time.Second
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Retry queue backoff schedule for transient delivery failures.
const (
	QueueRetryInitialDelay = 30 * time.Second
	QueueRetryMultiplier   = 2.0
	QueueRetryMaxDelay     = 15 * time.Minute
	QueueRetryMaxAttempts  = 3
)

// Credential expiry alert tiers.
const (
	ExpiryWarnThreshold   = 24 * time.Hour
	ExpiryUrgentThreshold = 6 * time.Hour
)

const (
	GateFallbackAllow = "allow"
	GateFallbackDeny  = "deny"
)

const (
	DefaultDrainParallelism = 4
)

const (
	DefaultInboundTTLSeconds = 86400
)
