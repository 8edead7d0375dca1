package policyflow

import (
	runtimepkg "github.com/drblury/policyflow/internal/runtime"
	configpkg "github.com/drblury/policyflow/internal/runtime/config"
	envelopepkg "github.com/drblury/policyflow/internal/runtime/envelope"
	errspkg "github.com/drblury/policyflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/policyflow/internal/runtime/handlers"
	idspkg "github.com/drblury/policyflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/policyflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/policyflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/policyflow/internal/runtime/metadata"
	"github.com/drblury/policyflow/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies

	Envelope      = envelopepkg.Envelope
	Ack           = runtimepkg.Ack
	Producer      = runtimepkg.Producer
	PublishOption = runtimepkg.PublishOption

	ConsumerRegistration           = runtimepkg.ConsumerRegistration
	DeadLetterConsumerRegistration = runtimepkg.DeadLetterConsumerRegistration
	DeadLetterRecord               = runtimepkg.DeadLetterRecord
	DeadLetterHandler              = runtimepkg.DeadLetterHandler
	EnvelopeContext                = handlerpkg.EnvelopeContext
	EnvelopeHandler                = handlerpkg.EnvelopeHandler
	MessageContextBase             = handlerpkg.MessageContextBase

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration

	// Failure handling
	Classification        = runtimepkg.Classification
	FailureClassifier     = runtimepkg.FailureClassifier
	FailureClassifierFunc = runtimepkg.FailureClassifierFunc
	ClassifierOption      = runtimepkg.ClassifierOption
	RetryPolicy           = runtimepkg.RetryPolicy

	// Delivery and alert hooks
	DeliveryContext = runtimepkg.DeliveryContext
	DeliveryHooks   = runtimepkg.DeliveryHooks
	AlertHooks      = runtimepkg.AlertHooks

	// DLQ metrics
	DLQMetrics         = runtimepkg.DLQMetrics
	DLQTopicMetrics    = runtimepkg.DLQTopicMetrics
	DLQMetricsSnapshot = runtimepkg.DLQMetricsSnapshot

	ConsumerInfo  = runtimepkg.ConsumerInfo
	ConsumerStats = runtimepkg.ConsumerStats

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	PublishError     = errspkg.PublishError
	PublishErrorKind = errspkg.PublishErrorKind

	TransportBuilder      = transport.Builder
	TransportConfig       = transport.Config
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities
)

var (
	NewService     = runtimepkg.NewService
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig

	RegisterConsumer           = runtimepkg.RegisterConsumer
	RegisterDeadLetterConsumer = runtimepkg.RegisterDeadLetterConsumer
	EnvelopeFunc               = handlerpkg.EnvelopeFunc

	NewEnvelope          = envelopepkg.New
	NewPublisher         = runtimepkg.NewPublisher
	NewFailureClassifier = runtimepkg.NewFailureClassifier
	WithNonRetryable     = runtimepkg.WithNonRetryable
	WithNonRetryableFunc = runtimepkg.WithNonRetryableFunc
	DefaultRetryPolicy   = runtimepkg.DefaultRetryPolicy

	WithCorrelationID = runtimepkg.WithCorrelationID
	WithMetadata      = runtimepkg.WithMetadata

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	LoggingHooks = runtimepkg.LoggingHooks
	MetricsHooks = runtimepkg.MetricsHooks

	NewDLQMetrics = runtimepkg.NewDLQMetrics

	GetCapabilities   = transport.GetCapabilities
	RegisterTransport = transport.Register
	BuildTransport    = transport.Build

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal
	Encode    = jsoncodec.Encode
	Decode    = jsoncodec.Decode

	ErrServiceRequired       = errspkg.ErrServiceRequired
	ErrHandlerRequired       = errspkg.ErrHandlerRequired
	ErrTopicRequired         = errspkg.ErrTopicRequired
	ErrConsumerGroupRequired = errspkg.ErrConsumerGroupRequired
	ErrDuplicateConsumer     = errspkg.ErrDuplicateConsumer
	ErrPublisherRequired     = errspkg.ErrPublisherRequired
	ErrEventTypeRequired     = errspkg.ErrEventTypeRequired
	ErrSubjectKeyRequired    = errspkg.ErrSubjectKeyRequired
	ErrConfigRequired        = errspkg.ErrConfigRequired
	ErrUnprocessable         = errspkg.ErrUnprocessable
	ErrDeadLetter            = errspkg.ErrDeadLetter

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewJSONServiceLogger = loggingpkg.NewJSONServiceLogger

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
)

// Event types produced by the contract pipeline.
const (
	TypeContractSigned         = envelopepkg.TypeContractSigned
	TypeExternalContractSigned = envelopepkg.TypeExternalContractSigned
)

// Failure classes returned by a FailureClassifier.
const (
	Retryable = runtimepkg.Retryable
	Fatal     = runtimepkg.Fatal
)

// Metadata keys - use these constants for standard metadata fields.
const (
	MetadataKeyCorrelationID = handlerpkg.MetadataKeyCorrelationID
	MetadataKeyEventID       = handlerpkg.MetadataKeyEventID
	MetadataKeyEventType     = handlerpkg.MetadataKeyEventType
	MetadataKeySubjectKey    = handlerpkg.MetadataKeySubjectKey
	MetadataKeyReplayedFrom  = handlerpkg.MetadataKeyReplayedFrom
	MetadataKeyTraceID       = handlerpkg.MetadataKeyTraceID
	MetadataKeySpanID        = handlerpkg.MetadataKeySpanID
)

// WithNonRetryableType marks every error matching T as fatal.
func WithNonRetryableType[T error]() ClassifierOption {
	return runtimepkg.WithNonRetryableType[T]()
}
