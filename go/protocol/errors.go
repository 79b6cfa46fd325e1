package protocol

// Severity grades a persisted device error.
type Severity string

const (
	// SeverityWarn marks a recoverable or informational condition.
	SeverityWarn Severity = "warn"
	// SeverityError marks a condition that terminated an ingestion.
	SeverityError Severity = "error"
)

// ErrorCode is a stable identifier for a device or ingestion fault. Codes are
// part of the persisted contract with the backend: they never change meaning
// and are only ever added to.
type ErrorCode string

const (
	// ErrParseFail: an inbound document wasn't valid JSON or lacked
	// required fields.
	ErrParseFail ErrorCode = "PARSE_FAIL"
	// ErrBadTopic: a topic matched a subscription but its device segment
	// isn't a well-formed hardware id.
	ErrBadTopic ErrorCode = "BAD_TOPIC"
	// ErrChunkDecodeFail: a chunk payload wasn't valid base64.
	ErrChunkDecodeFail ErrorCode = "CHUNK_DECODE_FAIL"
	// ErrChunkOutOfRange: a chunk id at or beyond the declared chunk count.
	ErrChunkOutOfRange ErrorCode = "CHUNK_OUT_OF_RANGE"
	// ErrDupChunkConflict: a duplicate chunk id arrived with different bytes.
	ErrDupChunkConflict ErrorCode = "DUP_CHUNK_CONFLICT"
	// ErrAssemblyTimeout: an assembly saw no activity within the capture
	// timeout and was reaped.
	ErrAssemblyTimeout ErrorCode = "ASSEMBLY_TIMEOUT"
	// ErrAssemblyRetransmitExhausted: retransmission attempts exceeded the
	// limit with no progress.
	ErrAssemblyRetransmitExhausted ErrorCode = "ASSEMBLY_RETRANSMIT_EXHAUSTED"
	// ErrSizeMismatch: assembled byte count differs from the declared size.
	ErrSizeMismatch ErrorCode = "SIZE_MISMATCH"
	// ErrJPEGInvalid: assembled bytes lack JPEG start/end markers.
	ErrJPEGInvalid ErrorCode = "JPEG_INVALID"
	// ErrHashMismatch: computed SHA-256 differs from the declared digest.
	ErrHashMismatch ErrorCode = "HASH_MISMATCH"
	// ErrStorageUploadFail: the blob store rejected the assembled image.
	ErrStorageUploadFail ErrorCode = "STORAGE_UPLOAD_FAIL"
	// ErrCaptureUpdateFail: the capture record couldn't be finalized.
	ErrCaptureUpdateFail ErrorCode = "CAPTURE_UPDATE_FAIL"
	// ErrUnknownDevice: traffic from a hardware id with no device row.
	ErrUnknownDevice ErrorCode = "UNKNOWN_DEVICE"
	// ErrBackpressureDrop: a device mailbox was full and the message was
	// dropped.
	ErrBackpressureDrop ErrorCode = "BACKPRESSURE_DROP"
	// ErrOverload: an assembly cap was hit and a new assembly was refused.
	ErrOverload ErrorCode = "OVERLOAD"
	// ErrOversized: declared or accepted image bytes exceed the limit.
	ErrOversized ErrorCode = "OVERSIZED"
)

// DefaultSeverity is the severity an error code is persisted with unless the
// emitting site overrides it. The size check does: a strict-mode mismatch
// terminates its capture and is recorded as an error instead.
func (c ErrorCode) DefaultSeverity() Severity {
	switch c {
	case ErrChunkOutOfRange,
		ErrDupChunkConflict,
		ErrSizeMismatch,
		ErrUnknownDevice,
		ErrBackpressureDrop,
		ErrOverload:
		return SeverityWarn
	default:
		return SeverityError
	}
}
