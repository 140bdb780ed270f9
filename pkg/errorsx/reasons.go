package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonConversion ReasonCode = "audio_conversion"

	ReasonASRConnect ReasonCode = "asr_connect"
	ReasonASRSend    ReasonCode = "asr_send"
	ReasonASRStream  ReasonCode = "asr_stream"
	ReasonASRRetry   ReasonCode = "asr_retry"

	ReasonLLMGenerate  ReasonCode = "llm_generate"
	ReasonLLMRateLimit ReasonCode = "llm_rate_limit"

	ReasonTTSSynthesize ReasonCode = "tts_synthesize"
	ReasonTTSEmpty      ReasonCode = "tts_empty_result"
	ReasonTTSRateLimit  ReasonCode = "tts_rate_limit"

	ReasonSessionState     ReasonCode = "session_state"
	ReasonSessionDuplicate ReasonCode = "session_duplicate_call"

	ReasonPersist ReasonCode = "transcript_persist"

	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
	ReasonTransportSend             ReasonCode = "transport_send"
	ReasonTransportDial             ReasonCode = "transport_dial"
)
